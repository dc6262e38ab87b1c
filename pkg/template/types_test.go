package template_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docent-net/cluster-rebalancer/pkg/template"
)

func tmpl(name string, isDefault bool) template.NodeTemplate {
	return template.NodeTemplate{
		ID:          "id-" + name,
		Name:        name,
		IsDefault:   isDefault,
		IsEnabled:   true,
		Constraints: template.Constraints{OnDemand: true},
	}
}

func TestNewSnapshot_RequiresExactlyOneDefault(t *testing.T) {
	_, err := template.NewSnapshot("v1", []template.NodeTemplate{tmpl("a", false)})
	require.Error(t, err)

	_, err = template.NewSnapshot("v1", []template.NodeTemplate{tmpl("a", true), tmpl("b", true)})
	require.Error(t, err)

	snap, err := template.NewSnapshot("v1", []template.NodeTemplate{tmpl("a", true), tmpl("b", false)})
	require.NoError(t, err)
	require.Equal(t, "a", snap.Default().Name)
}

func TestNewSnapshot_RejectsDuplicateNames(t *testing.T) {
	_, err := template.NewSnapshot("v1", []template.NodeTemplate{tmpl("a", true), tmpl("a", false)})
	require.ErrorContains(t, err, "duplicate template name")
}

func TestNewSnapshot_RejectsInvalidConstraints(t *testing.T) {
	bad := tmpl("a", true)
	bad.Constraints = template.Constraints{} // neither onDemand nor spot
	_, err := template.NewSnapshot("v1", []template.NodeTemplate{bad})
	require.Error(t, err)
}

func TestSnapshot_EnabledExcludesDefaultAndDisabled(t *testing.T) {
	def := tmpl("default", true)
	on := tmpl("on", false)
	off := tmpl("off", false)
	off.IsEnabled = false

	snap, err := template.NewSnapshot("v1", []template.NodeTemplate{def, on, off})
	require.NoError(t, err)

	enabled := snap.Enabled()
	require.Len(t, enabled, 1)
	require.Equal(t, "on", enabled[0].Name)
}

func TestConstraints_Validate(t *testing.T) {
	cases := []struct {
		name    string
		c       template.Constraints
		wantErr bool
	}{
		{"no pricing class", template.Constraints{}, true},
		{"min above max cpu", template.Constraints{OnDemand: true, MinCPU: 8, MaxCPU: 2}, true},
		{"min above max memory", template.Constraints{OnDemand: true, MinMemoryMiB: 8192, MaxMemoryMiB: 1024}, true},
		{"include and exclude together", template.Constraints{OnDemand: true, IncludeFamilies: []string{"a"}, ExcludeFamilies: []string{"b"}}, true},
		{"bad optimization state", template.Constraints{OnDemand: true, Burstable: "maybe"}, true},
		{"diversity limit above 100", template.Constraints{Spot: true, SpotDiversityPriceIncreaseLimitPercent: 150}, true},
		{"unknown predictions feed", template.Constraints{Spot: true, SpotInterruptionPredictionsType: "crystal-ball"}, true},
		{"known predictions feed", template.Constraints{Spot: true, SpotInterruptionPredictionsType: template.PredictionsAWSRebalanceRecommendations}, false},
		{"well formed", template.Constraints{OnDemand: true, Spot: true, MinCPU: 2, MaxCPU: 8}, false},
	}
	for _, tc := range cases {
		err := tc.c.Validate()
		if tc.wantErr {
			require.Error(t, err, tc.name)
		} else {
			require.NoError(t, err, tc.name)
		}
	}
}
