package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/docent-net/cluster-rebalancer/pkg/pricing"
	"github.com/docent-net/cluster-rebalancer/pkg/rebalance"
	"github.com/docent-net/cluster-rebalancer/pkg/template"
)

// Fleet is the versioned templates/schedules snapshot handed over by the
// configuration layer. The engine consumes it read-only; campaign snapshots
// are copied out of it at launch time.
type Fleet struct {
	Version string `yaml:"version"`

	Templates []template.NodeTemplate `yaml:"templates"`
	Schedules []rebalance.Schedule    `yaml:"schedules"`

	// Shapes is the instance-shape catalog the selector evaluates.
	Shapes []template.Shape `yaml:"shapes"`

	Prices []PriceEntry `yaml:"prices"`
}

type PriceEntry struct {
	Shape    string  `yaml:"shape"`
	Zone     string  `yaml:"zone"`
	OnDemand float64 `yaml:"onDemand"`
	Spot     float64 `yaml:"spot"`
}

// LoadFleet reads and validates one snapshot. Any malformed template or
// schedule rejects the whole snapshot; the engine keeps the previous one.
func LoadFleet(path string) (*Fleet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f Fleet
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if _, err := f.TemplateSnapshot(); err != nil {
		return nil, err
	}
	for _, s := range f.Schedules {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", s.Name, err)
		}
	}
	return &f, nil
}

// TemplateSnapshot builds the validated, immutable template view.
func (f *Fleet) TemplateSnapshot() (*template.Snapshot, error) {
	return template.NewSnapshot(f.Version, f.Templates)
}

// PriceProvider builds a static provider from the snapshot's price table.
func (f *Fleet) PriceProvider() pricing.Provider {
	p := pricing.NewStatic()
	for _, e := range f.Prices {
		p.SetOnDemand(e.Shape, e.Zone, e.OnDemand)
		if e.Spot > 0 {
			p.SetSpot(e.Shape, e.Zone, e.Spot)
		}
	}
	return p
}
