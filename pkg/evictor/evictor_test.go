package evictor_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	corefake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/docent-net/cluster-rebalancer/pkg/cluster"
	"github.com/docent-net/cluster-rebalancer/pkg/config"
	"github.com/docent-net/cluster-rebalancer/pkg/drain"
	"github.com/docent-net/cluster-rebalancer/pkg/evictor"
	"github.com/docent-net/cluster-rebalancer/pkg/provisioner"
)

const managedLabel = "managed-by-rebalancer"

type staticProvider struct {
	snap *cluster.Snapshot
}

func (p *staticProvider) Snapshot(context.Context) (*cluster.Snapshot, error) {
	return p.snap, nil
}

func oldNode(name string) v1.Node {
	return v1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Labels:            map[string]string{managedLabel: "true"},
			CreationTimestamp: metav1.NewTime(time.Now().Add(-24 * time.Hour)),
		},
	}
}

func runningPod(name, node string) v1.Pod {
	return v1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec:       v1.PodSpec{NodeName: node},
		Status:     v1.PodStatus{Phase: v1.PodRunning},
	}
}

type fixture struct {
	evictor     *evictor.Evictor
	provisioner *provisioner.Fake
	tracker     *cluster.NodeStateTracker
	gate        *cluster.LeaseGate
	clock       *clocktesting.FakeClock
	client      *corefake.Clientset
}

// evictionDeletesPod makes the fake behave like the API server: an accepted
// eviction removes the pod, which the fake clientset does not do on its own.
func evictionDeletesPod(client *corefake.Clientset) k8stesting.ReactionFunc {
	return func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "eviction" {
			return false, nil, nil
		}
		ev := action.(k8stesting.CreateAction).GetObject().(*policyv1.Eviction)
		err := client.Tracker().Delete(v1.SchemeGroupVersion.WithResource("pods"), ev.Namespace, ev.Name)
		return true, nil, err
	}
}

func newEvictor(t *testing.T, cfg config.EvictorConfig, snap *cluster.Snapshot, objs ...runtime.Object) *fixture {
	t.Helper()
	f := &fixture{
		provisioner: &provisioner.Fake{},
		tracker:     cluster.NewNodeStateTracker(),
		gate:        cluster.NewLeaseGate(),
		clock:       clocktesting.NewFakeClock(time.Now()),
		client:      corefake.NewSimpleClientset(objs...),
	}
	f.client.PrependReactor("create", "pods", evictionDeletesPod(f.client))
	f.evictor = &evictor.Evictor{
		Provider:    &staticProvider{snap: snap},
		Drainer:     &drain.Drainer{Client: f.client, PollInterval: 5 * time.Millisecond},
		Provisioner: f.provisioner,
		Tracker:     f.tracker,
		Gate:        f.gate,
		Clock:       f.clock,
		Cfg:         cfg,
		Labels:      config.NodeLabelConfig{Managed: managedLabel, Disabled: "rebalancer-disabled"},
		MaxWorkers:  2,
	}
	return f
}

func baseConfig() config.EvictorConfig {
	return config.EvictorConfig{
		Enabled:                           true,
		CycleInterval:                     time.Minute,
		PodEvictionFailureBackOffInterval: 30 * time.Second,
		MaxEvictionRetries:                3,
	}
}

func TestRunOnce_RemovesEmptyNode(t *testing.T) {
	n1 := oldNode("n1")
	snap := &cluster.Snapshot{Nodes: []v1.Node{n1}}
	f := newEvictor(t, baseConfig(), snap, &n1)

	report, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1)
	require.Equal(t, evictor.ReasonEmpty, report.Candidates[0].Reason)
	require.Equal(t, []string{"n1"}, report.Removed)
	require.Equal(t, 1, f.provisioner.TerminateCount())
	require.Equal(t, cluster.StateRemoved, f.tracker.State("n1"))
}

func TestRunOnce_NodeWithWorkloadIsNotEmpty(t *testing.T) {
	n1 := oldNode("n1")
	pod := runningPod("app", "n1")
	snap := &cluster.Snapshot{Nodes: []v1.Node{n1}, Pods: []v1.Pod{pod}}
	f := newEvictor(t, baseConfig(), snap, &n1, &pod)

	report, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Candidates)
	require.Zero(t, f.provisioner.TerminateCount())
}

func TestRunOnce_GracePeriodProtectsYoungNodes(t *testing.T) {
	young := oldNode("young")
	young.CreationTimestamp = metav1.NewTime(time.Now().Add(-5 * time.Minute))
	snap := &cluster.Snapshot{Nodes: []v1.Node{young}}

	cfg := baseConfig()
	cfg.NodeGracePeriodMinutes = 10
	f := newEvictor(t, cfg, snap, &young)

	report, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Candidates, "node younger than the grace period must never be a candidate")
}

func TestRunOnce_EmptyNodeDelayCountsDown(t *testing.T) {
	n1 := oldNode("n1")
	snap := &cluster.Snapshot{Nodes: []v1.Node{n1}}

	cfg := baseConfig()
	cfg.EmptyNodeDelaySeconds = 300
	f := newEvictor(t, cfg, snap, &n1)

	report, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Candidates, "first empty observation only starts the countdown")

	f.clock.SetTime(f.clock.Now().Add(6 * time.Minute))
	report, err = f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, report.Removed)
}

func TestRunOnce_PodLandingRestartsCountdown(t *testing.T) {
	n1 := oldNode("n1")
	cfg := baseConfig()
	cfg.EmptyNodeDelaySeconds = 300

	empty := &cluster.Snapshot{Nodes: []v1.Node{n1}}
	f := newEvictor(t, cfg, empty, &n1)

	_, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)

	// A pod lands mid-countdown.
	pod := runningPod("app", "n1")
	f.evictor.Provider = &staticProvider{snap: &cluster.Snapshot{Nodes: []v1.Node{n1}, Pods: []v1.Pod{pod}}}
	f.clock.SetTime(f.clock.Now().Add(6 * time.Minute))
	_, err = f.evictor.RunOnce(context.Background())
	require.NoError(t, err)

	// Empty again: the countdown starts over instead of resuming.
	f.evictor.Provider = &staticProvider{snap: empty}
	f.clock.SetTime(f.clock.Now().Add(time.Minute))
	report, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Removed, "countdown must restart after the node stopped being empty")
}

func TestRunOnce_AggressiveModeRemovesUnderusedNode(t *testing.T) {
	n1 := oldNode("n1")
	n1.Status.Allocatable = v1.ResourceList{
		v1.ResourceCPU:    resource.MustParse("8"),
		v1.ResourceMemory: resource.MustParse("32Gi"),
	}
	pod := runningPod("tiny", "n1")
	pod.Spec.Containers = []v1.Container{{
		Name: "c",
		Resources: v1.ResourceRequirements{
			Requests: v1.ResourceList{
				v1.ResourceCPU:    resource.MustParse("100m"),
				v1.ResourceMemory: resource.MustParse("256Mi"),
			},
		},
	}}
	snap := &cluster.Snapshot{Nodes: []v1.Node{n1}, Pods: []v1.Pod{pod}}

	cfg := baseConfig()
	cfg.AggressiveMode = true
	cfg.UnderusedThresholdPercent = 20
	f := newEvictor(t, cfg, snap, &n1, &pod)

	report, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1)
	require.Equal(t, evictor.ReasonUnderused, report.Candidates[0].Reason)
	require.Equal(t, []string{"n1"}, report.Removed)
}

func TestRunOnce_DryRunEvaluatesButNeverActs(t *testing.T) {
	n1 := oldNode("n1")
	snap := &cluster.Snapshot{Nodes: []v1.Node{n1}}

	cfg := baseConfig()
	cfg.DryRun = true
	f := newEvictor(t, cfg, snap, &n1)

	report, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1, "dry-run must report the same candidates as a live run")
	require.Empty(t, report.Removed)
	require.Zero(t, f.provisioner.TerminateCount())

	got, err := f.client.CoreV1().Nodes().Get(context.Background(), "n1", metav1.GetOptions{})
	require.NoError(t, err)
	require.False(t, got.Spec.Unschedulable, "dry-run must not cordon")
	require.Equal(t, cluster.StateActive, f.tracker.State("n1"))
}

func TestRunOnce_ScopedModeIgnoresUnmanagedNodes(t *testing.T) {
	outsider := v1.Node{ObjectMeta: metav1.ObjectMeta{
		Name:              "outsider",
		CreationTimestamp: metav1.NewTime(time.Now().Add(-24 * time.Hour)),
	}}
	snap := &cluster.Snapshot{Nodes: []v1.Node{outsider}}

	cfg := baseConfig()
	cfg.ScopedMode = true
	f := newEvictor(t, cfg, snap, &outsider)

	report, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Candidates)
}

func TestRunOnce_DisabledLabelAndIgnoreLabels(t *testing.T) {
	disabled := oldNode("disabled")
	disabled.Labels["rebalancer-disabled"] = "true"
	ignored := oldNode("ignored")
	ignored.Labels["critical"] = "true"
	snap := &cluster.Snapshot{Nodes: []v1.Node{disabled, ignored}}

	f := newEvictor(t, baseConfig(), snap, &disabled, &ignored)
	f.evictor.IgnoreLabels = map[string]string{"critical": "true"}

	report, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Candidates)
}

func TestRunOnce_LeaseHeldDefersNode(t *testing.T) {
	n1 := oldNode("n1")
	snap := &cluster.Snapshot{Nodes: []v1.Node{n1}}
	f := newEvictor(t, baseConfig(), snap, &n1)

	require.True(t, f.gate.TryAcquire("n1", "rebalancer"))

	report, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Removed)
	require.Zero(t, f.provisioner.TerminateCount())
	require.Equal(t, cluster.StateCandidateEmpty, f.tracker.State("n1"),
		"candidacy is recorded even though the drain is deferred")
}

func TestRunOnce_RecordsUnderusedCandidacy(t *testing.T) {
	n1 := oldNode("n1")
	n1.Status.Allocatable = v1.ResourceList{
		v1.ResourceCPU:    resource.MustParse("8"),
		v1.ResourceMemory: resource.MustParse("32Gi"),
	}
	pod := runningPod("tiny", "n1")
	snap := &cluster.Snapshot{Nodes: []v1.Node{n1}, Pods: []v1.Pod{pod}}

	cfg := baseConfig()
	cfg.AggressiveMode = true
	cfg.UnderusedThresholdPercent = 100
	f := newEvictor(t, cfg, snap, &n1, &pod)

	require.True(t, f.gate.TryAcquire("n1", "rebalancer"))

	_, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, cluster.StateCandidateUnderused, f.tracker.State("n1"))
}

func TestRunOnce_CandidacyClearsWhenPodLands(t *testing.T) {
	n1 := oldNode("n1")
	empty := &cluster.Snapshot{Nodes: []v1.Node{n1}}
	f := newEvictor(t, baseConfig(), empty, &n1)

	// The lease keeps the drain from running so the candidacy survives the
	// cycle.
	require.True(t, f.gate.TryAcquire("n1", "rebalancer"))
	_, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, cluster.StateCandidateEmpty, f.tracker.State("n1"))

	pod := runningPod("app", "n1")
	f.evictor.Provider = &staticProvider{snap: &cluster.Snapshot{Nodes: []v1.Node{n1}, Pods: []v1.Pod{pod}}}
	_, err = f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, cluster.StateActive, f.tracker.State("n1"),
		"a node that stopped qualifying must shed its candidacy")
}

func TestRunOnce_GracePeriodHoldsOverRandomAges(t *testing.T) {
	cfg := baseConfig()
	cfg.NodeGracePeriodMinutes = 60
	cfg.DryRun = true
	f := newEvictor(t, cfg, &cluster.Snapshot{})

	rng := rand.New(rand.NewSource(23))
	now := f.clock.Now()
	var nodes []v1.Node
	protected := map[string]bool{}
	for i := 0; i < 40; i++ {
		age := time.Duration(rng.Intn(120)) * time.Minute
		n := oldNode(fmt.Sprintf("n%02d", i))
		n.CreationTimestamp = metav1.NewTime(now.Add(-age))
		nodes = append(nodes, n)
		protected[n.Name] = age < time.Hour
	}
	f.evictor.Provider = &staticProvider{snap: &cluster.Snapshot{Nodes: nodes}}

	report, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)

	flagged := map[string]bool{}
	for _, c := range report.Candidates {
		flagged[c.Node] = true
	}
	for name, young := range protected {
		require.Equalf(t, !young, flagged[name], "node %s", name)
	}
}

func pdbDenialReactor() k8stesting.ReactionFunc {
	return func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "eviction" {
			return false, nil, nil
		}
		return true, nil, apierrors.NewTooManyRequests("Cannot evict pod as it would violate the pod's disruption budget.", 10)
	}
}

func TestRunOnce_PDBDenialBacksOffAndRetries(t *testing.T) {
	n1 := oldNode("n1")
	pod := runningPod("guarded", "n1")
	snap := &cluster.Snapshot{Nodes: []v1.Node{n1}, Pods: []v1.Pod{pod}}

	cfg := baseConfig()
	cfg.AggressiveMode = true
	cfg.UnderusedThresholdPercent = 100
	n1.Status.Allocatable = v1.ResourceList{
		v1.ResourceCPU:    resource.MustParse("8"),
		v1.ResourceMemory: resource.MustParse("32Gi"),
	}
	snap.Nodes[0] = n1
	f := newEvictor(t, cfg, snap, &n1, &pod)
	f.client.PrependReactor("create", "pods", pdbDenialReactor())

	report, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, report.RolledBack)
	require.Equal(t, cluster.StateActive, f.tracker.State("n1"))
	require.Equal(t, 1, f.tracker.FailureCount("n1"))

	// Still inside the backoff window: the node is not reconsidered.
	report, err = f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Candidates)
}

func TestRunOnce_NodeStuckAfterMaxRetries(t *testing.T) {
	n1 := oldNode("n1")
	pod := runningPod("guarded", "n1")
	n1.Status.Allocatable = v1.ResourceList{
		v1.ResourceCPU:    resource.MustParse("8"),
		v1.ResourceMemory: resource.MustParse("32Gi"),
	}
	snap := &cluster.Snapshot{Nodes: []v1.Node{n1}, Pods: []v1.Pod{pod}}

	cfg := baseConfig()
	cfg.AggressiveMode = true
	cfg.UnderusedThresholdPercent = 100
	cfg.MaxEvictionRetries = 2
	f := newEvictor(t, cfg, snap, &n1, &pod)
	f.client.PrependReactor("create", "pods", pdbDenialReactor())

	for i := 0; i < 2; i++ {
		f.clock.SetTime(f.clock.Now().Add(time.Minute))
		_, err := f.evictor.RunOnce(context.Background())
		require.NoError(t, err)
	}

	require.Equal(t, cluster.StateStuck, f.tracker.State("n1"))

	f.clock.SetTime(f.clock.Now().Add(time.Minute))
	report, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Candidates, "stuck node must not be retried")
}

func TestRunOnce_IgnorePDBForcesEviction(t *testing.T) {
	n1 := oldNode("n1")
	pod := runningPod("guarded", "n1")
	n1.Status.Allocatable = v1.ResourceList{
		v1.ResourceCPU:    resource.MustParse("8"),
		v1.ResourceMemory: resource.MustParse("32Gi"),
	}
	snap := &cluster.Snapshot{Nodes: []v1.Node{n1}, Pods: []v1.Pod{pod}}

	cfg := baseConfig()
	cfg.AggressiveMode = true
	cfg.UnderusedThresholdPercent = 100
	cfg.IgnorePodDisruptionBudgets = true
	f := newEvictor(t, cfg, snap, &n1, &pod)
	f.client.PrependReactor("create", "pods", pdbDenialReactor())

	report, err := f.evictor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, report.Removed)

	_, err = f.client.CoreV1().Pods("default").Get(context.Background(), "guarded", metav1.GetOptions{})
	require.True(t, apierrors.IsNotFound(err), "pod must be force-deleted when budgets are ignored")
}
