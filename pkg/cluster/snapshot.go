package cluster

import (
	"context"
	"fmt"
	"time"

	v1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// AnnotationInterruptionWarning is set on a node by the spot-signal watcher
// when the provider predicts or announces an interruption.
const AnnotationInterruptionWarning = "rebalancer.docent.dev/spot-interruption-warning"

// LabelManagedShape carries the instance shape a managed node was launched
// with, written by the provisioner at launch time.
const LabelManagedShape = "rebalancer.docent.dev/shape"

// LabelLifecycle is "spot" or "on-demand", written at launch time.
const LabelLifecycle = "rebalancer.docent.dev/lifecycle"

// LabelZone is the standard topology zone label.
const LabelZone = "topology.kubernetes.io/zone"

// Snapshot is a read-mostly view of cluster state taken at the start of each
// cycle or campaign fire. Decisions within one cycle all see the same data.
type Snapshot struct {
	Nodes   []v1.Node
	Pods    []v1.Pod
	Budgets []policyv1.PodDisruptionBudget

	// Interruptions flags nodes with a live spot-interruption signal.
	Interruptions map[string]bool

	TakenAt time.Time
}

// PodsOnNode returns the pods placed on the named node.
func (s *Snapshot) PodsOnNode(name string) []v1.Pod {
	var out []v1.Pod
	for _, p := range s.Pods {
		if p.Spec.NodeName == name {
			out = append(out, p)
		}
	}
	return out
}

// StateProvider produces cluster snapshots. The engine only ever reads
// cluster state through this interface.
type StateProvider interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// KubeStateProvider reads snapshots from the Kubernetes API.
type KubeStateProvider struct {
	Client kubernetes.Interface
}

func (k *KubeStateProvider) Snapshot(ctx context.Context) (*Snapshot, error) {
	nodes, err := k.Client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	pods, err := k.Client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}
	budgets, err := k.Client.PolicyV1().PodDisruptionBudgets(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing disruption budgets: %w", err)
	}

	interruptions := make(map[string]bool)
	for _, n := range nodes.Items {
		if n.Annotations[AnnotationInterruptionWarning] == "true" {
			interruptions[n.Name] = true
		}
	}

	return &Snapshot{
		Nodes:         nodes.Items,
		Pods:          pods.Items,
		Budgets:       budgets.Items,
		Interruptions: interruptions,
		TakenAt:       time.Now(),
	}, nil
}
