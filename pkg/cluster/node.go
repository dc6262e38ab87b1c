package cluster

import (
	"time"

	v1 "k8s.io/api/core/v1"
)

// NodeWrapper bundles a node with the snapshot context needed for decisions.
type NodeWrapper struct {
	*v1.Node
	Snapshot *Snapshot
	Now      time.Time
}

func WrapNodes(snap *Snapshot, now time.Time) []*NodeWrapper {
	result := make([]*NodeWrapper, 0, len(snap.Nodes))
	for i := range snap.Nodes {
		result = append(result, &NodeWrapper{Node: &snap.Nodes[i], Snapshot: snap, Now: now})
	}
	return result
}

func (n *NodeWrapper) Age() time.Duration {
	return n.Now.Sub(n.CreationTimestamp.Time)
}

func (n *NodeWrapper) IsCordoned() bool {
	return n.Spec.Unschedulable
}

func (n *NodeWrapper) IsReady() bool {
	for _, cond := range n.Status.Conditions {
		if cond.Type == v1.NodeReady && cond.Status == v1.ConditionTrue {
			return true
		}
	}
	return false
}

// IsManaged reports whether this node was created by the engine, identified
// by the managed label. Scoped mode never touches unmanaged nodes.
func (n *NodeWrapper) IsManaged(managedLabel string) bool {
	return managedLabel != "" && n.Labels[managedLabel] == "true"
}

func (n *NodeWrapper) HasInterruptionWarning() bool {
	return n.Snapshot != nil && n.Snapshot.Interruptions[n.Name]
}

// WorkloadPods returns the pods on this node that count against emptiness:
// daemonset-owned and mirror pods are excluded because they never block a
// drain.
func (n *NodeWrapper) WorkloadPods() []v1.Pod {
	var out []v1.Pod
	for _, p := range n.Snapshot.PodsOnNode(n.Name) {
		if IsDaemonSetPod(&p) || IsMirrorPod(&p) {
			continue
		}
		if p.Status.Phase == v1.PodSucceeded || p.Status.Phase == v1.PodFailed {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Utilization returns requested CPU and memory as fractions of allocatable.
func (n *NodeWrapper) Utilization() (cpu, mem float64) {
	allocCPU := n.Status.Allocatable.Cpu().MilliValue()
	allocMem := n.Status.Allocatable.Memory().Value()
	if allocCPU == 0 || allocMem == 0 {
		return 0, 0
	}

	var reqCPU, reqMem int64
	for _, p := range n.Snapshot.PodsOnNode(n.Name) {
		if p.Status.Phase == v1.PodSucceeded || p.Status.Phase == v1.PodFailed {
			continue
		}
		for _, c := range p.Spec.Containers {
			reqCPU += c.Resources.Requests.Cpu().MilliValue()
			reqMem += c.Resources.Requests.Memory().Value()
		}
	}
	return float64(reqCPU) / float64(allocCPU), float64(reqMem) / float64(allocMem)
}

func IsDaemonSetPod(p *v1.Pod) bool {
	for _, ref := range p.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

func IsMirrorPod(p *v1.Pod) bool {
	_, ok := p.Annotations[v1.MirrorPodAnnotationKey]
	return ok
}
