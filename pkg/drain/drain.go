package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/docent-net/cluster-rebalancer/pkg/cluster"
	"github.com/docent-net/cluster-rebalancer/pkg/metrics"
)

// ErrDisruptionBudgetDenied marks an eviction the API server rejected
// because it would violate a pod disruption budget. It is a retryable soft
// failure unless the caller forces the eviction.
var ErrDisruptionBudgetDenied = errors.New("eviction denied by pod disruption budget")

// Options selects how a single drain behaves.
type Options struct {
	// Force deletes pods whose eviction a disruption budget denies instead of
	// returning ErrDisruptionBudgetDenied.
	Force bool

	// GracePeriodSeconds is passed through to each eviction; nil keeps the
	// pod's own terminationGracePeriodSeconds.
	GracePeriodSeconds *int64
}

// Drainer cordons nodes and evicts their workload pods through the eviction
// subresource. DryRun evaluates everything but performs no mutating call.
type Drainer struct {
	Client kubernetes.Interface
	DryRun bool

	// PollInterval is how often pod termination is re-checked after the
	// evictions were accepted; zero means 2s.
	PollInterval time.Duration
}

// CordonAndDrain marks the node unschedulable, evicts its workload pods and
// waits until they are gone. Daemonset and mirror pods are left alone. The
// context's deadline bounds the whole drain; callers derive it from the
// node TTL.
func (d *Drainer) CordonAndDrain(ctx context.Context, node *cluster.NodeWrapper, opts Options) error {
	if err := d.Cordon(ctx, node.Name); err != nil {
		return fmt.Errorf("cordon %s: %w", node.Name, err)
	}

	for _, pod := range node.WorkloadPods() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("drain %s interrupted: %w", node.Name, err)
		}
		if err := d.evictPod(ctx, pod, opts); err != nil {
			metrics.EvictionFailures.Inc()
			return fmt.Errorf("aborting drain due to eviction failure on %s/%s: %w", pod.Namespace, pod.Name, err)
		}
	}

	if d.DryRun {
		return nil
	}
	if err := d.waitForTermination(ctx, node.Name); err != nil {
		return fmt.Errorf("waiting for pods on %s to terminate: %w", node.Name, err)
	}
	return nil
}

// waitForTermination blocks until every workload pod has actually left the
// node. An accepted eviction only starts the pod's termination grace
// period; terminating the node before the pods finish would cut them off.
func (d *Drainer) waitForTermination(ctx context.Context, nodeName string) error {
	interval := d.PollInterval
	if interval == 0 {
		interval = 2 * time.Second
	}
	selector := fields.OneTermEqualSelector("spec.nodeName", nodeName).String()
	return wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
		pods, err := d.Client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{FieldSelector: selector})
		if err != nil {
			slog.Warn("Pod listing failed while waiting for drain", "node", nodeName, "err", err)
			return false, nil
		}
		for i := range pods.Items {
			p := &pods.Items[i]
			if p.Spec.NodeName != nodeName {
				continue
			}
			if cluster.IsDaemonSetPod(p) || cluster.IsMirrorPod(p) {
				continue
			}
			if p.Status.Phase == v1.PodSucceeded || p.Status.Phase == v1.PodFailed {
				continue
			}
			return false, nil
		}
		return true, nil
	})
}

func (d *Drainer) evictPod(ctx context.Context, pod v1.Pod, opts Options) error {
	if d.DryRun {
		slog.Info("Dry-run: would evict pod", "pod", pod.Name, "namespace", pod.Namespace, "node", pod.Spec.NodeName)
		return nil
	}

	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pod.Name,
			Namespace: pod.Namespace,
		},
		DeleteOptions: &metav1.DeleteOptions{GracePeriodSeconds: opts.GracePeriodSeconds},
	}
	err := d.Client.PolicyV1().Evictions(pod.Namespace).Evict(ctx, eviction)
	switch {
	case err == nil || apierrors.IsNotFound(err):
		return nil
	case apierrors.IsTooManyRequests(err):
		if !opts.Force {
			return fmt.Errorf("%w: %s/%s", ErrDisruptionBudgetDenied, pod.Namespace, pod.Name)
		}
		slog.Warn("Disruption budget denied eviction; force-deleting pod",
			"pod", pod.Name, "namespace", pod.Namespace)
		delErr := d.Client.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{
			GracePeriodSeconds: opts.GracePeriodSeconds,
		})
		if delErr != nil && !apierrors.IsNotFound(delErr) {
			return fmt.Errorf("force delete %s/%s: %w", pod.Namespace, pod.Name, delErr)
		}
		return nil
	default:
		return err
	}
}

// Cordon sets the node unschedulable, retrying on update conflicts.
func (d *Drainer) Cordon(ctx context.Context, nodeName string) error {
	if d.DryRun {
		slog.Info("Dry-run: would cordon node", "node", nodeName)
		return nil
	}
	return retry.OnError(retry.DefaultBackoff, apierrors.IsConflict, func() error {
		node, err := d.Client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("fetch node: %w", err)
		}
		if node.Spec.Unschedulable {
			return nil
		}
		nodeCopy := node.DeepCopy()
		nodeCopy.Spec.Unschedulable = true
		_, err = d.Client.CoreV1().Nodes().Update(ctx, nodeCopy, metav1.UpdateOptions{})
		return err
	})
}

// Uncordon rolls a node back to schedulable after a failed or abandoned
// drain.
func (d *Drainer) Uncordon(ctx context.Context, nodeName string) error {
	if d.DryRun {
		slog.Info("Dry-run: would uncordon node", "node", nodeName)
		return nil
	}
	return retry.OnError(retry.DefaultBackoff, apierrors.IsConflict, func() error {
		node, err := d.Client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("fetch node: %w", err)
		}
		if !node.Spec.Unschedulable {
			return nil
		}
		nodeCopy := node.DeepCopy()
		nodeCopy.Spec.Unschedulable = false
		_, err = d.Client.CoreV1().Nodes().Update(ctx, nodeCopy, metav1.UpdateOptions{})
		return err
	})
}
