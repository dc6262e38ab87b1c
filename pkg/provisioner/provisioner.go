package provisioner

import (
	"context"
	"fmt"

	"github.com/docent-net/cluster-rebalancer/pkg/template"
)

// NodeHandle identifies a launched node at the cloud provider.
type NodeHandle string

// Provisioner is the cloud provisioning API the engine drives. Retries and
// backoff are the caller's concern; implementations return one attempt's
// outcome.
type Provisioner interface {
	LaunchNode(ctx context.Context, shape template.Shape, configID string) (NodeHandle, error)
	TerminateNode(ctx context.Context, handle NodeHandle) error
}

// ProvisionError wraps a failed launch with enough context to report it.
type ProvisionError struct {
	Shape  string
	Reason string
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning %s failed: %s", e.Shape, e.Reason)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// TerminationError wraps a failed node termination.
type TerminationError struct {
	Handle NodeHandle
	Err    error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("terminating %s failed: %v", e.Handle, e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }
