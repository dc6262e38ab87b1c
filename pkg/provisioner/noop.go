package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/docent-net/cluster-rebalancer/pkg/template"
)

// DryRun wraps a Provisioner and suppresses every mutating call while
// logging the decision that would have been executed.
type DryRun struct {
	Wrapped Provisioner
}

func (d *DryRun) LaunchNode(ctx context.Context, shape template.Shape, configID string) (NodeHandle, error) {
	slog.Info("Dry-run: would launch node", "shape", shape.Name, "zone", shape.Zone, "config", configID)
	return NodeHandle("dry-run-" + shape.Name), nil
}

func (d *DryRun) TerminateNode(ctx context.Context, handle NodeHandle) error {
	slog.Info("Dry-run: would terminate node", "handle", string(handle))
	return nil
}

var errInjected = errors.New("injected failure")

// Fake records provisioning calls and fails on demand. Used by engine and
// coordinator tests.
type Fake struct {
	mu sync.Mutex

	Launched   []template.Shape
	Terminated []NodeHandle

	FailLaunch    bool
	FailTerminate bool

	seq int
}

func (f *Fake) LaunchNode(_ context.Context, shape template.Shape, configID string) (NodeHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailLaunch {
		return "", &ProvisionError{Shape: shape.Name, Reason: "fake launch failure", Err: errInjected}
	}
	f.Launched = append(f.Launched, shape)
	f.seq++
	return NodeHandle(fmt.Sprintf("fake-%s-%d", shape.Name, f.seq)), nil
}

func (f *Fake) TerminateNode(_ context.Context, handle NodeHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailTerminate {
		return &TerminationError{Handle: handle, Err: errInjected}
	}
	f.Terminated = append(f.Terminated, handle)
	return nil
}

// LaunchCount returns the number of successful launches recorded.
func (f *Fake) LaunchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Launched)
}

// TerminateCount returns the number of successful terminations recorded.
func (f *Fake) TerminateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Terminated)
}
