package provisioner

import (
	"fmt"
	"time"
)

// New builds the provisioner selected by mode. "disabled" yields a dry-run
// provisioner that only logs; "http" posts launch and terminate requests to
// a provider-side service.
func New(mode, endpoint, tokenFile string, timeout time.Duration) (Provisioner, error) {
	switch mode {
	case "disabled":
		return &DryRun{}, nil
	case "http":
		return NewHTTPProvisioner(endpoint, tokenFile, timeout), nil
	default:
		return nil, fmt.Errorf("unknown provisioner mode: %s", mode)
	}
}
