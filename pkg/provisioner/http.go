package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docent-net/cluster-rebalancer/pkg/template"
)

// HTTPProvisioner drives a provider-side provisioning service over HTTP.
// The service owns the cloud credentials; this client only describes what
// to launch or terminate.
type HTTPProvisioner struct {
	Endpoint  string
	TokenFile string
	Client    *http.Client
}

func NewHTTPProvisioner(endpoint, tokenFile string, timeout time.Duration) *HTTPProvisioner {
	return &HTTPProvisioner{
		Endpoint:  strings.TrimRight(endpoint, "/"),
		TokenFile: tokenFile,
		Client:    &http.Client{Timeout: timeout},
	}
}

type launchRequest struct {
	Shape           string `json:"shape"`
	Zone            string `json:"zone,omitempty"`
	Spot            bool   `json:"spot"`
	ConfigurationID string `json:"configurationId,omitempty"`
}

type launchResponse struct {
	NodeID string `json:"nodeId"`
}

func (p *HTTPProvisioner) LaunchNode(ctx context.Context, shape template.Shape, configID string) (NodeHandle, error) {
	reqBody := launchRequest{
		Shape:           shape.Name,
		Zone:            shape.Zone,
		Spot:            shape.SpotAvailable,
		ConfigurationID: configID,
	}
	var resp launchResponse
	if err := p.post(ctx, "/v1/nodes", reqBody, &resp); err != nil {
		return "", &ProvisionError{Shape: shape.Name, Reason: "provider request failed", Err: err}
	}
	if resp.NodeID == "" {
		return "", &ProvisionError{Shape: shape.Name, Reason: "provider returned no node id"}
	}
	slog.Info("Launched node", "shape", shape.Name, "node", resp.NodeID)
	return NodeHandle(resp.NodeID), nil
}

func (p *HTTPProvisioner) TerminateNode(ctx context.Context, handle NodeHandle) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/v1/nodes/%s", p.Endpoint, handle), nil)
	if err != nil {
		return &TerminationError{Handle: handle, Err: err}
	}
	if err := p.do(req, nil); err != nil {
		return &TerminationError{Handle: handle, Err: err}
	}
	slog.Info("Terminated node", "node", string(handle))
	return nil
}

func (p *HTTPProvisioner) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, out)
}

func (p *HTTPProvisioner) do(req *http.Request, out any) error {
	if p.TokenFile != "" {
		token, err := os.ReadFile(p.TokenFile)
		if err != nil {
			return fmt.Errorf("reading token file: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling provisioner endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provisioner returned %d: %s", resp.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
