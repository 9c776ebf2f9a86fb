// Package engine talks to the opaque workflow execution engine running on
// each machine. The engine is an external collaborator reached over HTTP;
// only its status and dispatch endpoints are modeled here.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/model"
)

// ErrUnreachable is returned when a machine cannot be contacted: transport
// error, timeout, or a non-2xx response. Callers treat it as transient.
var ErrUnreachable = errors.New("machine unreachable")

// Client is the capability interface onto a machine's execution engine.
// Any concrete protocol can implement it; the production implementation
// polls the engine's HTTP status API.
type Client interface {
	// QueueDepth returns the machine's self-reported current queue depth.
	QueueDepth(ctx context.Context, m *model.Machine) (int, error)
	// Dispatch delivers a run to the machine for execution.
	Dispatch(ctx context.Context, m *model.Machine, run *model.WorkflowRun) error
}

// HTTPClient implements Client against the engine's HTTP status API.
type HTTPClient struct {
	client *http.Client
}

func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		client: &http.Client{Timeout: timeout},
	}
}

type queueDepthResponse struct {
	QueueDepth int `json:"queue_depth"`
}

func (c *HTTPClient) QueueDepth(ctx context.Context, m *model.Machine) (int, error) {
	url := strings.TrimRight(m.EngineAddress, "/") + "/api/v1/queue"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build queue depth request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: contact %s: %v", ErrUnreachable, m.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: machine %s returned status %d", ErrUnreachable, m.ID, resp.StatusCode)
	}

	var body queueDepthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: decode queue depth from %s: %v", ErrUnreachable, m.ID, err)
	}
	if body.QueueDepth < 0 {
		return 0, fmt.Errorf("%w: machine %s reported negative queue depth %d", ErrUnreachable, m.ID, body.QueueDepth)
	}
	return body.QueueDepth, nil
}

type dispatchRequest struct {
	RunID             string `json:"run_id"`
	WorkflowVersionID string `json:"workflow_version_id"`
}

func (c *HTTPClient) Dispatch(ctx context.Context, m *model.Machine, run *model.WorkflowRun) error {
	payload, err := json.Marshal(dispatchRequest{
		RunID:             run.ID,
		WorkflowVersionID: run.WorkflowVersionID,
	})
	if err != nil {
		return fmt.Errorf("marshal dispatch request: %w", err)
	}

	url := strings.TrimRight(m.EngineAddress, "/") + "/api/v1/runs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: dispatch to %s: %v", ErrUnreachable, m.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: machine %s rejected dispatch with status %d", ErrUnreachable, m.ID, resp.StatusCode)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
