// Package agentclient is a thin JSON client to the external agent service
// (spec.md §4.4). The agent is treated as an opaque service returning a
// strict envelope — its internal reasoning, memory, and prompt engineering
// are out of scope entirely (spec.md §1).
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/google/uuid"

	"github.com/torale/core/internal/model"
)

// Typed failure classes, per spec.md §4.4/§7.
var (
	ErrAgentTimeout  = errors.New("agentclient: timed out waiting for agent response")
	ErrAgentRejected = errors.New("agentclient: agent response failed envelope validation")
	ErrAgentTransport = errors.New("agentclient: transport error calling agent")
)

// DefaultTimeout matches spec.md §4.4's default; callers may pass a
// per-task override via Invoke's timeout argument.
const DefaultTimeout = 120 * time.Second

// Request is the payload sent to the agent service (spec.md §4.4).
type Request struct {
	TaskID               uuid.UUID  `json:"task_id"`
	UserID               uuid.UUID  `json:"user_id"`
	SearchQuery          string     `json:"search_query"`
	ConditionDescription string     `json:"condition_description"`
	PreviousEvidence     string     `json:"previous_evidence"`
	LastExecutionAt      *time.Time `json:"last_execution_at"`
}

// Client calls the agent service over HTTP POST, JSON in/JSON out.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a Client targeting url, authenticating with apiKey (sent as
// a Bearer token). requestsPerSecond/burst bound the outbound call rate so a
// saturated worker pool cannot overwhelm the agent service — distinct from
// the per-call deadline Invoke applies.
func New(url, apiKey string, requestsPerSecond float64, burst int) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	if burst <= 0 {
		burst = 10
	}
	return &Client{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// Invoke calls the agent service with req, bounded by timeout (0 means
// DefaultTimeout), and returns the validated envelope.
func (c *Client) Invoke(ctx context.Context, req Request, timeout time.Duration) (*model.AgentEnvelope, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrAgentTransport, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrAgentTransport, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrAgentTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: after %s", ErrAgentTimeout, timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrAgentTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrAgentTransport, err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: agent returned %d", ErrAgentTransport, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: agent returned %d: %s", ErrAgentRejected, resp.StatusCode, string(respBody))
	}

	var envelope model.AgentEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrAgentRejected, err)
	}

	if err := validateEnvelope(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentRejected, err)
	}
	envelope.Raw = json.RawMessage(respBody)

	return &envelope, nil
}

// validateEnvelope enforces spec.md §4.4's strict shape: confidence in
// [0, 100], non-nil sources slice (may be empty).
func validateEnvelope(e *model.AgentEnvelope) error {
	if e.Confidence < 0 || e.Confidence > 100 {
		return fmt.Errorf("confidence %d out of range [0,100]", e.Confidence)
	}
	if e.Sources == nil {
		e.Sources = []string{}
	}
	return nil
}
