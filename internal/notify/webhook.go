package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/torale/core/internal/model"
)

// WebhookPayload is the bit-exact outbound webhook body (spec.md §6).
type WebhookPayload struct {
	ExecutionID  uuid.UUID               `json:"execution_id"`
	TaskID       uuid.UUID               `json:"task_id"`
	TaskName     string                  `json:"task_name"`
	TriggeredAt  time.Time               `json:"triggered_at"`
	Notification string                  `json:"notification"`
	Sources      []model.GroundingSource `json:"sources"`
	Confidence   *int                    `json:"confidence"`
}

// maxWebhookRedirects matches spec.md §6: "Redirects are followed up to 3
// hops."
const maxWebhookRedirects = 3

// webhookTimeout matches spec.md §6: "A successful 2xx response within 30s
// = delivered."
const webhookTimeout = 30 * time.Second

// deliveryOutcome classifies one send attempt for retry-policy purposes.
type deliveryOutcome int

const (
	outcomeSuccess deliveryOutcome = iota
	outcomeTransient
	outcomePermanent
)

// webhookSender performs one webhook HTTP attempt. Kept as a narrow type
// (rather than a free function) so tests can swap its http.Client.
type webhookSender struct {
	httpClient *http.Client
}

func newWebhookSender() *webhookSender {
	return &webhookSender{
		httpClient: &http.Client{
			Timeout: webhookTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxWebhookRedirects {
					return fmt.Errorf("stopped after %d redirects", maxWebhookRedirects)
				}
				return nil
			},
		},
	}
}

// send performs a single attempt and classifies the result per spec.md
// §4.3: success=2xx; 4xx except 408/429 is permanent; 5xx/408/429/network
// error is transient.
func (w *webhookSender) send(ctx context.Context, channel model.NotificationChannel, payload WebhookPayload) (deliveryOutcome, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return outcomePermanent, 0, fmt.Errorf("encode payload: %w", err)
	}

	method := string(channel.Method)
	if method == "" {
		method = string(model.MethodPOST)
	}

	req, err := http.NewRequestWithContext(ctx, method, channel.URL, bytes.NewReader(body))
	if err != nil {
		return outcomePermanent, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range channel.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return outcomeTransient, 0, err
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess, status, nil
	case status == 408 || status == 429:
		return outcomeTransient, status, fmt.Errorf("webhook returned %d", status)
	case status >= 500:
		return outcomeTransient, status, fmt.Errorf("webhook returned %d", status)
	case status >= 400:
		return outcomePermanent, status, fmt.Errorf("webhook returned %d", status)
	default:
		return outcomeTransient, status, fmt.Errorf("unexpected webhook status %d", status)
	}
}

var errWebhookMisconfigured = errors.New("notify: webhook channel missing URL")
