// Package notify delivers a task execution's notification across every
// configured channel, retrying transient failures per RetryPolicy and
// recording one NotificationDelivery row per attempt (spec.md §4.3, §6).
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/torale/core/internal/model"
	"github.com/torale/core/internal/store"
)

// Dispatcher fans a single notification out to every channel on a task,
// one independent retry chain per channel.
type Dispatcher struct {
	deliveries store.DeliveryStore
	webhook    *webhookSender
	email      *emailSender
	policy     RetryPolicy
	logger     *slog.Logger
}

// New builds a Dispatcher. smtpCfg may be the zero value if no task ever
// configures an email channel.
func New(deliveries store.DeliveryStore, smtpCfg SMTPConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		deliveries: deliveries,
		webhook:    newWebhookSender(),
		email:      newEmailSender(smtpCfg),
		policy:     DefaultRetryPolicy(),
		logger:     logger,
	}
}

// Result is the outcome of dispatching to one channel.
type Result struct {
	Channel model.NotificationChannel
	Status  model.DeliveryStatus
	Err     error
}

// DeliveryBatch is the immediate, pending outcome of a Dispatch call:
// every channel the execution's notification was handed off to. Callers
// that need final status query NotificationDelivery rows via
// store.DeliveryStore.ListByExecution — Dispatch itself never waits for
// delivery to settle (spec.md §4.3, §5: dispatch handoff is non-blocking).
type DeliveryBatch struct {
	ExecutionID uuid.UUID
	Channels    []model.NotificationChannel
}

// Dispatch hands the execution's notification off to every configured
// channel and returns immediately with a DeliveryBatch describing what
// was enqueued; the orchestrator's caller is never blocked on delivery or
// its retry backoff. Each channel's full retry chain runs in its own
// goroutine against a context detached from ctx's cancellation (so a
// worker-pool deadline or shutdown grace period expiring doesn't sever an
// in-flight retry chain), bounded instead by RetryPolicy.Exhausted and
// each send's own timeout. Idempotency is per-(execution, recipient): a
// repeated Dispatch call for an execution already carrying a success row
// for a recipient is a no-op for that channel.
func (d *Dispatcher) Dispatch(ctx context.Context, exec *model.TaskExecution, task *model.Task) *DeliveryBatch {
	if exec.Notification == nil {
		return nil
	}

	payload := WebhookPayload{
		ExecutionID:  exec.ID,
		TaskID:       exec.TaskID,
		TaskName:     task.Name,
		TriggeredAt:  exec.StartedAt,
		Notification: *exec.Notification,
		Sources:      exec.GroundingSources,
		Confidence:   exec.Confidence,
	}

	bg := context.WithoutCancel(ctx)
	for _, ch := range task.NotificationChannels {
		ch := ch
		go func() {
			res := d.dispatchOne(bg, exec.ID, ch, payload)
			if res.Err != nil {
				d.logger.Warn("notify: channel delivery did not succeed", "execution_id", exec.ID, "channel_type", ch.Type, "status", res.Status, "error", res.Err)
			}
		}()
	}

	return &DeliveryBatch{ExecutionID: exec.ID, Channels: task.NotificationChannels}
}

// dispatchOne runs the full retry chain for one channel in the calling
// goroutine, which Dispatch always runs detached from the triggering
// request. A process restart mid-chain leaves the last row as
// DeliveryRetrying; nothing here resumes it, matching spec.md's scope
// (retries survive within one process's lifetime, not across restarts).
func (d *Dispatcher) dispatchOne(ctx context.Context, executionID uuid.UUID, ch model.NotificationChannel, payload WebhookPayload) Result {
	recipient := ch.Recipient()

	existing, err := d.deliveries.ListByExecutionRecipient(ctx, executionID, recipient)
	if err != nil {
		d.logger.Error("notify: lookup existing deliveries failed", "error", err, "execution_id", executionID)
	}
	for _, row := range existing {
		if row.Status == model.DeliverySuccess {
			return Result{Channel: ch, Status: model.DeliverySuccess}
		}
	}

	attempt := len(existing)
	for {
		attempt++

		outcome, httpStatus, sendErr := d.sendAttempt(ctx, ch, payload)

		row := &model.NotificationDelivery{
			ID:          model.NewID(),
			ExecutionID: executionID,
			ChannelType: ch.Type,
			Recipient:   recipient,
			Attempt:     attempt,
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}
		if httpStatus != 0 {
			row.HTTPStatus = &httpStatus
		}
		if sendErr != nil {
			row.ErrorMessage = sendErr.Error()
		}

		switch outcome {
		case outcomeSuccess:
			row.Status = model.DeliverySuccess
			d.save(ctx, row)
			return Result{Channel: ch, Status: model.DeliverySuccess}

		case outcomePermanent:
			row.Status = model.DeliveryFailed
			d.save(ctx, row)
			return Result{Channel: ch, Status: model.DeliveryFailed, Err: sendErr}

		case outcomeTransient:
			if d.policy.Exhausted(attempt) {
				row.Status = model.DeliveryFailed
				d.save(ctx, row)
				return Result{Channel: ch, Status: model.DeliveryFailed, Err: sendErr}
			}
			delay := d.policy.NextDelay(attempt)
			next := time.Now().UTC().Add(delay)
			row.Status = model.DeliveryRetrying
			row.NextRetryAt = &next
			d.save(ctx, row)

			select {
			case <-ctx.Done():
				return Result{Channel: ch, Status: model.DeliveryRetrying, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
	}
}

func (d *Dispatcher) sendAttempt(ctx context.Context, ch model.NotificationChannel, payload WebhookPayload) (deliveryOutcome, int, error) {
	switch ch.Type {
	case model.ChannelWebhook:
		return d.webhook.send(ctx, ch, payload)
	case model.ChannelEmail:
		outcome, err := d.email.send(ctx, ch, payload)
		return outcome, 0, err
	default:
		return outcomePermanent, 0, errWebhookMisconfigured
	}
}

func (d *Dispatcher) save(ctx context.Context, row *model.NotificationDelivery) {
	if err := d.deliveries.Create(ctx, row); err != nil {
		d.logger.Error("notify: persist delivery attempt failed", "error", err, "delivery_id", row.ID)
	}
}
