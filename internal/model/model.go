// Package model defines the durable entities of the Torale task execution
// engine: Task, TaskExecution, ScheduledJob and NotificationDelivery, plus
// their small value types. All timestamps are UTC, second precision.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NewID generates a new time-ordered UUID, matching the teacher's
// GenNewID()/uuid.NewV7() convention so primary keys sort by creation order.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskActive    TaskState = "active"
	TaskPaused    TaskState = "paused"
	TaskCompleted TaskState = "completed"
)

// NotifyBehavior controls whether a task completes after its first
// successful notification or keeps firing indefinitely.
type NotifyBehavior string

const (
	NotifyOnce   NotifyBehavior = "once"
	NotifyAlways NotifyBehavior = "always"
)

// ChannelType identifies a notification transport.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelWebhook ChannelType = "webhook"
)

// HTTPMethod restricts webhook delivery to the two methods spec.md allows.
type HTTPMethod string

const (
	MethodPOST HTTPMethod = "POST"
	MethodPUT  HTTPMethod = "PUT"
)

// NotificationChannel is one configured delivery target on a Task.
// Exactly one of the Email/Webhook-specific fields is meaningful, selected
// by Type — mirrors the teacher's small tagged-struct style (e.g.
// cron.Schedule's Kind-selected fields) rather than an interface hierarchy.
type NotificationChannel struct {
	Type ChannelType `json:"type"`

	// Email fields.
	Address string `json:"address,omitempty"`

	// Webhook fields.
	URL     string            `json:"url,omitempty"`
	Method  HTTPMethod        `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Recipient returns the delivery-identifying string for this channel
// (email address, or webhook URL) used in delivery idempotency keys.
func (c NotificationChannel) Recipient() string {
	if c.Type == ChannelEmail {
		return c.Address
	}
	return c.URL
}

// Task is the durable monitoring declaration a user creates.
type Task struct {
	ID                    uuid.UUID             `json:"id"`
	UserID                uuid.UUID             `json:"user_id"`
	Name                  string                `json:"name"`
	Schedule              string                `json:"schedule"` // 5-field cron, UTC
	SearchQuery           string                `json:"search_query"`
	ConditionDescription  string                `json:"condition_description"`
	NotifyBehavior        NotifyBehavior        `json:"notify_behavior"`
	State                 TaskState             `json:"state"`
	LastKnownState        string                `json:"last_known_state"` // opaque, agent-authored
	LastExecutionID       *uuid.UUID            `json:"last_execution_id,omitempty"`
	NotificationChannels  []NotificationChannel `json:"notification_channels"`
	AgentTimeoutSeconds   int                   `json:"agent_timeout_seconds"`
	CreatedAt             time.Time             `json:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at"`
	StateChangedAt        time.Time             `json:"state_changed_at"`
	DeletedAt             *time.Time            `json:"deleted_at,omitempty"`
}

// ExecutionStatus is the lifecycle of one TaskExecution.
type ExecutionStatus string

const (
	ExecPending ExecutionStatus = "pending"
	ExecRunning ExecutionStatus = "running"
	ExecSuccess ExecutionStatus = "success"
	ExecFailed  ExecutionStatus = "failed"
)

// GroundingSource is a URI the agent cites as evidence.
type GroundingSource struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// TaskExecution is one firing of a Task.
type TaskExecution struct {
	ID               uuid.UUID         `json:"id"`
	TaskID           uuid.UUID         `json:"task_id"`
	Status           ExecutionStatus   `json:"status"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	Result           json.RawMessage   `json:"result,omitempty"` // raw agent envelope
	ErrorMessage     string            `json:"error_message,omitempty"`
	Notification     *string           `json:"notification,omitempty"`
	Confidence       *int              `json:"confidence,omitempty"`
	GroundingSources []GroundingSource `json:"grounding_sources,omitempty"`
}

// IsTerminal reports whether the execution has left pending/running.
func (e *TaskExecution) IsTerminal() bool {
	return e.Status == ExecSuccess || e.Status == ExecFailed
}

// ScheduledJob is the scheduler's own persisted record, one-to-one with
// every non-completed Task.
type ScheduledJob struct {
	JobID      uuid.UUID `json:"job_id"` // equals TaskID
	NextFireAt time.Time `json:"next_fire_at"`
	CronExpr   string    `json:"cron_expr"`
	Paused     bool      `json:"paused"`
	Version    int64     `json:"version"`
}

// DeliveryStatus is the lifecycle of one NotificationDelivery attempt chain.
type DeliveryStatus string

const (
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryRetrying DeliveryStatus = "retrying"
)

// NotificationDelivery is a single delivery attempt record. A retry chain
// for one (ExecutionID, Recipient) pair is a sequence of rows with
// strictly increasing Attempt.
type NotificationDelivery struct {
	ID           uuid.UUID      `json:"id"`
	ExecutionID  uuid.UUID      `json:"execution_id"`
	ChannelType  ChannelType    `json:"channel_type"`
	Recipient    string         `json:"recipient"`
	Status       DeliveryStatus `json:"status"`
	HTTPStatus   *int           `json:"http_status,omitempty"`
	Attempt      int            `json:"attempt"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// AgentEnvelope is the strict JSON shape returned by the external agent
// service, validated before any persistence (spec.md §4.4).
type AgentEnvelope struct {
	Evidence     string     `json:"evidence"`
	Sources      []string   `json:"sources"`
	Confidence   int        `json:"confidence"`
	NextRun      *time.Time `json:"next_run"`
	Notification *string    `json:"notification"`

	// Raw holds the exact bytes the agent returned, set by agentclient
	// after successful validation so callers can persist the envelope
	// verbatim (TaskExecution.Result) instead of re-marshaling the
	// decoded struct.
	Raw json.RawMessage `json:"-"`
}

// ConditionMet reports whether the envelope's notification signals a match.
// This is the single authoritative check spec.md §4.4 describes.
func (e AgentEnvelope) ConditionMet() bool {
	return e.Notification != nil
}
