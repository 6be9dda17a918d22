package workflow

import (
	"context"
	"errors"
	"time"

	"kindred/internal/models"
)

// Status represents the execution state a workflow engine reports.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTerminated Status = "TERMINATED"
	StatusCanceled   Status = "CANCELED"
)

// TerminalFailure reports whether a workflow ended without doing its work.
func (s Status) TerminalFailure() bool {
	return s == StatusFailed || s == StatusTerminated || s == StatusCanceled
}

var (
	// ErrNotFound is returned by GetHandle when no workflow exists for the id.
	ErrNotFound = errors.New("workflow not found")
	// ErrAlreadyStarted is returned by Start when the id is already taken.
	// The returned handle still refers to the existing execution.
	ErrAlreadyStarted = errors.New("workflow already started")
)

// SendInput is the payload handed to a send workflow. It carries everything
// the execution needs so it never has to read scheduler-owned rows.
type SendInput struct {
	ScheduledSendID string         `json:"scheduled_send_id"`
	EventID         string         `json:"event_id"`
	GroupID         string         `json:"group_id"`
	Channel         models.Channel `json:"channel"`
	Recipient       string         `json:"recipient"`
	ContactName     string         `json:"contact_name"`
	EventTitle      string         `json:"event_title"`
	DueAt           time.Time      `json:"due_at"`
}

// Description is the observable state of a workflow execution.
type Description struct {
	Status Status `json:"status"`
}

// Handle refers to one workflow execution.
type Handle interface {
	ID() string
	Describe(ctx context.Context) (Description, error)
}

// Client is the narrow surface this service needs from a durable-workflow
// engine. Any substrate with crash-recoverable, at-least-once execution can
// sit behind it; the gorm-backed Engine in this package is the default.
type Client interface {
	Start(ctx context.Context, workflowID string, input SendInput) (Handle, error)
	GetHandle(ctx context.Context, workflowID string) (Handle, error)
}

// Requeuer is the optional extension the dispatcher uses to re-run a
// terminally failed execution under the same id. Engines that cannot requeue
// simply do not implement it.
type Requeuer interface {
	Requeue(ctx context.Context, workflowID string) error
}
