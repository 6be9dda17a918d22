package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Channel represents a delivery channel for a reminder
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// SendStatus represents the lifecycle state of a scheduled send
type SendStatus string

const (
	SendPending   SendStatus = "PENDING"
	SendQueued    SendStatus = "QUEUED"
	SendSent      SendStatus = "SENT"
	SendDelivered SendStatus = "DELIVERED"
	SendFailed    SendStatus = "FAILED"
	SendBounced   SendStatus = "BOUNCED"
)

// MaxRetries bounds automatic re-queues of a FAILED send. Once RetryCount
// reaches this value the row stays FAILED until an operator retries it.
const MaxRetries = 3

// sendTransitions is the allowed edge set of the status machine. The
// scheduler only ever creates PENDING rows; everything else moves through
// here via ScheduledSend.TransitionTo.
var sendTransitions = map[SendStatus][]SendStatus{
	SendPending:   {SendQueued},
	SendQueued:    {SendSent, SendFailed},
	SendSent:      {SendDelivered, SendFailed, SendBounced},
	SendDelivered: {SendBounced},
	SendFailed:    {SendQueued},
}

// CanTransition reports whether the status machine allows moving from one
// send status to another.
func CanTransition(from, to SendStatus) bool {
	for _, next := range sendTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ScheduledSend is the unit of reminder work: one delivery on one channel for
// one occurrence of one event. Rows are created by the scheduler, mutated by
// the dispatcher, and kept forever as an audit trail.
type ScheduledSend struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	EventID        string     `gorm:"size:36;not null;index" json:"event_id"`
	OccurrenceYear int        `gorm:"not null" json:"occurrence_year"`
	Offset         int        `gorm:"not null" json:"offset"`
	Channel        Channel    `gorm:"size:10;not null" json:"channel"`
	DueAt          time.Time  `gorm:"not null;index" json:"due_at_utc"`
	Status         SendStatus `gorm:"size:12;not null;index" json:"status"`
	RetryCount     int        `gorm:"not null;default:0" json:"retry_count"`
	IdempotencyKey string     `gorm:"size:120;not null;uniqueIndex" json:"idempotency_key"`
	CreatedAt      time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"not null" json:"updated_at"`
}

// SendIdempotencyKey derives the deterministic key that guarantees at most
// one row per logical send: eventID:occurrenceYear:offset:channel.
func SendIdempotencyKey(eventID string, occurrenceYear, offset int, channel Channel) string {
	return fmt.Sprintf("%s:%d:%d:%s", eventID, occurrenceYear, offset, channel)
}

// WorkflowID derives the durable-workflow id for this send.
func (s *ScheduledSend) WorkflowID() string {
	return "reminder-" + s.IdempotencyKey
}

// IsTerminal reports whether the send can make no further automatic
// progress. A FAILED row is terminal once its retry budget is spent.
func (s *ScheduledSend) IsTerminal() bool {
	switch s.Status {
	case SendDelivered, SendBounced:
		return true
	case SendFailed:
		return s.RetryCount >= MaxRetries
	}
	return false
}

// TransitionTo applies a status transition in memory, rejecting edges the
// machine does not allow. Persisting the change is the caller's concern.
func (s *ScheduledSend) TransitionTo(to SendStatus) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("invalid send transition %s -> %s for %s", s.Status, to, s.ID)
	}
	s.Status = to
	return nil
}

// BeforeCreate hook is called before creating a new scheduled send
func (s *ScheduledSend) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = SendPending
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	return nil
}

// SendLog is one provider attempt for a scheduled send. Rows are append-only
// and never mutated after insertion.
type SendLog struct {
	ID                uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ScheduledSendID   string    `gorm:"size:36;not null;index" json:"scheduled_send_id"`
	Provider          string    `gorm:"size:32;not null" json:"provider"`
	ProviderMessageID string    `gorm:"size:128" json:"provider_message_id,omitempty"`
	Error             string    `gorm:"size:1024" json:"error,omitempty"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name for the ScheduledSend model
func (ScheduledSend) TableName() string {
	return "scheduled_send"
}

// TableName specifies the table name for the SendLog model
func (SendLog) TableName() string {
	return "send_log"
}
