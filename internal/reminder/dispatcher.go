package reminder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"kindred/internal/models"
	"kindred/internal/workflow"

	"gorm.io/gorm"
)

// DispatchSummary reports one dispatcher scan.
type DispatchSummary struct {
	Started        int `json:"started"`
	AlreadyStarted int `json:"already_started"`
	Requeued       int `json:"requeued"`
	Errors         int `json:"errors"`
}

// Dispatcher owns scheduled-send status transitions. It starts one workflow
// per due PENDING row, re-queues bounded FAILED rows, and applies workflow
// outcomes and provider callbacks to the status machine, appending a SendLog
// entry for every attempt.
type Dispatcher struct {
	db        *gorm.DB
	wf        workflow.Client
	batchSize int
}

// NewDispatcher creates a dispatcher over the database handle and workflow
// client.
func NewDispatcher(db *gorm.DB, wf workflow.Client) *Dispatcher {
	return &Dispatcher{db: db, wf: wf, batchSize: 200}
}

// DispatchDue starts workflows for due PENDING sends and re-queues FAILED
// sends that still have retry budget. Safe to re-run: a workflow id is
// derived from the idempotency key, so a second start is a no-op.
func (d *Dispatcher) DispatchDue(ctx context.Context) (DispatchSummary, error) {
	now := time.Now().UTC()
	var summary DispatchSummary

	var due []models.ScheduledSend
	err := d.db.WithContext(ctx).
		Where("status = ? AND due_at <= ?", models.SendPending, now).
		Order("due_at asc").
		Limit(d.batchSize).
		Find(&due).Error
	if err != nil {
		return summary, fmt.Errorf("failed to load due sends: %w", err)
	}

	for i := range due {
		send := &due[i]
		input, err := d.buildInput(ctx, send)
		if err != nil {
			log.Printf("[Dispatcher] send %s: %v", send.ID, err)
			summary.Errors++
			continue
		}

		_, err = d.wf.Start(ctx, send.WorkflowID(), input)
		switch {
		case err == nil:
			summary.Started++
		case errors.Is(err, workflow.ErrAlreadyStarted):
			summary.AlreadyStarted++
		default:
			log.Printf("[Dispatcher] failed to start workflow for send %s: %v", send.ID, err)
			summary.Errors++
			continue
		}

		if err := d.transition(ctx, send.ID, models.SendPending, models.SendQueued, nil); err != nil {
			log.Printf("[Dispatcher] send %s: %v", send.ID, err)
			summary.Errors++
		}
	}

	requeued, errs := d.requeueFailed(ctx)
	summary.Requeued += requeued
	summary.Errors += errs

	return summary, nil
}

// requeueFailed puts FAILED sends with retry budget back in QUEUED and
// re-runs their workflows. retry_count increments under the same guard that
// checks the bound, so concurrent scans cannot overshoot it.
func (d *Dispatcher) requeueFailed(ctx context.Context) (requeued, errs int) {
	var failed []models.ScheduledSend
	err := d.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", models.SendFailed, models.MaxRetries).
		Order("due_at asc").
		Limit(d.batchSize).
		Find(&failed).Error
	if err != nil {
		log.Printf("[Dispatcher] failed to load retryable sends: %v", err)
		return 0, 1
	}

	for i := range failed {
		send := &failed[i]
		result := d.db.WithContext(ctx).Model(&models.ScheduledSend{}).
			Where("id = ? AND status = ? AND retry_count < ?", send.ID, models.SendFailed, models.MaxRetries).
			Updates(map[string]interface{}{
				"status":      models.SendQueued,
				"retry_count": gorm.Expr("retry_count + 1"),
				"updated_at":  time.Now(),
			})
		if result.Error != nil {
			log.Printf("[Dispatcher] failed to requeue send %s: %v", send.ID, result.Error)
			errs++
			continue
		}
		if result.RowsAffected == 0 {
			continue // lost the race to another scan
		}
		if err := d.requeueWorkflow(ctx, send); err != nil {
			log.Printf("[Dispatcher] failed to requeue workflow for send %s: %v", send.ID, err)
			errs++
			continue
		}
		requeued++
	}
	return requeued, errs
}

// Retry is the explicit operator action for a terminal-FAILED send: status
// returns to QUEUED and the workflow is re-run, with no retry_count change.
func (d *Dispatcher) Retry(ctx context.Context, sendID string) error {
	var send models.ScheduledSend
	if err := d.db.WithContext(ctx).Where("id = ?", sendID).First(&send).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("send %s not found", sendID)
		}
		return err
	}
	if send.Status != models.SendFailed {
		return fmt.Errorf("send %s is %s, only FAILED sends can be retried", sendID, send.Status)
	}
	if err := d.transition(ctx, send.ID, models.SendFailed, models.SendQueued, nil); err != nil {
		return err
	}
	return d.requeueWorkflow(ctx, &send)
}

// ReportOutcome implements workflow.OutcomeReporter: the send workflow's
// final result drives the status machine and the append-only send log.
func (d *Dispatcher) ReportOutcome(ctx context.Context, scheduledSendID string, outcome workflow.Outcome, provider, providerMessageID, errText string) error {
	logEntry := &models.SendLog{
		ScheduledSendID:   scheduledSendID,
		Provider:          provider,
		ProviderMessageID: providerMessageID,
		Error:             errText,
	}
	switch outcome {
	case workflow.OutcomeSent:
		return d.transition(ctx, scheduledSendID, models.SendQueued, models.SendSent, logEntry)
	case workflow.OutcomeFailed, workflow.OutcomeSuppressed:
		return d.transition(ctx, scheduledSendID, models.SendQueued, models.SendFailed, logEntry)
	default:
		return fmt.Errorf("unknown workflow outcome %q for send %s", outcome, scheduledSendID)
	}
}

// RecordDelivery applies a provider delivery callback.
func (d *Dispatcher) RecordDelivery(ctx context.Context, sendID, provider, providerMessageID string) error {
	return d.transition(ctx, sendID, models.SendSent, models.SendDelivered, &models.SendLog{
		ScheduledSendID:   sendID,
		Provider:          provider,
		ProviderMessageID: providerMessageID,
	})
}

// RecordBounce applies a provider bounce callback. Bounces can arrive after
// the delivery event, so both SENT and DELIVERED rows accept it.
func (d *Dispatcher) RecordBounce(ctx context.Context, sendID, provider, reason string) error {
	var send models.ScheduledSend
	if err := d.db.WithContext(ctx).Where("id = ?", sendID).First(&send).Error; err != nil {
		return fmt.Errorf("failed to load send %s: %w", sendID, err)
	}
	if send.Status != models.SendSent && send.Status != models.SendDelivered {
		return fmt.Errorf("send %s is %s, cannot bounce", sendID, send.Status)
	}
	return d.transition(ctx, sendID, send.Status, models.SendBounced, &models.SendLog{
		ScheduledSendID: sendID,
		Provider:        provider,
		Error:           reason,
	})
}

// transition applies a guarded status update and appends the send log entry
// in one transaction. The WHERE clause repeats the from-status so a row that
// moved underneath us is not silently overwritten.
func (d *Dispatcher) transition(ctx context.Context, sendID string, from, to models.SendStatus, logEntry *models.SendLog) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("invalid send transition %s -> %s for %s", from, to, sendID)
	}
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.ScheduledSend{}).
			Where("id = ? AND status = ?", sendID, from).
			Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
		if result.Error != nil {
			return fmt.Errorf("failed to update send %s: %w", sendID, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("send %s is no longer %s", sendID, from)
		}
		if logEntry != nil {
			if err := tx.Create(logEntry).Error; err != nil {
				return fmt.Errorf("failed to append send log for %s: %w", sendID, err)
			}
		}
		return nil
	})
}

// requeueWorkflow re-runs the send's workflow when the engine supports it.
// An engine without requeue support leaves the row QUEUED for operators.
func (d *Dispatcher) requeueWorkflow(ctx context.Context, send *models.ScheduledSend) error {
	requeuer, ok := d.wf.(workflow.Requeuer)
	if !ok {
		log.Printf("[Dispatcher] workflow client cannot requeue, send %s left QUEUED", send.ID)
		return nil
	}
	err := requeuer.Requeue(ctx, send.WorkflowID())
	if errors.Is(err, workflow.ErrNotFound) {
		// The workflow was never started (scheduler/dispatcher gap); start it fresh.
		input, buildErr := d.buildInput(ctx, send)
		if buildErr != nil {
			return buildErr
		}
		_, startErr := d.wf.Start(ctx, send.WorkflowID(), input)
		if startErr != nil && !errors.Is(startErr, workflow.ErrAlreadyStarted) {
			return startErr
		}
		return nil
	}
	return err
}

// buildInput assembles the workflow payload from the send's event, contact,
// and group.
func (d *Dispatcher) buildInput(ctx context.Context, send *models.ScheduledSend) (workflow.SendInput, error) {
	var event models.Event
	if err := d.db.WithContext(ctx).Where("id = ?", send.EventID).First(&event).Error; err != nil {
		return workflow.SendInput{}, fmt.Errorf("failed to load event %s: %w", send.EventID, err)
	}
	var contact models.Contact
	if err := d.db.WithContext(ctx).Where("id = ?", event.ContactID).First(&contact).Error; err != nil {
		return workflow.SendInput{}, fmt.Errorf("failed to load contact %s: %w", event.ContactID, err)
	}

	var recipient string
	switch send.Channel {
	case models.ChannelEmail:
		recipient = contact.Email
	case models.ChannelSMS:
		recipient = contact.Phone
	}
	if recipient == "" {
		return workflow.SendInput{}, fmt.Errorf("contact %s has no %s recipient", contact.ID, send.Channel)
	}

	title := event.Title
	if title == "" {
		title = string(event.Type)
	}

	return workflow.SendInput{
		ScheduledSendID: send.ID,
		EventID:         event.ID,
		GroupID:         contact.GroupID,
		Channel:         send.Channel,
		Recipient:       recipient,
		ContactName:     contact.FullName,
		EventTitle:      title,
		DueAt:           send.DueAt,
	}, nil
}
