package reminder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"kindred/internal/models"
	"kindred/internal/workflow"

	"gorm.io/gorm"
)

// Discrepancy types the reconciler classifies.
const (
	DiscrepancyMissingWorkflow = "missing-workflow"
	DiscrepancyWorkflowError   = "workflow-error"
)

// Default window and cap for a reconciliation run.
const (
	DefaultWindowHours    = 24
	DefaultReconcileLimit = 200
)

// Discrepancy is a detected mismatch between a scheduled send and the
// workflow engine's actual execution state.
type Discrepancy struct {
	ScheduledSendID string          `json:"scheduled_send_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Type            string          `json:"type"`
	Details         string          `json:"details"`
	WorkflowStatus  workflow.Status `json:"workflow_status,omitempty"`
}

// ReconcileReport summarizes one reconciliation run.
type ReconcileReport struct {
	WindowStart   time.Time     `json:"window_start"`
	WindowEnd     time.Time     `json:"window_end"`
	Checked       int           `json:"checked"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// Reconciler compares scheduled sends in a recent window against the live
// state of their workflows. It never mutates scheduled sends: discrepancies
// are output data for operators and alerting, not exceptions.
type Reconciler struct {
	db           *gorm.DB
	wf           workflow.Client
	queryTimeout time.Duration
	concurrency  int
	now          func() time.Time
}

// NewReconciler creates a reconciler over the database handle and workflow
// client.
func NewReconciler(db *gorm.DB, wf workflow.Client) *Reconciler {
	return &Reconciler{
		db:           db,
		wf:           wf,
		queryTimeout: 5 * time.Second,
		concurrency:  16,
		now:          time.Now,
	}
}

// Reconcile checks non-terminal sends due in [now - windowHours, now],
// oldest first, capped at limit, optionally filtered to one group's
// contacts. A zero windowHours or limit takes the default. Errors querying
// a single workflow are logged and skipped; only a failure to read the
// store at all fails the run.
func (r *Reconciler) Reconcile(ctx context.Context, windowHours, limit int, groupID string) (*ReconcileReport, error) {
	if windowHours <= 0 {
		windowHours = DefaultWindowHours
	}
	if limit <= 0 {
		limit = DefaultReconcileLimit
	}

	windowEnd := r.now().UTC()
	windowStart := windowEnd.Add(-time.Duration(windowHours) * time.Hour)

	query := r.db.WithContext(ctx).
		Where("status IN ?", []models.SendStatus{models.SendPending, models.SendQueued, models.SendFailed}).
		Where("due_at >= ? AND due_at <= ?", windowStart, windowEnd)

	if groupID != "" {
		groupContacts := r.db.Model(&models.Contact{}).Select("id").Where("group_id = ?", groupID)
		groupEvents := r.db.Model(&models.Event{}).Select("id").Where("contact_id IN (?)", groupContacts)
		query = query.Where("event_id IN (?)", groupEvents)
	}

	var sends []models.ScheduledSend
	if err := query.Order("due_at asc").Limit(limit).Find(&sends).Error; err != nil {
		return nil, fmt.Errorf("failed to load sends for reconciliation: %w", err)
	}

	report := &ReconcileReport{
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
		Checked:       len(sends),
		Discrepancies: []Discrepancy{},
	}

	// One slot per row keeps the report ordered by due time regardless of
	// which query returns first.
	results := make([]*Discrepancy, len(sends))
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup

	for i := range sends {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.checkSend(ctx, &sends[i])
		}(i)
	}
	wg.Wait()

	for _, d := range results {
		if d != nil {
			report.Discrepancies = append(report.Discrepancies, *d)
		}
	}
	return report, nil
}

// checkSend queries the engine for one send's workflow and classifies the
// result. A healthy or merely stale workflow yields nil.
func (r *Reconciler) checkSend(ctx context.Context, send *models.ScheduledSend) *Discrepancy {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	handle, err := r.wf.GetHandle(ctx, send.WorkflowID())
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return &Discrepancy{
				ScheduledSendID: send.ID,
				IdempotencyKey:  send.IdempotencyKey,
				Type:            DiscrepancyMissingWorkflow,
				Details:         fmt.Sprintf("send due %s has no workflow execution", send.DueAt.Format(time.RFC3339)),
			}
		}
		log.Printf("[Reconciler] failed to look up workflow for send %s, skipping: %v", send.ID, err)
		return nil
	}

	desc, err := handle.Describe(ctx)
	if err != nil {
		log.Printf("[Reconciler] failed to describe workflow for send %s, skipping: %v", send.ID, err)
		return nil
	}

	if desc.Status.TerminalFailure() {
		return &Discrepancy{
			ScheduledSendID: send.ID,
			IdempotencyKey:  send.IdempotencyKey,
			Type:            DiscrepancyWorkflowError,
			Details:         fmt.Sprintf("workflow ended %s while send is %s", desc.Status, send.Status),
			WorkflowStatus:  desc.Status,
		}
	}

	// Running, or completed with a stale local status: eventual-consistency
	// lag, not an error.
	return nil
}
