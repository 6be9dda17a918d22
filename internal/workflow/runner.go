package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"kindred/internal/models"

	"gorm.io/gorm"
)

// Outcome is what an execution reports back about a send attempt.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeFailed     Outcome = "failed"
	OutcomeSuppressed Outcome = "suppressed"
)

// SendProvider performs one provider attempt for a channel. Implementations
// wrap the actual email/SMS wire protocols.
type SendProvider interface {
	Name() string
	Send(ctx context.Context, input SendInput) (providerMessageID string, err error)
}

// OutcomeReporter receives the final result of an execution. The dispatcher
// implements it to drive the scheduled-send status machine.
type OutcomeReporter interface {
	ReportOutcome(ctx context.Context, scheduledSendID string, outcome Outcome, provider, providerMessageID, errText string) error
}

// Runner drains the engine's execution queue. Claims are optimistic with a
// TTL: if a process dies mid-execution the claim goes stale and another
// runner picks the row up again, giving at-least-once delivery.
type Runner struct {
	db           *gorm.DB
	providers    map[models.Channel]SendProvider
	reporter     OutcomeReporter
	pollInterval time.Duration
	claimTTL     time.Duration
	batchSize    int
	workers      int
	maxAttempts  int
}

// NewRunner creates a runner over the given database handle and providers.
func NewRunner(db *gorm.DB, reporter OutcomeReporter, providers map[models.Channel]SendProvider) *Runner {
	return &Runner{
		db:           db,
		providers:    providers,
		reporter:     reporter,
		pollInterval: 15 * time.Second,
		claimTTL:     5 * time.Minute,
		batchSize:    100,
		workers:      10,
		maxAttempts:  4,
	}
}

// Run polls for due executions until the context is canceled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if n, err := r.RunOnce(ctx); err != nil {
			log.Printf("[Runner] pass failed: %v", err)
		} else if n > 0 {
			log.Printf("[Runner] executed %d workflow(s)", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes one batch of due executions. Returns how many
// executions were processed.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-r.claimTTL)

	var due []Execution
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_run_at <= ?", StatusRunning, now).
		Where("claimed_at IS NULL OR claimed_at < ?", staleBefore).
		Order("next_run_at asc").
		Limit(r.batchSize).
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load due executions: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	// Bounded fan-out across independent executions
	sem := make(chan struct{}, r.workers)
	done := make(chan struct{})
	processed := 0
	for i := range due {
		exec := due[i]
		if !r.claim(ctx, exec.ID, staleBefore) {
			continue // another runner got there first
		}
		processed++
		sem <- struct{}{}
		go func() {
			defer func() {
				<-sem
				done <- struct{}{}
			}()
			r.execute(ctx, exec)
		}()
	}
	for i := 0; i < processed; i++ {
		<-done
	}
	return processed, nil
}

// claim marks the execution as ours. The guard repeats the staleness check
// so two runners racing on the same row cannot both win.
func (r *Runner) claim(ctx context.Context, id string, staleBefore time.Time) bool {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&Execution{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Where("claimed_at IS NULL OR claimed_at < ?", staleBefore).
		Updates(map[string]interface{}{"claimed_at": now, "updated_at": now})
	if result.Error != nil {
		log.Printf("[Runner] failed to claim execution %s: %v", id, result.Error)
		return false
	}
	return result.RowsAffected == 1
}

func (r *Runner) execute(ctx context.Context, exec Execution) {
	var input SendInput
	if err := json.Unmarshal(exec.Input, &input); err != nil {
		log.Printf("[Runner] execution %s has unreadable input: %v", exec.ID, err)
		r.finish(ctx, exec.ID, StatusFailed, fmt.Sprintf("unreadable input: %v", err))
		r.report(ctx, input.ScheduledSendID, OutcomeFailed, "", "", "unreadable workflow input")
		return
	}

	// Suppression check happens inside the workflow so a suppressed
	// recipient still yields a completed execution with a logged outcome.
	suppressed, err := r.isSuppressed(ctx, input.Recipient)
	if err != nil {
		r.backoffOrFail(ctx, exec, input, fmt.Sprintf("suppression lookup failed: %v", err))
		return
	}
	if suppressed {
		log.Printf("[Runner] execution %s skipped: recipient suppressed", exec.ID)
		r.finish(ctx, exec.ID, StatusCompleted, "")
		r.report(ctx, input.ScheduledSendID, OutcomeSuppressed, "", "", "recipient suppressed")
		return
	}

	provider, ok := r.providers[input.Channel]
	if !ok {
		r.finish(ctx, exec.ID, StatusFailed, fmt.Sprintf("no provider for channel %s", input.Channel))
		r.report(ctx, input.ScheduledSendID, OutcomeFailed, "", "", fmt.Sprintf("no provider for channel %s", input.Channel))
		return
	}

	msgID, err := provider.Send(ctx, input)
	if err != nil {
		r.backoffOrFail(ctx, exec, input, err.Error())
		return
	}

	r.finish(ctx, exec.ID, StatusCompleted, "")
	r.report(ctx, input.ScheduledSendID, OutcomeSent, provider.Name(), msgID, "")
}

// backoffOrFail releases the claim with an exponential delay, or fails the
// execution permanently once the attempt budget is spent.
func (r *Runner) backoffOrFail(ctx context.Context, exec Execution, input SendInput, errText string) {
	attempts := exec.Attempts + 1
	if attempts >= r.maxAttempts {
		log.Printf("[Runner] execution %s failed permanently after %d attempts: %s", exec.ID, attempts, errText)
		r.finish(ctx, exec.ID, StatusFailed, errText)
		r.report(ctx, input.ScheduledSendID, OutcomeFailed, "", "", errText)
		return
	}

	delay := time.Minute << uint(attempts-1)
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&Execution{}).
		Where("id = ?", exec.ID).
		Updates(map[string]interface{}{
			"attempts":    attempts,
			"next_run_at": now.Add(delay),
			"claimed_at":  nil,
			"last_error":  errText,
			"updated_at":  now,
		}).Error
	if err != nil {
		log.Printf("[Runner] failed to schedule retry for execution %s: %v", exec.ID, err)
	}
}

func (r *Runner) finish(ctx context.Context, id string, status Status, errText string) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"claimed_at": nil,
		"updated_at": now,
	}
	if errText != "" {
		updates["last_error"] = errText
	}
	if err := r.db.WithContext(ctx).Model(&Execution{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		log.Printf("[Runner] failed to finish execution %s: %v", id, err)
	}
}

func (r *Runner) report(ctx context.Context, scheduledSendID string, outcome Outcome, provider, msgID, errText string) {
	if scheduledSendID == "" {
		return
	}
	if err := r.reporter.ReportOutcome(ctx, scheduledSendID, outcome, provider, msgID, errText); err != nil {
		log.Printf("[Runner] failed to report outcome for send %s: %v", scheduledSendID, err)
	}
}

func (r *Runner) isSuppressed(ctx context.Context, recipient string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Suppression{}).
		Where("identifier = ?", models.NormalizeIdentifier(recipient)).
		Count(&count).Error
	return count > 0, err
}
