package reminder

import (
	"context"
	"sync"
	"testing"
	"time"

	"kindred/internal/models"
	"kindred/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeWorkflowClient records starts and requeues and serves canned statuses.
type fakeWorkflowClient struct {
	mu       sync.Mutex
	statuses map[string]workflow.Status
	started  map[string]workflow.SendInput
	requeued []string
	startErr error
	descErr  error
}

func newFakeWorkflowClient() *fakeWorkflowClient {
	return &fakeWorkflowClient{
		statuses: make(map[string]workflow.Status),
		started:  make(map[string]workflow.SendInput),
	}
}

func (f *fakeWorkflowClient) Start(ctx context.Context, workflowID string, input workflow.SendInput) (workflow.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	if _, ok := f.statuses[workflowID]; ok {
		return &fakeHandle{client: f, id: workflowID}, workflow.ErrAlreadyStarted
	}
	f.statuses[workflowID] = workflow.StatusRunning
	f.started[workflowID] = input
	return &fakeHandle{client: f, id: workflowID}, nil
}

func (f *fakeWorkflowClient) GetHandle(ctx context.Context, workflowID string) (workflow.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.statuses[workflowID]; !ok {
		return nil, workflow.ErrNotFound
	}
	return &fakeHandle{client: f, id: workflowID}, nil
}

func (f *fakeWorkflowClient) Requeue(ctx context.Context, workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.statuses[workflowID]; !ok {
		return workflow.ErrNotFound
	}
	f.statuses[workflowID] = workflow.StatusRunning
	f.requeued = append(f.requeued, workflowID)
	return nil
}

func (f *fakeWorkflowClient) setStatus(workflowID string, status workflow.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[workflowID] = status
}

type fakeHandle struct {
	client *fakeWorkflowClient
	id     string
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Describe(ctx context.Context) (workflow.Description, error) {
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	if h.client.descErr != nil {
		return workflow.Description{}, h.client.descErr
	}
	status, ok := h.client.statuses[h.id]
	if !ok {
		return workflow.Description{}, workflow.ErrNotFound
	}
	return workflow.Description{Status: status}, nil
}

// seedSend creates a scheduled send with full event/contact lineage.
func seedSend(t *testing.T, db *gorm.DB, status models.SendStatus, dueAt time.Time) *models.ScheduledSend {
	t.Helper()
	group := seedGroup(t, db, defaultRule())
	event := seedContactEvent(t, db, group.ID, int(dueAt.Month()), dueAt.Day())
	send := &models.ScheduledSend{
		EventID:        event.ID,
		OccurrenceYear: dueAt.Year(),
		Offset:         -7,
		Channel:        models.ChannelEmail,
		DueAt:          dueAt,
		Status:         status,
		IdempotencyKey: models.SendIdempotencyKey(event.ID, dueAt.Year(), -7, models.ChannelEmail),
	}
	require.NoError(t, db.Create(send).Error)
	return send
}

func TestDispatchDueStartsWorkflowAndQueues(t *testing.T) {
	db := newTestDB(t)
	wf := newFakeWorkflowClient()
	d := NewDispatcher(db, wf)

	send := seedSend(t, db, models.SendPending, time.Now().UTC().Add(-time.Hour))

	summary, err := d.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Started)
	assert.Equal(t, 0, summary.Errors)

	input, ok := wf.started[send.WorkflowID()]
	require.True(t, ok, "workflow was not started")
	assert.Equal(t, send.ID, input.ScheduledSendID)
	assert.Equal(t, "ada@example.com", input.Recipient)

	var reloaded models.ScheduledSend
	require.NoError(t, db.First(&reloaded, "id = ?", send.ID).Error)
	assert.Equal(t, models.SendQueued, reloaded.Status)
}

func TestDispatchDueSecondRunIsNoop(t *testing.T) {
	db := newTestDB(t)
	wf := newFakeWorkflowClient()
	d := NewDispatcher(db, wf)

	seedSend(t, db, models.SendPending, time.Now().UTC().Add(-time.Hour))

	_, err := d.DispatchDue(context.Background())
	require.NoError(t, err)

	summary, err := d.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispatchSummary{}, summary)
}

func TestDispatchDueSkipsFutureSends(t *testing.T) {
	db := newTestDB(t)
	wf := newFakeWorkflowClient()
	d := NewDispatcher(db, wf)

	seedSend(t, db, models.SendPending, time.Now().UTC().Add(48*time.Hour))

	summary, err := d.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispatchSummary{}, summary)
	assert.Empty(t, wf.started)
}

func TestRequeueFailedRespectsRetryBound(t *testing.T) {
	db := newTestDB(t)
	wf := newFakeWorkflowClient()
	d := NewDispatcher(db, wf)

	retryable := seedSend(t, db, models.SendFailed, time.Now().UTC().Add(-time.Hour))
	wf.statuses[retryable.WorkflowID()] = workflow.StatusFailed

	exhausted := seedSend(t, db, models.SendFailed, time.Now().UTC().Add(-2*time.Hour))
	require.NoError(t, db.Model(exhausted).Update("retry_count", models.MaxRetries).Error)

	summary, err := d.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Requeued)

	var reloaded models.ScheduledSend
	require.NoError(t, db.First(&reloaded, "id = ?", retryable.ID).Error)
	assert.Equal(t, models.SendQueued, reloaded.Status)
	assert.Equal(t, 1, reloaded.RetryCount)
	assert.Equal(t, []string{retryable.WorkflowID()}, wf.requeued)

	// The exhausted row stays terminal-FAILED. A fresh destination struct
	// matters here: reusing one would fold the previous row's primary key
	// into the query conditions.
	var exhaustedReloaded models.ScheduledSend
	require.NoError(t, db.First(&exhaustedReloaded, "id = ?", exhausted.ID).Error)
	assert.Equal(t, models.SendFailed, exhaustedReloaded.Status)
	assert.Equal(t, models.MaxRetries, exhaustedReloaded.RetryCount)
	assert.True(t, exhaustedReloaded.IsTerminal())
}

func TestManualRetryDoesNotIncrementRetryCount(t *testing.T) {
	db := newTestDB(t)
	wf := newFakeWorkflowClient()
	d := NewDispatcher(db, wf)

	send := seedSend(t, db, models.SendFailed, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, db.Model(send).Update("retry_count", models.MaxRetries).Error)
	wf.statuses[send.WorkflowID()] = workflow.StatusFailed

	require.NoError(t, d.Retry(context.Background(), send.ID))

	var reloaded models.ScheduledSend
	require.NoError(t, db.First(&reloaded, "id = ?", send.ID).Error)
	assert.Equal(t, models.SendQueued, reloaded.Status)
	assert.Equal(t, models.MaxRetries, reloaded.RetryCount)
	assert.Equal(t, []string{send.WorkflowID()}, wf.requeued)
}

func TestManualRetryRejectsNonFailedSends(t *testing.T) {
	db := newTestDB(t)
	d := NewDispatcher(db, newFakeWorkflowClient())

	send := seedSend(t, db, models.SendDelivered, time.Now().UTC())
	assert.Error(t, d.Retry(context.Background(), send.ID))
	assert.Error(t, d.Retry(context.Background(), "missing-id"))
}

func TestReportOutcomeDrivesStatusMachine(t *testing.T) {
	db := newTestDB(t)
	d := NewDispatcher(db, newFakeWorkflowClient())
	ctx := context.Background()

	send := seedSend(t, db, models.SendQueued, time.Now().UTC())

	require.NoError(t, d.ReportOutcome(ctx, send.ID, workflow.OutcomeSent, "sendgrid", "msg-123", ""))

	var reloaded models.ScheduledSend
	require.NoError(t, db.First(&reloaded, "id = ?", send.ID).Error)
	assert.Equal(t, models.SendSent, reloaded.Status)

	var logs []models.SendLog
	require.NoError(t, db.Where("scheduled_send_id = ?", send.ID).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "sendgrid", logs[0].Provider)
	assert.Equal(t, "msg-123", logs[0].ProviderMessageID)

	// Delivery callback completes the happy path
	require.NoError(t, d.RecordDelivery(ctx, send.ID, "sendgrid", "msg-123"))
	require.NoError(t, db.First(&reloaded, "id = ?", send.ID).Error)
	assert.Equal(t, models.SendDelivered, reloaded.Status)

	// A bounce can still arrive after delivery
	require.NoError(t, d.RecordBounce(ctx, send.ID, "sendgrid", "mailbox full"))
	require.NoError(t, db.First(&reloaded, "id = ?", send.ID).Error)
	assert.Equal(t, models.SendBounced, reloaded.Status)

	require.NoError(t, db.Where("scheduled_send_id = ?", send.ID).Find(&logs).Error)
	assert.Len(t, logs, 3)
}

func TestReportOutcomeSuppressedFailsSend(t *testing.T) {
	db := newTestDB(t)
	d := NewDispatcher(db, newFakeWorkflowClient())

	send := seedSend(t, db, models.SendQueued, time.Now().UTC())
	require.NoError(t, d.ReportOutcome(context.Background(), send.ID, workflow.OutcomeSuppressed, "", "", "recipient suppressed"))

	var reloaded models.ScheduledSend
	require.NoError(t, db.First(&reloaded, "id = ?", send.ID).Error)
	assert.Equal(t, models.SendFailed, reloaded.Status)
}

func TestReportOutcomeRejectsInvalidTransition(t *testing.T) {
	db := newTestDB(t)
	d := NewDispatcher(db, newFakeWorkflowClient())

	// A PENDING send has no workflow outcome yet; QUEUED->SENT guard must fail
	send := seedSend(t, db, models.SendPending, time.Now().UTC())
	err := d.ReportOutcome(context.Background(), send.ID, workflow.OutcomeSent, "sendgrid", "", "")
	assert.Error(t, err)

	var reloaded models.ScheduledSend
	require.NoError(t, db.First(&reloaded, "id = ?", send.ID).Error)
	assert.Equal(t, models.SendPending, reloaded.Status)
}
