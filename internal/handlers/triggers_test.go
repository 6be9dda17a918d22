package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kindred/internal/auth"
	"kindred/internal/database"
	"kindred/internal/health"
	"kindred/internal/models"
	"kindred/internal/reminder"
	"kindred/internal/services"
	"kindred/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "test-cron-secret"

func newTestServer(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	engine := workflow.NewEngine(db)
	scheduler := reminder.NewScheduler(db)
	dispatcher := reminder.NewDispatcher(db, engine)
	reconciler := reminder.NewReconciler(db, engine)
	aggregator := health.NewAggregator(db, reconciler)
	alerts := services.NewAlertService()

	h := New(db, scheduler, dispatcher, reconciler, aggregator, alerts)

	router := gin.New()
	router.POST("/invites/:token/events", h.RedeemInvite)
	router.POST("/webhooks/provider", h.ProviderWebhook)

	member := router.Group("")
	member.Use(auth.RequireIdentity())
	member.POST("/events", h.CreateEvent)

	triggers := router.Group("/internal")
	triggers.Use(auth.RequireCronSecret(testSecret))
	triggers.POST("/reminders/schedule", h.ScheduleReminders)
	triggers.POST("/reminders/reconcile", h.ReconcileReminders)
	triggers.POST("/sends/:id/retry", h.RetrySend)
	triggers.GET("/groups/:id/reminders/health", h.GroupReminderHealth)

	return router, db
}

func seedGroupContact(t *testing.T, db *gorm.DB) (*models.Group, *models.Contact) {
	t.Helper()
	group := &models.Group{
		Name: "Friends", Timezone: "UTC", RemindersEnabled: true,
		ReminderRule: models.ReminderRule{
			SendHour: 9,
			Offsets:  []models.RuleOffset{{Days: -7, Channels: []models.Channel{models.ChannelEmail}}},
		},
		OwnerID: "user-1",
	}
	require.NoError(t, db.Create(group).Error)
	require.NoError(t, db.Create(&models.GroupMember{
		GroupID: group.ID, UserID: "user-1", Status: "active",
		JoinedAt: time.Now(), UpdatedAt: time.Now(),
	}).Error)
	contact := &models.Contact{GroupID: group.ID, FullName: "Ada Lovelace", Email: "ada@example.com"}
	require.NoError(t, db.Create(contact).Error)
	return group, contact
}

func authedRequest(method, path string, body interface{}) *http.Request {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestTriggersRejectMissingCredential(t *testing.T) {
	router, _ := newTestServer(t)

	for _, path := range []string{"/internal/reminders/schedule", "/internal/reminders/reconcile"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestScheduleTriggerReturnsSummary(t *testing.T) {
	router, db := newTestServer(t)
	_, contact := seedGroupContact(t, db)

	// One event ten days out lands inside the horizon
	target := time.Now().UTC().AddDate(0, 0, 10)
	require.NoError(t, db.Create(&models.Event{
		ContactID: contact.ID, Type: models.BirthdayEvent,
		Month: int(target.Month()), Day: target.Day(), Recurring: true,
	}).Error)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/internal/reminders/schedule", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var summary reminder.ScheduleSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Scheduled)
	assert.Equal(t, 0, summary.Errors)
}

func TestReconcileTriggerValidatesInput(t *testing.T) {
	router, _ := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/internal/reminders/reconcile?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/internal/reminders/reconcile?limit=5&window_hours=12", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var report reminder.ReconcileReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 0, report.Checked)
	assert.NotNil(t, report.Discrepancies)
}

func TestRetryTriggerRejectsUnknownSend(t *testing.T) {
	router, _ := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/internal/sends/nope/retry", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateEventRequiresIdentity(t *testing.T) {
	router, db := newTestServer(t)
	_, contact := seedGroupContact(t, db)

	body := models.CreateEventRequest{ContactID: contact.ID, Type: "birthday", Month: 3, Day: 15}
	payload, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-1")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestInviteRedemptionCreatesEvent(t *testing.T) {
	router, db := newTestServer(t)
	group, contact := seedGroupContact(t, db)

	token := models.InviteToken{
		Token: "tok-1", GroupID: group.ID, CreatedBy: "user-1",
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now(),
	}
	require.NoError(t, db.Create(&token).Error)

	body := models.CreateEventRequest{ContactID: contact.ID, Type: "anniversary", Month: 6, Day: 1}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/invites/tok-1/events", body))
	require.Equal(t, http.StatusCreated, w.Code)

	var count int64
	require.NoError(t, db.Model(&models.Event{}).Where("contact_id = ?", contact.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var reloaded models.InviteToken
	require.NoError(t, db.First(&reloaded, "token = ?", "tok-1").Error)
	assert.Equal(t, 1, reloaded.Redemptions)

	// Expired tokens are refused
	require.NoError(t, db.Model(&reloaded).Update("expires_at", time.Now().Add(-time.Hour)).Error)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/invites/tok-1/events", body))
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestClientIPPrefersProxyHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	c.Request.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.2")
	assert.Equal(t, "203.0.113.7", clientIP(c))

	// X-Real-IP wins over X-Forwarded-For
	c.Request.Header.Set("X-Real-IP", "198.51.100.4")
	assert.Equal(t, "198.51.100.4", clientIP(c))
}

func TestProviderWebhookDrivesLifecycle(t *testing.T) {
	router, db := newTestServer(t)
	_, contact := seedGroupContact(t, db)

	event := &models.Event{ContactID: contact.ID, Type: models.BirthdayEvent, Month: 3, Day: 15, Recurring: true}
	require.NoError(t, db.Create(event).Error)
	send := &models.ScheduledSend{
		EventID:        event.ID,
		OccurrenceYear: 2025,
		Offset:         -7,
		Channel:        models.ChannelEmail,
		DueAt:          time.Now().UTC(),
		Status:         models.SendSent,
		IdempotencyKey: models.SendIdempotencyKey(event.ID, 2025, -7, models.ChannelEmail),
	}
	require.NoError(t, db.Create(send).Error)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/webhooks/provider", ProviderEventRequest{
		ScheduledSendID: send.ID,
		Event:           "bounce",
		Provider:        "sendgrid",
		Recipient:       "Ada@Example.com",
		Reason:          "hard bounce",
	}))
	require.Equal(t, http.StatusOK, w.Code)

	var reloaded models.ScheduledSend
	require.NoError(t, db.First(&reloaded, "id = ?", send.ID).Error)
	assert.Equal(t, models.SendBounced, reloaded.Status)

	// The bounced recipient lands on the suppression list, normalized
	var suppression models.Suppression
	require.NoError(t, db.First(&suppression, "identifier = ?", "ada@example.com").Error)
	assert.Equal(t, "bounce", suppression.Reason)
}
