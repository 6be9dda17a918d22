package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// ScheduleReminders is the cron trigger for the scheduler. Re-invocable: a
// second run over unchanged state only reports skips.
func (h *Handler) ScheduleReminders(c *gin.Context) {
	summary, err := h.scheduler.ScheduleUpcoming(c.Request.Context())
	if err != nil {
		handleError(c, http.StatusInternalServerError, "Failed to schedule reminders", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// DispatchReminders is the cron trigger for the dispatcher scan.
func (h *Handler) DispatchReminders(c *gin.Context) {
	summary, err := h.dispatcher.DispatchDue(c.Request.Context())
	if err != nil {
		handleError(c, http.StatusInternalServerError, "Failed to dispatch reminders", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ReconcileReminders runs a reconciliation over a recent window. Optional
// query parameters: limit, window_hours, group_id.
func (h *Handler) ReconcileReminders(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		handleError(c, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	windowHours, err := intQuery(c, "window_hours")
	if err != nil {
		handleError(c, http.StatusBadRequest, "Invalid window_hours", err)
		return
	}
	groupID := c.Query("group_id")

	report, err := h.reconciler.Reconcile(c.Request.Context(), windowHours, limit, groupID)
	if err != nil {
		handleError(c, http.StatusInternalServerError, "Failed to reconcile", err)
		return
	}

	// Alerting is best-effort and never fails the trigger
	h.alerts.NotifyDiscrepancies(report)

	c.JSON(http.StatusOK, report)
}

// RetrySend is the explicit operator action that re-queues a terminally
// failed send.
func (h *Handler) RetrySend(c *gin.Context) {
	sendID := c.Param("id")
	if err := h.dispatcher.Retry(c.Request.Context(), sendID); err != nil {
		handleError(c, http.StatusConflict, "Failed to retry send", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": sendID, "requested_by": clientIP(c)})
}

// GroupReminderHealth returns the composed health object for one group.
func (h *Handler) GroupReminderHealth(c *gin.Context) {
	groupID := c.Param("id")
	out, err := h.aggregator.GroupHealth(c.Request.Context(), groupID)
	if err != nil {
		handleError(c, http.StatusInternalServerError, "Failed to build group health", err)
		return
	}

	h.alerts.CheckConversion(groupID, out.ConversionRate, out.SampleSize)

	c.JSON(http.StatusOK, out)
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// clientIP resolves the requesting address for the retry audit record,
// preferring proxy-set headers over the socket peer.
func clientIP(c *gin.Context) string {
	if ip := c.GetHeader("X-Real-IP"); ip != "" {
		return ip
	}
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return c.ClientIP()
}
