package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kindred/internal/models"
	"kindred/internal/reminder"

	"gorm.io/gorm"
)

// GroupHealth is the composed read-only health object for one group's
// reminder pipeline.
type GroupHealth struct {
	GroupID           string                      `json:"group_id"`
	StatusCounts      map[models.SendStatus]int64 `json:"status_counts"`
	TotalScheduled    int64                       `json:"total_scheduled"`
	LatestScheduled   *models.ScheduledSend       `json:"latest_scheduled,omitempty"`
	ConversionRate    float64                     `json:"conversion_rate"`
	SampleSize        int64                       `json:"sample_size"`
	Discrepancies     int                         `json:"discrepancies"`
	ActiveInvites     int64                       `json:"active_invites"`
	InviteRedemptions int64                       `json:"invite_redemptions"`
	GeneratedAt       time.Time                   `json:"generated_at"`
}

// Aggregator rolls up scheduled-send and invite-token state for dashboards
// and alerting. It holds no state of its own and delegates live workflow
// consistency to the reconciler.
type Aggregator struct {
	db         *gorm.DB
	reconciler *reminder.Reconciler
}

// NewAggregator creates an aggregator on the database handle and reconciler.
func NewAggregator(db *gorm.DB, reconciler *reminder.Reconciler) *Aggregator {
	return &Aggregator{db: db, reconciler: reconciler}
}

// GroupHealth builds the health object for one group: status counts, latest
// scheduled item, delivery conversion, invite-token state, and a live
// discrepancy count over the default 24-hour window.
func (a *Aggregator) GroupHealth(ctx context.Context, groupID string) (*GroupHealth, error) {
	sends := a.groupSends(ctx, groupID)

	type statusCount struct {
		Status models.SendStatus
		Count  int64
	}
	var counts []statusCount
	if err := sends.Select("status, count(*) as count").Group("status").Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("failed to count sends for group %s: %w", groupID, err)
	}

	out := &GroupHealth{
		GroupID:      groupID,
		StatusCounts: make(map[models.SendStatus]int64),
		GeneratedAt:  time.Now().UTC(),
	}
	for _, c := range counts {
		out.StatusCounts[c.Status] = c.Count
		out.TotalScheduled += c.Count
	}

	var latest models.ScheduledSend
	err := a.groupSends(ctx, groupID).Order("created_at desc").First(&latest).Error
	if err == nil {
		out.LatestScheduled = &latest
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load latest send for group %s: %w", groupID, err)
	}

	// Conversion counts only sends that reached a provider attempt.
	delivered := out.StatusCounts[models.SendDelivered]
	attempted := delivered +
		out.StatusCounts[models.SendSent] +
		out.StatusCounts[models.SendFailed] +
		out.StatusCounts[models.SendBounced]
	out.SampleSize = attempted
	if attempted > 0 {
		out.ConversionRate = float64(delivered) / float64(attempted)
	}

	report, err := a.reconciler.Reconcile(ctx, reminder.DefaultWindowHours, reminder.DefaultReconcileLimit, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile group %s: %w", groupID, err)
	}
	out.Discrepancies = len(report.Discrepancies)

	if err := a.db.WithContext(ctx).Model(&models.InviteToken{}).
		Where("group_id = ? AND expires_at > ?", groupID, time.Now()).
		Count(&out.ActiveInvites).Error; err != nil {
		return nil, fmt.Errorf("failed to count invites for group %s: %w", groupID, err)
	}

	var redemptions struct{ Total int64 }
	if err := a.db.WithContext(ctx).Model(&models.InviteToken{}).
		Select("COALESCE(SUM(redemptions), 0) as total").
		Where("group_id = ?", groupID).
		Scan(&redemptions).Error; err != nil {
		return nil, fmt.Errorf("failed to sum invite redemptions for group %s: %w", groupID, err)
	}
	out.InviteRedemptions = redemptions.Total

	return out, nil
}

// groupSends scopes scheduled sends to a group through its contacts' events.
func (a *Aggregator) groupSends(ctx context.Context, groupID string) *gorm.DB {
	groupContacts := a.db.Model(&models.Contact{}).Select("id").Where("group_id = ?", groupID)
	groupEvents := a.db.Model(&models.Event{}).Select("id").Where("contact_id IN (?)", groupContacts)
	return a.db.WithContext(ctx).Model(&models.ScheduledSend{}).Where("event_id IN (?)", groupEvents)
}
