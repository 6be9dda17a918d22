package reminder

import (
	"context"
	"log"
	"sync"
	"time"

	"kindred/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultHorizon is how far ahead the scheduler fills in scheduled sends.
const DefaultHorizon = 30 * 24 * time.Hour

// ScheduleSummary reports one scheduler run.
type ScheduleSummary struct {
	Scheduled int `json:"scheduled"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Scheduler walks all active events of reminder-enabled groups and upserts
// PENDING scheduled sends for the coming horizon. It only ever inserts; the
// idempotency key's unique index makes repeated or concurrent runs safe.
type Scheduler struct {
	db          *gorm.DB
	horizon     time.Duration
	concurrency int
	now         func() time.Time
}

// NewScheduler creates a scheduler on the given database handle.
func NewScheduler(db *gorm.DB) *Scheduler {
	return &Scheduler{
		db:          db,
		horizon:     DefaultHorizon,
		concurrency: 16,
		now:         time.Now,
	}
}

// ScheduleUpcoming fills the rolling horizon with scheduled sends. Failures
// local to one event are counted and never abort the rest of the run.
func (s *Scheduler) ScheduleUpcoming(ctx context.Context) (ScheduleSummary, error) {
	start := s.now().UTC()
	end := start.Add(s.horizon)

	activeMembers := s.db.Model(&models.GroupMember{}).
		Select("group_id").
		Where("status = ?", "active")

	var groups []models.Group
	err := s.db.WithContext(ctx).
		Where("reminders_enabled = ?", true).
		Where("id IN (?)", activeMembers).
		Find(&groups).Error
	if err != nil {
		return ScheduleSummary{}, err
	}

	var summary ScheduleSummary
	var mu sync.Mutex
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for _, group := range groups {
		loc, err := time.LoadLocation(group.Timezone)
		if err != nil {
			log.Printf("[Scheduler] group %s has invalid timezone %q: %v", group.ID, group.Timezone, err)
			mu.Lock()
			summary.Errors++
			mu.Unlock()
			continue
		}

		var events []models.Event
		err = s.db.WithContext(ctx).
			Where("contact_id IN (?)", s.db.Model(&models.Contact{}).
				Select("id").Where("group_id = ?", group.ID)).
			Find(&events).Error
		if err != nil {
			log.Printf("[Scheduler] failed to load events for group %s: %v", group.ID, err)
			mu.Lock()
			summary.Errors++
			mu.Unlock()
			continue
		}

		for i := range events {
			event := events[i]
			rule := group.ReminderRule
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				scheduled, skipped, err := s.scheduleEvent(ctx, &event, rule, loc, start, end)
				mu.Lock()
				defer mu.Unlock()
				summary.Scheduled += scheduled
				summary.Skipped += skipped
				if err != nil {
					log.Printf("[Scheduler] event %s: %v", event.ID, err)
					summary.Errors++
				}
			}()
		}
	}
	wg.Wait()

	log.Printf("[Scheduler] run complete: scheduled=%d skipped=%d errors=%d",
		summary.Scheduled, summary.Skipped, summary.Errors)
	return summary, nil
}

// scheduleEvent upserts the scheduled sends for one event. An existing row
// under the same idempotency key is counted as skipped, never touched.
func (s *Scheduler) scheduleEvent(ctx context.Context, event *models.Event, rule models.ReminderRule, loc *time.Location, start, end time.Time) (scheduled, skipped int, err error) {
	instants, err := ComputeDueInstants(event, rule, loc, start, end)
	if err != nil {
		return 0, 0, err
	}

	for _, instant := range instants {
		for _, channel := range instant.Channels {
			row := models.ScheduledSend{
				EventID:        event.ID,
				OccurrenceYear: instant.OccurrenceYear,
				Offset:         instant.Offset,
				Channel:        channel,
				DueAt:          instant.DueAt,
				Status:         models.SendPending,
				IdempotencyKey: models.SendIdempotencyKey(event.ID, instant.OccurrenceYear, instant.Offset, channel),
			}
			result := s.db.WithContext(ctx).
				Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "idempotency_key"}},
					DoNothing: true,
				}).
				Create(&row)
			if result.Error != nil {
				return scheduled, skipped, result.Error
			}
			if result.RowsAffected == 0 {
				skipped++
			} else {
				scheduled++
			}
		}
	}
	return scheduled, skipped, nil
}
