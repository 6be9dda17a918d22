package reminder

import (
	"fmt"
	"sort"
	"time"

	"kindred/internal/models"
)

// DueInstant is one computed reminder instant for an event occurrence: the
// occurrence date in the group's timezone, the rule offset that produced it,
// the channels to use, and the due instant in UTC.
type DueInstant struct {
	OccurrenceDate time.Time
	OccurrenceYear int
	Offset         int
	Channels       []models.Channel
	DueAt          time.Time
}

// ComputeDueInstants projects an event's occurrences onto the horizon and
// applies the group's reminder rule, returning due instants ordered by due
// time. The horizon is half-open: [horizonStart, horizonEnd).
//
// Calendar policy: a day that does not exist in the target month is clamped
// to the month's last day, so Feb-29 events fall on Feb-28 in non-leap
// years. Recurring events project onto every year overlapping the horizon;
// one-time events emit at most their single fixed date.
func ComputeDueInstants(event *models.Event, rule models.ReminderRule, loc *time.Location, horizonStart, horizonEnd time.Time) ([]DueInstant, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("group rule for event %s: %w", event.ID, err)
	}
	if loc == nil {
		return nil, fmt.Errorf("no timezone for event %s", event.ID)
	}
	if !horizonEnd.After(horizonStart) || len(rule.Offsets) == 0 {
		return nil, nil
	}

	var years []int
	if event.Recurring {
		// Offsets can push a due instant across a year boundary, so look
		// one year past the horizon on both sides.
		for y := horizonStart.Year() - 1; y <= horizonEnd.Year()+1; y++ {
			years = append(years, y)
		}
	} else {
		years = []int{*event.Year}
	}

	var out []DueInstant
	for _, year := range years {
		occurrence := occurrenceDate(year, event.Month, event.Day, loc)
		for _, slot := range rule.Offsets {
			due := time.Date(occurrence.Year(), occurrence.Month(), occurrence.Day(),
				rule.SendHour, 0, 0, 0, loc).
				AddDate(0, 0, slot.Days).
				UTC()
			if due.Before(horizonStart) || !due.Before(horizonEnd) {
				continue
			}
			out = append(out, DueInstant{
				OccurrenceDate: occurrence,
				OccurrenceYear: year,
				Offset:         slot.Days,
				Channels:       slot.Channels,
				DueAt:          due,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].Offset < out[j].Offset
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return out, nil
}

// occurrenceDate maps a month/day onto a year, clamping days the month does
// not have (Feb 29 in a non-leap year, day 31 in a 30-day month).
func occurrenceDate(year, month, day int, loc *time.Location) time.Time {
	lastDay := time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, loc).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
}
