package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RuleOffset is one reminder slot relative to an event occurrence: a signed
// day count (negative = before the occurrence, 0 = day-of) and the channels
// to use for that slot.
type RuleOffset struct {
	Days     int       `json:"days"`
	Channels []Channel `json:"channels"`
}

// ReminderRule is the group-scoped reminder configuration, stored as a JSON
// column on the group. SendHour is local to the group's timezone.
type ReminderRule struct {
	SendHour int          `json:"send_hour"`
	Offsets  []RuleOffset `json:"offsets"`
}

// Implement driver.Valuer and sql.Scanner
func (r ReminderRule) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *ReminderRule) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("failed to unmarshal ReminderRule: %v", value)
	}
}

// Validate checks the rule invariants: offsets must be unique and every
// offset must carry at least one channel.
func (r ReminderRule) Validate() error {
	if r.SendHour < 0 || r.SendHour > 23 {
		return fmt.Errorf("send_hour %d out of range", r.SendHour)
	}
	seen := make(map[int]bool, len(r.Offsets))
	for _, o := range r.Offsets {
		if seen[o.Days] {
			return fmt.Errorf("duplicate offset %d in reminder rule", o.Days)
		}
		seen[o.Days] = true
		if len(o.Channels) == 0 {
			return fmt.Errorf("offset %d has no channels", o.Days)
		}
		for _, ch := range o.Channels {
			if ch != ChannelEmail && ch != ChannelSMS {
				return fmt.Errorf("offset %d has unknown channel %q", o.Days, ch)
			}
		}
	}
	return nil
}

// Group represents a circle of people who share reminders for their contacts'
// occasions. The timezone is inherited by all events of the group's contacts.
type Group struct {
	ID               string         `gorm:"primaryKey;size:36" json:"id"`
	Name             string         `gorm:"size:100;not null" json:"name"`
	Timezone         string         `gorm:"size:64;not null;default:UTC" json:"timezone"`
	RemindersEnabled bool           `gorm:"not null;default:true" json:"reminders_enabled"`
	ReminderRule     ReminderRule   `gorm:"type:json" json:"reminder_rule"`
	OwnerID          string         `gorm:"size:64;not null" json:"owner_id"`
	CreatedAt        time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// GroupMember represents a user's membership status in a group
type GroupMember struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	GroupID   string    `gorm:"size:36;not null;index" json:"group_id"`
	UserID    string    `gorm:"size:64;not null;index" json:"user_id"`
	Status    string    `gorm:"size:10;not null;default:active" json:"status"` // "active" or "removed"
	JoinedAt  time.Time `gorm:"not null" json:"joined_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// BeforeCreate hook is called before creating a new group
func (g *Group) BeforeCreate(tx *gorm.DB) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := time.Now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = now
	}
	if g.Timezone == "" {
		g.Timezone = "UTC"
	}
	return nil
}

// TableName specifies the table name for the Group model
func (Group) TableName() string {
	return "group"
}

// TableName specifies the table name for the GroupMember model
func (GroupMember) TableName() string {
	return "group_member"
}
