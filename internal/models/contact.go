package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Contact is a person a group keeps reminders for. Contacts belong to exactly
// one group and are only ever soft-deleted.
type Contact struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	GroupID   string         `gorm:"size:36;not null;index" json:"group_id"`
	FullName  string         `gorm:"size:100;not null" json:"full_name"`
	Email     string         `gorm:"size:255" json:"email"`
	Phone     string         `gorm:"size:32" json:"phone"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// EventType represents the kind of occasion an event tracks
type EventType string

const (
	BirthdayEvent    EventType = "birthday"
	AnniversaryEvent EventType = "anniversary"
	CustomEvent      EventType = "custom"
)

// Event is a contact's recurring or one-time occasion. Month and Day define
// the calendar date; Year is set for one-time events and for recurring events
// where the year is known (e.g. a birth year). Events are never physically
// deleted while the contact exists.
type Event struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	ContactID string         `gorm:"size:36;not null;index" json:"contact_id"`
	Type      EventType      `gorm:"size:16;not null" json:"type"`
	Title     string         `gorm:"size:100" json:"title"`
	Month     int            `gorm:"not null" json:"month"`
	Day       int            `gorm:"not null" json:"day"`
	Year      *int           `json:"year,omitempty"`
	Recurring bool           `gorm:"not null;default:true" json:"recurring"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Validate checks the parts of an event the evaluator cannot normalize.
// Out-of-range days within a month are clamped later, not rejected here.
func (e *Event) Validate() error {
	if e.Month < 1 || e.Month > 12 {
		return fmt.Errorf("event %s has invalid month %d", e.ID, e.Month)
	}
	if e.Day < 1 || e.Day > 31 {
		return fmt.Errorf("event %s has invalid day %d", e.ID, e.Day)
	}
	if e.Type != BirthdayEvent && e.Type != AnniversaryEvent && e.Type != CustomEvent {
		return fmt.Errorf("event %s has unknown type %q", e.ID, e.Type)
	}
	if !e.Recurring && e.Year == nil {
		return fmt.Errorf("event %s is one-time but has no year", e.ID)
	}
	return nil
}

// BeforeCreate hook is called before creating a new contact
func (c *Contact) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	return nil
}

// BeforeCreate hook is called before creating a new event
func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	return nil
}

// TableName specifies the table name for the Contact model
func (Contact) TableName() string {
	return "contact"
}

// TableName specifies the table name for the Event model
func (Event) TableName() string {
	return "event"
}

// CreateEventRequest represents the data needed to create a new event
type CreateEventRequest struct {
	ContactID string `json:"contact_id" binding:"required"`
	Type      string `json:"type" binding:"required,oneof=birthday anniversary custom"`
	Title     string `json:"title" binding:"max=100"`
	Month     int    `json:"month" binding:"required,min=1,max=12"`
	Day       int    `json:"day" binding:"required,min=1,max=31"`
	Year      *int   `json:"year,omitempty"`
	Recurring *bool  `json:"recurring,omitempty"`
}
