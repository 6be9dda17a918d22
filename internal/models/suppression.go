package models

import (
	"strings"
	"time"
)

// Suppression is an identifier (email or normalized phone) that must not
// receive sends. Rows are written by the bounce-webhook handler and read by
// the send workflow before every provider call.
type Suppression struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Identifier string    `gorm:"size:255;not null;uniqueIndex" json:"identifier"`
	Reason     string    `gorm:"size:64" json:"reason"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name for the Suppression model
func (Suppression) TableName() string {
	return "suppression"
}

// NormalizeIdentifier canonicalizes a recipient so suppression lookups match
// regardless of formatting: emails are lowercased, phone numbers keep only
// digits and a leading plus.
func NormalizeIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if strings.Contains(identifier, "@") {
		return strings.ToLower(identifier)
	}
	var b strings.Builder
	for i, r := range identifier {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
