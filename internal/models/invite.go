package models

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// InviteToken lets someone outside a group submit an event for one of the
// group's contacts without an account. Tokens are single-group, expiring,
// and track how many times they have been redeemed.
type InviteToken struct {
	Token       string    `gorm:"primaryKey;size:64" json:"token"`
	GroupID     string    `gorm:"size:36;not null;index" json:"group_id"`
	CreatedBy   string    `gorm:"size:64;not null" json:"created_by"`
	ExpiresAt   time.Time `gorm:"not null" json:"expires_at"`
	Redemptions int       `gorm:"not null;default:0" json:"redemptions"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

// IsExpired reports whether the token is past its expiry.
func (t *InviteToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// TableName specifies the table name for the InviteToken model
func (InviteToken) TableName() string {
	return "invite_token"
}

// NewInviteTokenValue generates a URL-safe random token value.
func NewInviteTokenValue() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
