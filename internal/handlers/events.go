package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"kindred/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// CreateEvent adds an occasion to a contact. The caller must be an active
// member of the contact's group.
func (h *Handler) CreateEvent(c *gin.Context) {
	var request models.CreateEventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		handleError(c, http.StatusBadRequest, fmt.Sprintf("Invalid input: %s", err.Error()), err)
		return
	}

	userID := c.GetString("user_id")

	var contact models.Contact
	if err := h.db.Where("id = ?", request.ContactID).First(&contact).Error; err != nil {
		handleError(c, http.StatusNotFound, "Contact not found", err)
		return
	}

	if !h.isActiveMember(contact.GroupID, userID) {
		handleError(c, http.StatusForbidden, "Not a member of this group",
			fmt.Errorf("user %s is not an active member of group %s", userID, contact.GroupID))
		return
	}

	event, err := h.createEventForContact(&contact, &request)
	if err != nil {
		handleError(c, http.StatusInternalServerError, "Failed to create event", err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

// DeleteEvent soft-deletes an event. Events are never physically removed
// while their contact exists.
func (h *Handler) DeleteEvent(c *gin.Context) {
	eventID := c.Param("id")
	userID := c.GetString("user_id")

	var event models.Event
	if err := h.db.Where("id = ?", eventID).First(&event).Error; err != nil {
		handleError(c, http.StatusNotFound, "Event not found", err)
		return
	}

	var contact models.Contact
	if err := h.db.Where("id = ?", event.ContactID).First(&contact).Error; err != nil {
		handleError(c, http.StatusNotFound, "Contact not found", err)
		return
	}
	if !h.isActiveMember(contact.GroupID, userID) {
		handleError(c, http.StatusForbidden, "Not a member of this group",
			fmt.Errorf("user %s is not an active member of group %s", userID, contact.GroupID))
		return
	}

	if err := h.db.Delete(&event).Error; err != nil {
		handleError(c, http.StatusInternalServerError, "Failed to delete event", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": eventID})
}

// CreateInviteRequest represents the data needed to mint an invite token
type CreateInviteRequest struct {
	TTLHours int `json:"ttl_hours" binding:"omitempty,min=1,max=720"`
}

// CreateInvite mints an invite token for a group so outsiders can submit
// events for its contacts.
func (h *Handler) CreateInvite(c *gin.Context) {
	groupID := c.Param("id")
	userID := c.GetString("user_id")

	var request CreateInviteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		handleError(c, http.StatusBadRequest, fmt.Sprintf("Invalid input: %s", err.Error()), err)
		return
	}
	if request.TTLHours == 0 {
		request.TTLHours = 168 // one week
	}

	if !h.isActiveMember(groupID, userID) {
		handleError(c, http.StatusForbidden, "Not a member of this group",
			fmt.Errorf("user %s is not an active member of group %s", userID, groupID))
		return
	}

	value, err := models.NewInviteTokenValue()
	if err != nil {
		handleError(c, http.StatusInternalServerError, "Failed to mint invite token", err)
		return
	}

	token := models.InviteToken{
		Token:     value,
		GroupID:   groupID,
		CreatedBy: userID,
		ExpiresAt: time.Now().Add(time.Duration(request.TTLHours) * time.Hour),
		CreatedAt: time.Now(),
	}
	if err := h.db.Create(&token).Error; err != nil {
		handleError(c, http.StatusInternalServerError, "Failed to create invite token", err)
		return
	}
	c.JSON(http.StatusCreated, token)
}

// RedeemInvite is the public, unauthenticated path: an invite token plus an
// event submission for one of the group's contacts.
func (h *Handler) RedeemInvite(c *gin.Context) {
	tokenValue := c.Param("token")

	var token models.InviteToken
	if err := h.db.Where("token = ?", tokenValue).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			handleError(c, http.StatusNotFound, "Invite not found", err)
			return
		}
		handleError(c, http.StatusInternalServerError, "Failed to look up invite", err)
		return
	}
	if token.IsExpired() {
		handleError(c, http.StatusGone, "Invite has expired", fmt.Errorf("invite %s expired at %s", token.Token, token.ExpiresAt))
		return
	}

	var request models.CreateEventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		handleError(c, http.StatusBadRequest, fmt.Sprintf("Invalid input: %s", err.Error()), err)
		return
	}

	var contact models.Contact
	if err := h.db.Where("id = ? AND group_id = ?", request.ContactID, token.GroupID).First(&contact).Error; err != nil {
		handleError(c, http.StatusNotFound, "Contact not found in this group", err)
		return
	}

	event, err := h.createEventForContact(&contact, &request)
	if err != nil {
		handleError(c, http.StatusInternalServerError, "Failed to create event", err)
		return
	}

	if err := h.db.Model(&token).Update("redemptions", gorm.Expr("redemptions + 1")).Error; err != nil {
		log.Printf("Warning: Failed to count invite redemption: %v", err)
	}

	c.JSON(http.StatusCreated, event)
}

// createEventForContact persists a validated event submission.
func (h *Handler) createEventForContact(contact *models.Contact, request *models.CreateEventRequest) (*models.Event, error) {
	recurring := true
	if request.Recurring != nil {
		recurring = *request.Recurring
	}

	event := models.Event{
		ContactID: contact.ID,
		Type:      models.EventType(request.Type),
		Title:     request.Title,
		Month:     request.Month,
		Day:       request.Day,
		Year:      request.Year,
		Recurring: recurring,
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if err := h.db.Create(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// isActiveMember reports whether the user has an active membership in the group.
func (h *Handler) isActiveMember(groupID, userID string) bool {
	var count int64
	h.db.Model(&models.GroupMember{}).
		Where("group_id = ? AND user_id = ? AND status = ?", groupID, userID, "active").
		Count(&count)
	return count > 0
}
