package handlers

import (
	"fmt"
	"net/http"
	"time"

	"kindred/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm/clause"
)

// ProviderEventRequest represents a delivery callback from a provider
type ProviderEventRequest struct {
	ScheduledSendID string `json:"scheduled_send_id" binding:"required"`
	Event           string `json:"event" binding:"required,oneof=delivered bounce"`
	Provider        string `json:"provider" binding:"required"`
	MessageID       string `json:"message_id"`
	Recipient       string `json:"recipient"`
	Reason          string `json:"reason"`
}

// ProviderWebhook ingests delivery and bounce callbacks. Bounces also add
// the recipient to the suppression list so future sends skip them.
func (h *Handler) ProviderWebhook(c *gin.Context) {
	var request ProviderEventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		handleError(c, http.StatusBadRequest, fmt.Sprintf("Invalid input: %s", err.Error()), err)
		return
	}

	ctx := c.Request.Context()
	switch request.Event {
	case "delivered":
		if err := h.dispatcher.RecordDelivery(ctx, request.ScheduledSendID, request.Provider, request.MessageID); err != nil {
			handleError(c, http.StatusConflict, "Failed to record delivery", err)
			return
		}
	case "bounce":
		if err := h.dispatcher.RecordBounce(ctx, request.ScheduledSendID, request.Provider, request.Reason); err != nil {
			handleError(c, http.StatusConflict, "Failed to record bounce", err)
			return
		}
		if request.Recipient != "" {
			suppression := models.Suppression{
				Identifier: models.NormalizeIdentifier(request.Recipient),
				Reason:     "bounce",
				CreatedAt:  time.Now(),
			}
			if err := h.db.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "identifier"}},
				DoNothing: true,
			}).Create(&suppression).Error; err != nil {
				handleError(c, http.StatusInternalServerError, "Failed to suppress recipient", err)
				return
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"processed": request.ScheduledSendID})
}
