package handlers

import (
	"log"
	"net/http"

	"kindred/internal/health"
	"kindred/internal/reminder"
	"kindred/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler carries the injected collaborators for all HTTP endpoints.
type Handler struct {
	db         *gorm.DB
	scheduler  *reminder.Scheduler
	dispatcher *reminder.Dispatcher
	reconciler *reminder.Reconciler
	aggregator *health.Aggregator
	alerts     *services.AlertService
}

// New creates the handler set.
func New(db *gorm.DB, scheduler *reminder.Scheduler, dispatcher *reminder.Dispatcher, reconciler *reminder.Reconciler, aggregator *health.Aggregator, alerts *services.AlertService) *Handler {
	return &Handler{
		db:         db,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		reconciler: reconciler,
		aggregator: aggregator,
		alerts:     alerts,
	}
}

// handleError provides a consistent way to handle and log errors
func handleError(c *gin.Context, status int, message string, err error) {
	log.Printf("Error: %v", err)
	c.JSON(status, gin.H{"error": message})
}

// HomeHandler handles requests to the root path "/"
func (h *Handler) HomeHandler(c *gin.Context) {
	c.String(http.StatusOK, "Welcome to Kindred!")
}

// HealthHandler is a simple health check endpoint
func (h *Handler) HealthHandler(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}
