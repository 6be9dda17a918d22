package main

import (
	"fmt"
	"log"
	"os"

	"kindred/internal/auth"
	"kindred/internal/database"
	"kindred/internal/handlers"
	"kindred/internal/health"
	"kindred/internal/reminder"
	"kindred/internal/services"
	"kindred/internal/workflow"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

// This is our main function - the entry point of our application
func main() {
	// Load .env in development; production sets real environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Initialize database
	db, err := database.Connect()
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	// Wire the reminder pipeline; lifecycle is owned here, components only
	// receive handles
	engine := workflow.NewEngine(db)
	scheduler := reminder.NewScheduler(db)
	dispatcher := reminder.NewDispatcher(db, engine)
	reconciler := reminder.NewReconciler(db, engine)
	aggregator := health.NewAggregator(db, reconciler)
	alerts := services.NewAlertService()

	h := handlers.New(db, scheduler, dispatcher, reconciler, aggregator, alerts)

	// Initialize Gin router
	router := gin.Default()

	// Configure trusted proxies
	router.SetTrustedProxies([]string{"127.0.0.1"})
	router.Use(cors.Default())

	// Basic routes
	router.GET("/", h.HomeHandler)
	router.GET("/health", h.HealthHandler)

	// Public invite redemption (no auth required)
	router.POST("/invites/:token/events", h.RedeemInvite)

	// Provider delivery callbacks
	router.POST("/webhooks/provider", h.ProviderWebhook)

	// Member routes (opaque identity required)
	member := router.Group("")
	member.Use(auth.RequireIdentity())
	{
		member.POST("/events", h.CreateEvent)
		member.DELETE("/events/:id", h.DeleteEvent)
		member.POST("/groups/:id/invites", h.CreateInvite)
	}

	// Cron/operator trigger routes (shared-secret bearer required)
	cronSecret := database.GetEnvRequired("CRON_SECRET")
	triggers := router.Group("/internal")
	triggers.Use(auth.RequireCronSecret(cronSecret))
	{
		triggers.POST("/reminders/schedule", h.ScheduleReminders)
		triggers.POST("/reminders/dispatch", h.DispatchReminders)
		triggers.POST("/reminders/reconcile", h.ReconcileReminders)
		triggers.POST("/sends/:id/retry", h.RetrySend)
		triggers.GET("/groups/:id/reminders/health", h.GroupReminderHealth)
	}

	// Start the server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	fmt.Printf("Server starting on port %s...\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal(err)
	}
}
