package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"kindred/internal/database"
	"kindred/internal/models"
	"kindred/internal/reminder"
	"kindred/internal/services"
	"kindred/internal/workflow"

	"github.com/joho/godotenv"
)

func main() {
	log.Println("Starting Kindred send worker...")

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	db, err := database.Connect()
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	engine := workflow.NewEngine(db)
	dispatcher := reminder.NewDispatcher(db, engine)

	providers := map[models.Channel]workflow.SendProvider{
		models.ChannelEmail: services.NewEmailService(),
		models.ChannelSMS:   services.NewSMSService(),
	}
	runner := workflow.NewRunner(db, dispatcher, providers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	runner.Run(ctx)
	log.Println("Worker stopped")
}
