package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Execution is one durable send execution. The workflow id doubles as the
// primary key, so starting the same id twice can never create a second row.
type Execution struct {
	ID        string         `gorm:"primaryKey;size:160" json:"id"`
	Status    Status         `gorm:"size:12;not null;index" json:"status"`
	Input     datatypes.JSON `gorm:"not null" json:"input"`
	Attempts  int            `gorm:"not null;default:0" json:"attempts"`
	NextRunAt time.Time      `gorm:"not null;index" json:"next_run_at"`
	ClaimedAt *time.Time     `json:"claimed_at,omitempty"`
	LastError string         `gorm:"size:1024" json:"last_error,omitempty"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for the Execution model
func (Execution) TableName() string {
	return "workflow_execution"
}

// Engine is a gorm-backed substitute for an external durable-workflow
// engine: a persistent queue with at-least-once redelivery. It implements
// Client and Requeuer; the Runner in this package drains it.
type Engine struct {
	db *gorm.DB
}

// NewEngine creates an engine on the given database handle.
func NewEngine(db *gorm.DB) *Engine {
	return &Engine{db: db}
}

// Start registers an execution for the id if none exists. When the id is
// already taken it returns the existing handle together with
// ErrAlreadyStarted so callers can treat duplicate starts as success.
func (e *Engine) Start(ctx context.Context, workflowID string, input SendInput) (Handle, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow input: %w", err)
	}

	exec := Execution{
		ID:        workflowID,
		Status:    StatusRunning,
		Input:     datatypes.JSON(payload),
		NextRunAt: time.Now().UTC(),
	}

	result := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&exec)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to start workflow %s: %w", workflowID, result.Error)
	}

	handle := &engineHandle{db: e.db, id: workflowID}
	if result.RowsAffected == 0 {
		return handle, ErrAlreadyStarted
	}
	return handle, nil
}

// GetHandle returns a handle for an existing execution, or ErrNotFound.
func (e *Engine) GetHandle(ctx context.Context, workflowID string) (Handle, error) {
	var exec Execution
	err := e.db.WithContext(ctx).Select("id").Where("id = ?", workflowID).First(&exec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up workflow %s: %w", workflowID, err)
	}
	return &engineHandle{db: e.db, id: workflowID}, nil
}

// Requeue puts a finished execution back on the queue under the same id.
// Attempts reset so the rerun gets a full budget.
func (e *Engine) Requeue(ctx context.Context, workflowID string) error {
	result := e.db.WithContext(ctx).Model(&Execution{}).
		Where("id = ?", workflowID).
		Updates(map[string]interface{}{
			"status":      StatusRunning,
			"attempts":    0,
			"next_run_at": time.Now().UTC(),
			"claimed_at":  nil,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to requeue workflow %s: %w", workflowID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type engineHandle struct {
	db *gorm.DB
	id string
}

func (h *engineHandle) ID() string {
	return h.id
}

// Describe reads the current execution status from the store.
func (h *engineHandle) Describe(ctx context.Context) (Description, error) {
	var exec Execution
	err := h.db.WithContext(ctx).Select("status").Where("id = ?", h.id).First(&exec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Description{}, ErrNotFound
		}
		return Description{}, fmt.Errorf("failed to describe workflow %s: %w", h.id, err)
	}
	return Description{Status: exec.Status}, nil
}
