package domain

import (
	"database/sql"
	"time"
)

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusWaiting   ExecutionStatus = "WAITING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusWaiting,
		ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// WorkflowExecution is one run of a definition for one trigger event.
// Version is the optimistic lock: every update is conditional on it.
// Attempt counts tries of the current step visit; StepAttempts counts every
// logged attempt per step id so revisits through a loop keep numbering.
// StepVisits counts how often the execution moved onto each step; retries
// of one visit share the count.
type WorkflowExecution struct {
	ID              int64
	TenantID        string
	WorkflowID      int64
	WorkflowVersion int
	EventID         string
	Status          ExecutionStatus
	CurrentStepID   sql.NullString
	Attempt         int
	NextActivation  sql.NullTime
	ResumeAt        sql.NullTime
	StartedAt       sql.NullTime
	CompletedAt     sql.NullTime
	Context         map[string]any
	StepAttempts    map[string]int
	StepVisits      map[string]int
	Event           TriggerEvent
	Error           sql.NullString
	ExecutorID      sql.NullInt64
	ExecutorGroup   string
	ClaimedAt       sql.NullTime
	Version         int
	Created         time.Time
	Modified        time.Time
}
