package models

import (
	"time"
)

type SearchExecutionRequest struct {
	TenantID   string `json:"-"`
	ID         int64  `json:"id"`
	WorkflowID int64  `json:"workflowId"`
	EventID    string `json:"eventId"`
	Status     string `json:"status"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

// ExecutionApiResponse represents the API response for an execution.
type ExecutionApiResponse struct {
	ID              int64          `json:"id"`
	WorkflowID      int64          `json:"workflowId"`
	WorkflowVersion int            `json:"workflowVersion"`
	EventID         string         `json:"eventId"`
	Status          string         `json:"status"`
	CurrentStepID   string         `json:"currentStepId,omitempty"`
	Attempt         int            `json:"attempt"`
	NextActivation  *time.Time     `json:"nextActivation,omitempty"`
	ResumeAt        *time.Time     `json:"resumeAt,omitempty"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	Context         map[string]any `json:"context"`
	Event           any            `json:"event"`
	Error           string         `json:"error,omitempty"`
	Created         time.Time      `json:"created"`
	Modified        time.Time      `json:"modified"`
}

type StepLogApiResponse struct {
	ID             int64     `json:"id"`
	StepID         string    `json:"stepId"`
	StepType       string    `json:"stepType"`
	ActionType     string    `json:"actionType,omitempty"`
	AttemptNumber  int       `json:"attemptNumber"`
	Status         string    `json:"status"`
	ErrorKind      string    `json:"errorKind,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	ErrorDetail    string    `json:"errorDetail,omitempty"`
	OutputSnapshot any       `json:"output,omitempty"`
}

type CancelExecutionRequest struct {
	Reason string `json:"reason"`
}

// TriggerWorkflowRequest starts a definition by hand, outside any entity event.
type TriggerWorkflowRequest struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Payload    map[string]any `json:"payload"`
}

type TriggerWorkflowResponse struct {
	ExecutionID int64  `json:"executionId"`
	EventID     string `json:"eventId"`
}

type ValidateDefinitionResponse struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

// ExecutionOverviewRow holds execution counts per workflow and status.
type ExecutionOverviewRow struct {
	WorkflowID     int64 `json:"workflowId"`
	PendingCount   int   `json:"pending"`
	RunningCount   int   `json:"running"`
	WaitingCount   int   `json:"waiting"`
	CompletedCount int   `json:"completed"`
	FailedCount    int   `json:"failed"`
	CancelledCount int   `json:"cancelled"`
}
