package models

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "PENDING"
	InProgressTaskStatus TaskStatus = "IN_PROGRESS"
	SuccessTaskStatus    TaskStatus = "SUCCESS"
	FailedTaskStatus     TaskStatus = "FAILED"
	ManualTaskStatus     TaskStatus = "REQUIRES_MANUAL_ACTION"
)

// Terminal reports whether the engine will never move the task again on its
// own. FAILED is still terminal here; only an operator retry leaves it.
func (s TaskStatus) Terminal() bool {
	return s == SuccessTaskStatus || s == FailedTaskStatus || s == ManualTaskStatus
}

// AgentTask is one delegated unit of work owned by a deployment.
type AgentTask struct {
	ID           string          `json:"id" db:"id"`
	DeploymentID string          `json:"deployment_id" db:"deployment_id"`
	Capability   Capability      `json:"capability" db:"capability"`
	Name         string          `json:"name" db:"name"`
	Status       TaskStatus      `json:"status" db:"status"`
	Attempts     int             `json:"attempts" db:"attempts"` // corrective retries, not queue redeliveries
	Input        json.RawMessage `json:"input,omitempty" db:"input"`
	Output       json.RawMessage `json:"output,omitempty" db:"output"`
	ErrorMsg     string          `json:"error,omitempty" db:"error_msg"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}
