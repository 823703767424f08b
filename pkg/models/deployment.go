package models

import "time"

type DeploymentStatus string

const (
	PendingDeploymentStatus    DeploymentStatus = "PENDING"
	InProgressDeploymentStatus DeploymentStatus = "IN_PROGRESS"
	SuccessDeploymentStatus    DeploymentStatus = "SUCCESS"
	FailedDeploymentStatus     DeploymentStatus = "FAILED"
	ManualDeploymentStatus     DeploymentStatus = "REQUIRES_MANUAL_ACTION"
)

// Deployment is the root unit of work for one user intent. Its status is
// derived from its tasks via AggregateStatus; it is only set independently
// at creation time.
type Deployment struct {
	ID        string           `json:"id" db:"id"`
	RepoURL   string           `json:"repo_url,omitempty" db:"repo_url"`
	Domain    string           `json:"domain,omitempty" db:"domain"`
	Intent    string           `json:"intent,omitempty" db:"intent"`
	Status    DeploymentStatus `json:"status" db:"status"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
	Tasks     []AgentTask      `json:"tasks,omitempty"` // populated at read time
}

// AggregateStatus derives a deployment status from its tasks. Precedence is
// evaluated top-down, first match wins: manual action beats failed beats
// in-progress beats all-success. With no match (e.g. all tasks still
// PENDING, or no tasks at all) the current value is kept.
func AggregateStatus(current DeploymentStatus, tasks []AgentTask) DeploymentStatus {
	if len(tasks) == 0 {
		return current
	}
	allSuccess := true
	anyFailed := false
	anyInProgress := false
	for _, t := range tasks {
		switch t.Status {
		case ManualTaskStatus:
			return ManualDeploymentStatus
		case FailedTaskStatus:
			anyFailed = true
		case InProgressTaskStatus:
			anyInProgress = true
		}
		if t.Status != SuccessTaskStatus {
			allSuccess = false
		}
	}
	switch {
	case anyFailed:
		return FailedDeploymentStatus
	case anyInProgress:
		return InProgressDeploymentStatus
	case allSuccess:
		return SuccessDeploymentStatus
	}
	return current
}
