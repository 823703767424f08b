package models

import (
	"time"

	"github.com/lib/pq"
)

// Diagnosis captures one analyzed error episode for a deployment.
// Append-only: created once per diagnosis run.
type Diagnosis struct {
	ID           string         `json:"id" db:"id"`
	DeploymentID string         `json:"deployment_id" db:"deployment_id"`
	ErrorText    string         `json:"error_text" db:"error_text"`
	RootCause    string         `json:"root_cause" db:"root_cause"`
	Suggestion   string         `json:"suggestion" db:"suggestion"`
	ContextRefs  pq.StringArray `json:"context_refs,omitempty" db:"context_refs"` // ids in the external similarity index
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}
