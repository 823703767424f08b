package agents

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/storage"
)

// IncidentRef points into the external similarity index.
type IncidentRef struct {
	ID      string `json:"id"`
	Summary string `json:"summary,omitempty"`
}

// IncidentIndex retrieves past incidents similar to an error. Vector search
// lives behind this boundary; a nil index is allowed and yields no context.
type IncidentIndex interface {
	Similar(ctx context.Context, errorText string, limit int) ([]IncidentRef, error)
}

// DiagnoseResult is the derived verdict for one error episode.
type DiagnoseResult struct {
	RootCause  string `json:"root_cause"`
	Suggestion string `json:"suggestion"`
}

// Diagnoser derives a root cause and suggestion from an error episode.
type Diagnoser interface {
	Diagnose(ctx context.Context, in DiagnoseInput, similar []IncidentRef) (DiagnoseResult, error)
}

const similarIncidentLimit = 5

// DiagnosisAgent persists one Diagnosis per error episode.
type DiagnosisAgent struct {
	store     storage.Store
	diagnoser Diagnoser
	index     IncidentIndex
	logger    Logger
}

func NewDiagnosisAgent(store storage.Store, diagnoser Diagnoser, index IncidentIndex, logger Logger) *DiagnosisAgent {
	return &DiagnosisAgent{store: store, diagnoser: diagnoser, index: index, logger: logger}
}

func (a *DiagnosisAgent) Execute(ctx context.Context, taskID string, input json.RawMessage) (json.RawMessage, error) {
	var in DiagnoseInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errors.Wrap(err, "malformed diagnosis input")
	}
	if in.DeploymentID == "" || in.ErrorText == "" {
		return nil, errors.New("diagnosis input missing deployment_id or error_text")
	}

	var similar []IncidentRef
	if a.index != nil {
		refs, err := a.index.Similar(ctx, in.ErrorText, similarIncidentLimit)
		if err != nil {
			// Retrieval is context, not control flow: diagnose without it.
			a.logger.Errorf("Incident retrieval failed for deployment %s: %v", in.DeploymentID, err)
		} else {
			similar = refs
		}
	}

	result, err := a.diagnoser.Diagnose(ctx, in, similar)
	if err != nil {
		return nil, errors.Wrap(err, "diagnosis failed")
	}

	diagnosis := models.Diagnosis{
		ID:           uuid.NewString(),
		DeploymentID: in.DeploymentID,
		ErrorText:    in.ErrorText,
		RootCause:    result.RootCause,
		Suggestion:   result.Suggestion,
	}
	for _, ref := range similar {
		diagnosis.ContextRefs = append(diagnosis.ContextRefs, ref.ID)
	}
	if err := a.store.SaveDiagnosis(diagnosis); err != nil {
		return nil, errors.Wrap(err, "save diagnosis")
	}
	a.logger.Infof("Recorded diagnosis %s for deployment %s", diagnosis.ID, in.DeploymentID)

	raw, err := json.Marshal(diagnosis)
	if err != nil {
		return nil, errors.Wrap(err, "marshal diagnosis")
	}
	return raw, nil
}
