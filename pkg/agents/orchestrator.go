package agents

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/storage"
)

// PlanRequest carries the deployment intent to the planner.
type PlanRequest struct {
	DeploymentID string `json:"deployment_id"`
	Intent       string `json:"intent"`
	RepoURL      string `json:"repo_url,omitempty"`
	Domain       string `json:"domain,omitempty"`
}

// PlannedTask is one step of a plan. Capability is free text from planning
// output and is normalized (fail-closed) before any task is written.
type PlannedTask struct {
	Capability string          `json:"capability"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// Planner decomposes a deployment intent into typed tasks.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) ([]PlannedTask, error)
}

// OrchestratorAgent plans a deployment and writes the child tasks PENDING to
// the store. It never enqueues or calls other agents directly: the
// reconciliation loop discovers the children.
type OrchestratorAgent struct {
	store   storage.Store
	planner Planner
	logger  Logger
}

func NewOrchestratorAgent(store storage.Store, planner Planner, logger Logger) *OrchestratorAgent {
	return &OrchestratorAgent{store: store, planner: planner, logger: logger}
}

type orchestratorOutput struct {
	TaskIDs []string `json:"task_ids"`
}

func (a *OrchestratorAgent) Execute(ctx context.Context, taskID string, input json.RawMessage) (json.RawMessage, error) {
	var req PlanRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, errors.Wrap(err, "malformed orchestrator input")
	}
	if req.DeploymentID == "" {
		return nil, errors.New("orchestrator input missing deployment_id")
	}

	planned, err := a.planner.Plan(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "planning failed")
	}
	if len(planned) == 0 {
		return nil, errors.New("planner produced an empty plan")
	}

	// Normalize every capability before writing anything, so a single bad
	// step fails the whole plan instead of half-inserting it.
	caps := make([]models.Capability, len(planned))
	for i, p := range planned {
		c, err := models.ParseCapability(p.Capability)
		if err != nil {
			return nil, errors.Wrapf(err, "plan step %q", p.Name)
		}
		caps[i] = c
	}

	out := orchestratorOutput{TaskIDs: make([]string, 0, len(planned))}
	for i, p := range planned {
		child := models.AgentTask{
			ID:           uuid.NewString(),
			DeploymentID: req.DeploymentID,
			Capability:   caps[i],
			Name:         p.Name,
			Status:       models.PendingTaskStatus,
			Input:        p.Input,
		}
		if err := a.store.SaveTask(child); err != nil {
			return nil, errors.Wrapf(err, "save planned task %q", p.Name)
		}
		out.TaskIDs = append(out.TaskIDs, child.ID)
		a.logger.Infof("Planned %s task %s (%s) for deployment %s", caps[i], child.ID, p.Name, req.DeploymentID)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(err, "marshal plan output")
	}
	return raw, nil
}
