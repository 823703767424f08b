package agents

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/storage"
)

// HealthReport is the probe verdict for a deployed workload.
type HealthReport struct {
	Healthy    bool     `json:"healthy"`
	Detail     string   `json:"detail,omitempty"`
	RecentLogs []string `json:"recent_logs,omitempty"`
}

// HealthProber checks a deployed workload. The probing protocol lives
// behind this boundary.
type HealthProber interface {
	Probe(ctx context.Context, target string) (HealthReport, error)
}

// MonitoringAgent probes a deployment and, when it is unhealthy, escalates
// by creating exactly one Diagnosis-capability task. Task Store writes are
// the only inter-agent channel.
type MonitoringAgent struct {
	store  storage.Store
	prober HealthProber
	logger Logger
}

func NewMonitoringAgent(store storage.Store, prober HealthProber, logger Logger) *MonitoringAgent {
	return &MonitoringAgent{store: store, prober: prober, logger: logger}
}

type monitorInput struct {
	DeploymentID string `json:"deployment_id"`
	Target       string `json:"target"`
}

type monitorOutput struct {
	HealthReport
	DiagnosisTaskID string `json:"diagnosis_task_id,omitempty"`
}

// DiagnoseInput is the payload handed to a Diagnosis task.
type DiagnoseInput struct {
	DeploymentID string   `json:"deployment_id"`
	ErrorText    string   `json:"error_text"`
	RecentLogs   []string `json:"recent_logs,omitempty"`
}

func (a *MonitoringAgent) Execute(ctx context.Context, taskID string, input json.RawMessage) (json.RawMessage, error) {
	var in monitorInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errors.Wrap(err, "malformed monitoring input")
	}
	if in.DeploymentID == "" {
		return nil, errors.New("monitoring input missing deployment_id")
	}

	report, err := a.prober.Probe(ctx, in.Target)
	if err != nil {
		// A probe that cannot run is a transport problem, not a verdict.
		return nil, Transient(errors.Wrapf(err, "probe %s", in.Target))
	}

	out := monitorOutput{HealthReport: report}
	if !report.Healthy {
		payload, err := json.Marshal(DiagnoseInput{
			DeploymentID: in.DeploymentID,
			ErrorText:    report.Detail,
			RecentLogs:   report.RecentLogs,
		})
		if err != nil {
			return nil, errors.Wrap(err, "marshal diagnosis input")
		}
		child := models.AgentTask{
			ID:           uuid.NewString(),
			DeploymentID: in.DeploymentID,
			Capability:   models.DiagnosisCapability,
			Name:         "diagnose unhealthy deployment",
			Status:       models.PendingTaskStatus,
			Input:        payload,
		}
		if err := a.store.SaveTask(child); err != nil {
			return nil, errors.Wrap(err, "save diagnosis task")
		}
		out.DiagnosisTaskID = child.ID
		a.logger.Infof("Deployment %s unhealthy, created diagnosis task %s", in.DeploymentID, child.ID)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(err, "marshal monitoring output")
	}
	return raw, nil
}
