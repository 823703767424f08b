package agents_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/agents"
	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedProber struct {
	report agents.HealthReport
	err    error
}

func (p fixedProber) Probe(ctx context.Context, target string) (agents.HealthReport, error) {
	return p.report, p.err
}

func monitorInputJSON(t *testing.T, deploymentID string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]string{
		"deployment_id": deploymentID,
		"target":        "http://localhost:8080",
	})
	require.NoError(t, err)
	return raw
}

func TestMonitoringAgentHealthyNoEscalation(t *testing.T) {
	store := storage.NewMockStore()
	deployment := seedDeployment(t, store)
	agent := agents.NewMonitoringAgent(store, fixedProber{report: agents.HealthReport{Healthy: true}}, testLogger{})

	out, err := agent.Execute(context.Background(), "mon", monitorInputJSON(t, deployment.ID))
	require.NoError(t, err)

	var result struct {
		Healthy         bool   `json:"healthy"`
		DiagnosisTaskID string `json:"diagnosis_task_id"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	assert.True(t, result.Healthy)
	assert.Empty(t, result.DiagnosisTaskID)

	tasks, err := store.ListTasksByDeployment(deployment.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestMonitoringAgentUnhealthyCreatesOneDiagnosisTask(t *testing.T) {
	store := storage.NewMockStore()
	deployment := seedDeployment(t, store)
	agent := agents.NewMonitoringAgent(store, fixedProber{report: agents.HealthReport{
		Healthy:    false,
		Detail:     "HTTP 503 from /",
		RecentLogs: []string{"upstream timed out"},
	}}, testLogger{})

	out, err := agent.Execute(context.Background(), "mon", monitorInputJSON(t, deployment.ID))
	require.NoError(t, err)

	var result struct {
		DiagnosisTaskID string `json:"diagnosis_task_id"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	require.NotEmpty(t, result.DiagnosisTaskID)

	tasks, err := store.ListTasksByDeployment(deployment.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "exactly one diagnosis task per unhealthy verdict")
	assert.Equal(t, models.DiagnosisCapability, tasks[0].Capability)
	assert.Equal(t, models.PendingTaskStatus, tasks[0].Status)

	var diagIn agents.DiagnoseInput
	require.NoError(t, json.Unmarshal(tasks[0].Input, &diagIn))
	assert.Equal(t, deployment.ID, diagIn.DeploymentID)
	assert.Equal(t, "HTTP 503 from /", diagIn.ErrorText)
	assert.Equal(t, []string{"upstream timed out"}, diagIn.RecentLogs)
}

func TestMonitoringAgentProbeFailureIsTransient(t *testing.T) {
	store := storage.NewMockStore()
	deployment := seedDeployment(t, store)
	agent := agents.NewMonitoringAgent(store, fixedProber{err: errors.New("dial tcp: connection refused")}, testLogger{})

	_, err := agent.Execute(context.Background(), "mon", monitorInputJSON(t, deployment.ID))
	require.Error(t, err)

	var transient *agents.TransientError
	assert.True(t, errors.As(err, &transient), "an unrunnable probe is not a health verdict")
}
