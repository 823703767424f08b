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

type fixedDiagnoser struct {
	result  agents.DiagnoseResult
	err     error
	similar []agents.IncidentRef
}

func (d *fixedDiagnoser) Diagnose(ctx context.Context, in agents.DiagnoseInput, similar []agents.IncidentRef) (agents.DiagnoseResult, error) {
	d.similar = similar
	return d.result, d.err
}

type fixedIndex struct {
	refs []agents.IncidentRef
	err  error
}

func (i fixedIndex) Similar(ctx context.Context, errorText string, limit int) ([]agents.IncidentRef, error) {
	return i.refs, i.err
}

func diagnoseInputJSON(t *testing.T, deploymentID string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(agents.DiagnoseInput{
		DeploymentID: deploymentID,
		ErrorText:    "HTTP 503 from /",
		RecentLogs:   []string{"upstream timed out"},
	})
	require.NoError(t, err)
	return raw
}

func TestDiagnosisAgentPersistsDiagnosis(t *testing.T) {
	store := storage.NewMockStore()
	deployment := seedDeployment(t, store)
	diagnoser := &fixedDiagnoser{result: agents.DiagnoseResult{
		RootCause:  "upstream service is down",
		Suggestion: "restart the upstream container",
	}}
	index := fixedIndex{refs: []agents.IncidentRef{
		{ID: "inc-1", Summary: "same 503 last week"},
		{ID: "inc-2", Summary: "similar timeout"},
	}}
	agent := agents.NewDiagnosisAgent(store, diagnoser, index, testLogger{})

	out, err := agent.Execute(context.Background(), "diag", diagnoseInputJSON(t, deployment.ID))
	require.NoError(t, err)

	var result models.Diagnosis
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "upstream service is down", result.RootCause)

	saved, err := store.ListDiagnoses(deployment.ID)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "HTTP 503 from /", saved[0].ErrorText)
	assert.EqualValues(t, []string{"inc-1", "inc-2"}, []string(saved[0].ContextRefs))
	assert.Equal(t, index.refs, diagnoser.similar, "retrieved incidents reach the diagnoser")
}

func TestDiagnosisAgentToleratesIndexFailure(t *testing.T) {
	store := storage.NewMockStore()
	deployment := seedDeployment(t, store)
	diagnoser := &fixedDiagnoser{result: agents.DiagnoseResult{RootCause: "oom"}}
	agent := agents.NewDiagnosisAgent(store, diagnoser, fixedIndex{err: errors.New("index offline")}, testLogger{})

	_, err := agent.Execute(context.Background(), "diag", diagnoseInputJSON(t, deployment.ID))
	require.NoError(t, err, "retrieval failure degrades to no context, not task failure")

	saved, err := store.ListDiagnoses(deployment.ID)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Empty(t, saved[0].ContextRefs)
}

func TestDiagnosisAgentWorksWithoutIndex(t *testing.T) {
	store := storage.NewMockStore()
	deployment := seedDeployment(t, store)
	diagnoser := &fixedDiagnoser{result: agents.DiagnoseResult{RootCause: "oom"}}
	agent := agents.NewDiagnosisAgent(store, diagnoser, nil, testLogger{})

	_, err := agent.Execute(context.Background(), "diag", diagnoseInputJSON(t, deployment.ID))
	require.NoError(t, err)
}

func TestDiagnosisAgentRejectsIncompleteInput(t *testing.T) {
	store := storage.NewMockStore()
	agent := agents.NewDiagnosisAgent(store, &fixedDiagnoser{}, nil, testLogger{})

	_, err := agent.Execute(context.Background(), "diag", json.RawMessage(`{"deployment_id":"x"}`))
	assert.Error(t, err)
}
