package storage

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/models"
)

// mockStore implements Store with in-memory maps. It is safe for concurrent
// use so worker pool and reconciler tests can share one instance.
// Begin/Commit/Rollback are no-ops: every mutation is immediately visible.
type mockStore struct {
	mu          sync.Mutex
	deployments map[string]models.Deployment
	tasks       map[string]models.AgentTask
	logs        []models.TaskLog
	diagnoses   []models.Diagnosis
	nextLogID   int64
}

func NewMockStore() Store {
	return &mockStore{
		deployments: make(map[string]models.Deployment),
		tasks:       make(map[string]models.AgentTask),
	}
}

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveDeployment(d models.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.ID]; ok {
		return errors.New("deployment already exists")
	}
	m.deployments[d.ID] = d
	return nil
}

func (m *mockStore) GetDeployment(id string) (models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return models.Deployment{}, ErrNotFound
	}
	d.Tasks = m.tasksOf(id)
	return d, nil
}

func (m *mockStore) ListDeployments() ([]models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Deployment, 0, len(m.deployments))
	for _, d := range m.deployments {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) UpdateDeploymentStatus(id string, status models.DeploymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = time.Now()
	m.deployments[id] = d
	return nil
}

func (m *mockStore) SaveTask(t models.AgentTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return errors.New("task already exists")
	}
	if _, ok := m.deployments[t.DeploymentID]; !ok {
		return errors.Wrap(ErrNotFound, "owning deployment")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *mockStore) GetTask(id string) (models.AgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.AgentTask{}, ErrNotFound
	}
	return t, nil
}

func (m *mockStore) tasksOf(deploymentID string) []models.AgentTask {
	var out []models.AgentTask
	for _, t := range m.tasks {
		if t.DeploymentID == deploymentID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *mockStore) ListTasksByDeployment(deploymentID string) ([]models.AgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasksOf(deploymentID), nil
}

func (m *mockStore) ListPendingTasks(limit int) ([]models.AgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AgentTask
	for _, t := range m.tasks {
		if t.Status == models.PendingTaskStatus {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) TransitionTask(id string, from, to models.TaskStatus, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	if errMsg != "" {
		t.ErrorMsg = errMsg
	}
	now := time.Now()
	if to == models.InProgressTaskStatus {
		t.StartedAt = &now
	}
	if to.Terminal() {
		t.CompletedAt = &now
	}
	m.tasks[id] = t
	return true, nil
}

func (m *mockStore) UpdateTaskOutput(id string, output json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Output = output
	m.tasks[id] = t
	return nil
}

func (m *mockStore) IncrementTaskAttempts(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Attempts++
	m.tasks[id] = t
	return nil
}

func (m *mockStore) ResetTaskForRetry(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != models.FailedTaskStatus {
		return false, nil
	}
	t.Status = models.PendingTaskStatus
	t.Attempts++
	t.StartedAt = nil
	t.CompletedAt = nil
	m.tasks[id] = t
	return true, nil
}

func (m *mockStore) AppendLog(l models.TaskLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[l.TaskID]; !ok {
		return errors.Wrap(ErrNotFound, "owning task")
	}
	m.nextLogID++
	l.ID = m.nextLogID
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	m.logs = append(m.logs, l)
	return nil
}

func (m *mockStore) ListLogs(taskID string) ([]models.TaskLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TaskLog
	for _, l := range m.logs {
		if l.TaskID == taskID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockStore) SaveDiagnosis(d models.Diagnosis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.DeploymentID]; !ok {
		return errors.Wrap(ErrNotFound, "owning deployment")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	m.diagnoses = append(m.diagnoses, d)
	return nil
}

func (m *mockStore) ListDiagnoses(deploymentID string) ([]models.Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Diagnosis
	for _, d := range m.diagnoses {
		if d.DeploymentID == deploymentID {
			out = append(out, d)
		}
	}
	return out, nil
}
