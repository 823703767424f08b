package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveDeployment creates a new deployment row.
func (s *PostgresStore) SaveDeployment(d models.Deployment) error {
	_, err := s.db.Exec(
		"INSERT INTO deployments (id, repo_url, domain, intent, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		d.ID, d.RepoURL, d.Domain, d.Intent, d.Status, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save deployment: %w", err)
	}
	return nil
}

// GetDeployment retrieves a deployment by ID, including its tasks.
func (s *PostgresStore) GetDeployment(id string) (models.Deployment, error) {
	var d models.Deployment
	err := s.db.Get(&d, "SELECT id, repo_url, domain, intent, status, created_at, updated_at FROM deployments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Deployment{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Deployment{}, err
	}
	if err := s.db.Select(&d.Tasks, "SELECT * FROM agent_tasks WHERE deployment_id = $1 ORDER BY created_at", id); err != nil {
		return models.Deployment{}, fmt.Errorf("get deployment %s: %w", id, err)
	}
	return d, nil
}

func (s *PostgresStore) ListDeployments() ([]models.Deployment, error) {
	deployments := []models.Deployment{}
	query := "SELECT id, repo_url, domain, intent, status, created_at, updated_at FROM deployments ORDER BY created_at DESC"
	if err := s.db.Select(&deployments, query); err != nil {
		return nil, err
	}
	return deployments, nil
}

func (s *PostgresStore) UpdateDeploymentStatus(id string, status models.DeploymentStatus) error {
	_, err := s.db.Exec("UPDATE deployments SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", status, id)
	return err
}

// SaveTask creates a new task within a deployment. Agent-created tasks
// leave CreatedAt unset; default it here so pending-task ordering holds.
func (s *PostgresStore) SaveTask(t models.AgentTask) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		"INSERT INTO agent_tasks (id, deployment_id, capability, name, status, attempts, input, output, error_msg, created_at, started_at, completed_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)",
		t.ID, t.DeploymentID, t.Capability, t.Name, t.Status, t.Attempts, nullableJSON(t.Input), nullableJSON(t.Output), t.ErrorMsg, t.CreatedAt, t.StartedAt, t.CompletedAt)
	return err
}

func (s *PostgresStore) GetTask(id string) (models.AgentTask, error) {
	var t models.AgentTask
	err := s.db.Get(&t, "SELECT * FROM agent_tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.AgentTask{}, storage.ErrNotFound
	}
	if err != nil {
		return models.AgentTask{}, err
	}
	return t, nil
}

func (s *PostgresStore) ListTasksByDeployment(deploymentID string) ([]models.AgentTask, error) {
	tasks := []models.AgentTask{}
	if err := s.db.Select(&tasks, "SELECT * FROM agent_tasks WHERE deployment_id = $1 ORDER BY created_at", deploymentID); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) ListPendingTasks(limit int) ([]models.AgentTask, error) {
	tasks := []models.AgentTask{}
	if err := s.db.Select(&tasks, "SELECT * FROM agent_tasks WHERE status = $1 ORDER BY created_at LIMIT $2", models.PendingTaskStatus, limit); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TransitionTask performs the conditional status update the engine's
// idempotent-start check relies on. The WHERE clause on the old status makes
// the compare-and-swap atomic at the row level.
func (s *PostgresStore) TransitionTask(id string, from, to models.TaskStatus, errMsg string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE agent_tasks
		SET status = $1,
		error_msg = CASE WHEN $2 <> '' THEN $2 ELSE error_msg END,
		started_at = CASE WHEN $1 = 'IN_PROGRESS' THEN CURRENT_TIMESTAMP ELSE started_at END,
		completed_at = CASE WHEN $1 IN ('SUCCESS', 'FAILED', 'REQUIRES_MANUAL_ACTION') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = $3 AND status = $4`,
		to, errMsg, id, from)
	if err != nil {
		return false, fmt.Errorf("transition task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) UpdateTaskOutput(id string, output json.RawMessage) error {
	_, err := s.db.Exec("UPDATE agent_tasks SET output = $1 WHERE id = $2", nullableJSON(output), id)
	return err
}

func (s *PostgresStore) IncrementTaskAttempts(id string) error {
	_, err := s.db.Exec("UPDATE agent_tasks SET attempts = attempts + 1 WHERE id = $1", id)
	return err
}

// ResetTaskForRetry is the operator FAILED -> PENDING re-queue. Attempts is
// bumped, not cleared, so the counter stays monotonic across retries.
func (s *PostgresStore) ResetTaskForRetry(id string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE agent_tasks
		SET status = $1, attempts = attempts + 1, started_at = NULL, completed_at = NULL
		WHERE id = $2 AND status = $3`,
		models.PendingTaskStatus, id, models.FailedTaskStatus)
	if err != nil {
		return false, fmt.Errorf("reset task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) AppendLog(l models.TaskLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.db.Exec("INSERT INTO task_logs (task_id, level, message, created_at) VALUES ($1, $2, $3, $4)",
		l.TaskID, l.Level, l.Message, l.CreatedAt)
	return err
}

func (s *PostgresStore) ListLogs(taskID string) ([]models.TaskLog, error) {
	logs := []models.TaskLog{}
	if err := s.db.Select(&logs, "SELECT * FROM task_logs WHERE task_id = $1 ORDER BY id", taskID); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *PostgresStore) SaveDiagnosis(d models.Diagnosis) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.Exec("INSERT INTO diagnoses (id, deployment_id, error_text, root_cause, suggestion, context_refs, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		d.ID, d.DeploymentID, d.ErrorText, d.RootCause, d.Suggestion, d.ContextRefs, d.CreatedAt)
	return err
}

func (s *PostgresStore) ListDiagnoses(deploymentID string) ([]models.Diagnosis, error) {
	diagnoses := []models.Diagnosis{}
	if err := s.db.Select(&diagnoses, "SELECT * FROM diagnoses WHERE deployment_id = $1 ORDER BY created_at", deploymentID); err != nil {
		return nil, err
	}
	return diagnoses, nil
}

// nullableJSON maps an empty payload to NULL so jsonb columns don't reject
// the empty string.
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
