package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentnet/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS archived_tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	cause TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0,
	first_error TEXT NOT NULL DEFAULT '',
	snapshot TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	finished_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_archived_tasks_finished ON archived_tasks(finished_at);

CREATE TABLE IF NOT EXISTS step_outcomes (
	task_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	action TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY(task_id, step_id),
	FOREIGN KEY(task_id) REFERENCES archived_tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_step_outcomes_agent ON step_outcomes(agent_id, status);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	step_id TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_task ON decision_log(task_id, created_at);
`

type Store struct {
	db *sql.DB
}

type AgentOutcome struct {
	AgentID   string `json:"agent_id"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(task_id, step_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.StepID, entry.Actor, entry.Action, entry.Reason, payload, created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListTaskDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, step_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE task_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list task decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.TaskID, &item.StepID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixMilliToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

// ArchiveTask stores the terminal snapshot of a task. Archiving the same
// task twice replaces the earlier row.
func (s *Store) ArchiveTask(ctx context.Context, snap domain.TaskSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snap.TaskID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM archived_tasks WHERE id = ?`, snap.TaskID); err != nil {
		return fmt.Errorf("clear archived task: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO archived_tasks(id, name, status, cause, priority, progress, first_error, snapshot, created_at, finished_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.TaskID, snap.Name, string(snap.Status), string(snap.Cause), int(snap.Priority), snap.Progress,
		snap.FirstError, string(raw), snap.CreatedAt.UnixMilli(), nullableUnixMilli(snap.FinishedAt),
	); err != nil {
		return fmt.Errorf("insert archived task: %w", err)
	}
	for _, step := range snap.Steps {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO step_outcomes(task_id, step_id, action, agent_id, status, retry_count, error)
			VALUES(?, ?, ?, ?, ?, ?, ?)`,
			snap.TaskID, step.StepID, step.Action, step.AssignedAgent, string(step.Status), step.RetryCount, step.Error,
		); err != nil {
			return fmt.Errorf("insert step outcome %s: %w", step.StepID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

func (s *Store) GetArchivedTask(ctx context.Context, taskID string) (domain.TaskSnapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM archived_tasks WHERE id = ?`, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskSnapshot{}, fmt.Errorf("archived task %s: %w", taskID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TaskSnapshot{}, fmt.Errorf("get archived task: %w", err)
	}
	var snap domain.TaskSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return domain.TaskSnapshot{}, fmt.Errorf("decode archived task %s: %w", taskID, err)
	}
	return snap, nil
}

// ListArchivedTasks returns the most recently finished tasks first. An empty
// status matches every terminal status.
func (s *Store) ListArchivedTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.TaskSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT snapshot FROM archived_tasks
		WHERE (? = '' OR status = ?)
		ORDER BY COALESCE(finished_at, created_at) DESC, id ASC
		LIMIT ?`,
		string(status), string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list archived tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TaskSnapshot, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan archived task: %w", err)
		}
		var snap domain.TaskSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("decode archived task: %w", err)
		}
		result = append(result, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived tasks: %w", err)
	}
	return result, nil
}

// AgentOutcomes aggregates archived step results by the agent that last held
// each step.
func (s *Store) AgentOutcomes(ctx context.Context) ([]AgentOutcome, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT agent_id,
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END)
		FROM step_outcomes
		WHERE agent_id != ''
		GROUP BY agent_id
		ORDER BY agent_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate agent outcomes: %w", err)
	}
	defer rows.Close()

	var result []AgentOutcome
	for rows.Next() {
		var item AgentOutcome
		if err := rows.Scan(&item.AgentID, &item.Completed, &item.Failed, &item.Cancelled); err != nil {
			return nil, fmt.Errorf("scan agent outcome: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent outcomes: %w", err)
	}
	return result, nil
}

func unixMilliToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullableUnixMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}
