// Package task implements the persistent task state machine. Every message
// exchange, inbound or outbound, is recorded here; mutations go through
// validated, transactionally atomic transitions with an append-only log.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// ErrTaskNotFound is returned by read operations for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// Store is a SQL-backed task store with strict transition validation.
type Store struct {
	db      *sql.DB
	dialect string
}

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(64) PRIMARY KEY,
    skill VARCHAR(255) NOT NULL,
    direction VARCHAR(16) NOT NULL,
    status VARCHAR(32) NOT NULL,
    counterparty_name VARCHAR(255),
    counterparty_url VARCHAR(1024),
    message TEXT,
    params_json TEXT,
    result_json TEXT,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
)`

const createTaskLogTableSQL = `
CREATE TABLE IF NOT EXISTS task_log (
    task_id VARCHAR(64) NOT NULL,
    from_status VARCHAR(32) NOT NULL,
    to_status VARCHAR(32) NOT NULL,
    details TEXT,
    timestamp TIMESTAMP NOT NULL
)`

// Index statements are separate for SQLite compatibility.
var createIndexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_skill ON tasks(skill)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_direction ON tasks(direction)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_expires_at ON tasks(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_task_log_task_id ON task_log(task_id)`,
}

// Open opens a database connection for the given driver name and DSN.
// Supported drivers: sqlite (sqlite3), mysql, postgres.
func Open(driver, dsn string) (*sql.DB, string, error) {
	dialect := driver
	sqlDriver := driver
	switch driver {
	case "sqlite", "sqlite3":
		dialect = "sqlite"
		sqlDriver = "sqlite3"
	case "mysql":
	case "postgres":
	default:
		return nil, "", fmt.Errorf("unsupported driver: %s (supported: sqlite, mysql, postgres)", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == "sqlite" {
		// SQLite serializes writers; a single connection avoids
		// "database is locked" errors under concurrent transactions.
		db.SetMaxOpenConns(1)
	}
	return db, dialect, nil
}

// NewStore creates a task store on an existing connection and initializes
// the schema. The connection should be shared with the other stores using
// the same database.
func NewStore(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if dialect == "sqlite3" {
		dialect = "sqlite"
	}
	switch dialect {
	case "sqlite", "mysql", "postgres":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, mysql, postgres)", dialect)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize task schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range append([]string{createTasksTableSQL, createTaskLogTableSQL}, createIndexSQL...) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for the postgres dialect.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateParams are the inputs for a new task.
type CreateParams struct {
	Skill            string
	Message          string
	Params           map[string]any
	Direction        a2a.TaskDirection
	CounterpartyName string
	CounterpartyURL  string
	TTL              time.Duration
}

// Create inserts a new pending task and logs its creation.
func (s *Store) Create(ctx context.Context, p CreateParams) (string, error) {
	if p.Skill == "" {
		return "", fmt.Errorf("skill is required")
	}
	if p.Direction == "" {
		p.Direction = a2a.DirectionOutbound
	}
	if p.TTL <= 0 {
		p.TTL = 24 * time.Hour
	}

	paramsJSON, err := marshalMap(p.Params)
	if err != nil {
		return "", fmt.Errorf("failed to marshal params: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO tasks (id, skill, direction, status, counterparty_name, counterparty_url,
                   message, params_json, result_json, error, created_at, updated_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?)`),
		id, p.Skill, string(p.Direction), string(a2a.TaskStatusPending),
		p.CounterpartyName, p.CounterpartyURL, p.Message, paramsJSON,
		now, now, now.Add(p.TTL))
	if err != nil {
		return "", fmt.Errorf("failed to insert task: %w", err)
	}

	if err := s.appendLog(ctx, tx, id, "", a2a.TaskStatusPending, "created", now); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit task creation: %w", err)
	}
	return id, nil
}

// Transition applies a validated state change. It returns false with no
// mutation and no log entry when the transition is illegal or the task does
// not exist; a non-nil error indicates a storage failure.
func (s *Store) Transition(ctx context.Context, id string, to a2a.TaskStatus, details string) (bool, error) {
	return s.transition(ctx, id, to, details, nil, "")
}

// Complete resolves a task with a result. pending and queued tasks are
// accepted as an implicit in_progress.
func (s *Store) Complete(ctx context.Context, id string, result map[string]any) (bool, error) {
	return s.transition(ctx, id, a2a.TaskStatusCompleted, "completed", result, "")
}

// Fail resolves a task with an error, with the same implicit in_progress
// handling as Complete.
func (s *Store) Fail(ctx context.Context, id string, errMsg string) (bool, error) {
	return s.transition(ctx, id, a2a.TaskStatusFailed, "failed", nil, errMsg)
}

// Cancel cancels a task if it is not already terminal.
func (s *Store) Cancel(ctx context.Context, id string, reason string) (bool, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return s.transition(ctx, id, a2a.TaskStatusCancelled, reason, nil, "")
}

func (s *Store) transition(ctx context.Context, id string, to a2a.TaskStatus, details string, result map[string]any, errMsg string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT status FROM tasks WHERE id = ?`
	if s.dialect != "sqlite" {
		query += ` FOR UPDATE`
	}

	var current string
	err = tx.QueryRowContext(ctx, s.rebind(query), id).Scan(&current)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read task status: %w", err)
	}

	from := a2a.TaskStatus(current)
	switch to {
	case a2a.TaskStatusCompleted, a2a.TaskStatusFailed:
		if !canResolve(from) {
			return false, nil
		}
	default:
		if !CanTransition(from, to) {
			return false, nil
		}
	}

	now := time.Now().UTC()
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), now}

	if to == a2a.TaskStatusCompleted {
		resultJSON, err := marshalMap(result)
		if err != nil {
			return false, fmt.Errorf("failed to marshal result: %w", err)
		}
		set = append(set, "result_json = ?", "completed_at = ?")
		args = append(args, resultJSON, now)
	}
	if to == a2a.TaskStatusFailed {
		set = append(set, "error = ?", "completed_at = ?")
		args = append(args, errMsg, now)
	}
	if to == a2a.TaskStatusPending {
		// Retry re-entry clears the previous failure.
		set = append(set, "error = NULL", "completed_at = NULL")
	}
	args = append(args, id)

	_, err = tx.ExecContext(ctx,
		s.rebind(`UPDATE tasks SET `+strings.Join(set, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update task: %w", err)
	}

	if err := s.appendLog(ctx, tx, id, from, to, details, now); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transition: %w", err)
	}
	return true, nil
}

func (s *Store) appendLog(ctx context.Context, tx *sql.Tx, id string, from, to a2a.TaskStatus, details string, ts time.Time) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO task_log (task_id, from_status, to_status, details, timestamp)
VALUES (?, ?, ?, ?, ?)`),
		id, string(from), string(to), details, ts)
	if err != nil {
		return fmt.Errorf("failed to append task log: %w", err)
	}
	return nil
}

// Get retrieves a task by id.
func (s *Store) Get(ctx context.Context, id string) (*a2a.Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, skill, direction, status, counterparty_name, counterparty_url,
       message, params_json, result_json, error, created_at, updated_at, expires_at, completed_at
FROM tasks WHERE id = ?`), id)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status    a2a.TaskStatus
	Skill     string
	Direction a2a.TaskDirection
	Limit     int
}

// List returns tasks matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*a2a.Task, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Skill != "" {
		where = append(where, "skill = ?")
		args = append(args, f.Skill)
	}
	if f.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, string(f.Direction))
	}

	query := `
SELECT id, skill, direction, status, counterparty_name, counterparty_url,
       message, params_json, result_json, error, created_at, updated_at, expires_at, completed_at
FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*a2a.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Log returns the transition history of a task in chronological order.
func (s *Store) Log(ctx context.Context, id string) ([]a2a.TaskLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT task_id, from_status, to_status, details, timestamp
FROM task_log WHERE task_id = ? ORDER BY timestamp ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query task log: %w", err)
	}
	defer rows.Close()

	var entries []a2a.TaskLogEntry
	for rows.Next() {
		var e a2a.TaskLogEntry
		var from, to string
		var details sql.NullString
		if err := rows.Scan(&e.TaskID, &from, &to, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.FromStatus = a2a.TaskStatus(from)
		e.ToStatus = a2a.TaskStatus(to)
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ExpireStale cancels every non-terminal task past its expiry and returns
// how many were cancelled. Safe to call concurrently with normal traffic:
// each candidate goes through the validated transition path, so a task
// resolved between the scan and the sweep is simply skipped.
func (s *Store) ExpireStale(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id FROM tasks
WHERE expires_at < ? AND status NOT IN (?, ?)`),
		time.Now().UTC(), string(a2a.TaskStatusCompleted), string(a2a.TaskStatusCancelled))
	if err != nil {
		return 0, fmt.Errorf("failed to scan for stale tasks: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		ok, err := s.Cancel(ctx, id, "expired")
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// Stats are aggregate task counts.
type Stats struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"byStatus"`
	ByDirection map[string]int `json:"byDirection"`
	BySkill     map[string]int `json:"bySkill"`
}

// Stats returns counts grouped by status, direction and skill.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByStatus:    make(map[string]int),
		ByDirection: make(map[string]int),
		BySkill:     make(map[string]int),
	}

	for _, g := range []struct {
		column string
		dest   map[string]int
	}{
		{"status", stats.ByStatus},
		{"direction", stats.ByDirection},
		{"skill", stats.BySkill},
	} {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+g.column+`, COUNT(*) FROM tasks GROUP BY `+g.column)
		if err != nil {
			return nil, fmt.Errorf("failed to query task stats: %w", err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan stats row: %w", err)
			}
			g.dest[key] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	for _, n := range stats.ByStatus {
		stats.Total += n
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*a2a.Task, error) {
	var t a2a.Task
	var direction, status string
	var counterpartyName, counterpartyURL, message sql.NullString
	var paramsJSON, resultJSON, errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.Skill, &direction, &status,
		&counterpartyName, &counterpartyURL, &message,
		&paramsJSON, &resultJSON, &errMsg,
		&t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Direction = a2a.TaskDirection(direction)
	t.Status = a2a.TaskStatus(status)
	t.CounterpartyName = counterpartyName.String
	t.CounterpartyURL = counterpartyURL.String
	t.Message = message.String
	t.Error = errMsg.String
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}

	if paramsJSON.Valid && paramsJSON.String != "" && paramsJSON.String != "{}" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &t.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" && resultJSON.String != "{}" {
		if err := json.Unmarshal([]byte(resultJSON.String), &t.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return &t, nil
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
