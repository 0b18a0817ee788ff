// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store with a SQL backend.
// Supports PostgreSQL, MySQL, and SQLite via database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect string // "postgres", "mysql", or "sqlite"
}

// taskRow represents the database schema for tasks
type taskRow struct {
	ID        string
	ThreadID  string
	PairID    sql.NullString
	ProjectID string
	AgentID   string
	Role      string
	Status    string
	Content   string
	ErrorJSON sql.NullString
	Metadata  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(255) PRIMARY KEY,
    thread_id VARCHAR(255) NOT NULL,
    pair_id VARCHAR(255),
    project_id VARCHAR(255) NOT NULL,
    agent_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    status VARCHAR(50) NOT NULL,
    content TEXT,
    error_json TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_thread_id ON tasks(thread_id);
CREATE INDEX IF NOT EXISTS idx_tasks_project_agent ON tasks(project_id, agent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
`

// NewSQLStore creates a new SQL-backed task store.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
		// Valid
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Open opens a database connection for the given driver and DSN and wraps it
// in a SQLStore.
func Open(driver, dsn string) (*SQLStore, error) {
	// Config uses "sqlite" but the go-sqlite3 driver registers as "sqlite3"
	driverName := driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewSQLStore(db, driver)
}

// DB exposes the underlying handle so the registry store can share the
// connection pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, createTasksTableSQL)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// rebind converts ? placeholders to $N for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// CreatePair stores both records of a submission in one transaction.
func (s *SQLStore) CreatePair(ctx context.Context, user, assistant *Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.rebind(`
INSERT INTO tasks (id, thread_id, pair_id, project_id, agent_id, role, status, content, error_json, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)

	for _, t := range []*Task{user, assistant} {
		row, err := taskToRow(t)
		if err != nil {
			return fmt.Errorf("failed to serialize task: %w", err)
		}
		_, err = tx.ExecContext(ctx, query,
			row.ID, row.ThreadID, row.PairID, row.ProjectID, row.AgentID,
			row.Role, row.Status, row.Content, row.ErrorJSON, row.Metadata,
			row.CreatedAt, row.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pair: %w", err)
	}
	return nil
}

// Get retrieves a task by ID.
func (s *SQLStore) Get(ctx context.Context, taskID string) (*Task, error) {
	query := s.rebind(`
SELECT id, thread_id, pair_id, project_id, agent_id, role, status, content, error_json, metadata, created_at, updated_at
FROM tasks
WHERE id = ?
`)

	var row taskRow
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&row.ID, &row.ThreadID, &row.PairID, &row.ProjectID, &row.AgentID,
		&row.Role, &row.Status, &row.Content, &row.ErrorJSON, &row.Metadata,
		&row.CreatedAt, &row.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	return rowToTask(&row)
}

// Update applies a validated status change and returns the updated task.
//
// The write is guarded on the status read in the same call: if another
// writer (a cancellation, typically) moved the task first, the guard misses
// and the transition is re-validated against the fresh status.
func (s *SQLStore) Update(ctx context.Context, taskID string, upd StatusUpdate) (*Task, error) {
	for attempt := 0; attempt < 3; attempt++ {
		current, err := s.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}

		if err := ValidateTransition(current.Status, upd.Status); err != nil {
			return nil, err
		}

		content := current.Content
		if upd.Content != nil {
			content = *upd.Content
		}

		var errJSON sql.NullString
		execErr := current.Error
		if upd.Error != nil {
			execErr = upd.Error
		}
		if execErr != nil {
			data, err := json.Marshal(execErr)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal error: %w", err)
			}
			errJSON = sql.NullString{String: string(data), Valid: true}
		}

		query := s.rebind(`
UPDATE tasks
SET status = ?, content = ?, error_json = ?, updated_at = ?
WHERE id = ? AND status = ?
`)

		res, err := s.db.ExecContext(ctx, query,
			string(upd.Status), content, errJSON, time.Now().UTC(),
			taskID, string(current.Status),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update task: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check update result: %w", err)
		}
		if affected > 0 {
			return s.Get(ctx, taskID)
		}
		// Lost the race; re-read and re-validate.
	}

	return nil, fmt.Errorf("failed to update task %s: too many concurrent writers", taskID)
}

// ListByAgent returns tasks for an agent per opts.
func (s *SQLStore) ListByAgent(ctx context.Context, projectID, agentID string, opts ListOptions) ([]*Task, error) {
	where := "WHERE project_id = ? AND agent_id = ?"
	args := []any{projectID, agentID}
	if opts.Status != "" {
		where += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	order := "DESC"
	if opts.SortAsc {
		order = "ASC"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	args = append(args, limit)

	query := s.rebind(fmt.Sprintf(`
SELECT id, thread_id, pair_id, project_id, agent_id, role, status, content, error_json, metadata, created_at, updated_at
FROM tasks
%s
ORDER BY created_at %s
LIMIT ?
`, where, order))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListStuck returns PROCESSING tasks untouched for longer than olderThan.
func (s *SQLStore) ListStuck(ctx context.Context, olderThan time.Duration) ([]*Task, error) {
	query := s.rebind(`
SELECT id, thread_id, pair_id, project_id, agent_id, role, status, content, error_json, metadata, created_at, updated_at
FROM tasks
WHERE status = ? AND updated_at < ?
ORDER BY updated_at ASC
`)

	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := s.db.QueryContext(ctx, query, string(StatusProcessing), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		var row taskRow
		err := rows.Scan(
			&row.ID, &row.ThreadID, &row.PairID, &row.ProjectID, &row.AgentID,
			&row.Role, &row.Status, &row.Content, &row.ErrorJSON, &row.Metadata,
			&row.CreatedAt, &row.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		t, err := rowToTask(&row)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// taskToRow converts a Task to a database row
func taskToRow(t *Task) (*taskRow, error) {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	row := &taskRow{
		ID:        t.ID,
		ThreadID:  t.ThreadID,
		ProjectID: t.ProjectID,
		AgentID:   t.AgentID,
		Role:      string(t.Role),
		Status:    string(t.Status),
		Content:   t.Content,
		Metadata:  string(metadata),
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}

	if t.PairID != "" {
		row.PairID = sql.NullString{String: t.PairID, Valid: true}
	}
	if t.Error != nil {
		data, err := json.Marshal(t.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error: %w", err)
		}
		row.ErrorJSON = sql.NullString{String: string(data), Valid: true}
	}

	return row, nil
}

// rowToTask converts a database row to a Task
func rowToTask(row *taskRow) (*Task, error) {
	t := &Task{
		ID:        row.ID,
		ThreadID:  row.ThreadID,
		ProjectID: row.ProjectID,
		AgentID:   row.AgentID,
		Role:      Role(row.Role),
		Status:    Status(row.Status),
		Content:   row.Content,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}

	if row.PairID.Valid {
		t.PairID = row.PairID.String
	}
	if row.ErrorJSON.Valid && row.ErrorJSON.String != "" {
		t.Error = &ExecError{}
		if err := json.Unmarshal([]byte(row.ErrorJSON.String), t.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}
	if row.Metadata != "" && row.Metadata != "null" {
		if err := json.Unmarshal([]byte(row.Metadata), &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return t, nil
}

// Ensure SQLStore implements Store
var _ Store = (*SQLStore)(nil)
