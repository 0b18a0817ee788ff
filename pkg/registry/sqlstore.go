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

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kadirpekel/agentq/pkg/model"
)

// SQLStore implements Store with a SQL backend.
// Supports PostgreSQL, MySQL, and SQLite via database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect string // "postgres", "mysql", or "sqlite"
}

const createRegistryTablesSQL = `
CREATE TABLE IF NOT EXISTS projects (
    id VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
    id VARCHAR(255) PRIMARY KEY,
    project_id VARCHAR(255) NOT NULL,
    name VARCHAR(255) NOT NULL,
    description TEXT,
    instructions TEXT,
    output_format VARCHAR(50),
    model VARCHAR(255),
    tools TEXT,
    env TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS data_sources (
    id VARCHAR(255) PRIMARY KEY,
    project_id VARCHAR(255) NOT NULL,
    type VARCHAR(100) NOT NULL,
    name VARCHAR(255) NOT NULL,
    configuration TEXT,
    status VARCHAR(50) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_project_id ON agents(project_id);
CREATE INDEX IF NOT EXISTS idx_data_sources_project_id ON data_sources(project_id);
`

// NewSQLStore creates a new SQL-backed registry store. The db handle is
// shared with the task store; the registry does not close it.
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createRegistryTablesSQL); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return s, nil
}

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

// CreateProject stores a project.
func (s *SQLStore) CreateProject(ctx context.Context, p *model.Project) error {
	query := s.rebind(`INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *SQLStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	query := s.rebind(`SELECT id, name, created_at FROM projects WHERE id = ?`)

	var p model.Project
	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects.
func (s *SQLStore) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project and its agents and data sources.
func (s *SQLStore) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM agents WHERE project_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete project agents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM data_sources WHERE project_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete project data sources: %w", err)
	}

	return tx.Commit()
}

// CreateAgent stores an agent.
func (s *SQLStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	tools, env, err := marshalAgentBlobs(a)
	if err != nil {
		return err
	}

	query := s.rebind(`
INSERT INTO agents (id, project_id, name, description, instructions, output_format, model, tools, env, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.ProjectID, a.Name, a.Description, a.Instructions, string(a.OutputFormat), a.Model,
		tools, env, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	query := s.rebind(`
SELECT id, project_id, name, description, instructions, output_format, model, tools, env, created_at, updated_at
FROM agents WHERE id = ?
`)

	a, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAgents returns a project's agents.
func (s *SQLStore) ListAgents(ctx context.Context, projectID string) ([]*model.Agent, error) {
	query := s.rebind(`
SELECT id, project_id, name, description, instructions, output_format, model, tools, env, created_at, updated_at
FROM agents WHERE project_id = ? ORDER BY created_at DESC
`)

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent overwrites an agent.
func (s *SQLStore) UpdateAgent(ctx context.Context, a *model.Agent) error {
	tools, env, err := marshalAgentBlobs(a)
	if err != nil {
		return err
	}

	query := s.rebind(`
UPDATE agents
SET name = ?, description = ?, instructions = ?, output_format = ?, model = ?, tools = ?, env = ?, updated_at = ?
WHERE id = ?
`)
	res, err := s.db.ExecContext(ctx, query,
		a.Name, a.Description, a.Instructions, string(a.OutputFormat), a.Model, tools, env,
		time.Now().UTC(), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgent removes an agent.
func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateDataSource stores a data source.
func (s *SQLStore) CreateDataSource(ctx context.Context, ds *model.DataSource) error {
	cfg, err := json.Marshal(ds.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	query := s.rebind(`
INSERT INTO data_sources (id, project_id, type, name, configuration, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err = s.db.ExecContext(ctx, query,
		ds.ID, ds.ProjectID, string(ds.Type), ds.Name, string(cfg), string(ds.Status),
		ds.CreatedAt, ds.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert data source: %w", err)
	}
	return nil
}

// GetDataSource retrieves a data source by ID.
func (s *SQLStore) GetDataSource(ctx context.Context, id string) (*model.DataSource, error) {
	query := s.rebind(`
SELECT id, project_id, type, name, configuration, status, created_at, updated_at
FROM data_sources WHERE id = ?
`)

	ds, err := scanDataSource(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ds, err
}

// ListDataSources returns a project's data sources.
func (s *SQLStore) ListDataSources(ctx context.Context, projectID string) ([]*model.DataSource, error) {
	query := s.rebind(`
SELECT id, project_id, type, name, configuration, status, created_at, updated_at
FROM data_sources WHERE project_id = ? ORDER BY created_at DESC
`)

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query data sources: %w", err)
	}
	defer rows.Close()

	var sources []*model.DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ds)
	}
	return sources, rows.Err()
}

// UpdateDataSource overwrites a data source.
func (s *SQLStore) UpdateDataSource(ctx context.Context, ds *model.DataSource) error {
	cfg, err := json.Marshal(ds.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	query := s.rebind(`
UPDATE data_sources
SET name = ?, configuration = ?, status = ?, updated_at = ?
WHERE id = ?
`)
	res, err := s.db.ExecContext(ctx, query,
		ds.Name, string(cfg), string(ds.Status), time.Now().UTC(), ds.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update data source: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDataSource removes a data source.
func (s *SQLStore) DeleteDataSource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM data_sources WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete data source: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close is a no-op; the shared db handle is owned by the caller.
func (s *SQLStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func marshalAgentBlobs(a *model.Agent) (tools, env string, err error) {
	toolsData, err := json.Marshal(a.Tools)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal tools: %w", err)
	}
	envData, err := json.Marshal(a.Env)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal env: %w", err)
	}
	return string(toolsData), string(envData), nil
}

func scanAgent(row rowScanner) (*model.Agent, error) {
	var a model.Agent
	var outputFormat, tools, env string
	err := row.Scan(
		&a.ID, &a.ProjectID, &a.Name, &a.Description, &a.Instructions, &outputFormat, &a.Model,
		&tools, &env, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.OutputFormat = model.OutputFormat(outputFormat)

	if tools != "" && tools != "null" {
		if err := json.Unmarshal([]byte(tools), &a.Tools); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tools: %w", err)
		}
	}
	if env != "" && env != "null" {
		if err := json.Unmarshal([]byte(env), &a.Env); err != nil {
			return nil, fmt.Errorf("failed to unmarshal env: %w", err)
		}
	}
	return &a, nil
}

func scanDataSource(row rowScanner) (*model.DataSource, error) {
	var ds model.DataSource
	var typ, status, cfg string
	err := row.Scan(
		&ds.ID, &ds.ProjectID, &typ, &ds.Name, &cfg, &status,
		&ds.CreatedAt, &ds.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ds.Type = model.DataSourceType(typ)
	ds.Status = model.DataSourceStatus(status)

	config, err := model.DecodeDataSourceConfig(ds.Type, json.RawMessage(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	ds.Config = config

	return &ds, nil
}

// Ensure SQLStore implements Store
var _ Store = (*SQLStore)(nil)
