package registry

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentq/pkg/model"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLStore(db, "sqlite")
	require.NoError(t, err)
	return store
}

func newProject(name string) *model.Project {
	return &model.Project{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
}

func TestSQLStore_ProjectLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := newProject("acme")
	require.NoError(t, store.CreateProject(ctx, p))

	got, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Name)

	projects, err := store.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 1)

	require.NoError(t, store.DeleteProject(ctx, p.ID))
	_, err = store.GetProject(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.DeleteProject(ctx, p.ID), ErrNotFound)
}

func TestSQLStore_AgentRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := newProject("acme")
	require.NoError(t, store.CreateProject(ctx, p))

	now := time.Now().UTC()
	a := &model.Agent{
		ID:           uuid.New().String(),
		ProjectID:    p.ID,
		Name:         "analyst",
		Instructions: "answer questions about the warehouse",
		OutputFormat: model.OutputMarkdown,
		Model:        "claude-sonnet-4-5",
		Tools: []model.AgentTool{
			{Name: "local-db", Type: model.AgentToolStdio, Command: "dbtool", Args: []string{"serve"}},
		},
		Env:       map[string]string{"ANTHROPIC_API_KEY": "user-key"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateAgent(ctx, a))

	got, err := store.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "analyst", got.Name)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, model.AgentToolStdio, got.Tools[0].Type)
	assert.Equal(t, "user-key", got.Env["ANTHROPIC_API_KEY"])

	got.Description = "warehouse analyst"
	require.NoError(t, store.UpdateAgent(ctx, got))

	got, err = store.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "warehouse analyst", got.Description)
}

func TestSQLStore_DataSourceRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	ds := &model.DataSource{
		ID:        uuid.New().String(),
		ProjectID: "p1",
		Type:      model.DataSourceGitHub,
		Name:      "main repo",
		Config:    &model.GitHubConfig{AccessToken: "ghp_token", Org: "acme"},
		Status:    model.StatusConfigured,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateDataSource(ctx, ds))

	got, err := store.GetDataSource(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DataSourceGitHub, got.Type)

	cfg, ok := got.Config.(*model.GitHubConfig)
	require.True(t, ok)
	assert.Equal(t, "ghp_token", cfg.AccessToken)
	assert.Equal(t, "acme", cfg.Org)
}

func TestSQLStore_DeleteProjectCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := newProject("acme")
	require.NoError(t, store.CreateProject(ctx, p))

	now := time.Now().UTC()
	a := &model.Agent{ID: uuid.New().String(), ProjectID: p.ID, Name: "a", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateAgent(ctx, a))
	ds := &model.DataSource{
		ID: uuid.New().String(), ProjectID: p.ID,
		Type: model.DataSourceCSVUpload, Name: "upload",
		Config: &model.UploadConfig{Kind: model.DataSourceCSVUpload}, Status: model.StatusConfigured,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateDataSource(ctx, ds))

	require.NoError(t, store.DeleteProject(ctx, p.ID))

	_, err := store.GetAgent(ctx, a.ID)
	assert.Error(t, err)
	_, err = store.GetDataSource(ctx, ds.ID)
	assert.Error(t, err)
}
