package toolset

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentq/pkg/config"
	"github.com/kadirpekel/agentq/pkg/model"
)

type fakeSources struct {
	sources []*model.DataSource
	err     error
}

func (f *fakeSources) ListDataSources(_ context.Context, _ string) ([]*model.DataSource, error) {
	return f.sources, f.err
}

func toolServer(t *testing.T, tools []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tools)
	}))
}

func TestAggregator_MergesProjectServers(t *testing.T) {
	fast := toolServer(t, []map[string]any{
		{"name": "query_warehouse", "description": "run SQL", "parameters": map[string]any{
			"type":       "object",
			"properties": map[string]any{"sql": map[string]any{"type": "string"}},
		}},
	})
	defer fast.Close()
	second := toolServer(t, []map[string]any{
		{"name": "read_file"}, // no parameters at all
	})
	defer second.Close()

	agg := NewAggregator(config.ToolServersConfig{
		ProjectURLs:    []string{fast.URL + "/mcp/{project_id}", second.URL + "/mcp/{project_id}"},
		ProjectTimeout: 2 * time.Second,
	}, nil)

	cfg, catalog, err := agg.Aggregate(context.Background(), "p1", nil)
	require.NoError(t, err)
	assert.Len(t, cfg.Servers, 2)
	require.Len(t, catalog, 2)

	byName := map[string]Tool{}
	for _, tool := range catalog {
		byName[tool.Name] = tool
	}

	// Schemas are closed and tagged.
	q := byName["query_warehouse"]
	assert.Equal(t, false, q.ParametersSchema["additionalProperties"])
	assert.NotEmpty(t, q.ParametersSchema["$schema"])

	// Absent parameters default to an empty object schema.
	r := byName["read_file"]
	assert.Equal(t, "object", r.ParametersSchema["type"])
	assert.Equal(t, false, r.ParametersSchema["additionalProperties"])
}

func TestAggregator_PartialOnTimeout(t *testing.T) {
	fast := toolServer(t, []map[string]any{{"name": "fast_tool"}})
	defer fast.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer slow.Close()

	agg := NewAggregator(config.ToolServersConfig{
		ProjectURLs:    []string{fast.URL + "/mcp/{project_id}", slow.URL + "/mcp/{project_id}"},
		ProjectTimeout: 200 * time.Millisecond,
	}, nil)

	start := time.Now()
	cfg, catalog, err := agg.Aggregate(context.Background(), "p1", nil)
	require.NoError(t, err)

	// The aggregate returns around the project timeout with the fast
	// server's tools only; the slow server is still listed.
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, catalog, 1)
	assert.Equal(t, "fast_tool", catalog[0].Name)
	assert.Len(t, cfg.Servers, 2)
}

func TestAggregator_ExternalRequiresConnectedCredential(t *testing.T) {
	var gotAuth string
	external := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]any{{"name": "search_code"}})
	}))
	defer external.Close()

	cfg := config.ToolServersConfig{
		ExternalURL:     external.URL,
		ProjectTimeout:  time.Second,
		ExternalTimeout: time.Second,
	}

	// Configured-but-not-connected source does not unlock the server.
	agg := NewAggregator(cfg, &fakeSources{sources: []*model.DataSource{
		{Type: model.DataSourceGitHub, Status: model.StatusConfigured, Config: &model.GitHubConfig{AccessToken: "tok"}},
	}})
	tc, catalog, err := agg.Aggregate(context.Background(), "p1", nil)
	require.NoError(t, err)
	assert.Empty(t, catalog)
	assert.Empty(t, tc.Servers)

	// Connected source does, and the bearer rides along.
	agg = NewAggregator(cfg, &fakeSources{sources: []*model.DataSource{
		{Type: model.DataSourceGitHub, Status: model.StatusConnected, Config: &model.GitHubConfig{AccessToken: "tok"}},
	}})
	tc, catalog, err = agg.Aggregate(context.Background(), "p1", nil)
	require.NoError(t, err)
	require.Len(t, catalog, 1)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "Bearer tok", tc.Servers["external"].Headers["Authorization"])
}

func TestAggregator_AgentScopedServersIncludedAsIs(t *testing.T) {
	agg := NewAggregator(config.ToolServersConfig{ProjectTimeout: time.Second}, nil)

	agent := &model.Agent{
		Name: "analyst",
		Tools: []model.AgentTool{
			{Name: "notebook", Type: model.AgentToolHTTP, URL: "http://localhost:9000/mcp"},
			{Name: "local", Type: model.AgentToolStdio, Command: "tool"},
		},
	}

	cfg, catalog, err := agg.Aggregate(context.Background(), "p1", agent)
	require.NoError(t, err)
	assert.Empty(t, catalog)

	// HTTP agent tools become servers without a listing call; stdio
	// attachments are launched by the graph, not listed here.
	require.Contains(t, cfg.Servers, "notebook")
	assert.Equal(t, "http://localhost:9000/mcp", cfg.Servers["notebook"].URL)
	assert.NotContains(t, cfg.Servers, "local")
}

func TestNormalizeSchema(t *testing.T) {
	out := NormalizeSchema(nil)
	assert.Equal(t, "object", out["type"])
	assert.Equal(t, false, out["additionalProperties"])

	in := map[string]any{"type": "object", "properties": map[string]any{"x": map[string]any{}}}
	out = NormalizeSchema(in)
	assert.Equal(t, in["properties"], out["properties"])
	assert.Equal(t, false, out["additionalProperties"])
	// Input map is left untouched.
	_, tagged := in["$schema"]
	assert.False(t, tagged)
}
