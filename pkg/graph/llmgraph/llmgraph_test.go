package llmgraph

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentq/pkg/config"
	"github.com/kadirpekel/agentq/pkg/graph"
	"github.com/kadirpekel/agentq/pkg/model"
	"github.com/kadirpekel/agentq/pkg/toolset"
)

type fakeCaller struct {
	mu    sync.Mutex
	calls []string
	out   string
	err   error
}

func (f *fakeCaller) CallAny(_ context.Context, toolName string, _ map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toolName)
	return f.out, f.err
}

// sseServer serves one canned SSE response per request, in order.
func sseServer(t *testing.T, responses ...[]string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	n := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		events := responses[n%len(responses)]
		n++
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, line := range events {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func textTurn(text string) []string {
	return []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant"}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		fmt.Sprintf(`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text),
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}
}

func toolTurn(id, name, partialJSON string) []string {
	return []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant"}}`,
		``,
		`event: content_block_start`,
		fmt.Sprintf(`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":%q,"name":%q,"input":{}}}`, id, name),
		``,
		`event: content_block_delta`,
		fmt.Sprintf(`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":%q}}`, partialJSON),
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}
}

func newGraph(t *testing.T, baseURL string, caller ToolCaller, catalog []toolset.Tool) *Graph {
	t.Helper()
	agent := &model.Agent{
		ID: "a1", ProjectID: "p1", Name: "analyst",
		Instructions: "You answer warehouse questions.",
	}
	return New(agent, catalog, caller, Options{
		Model:   config.ModelConfig{Name: "claude-sonnet-4-5", MaxTokens: 1024},
		BaseURL: baseURL,
	})
}

func collect(t *testing.T, events <-chan graph.Event) []graph.Event {
	t.Helper()
	var out []graph.Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func streamConfig() graph.Config {
	return graph.Config{
		RecursionLimit: 5,
		EnvVariables:   map[string]string{"ANTHROPIC_API_KEY": "test-key"},
	}
}

func TestGraph_StreamText(t *testing.T) {
	srv := sseServer(t, textTurn("The warehouse has 12 tables."))
	g := newGraph(t, srv.URL, nil, nil)

	events, err := g.Stream(context.Background(), graph.Inputs{Question: "how many tables?"}, streamConfig())
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, graph.NodeQuestion, got[0].Node)
	assert.Equal(t, graph.NodeGeneration, got[1].Node)

	value, ok := got[1].Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "The warehouse has 12 tables.", value["generation"])
}

func TestGraph_StreamToolLoop(t *testing.T) {
	srv := sseServer(t,
		toolTurn("tool_1", "list_tables", `{"schema":"public"}`),
		textTurn("Found: orders, customers."),
	)
	caller := &fakeCaller{out: "orders, customers"}
	catalog := []toolset.Tool{{
		Name:             "list_tables",
		Description:      "List tables in a schema",
		ParametersSchema: toolset.NormalizeSchema(map[string]any{"type": "object", "properties": map[string]any{"schema": map[string]any{"type": "string"}}}),
	}}
	g := newGraph(t, srv.URL, caller, catalog)

	events, err := g.Stream(context.Background(), graph.Inputs{Question: "what tables?"}, streamConfig())
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, graph.NodeQuestion, got[0].Node)
	assert.Equal(t, graph.NodeRelatedContext, got[1].Node)
	assert.Equal(t, graph.NodeGeneration, got[2].Node)

	assert.Equal(t, []string{"list_tables"}, caller.calls)
}

func TestGraph_ToolFailureFeedsBack(t *testing.T) {
	// A failing tool is reported to the model, not to the worker; the
	// turn after the failure still produces an answer.
	srv := sseServer(t,
		toolTurn("tool_1", "list_tables", `{}`),
		textTurn("Could not list tables."),
	)
	caller := &fakeCaller{err: fmt.Errorf("server unreachable")}
	g := newGraph(t, srv.URL, caller, nil)

	events, err := g.Stream(context.Background(), graph.Inputs{Question: "q"}, streamConfig())
	require.NoError(t, err)

	got := collect(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, graph.NodeGeneration, got[len(got)-1].Node)
}

func TestGraph_RecursionLimit(t *testing.T) {
	// Every turn asks for another tool call; the loop must stop at the
	// limit with an error event instead of running forever.
	srv := sseServer(t, toolTurn("tool_1", "list_tables", `{}`))
	caller := &fakeCaller{out: "ok"}
	g := newGraph(t, srv.URL, caller, nil)

	cfg := streamConfig()
	cfg.RecursionLimit = 2
	events, err := g.Stream(context.Background(), graph.Inputs{Question: "q"}, cfg)
	require.NoError(t, err)

	got := collect(t, events)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, graph.NodeError, last.Node)
	assert.Len(t, caller.calls, 2)
}

func TestGraph_CancelBeforeStart(t *testing.T) {
	srv := sseServer(t, textTurn("never sent"))
	g := newGraph(t, srv.URL, nil, nil)

	cfg := streamConfig()
	cfg.Cancel = func(context.Context) bool { return true }
	events, err := g.Stream(context.Background(), graph.Inputs{Question: "q"}, cfg)
	require.NoError(t, err)

	// A cancelled stream closes without a terminal generation; the
	// worker resolves the final state from the task record.
	got := collect(t, events)
	assert.Empty(t, got)
}

func TestGraph_MissingAPIKey(t *testing.T) {
	g := newGraph(t, "http://unused", nil, nil)

	_, err := g.Stream(context.Background(), graph.Inputs{Question: "q"}, graph.Config{})
	assert.Error(t, err)
}
