package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentq/pkg/model"
	"github.com/kadirpekel/agentq/pkg/queue"
	"github.com/kadirpekel/agentq/pkg/registry"
	"github.com/kadirpekel/agentq/pkg/task"
)

type fakePublisher struct {
	items []*queue.WorkItem
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, item *queue.WorkItem) error {
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, item)
	return nil
}

func newTestService(t *testing.T, pub Publisher) (*Service, string, string) {
	t.Helper()

	entities := registry.NewInMemoryStore()
	ctx := context.Background()

	p := &model.Project{ID: uuid.New().String(), Name: "warehouse", CreatedAt: time.Now().UTC()}
	require.NoError(t, entities.CreateProject(ctx, p))
	a := &model.Agent{
		ID: uuid.New().String(), ProjectID: p.ID, Name: "analyst",
		Env:       map[string]string{"ANTHROPIC_API_KEY": "user-key"},
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, entities.CreateAgent(ctx, a))

	return NewService(task.NewInMemoryStore(), entities, pub), p.ID, a.ID
}

func TestService_CreateMessage(t *testing.T) {
	pub := &fakePublisher{}
	svc, pid, aid := newTestService(t, pub)
	ctx := context.Background()

	user, assistant, err := svc.CreateMessage(ctx, pid, aid, "what tables do we have?", nil)
	require.NoError(t, err)

	// The user's message is immediately done; the assistant waits for a
	// worker.
	assert.Equal(t, task.StatusCompleted, user.Status)
	assert.Equal(t, task.StatusQueued, assistant.Status)
	assert.Equal(t, user.ThreadID, assistant.ThreadID)
	assert.Equal(t, assistant.ID, user.PairID)

	require.Len(t, pub.items, 1)
	item := pub.items[0]
	assert.Equal(t, user.ID, item.TaskID)
	assert.Equal(t, assistant.ID, item.AssistantTaskID)
	assert.Equal(t, "what tables do we have?", item.Content)
	assert.True(t, item.Metadata.Stream)
}

func TestService_CreateMessageMetadata(t *testing.T) {
	pub := &fakePublisher{}
	svc, pid, aid := newTestService(t, pub)

	_, _, err := svc.CreateMessage(context.Background(), pid, aid, "q", map[string]any{
		"thread_id":           "thread-7",
		"checkpoint_ns":       "ns",
		"checkpoint_id":       "cp-1",
		"stream":              false,
		"override_project_id": "other",
	})
	require.NoError(t, err)

	item := pub.items[0]
	assert.Equal(t, "thread-7", item.Metadata.ThreadID)
	assert.Equal(t, "ns", item.Metadata.CheckpointNS)
	assert.Equal(t, "cp-1", item.Metadata.CheckpointID)
	assert.False(t, item.Metadata.Stream)
	assert.Equal(t, "other", item.Metadata.OverrideProjectID)
	assert.Equal(t, "other", item.ExecutionProjectID())
}

func TestService_CreateMessagePublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("queue unreachable")}
	svc, pid, aid := newTestService(t, pub)
	ctx := context.Background()

	user, assistant, err := svc.CreateMessage(ctx, pid, aid, "q", nil)
	require.NoError(t, err)

	// No record is left queued without a message behind it.
	assert.Equal(t, task.StatusCompleted, user.Status)
	assert.Equal(t, task.StatusFailed, assistant.Status)

	// The stored content is the standard failure payload.
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(assistant.Content), &payload))
	assert.Equal(t, "could not enqueue task for processing", payload["response"])
	assert.Equal(t, true, payload["error"])

	require.NotNil(t, assistant.Error)
	assert.Equal(t, "enqueue_failed", assistant.Error.Code)
}

func TestService_CreateMessageUnknownAgent(t *testing.T) {
	svc, pid, _ := newTestService(t, &fakePublisher{})

	_, _, err := svc.CreateMessage(context.Background(), pid, "missing", "q", nil)
	assert.Error(t, err)
}

func TestService_CancelTask(t *testing.T) {
	svc, pid, aid := newTestService(t, &fakePublisher{})
	ctx := context.Background()

	_, assistant, err := svc.CreateMessage(ctx, pid, aid, "q", nil)
	require.NoError(t, err)

	got, err := svc.CancelTask(ctx, pid, aid, assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)

	// Cancelling again is a no-op.
	got, err = svc.CancelTask(ctx, pid, aid, assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
}

func TestService_CancelCompletedIsNoop(t *testing.T) {
	svc, pid, aid := newTestService(t, &fakePublisher{})
	ctx := context.Background()

	user, _, err := svc.CreateMessage(ctx, pid, aid, "q", nil)
	require.NoError(t, err)

	got, err := svc.CancelTask(ctx, pid, aid, user.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestService_CancelDominatesCompletion(t *testing.T) {
	svc, pid, aid := newTestService(t, &fakePublisher{})
	ctx := context.Background()

	_, assistant, err := svc.CreateMessage(ctx, pid, aid, "q", nil)
	require.NoError(t, err)

	processing := task.StatusProcessing
	_, err = svc.UpdateTask(ctx, pid, aid, assistant.ID, &processing, nil)
	require.NoError(t, err)

	_, err = svc.CancelTask(ctx, pid, aid, assistant.ID)
	require.NoError(t, err)

	// A late completion is dropped; the current record comes back
	// unchanged instead of an error.
	completed := task.StatusCompleted
	content := `{"response":"done"}`
	got, err := svc.UpdateTask(ctx, pid, aid, assistant.ID, &completed, &content)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.NotEqual(t, content, got.Content)
}

func TestService_UpdateTaskIdempotent(t *testing.T) {
	svc, pid, aid := newTestService(t, &fakePublisher{})
	ctx := context.Background()

	_, assistant, err := svc.CreateMessage(ctx, pid, aid, "q", nil)
	require.NoError(t, err)

	processing := task.StatusProcessing
	content := `{"status":"Gathering Context"}`
	first, err := svc.UpdateTask(ctx, pid, aid, assistant.ID, &processing, &content)
	require.NoError(t, err)

	second, err := svc.UpdateTask(ctx, pid, aid, assistant.ID, &processing, &content)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Content, second.Content)
}

func TestService_UpdateContentOnly(t *testing.T) {
	svc, pid, aid := newTestService(t, &fakePublisher{})
	ctx := context.Background()

	_, assistant, err := svc.CreateMessage(ctx, pid, aid, "q", nil)
	require.NoError(t, err)

	content := "partial output"
	got, err := svc.UpdateTask(ctx, pid, aid, assistant.ID, nil, &content)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, "partial output", got.Content)
}

func TestService_TaskScopedToAgent(t *testing.T) {
	svc, pid, aid := newTestService(t, &fakePublisher{})
	ctx := context.Background()

	_, assistant, err := svc.CreateMessage(ctx, pid, aid, "q", nil)
	require.NoError(t, err)

	_, err = svc.GetTask(ctx, pid, "other-agent", assistant.ID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestService_GetTaskStatus(t *testing.T) {
	svc, pid, aid := newTestService(t, &fakePublisher{})
	ctx := context.Background()

	_, assistant, err := svc.CreateMessage(ctx, pid, aid, "q", nil)
	require.NoError(t, err)

	st, err := svc.GetTaskStatus(ctx, pid, aid, assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, st)
}

func TestService_ResolveAgentEnvSystemKeyWins(t *testing.T) {
	pub := &fakePublisher{}
	entities := registry.NewInMemoryStore()
	ctx := context.Background()

	p := &model.Project{ID: "proj1", Name: "p", CreatedAt: time.Now().UTC()}
	require.NoError(t, entities.CreateProject(ctx, p))
	a := &model.Agent{
		ID: "agent1", ProjectID: p.ID, Name: "a",
		Env: map[string]string{"ANTHROPIC_API_KEY": "USER"},
	}
	require.NoError(t, entities.CreateAgent(ctx, a))
	require.NoError(t, entities.CreateDataSource(ctx, &model.DataSource{
		ID: "ds1", ProjectID: p.ID, Type: model.DataSourceAnthropic,
		Name: "system", Config: &model.AnthropicConfig{APIKey: "SYSTEM"},
		Status: model.StatusConnected,
	}))

	svc := NewService(task.NewInMemoryStore(), entities, pub)
	env, err := svc.ResolveAgentEnv(ctx, p.ID, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "SYSTEM", env["ANTHROPIC_API_KEY"])
}

func TestService_ResolveAgentEnvOverrideProject(t *testing.T) {
	pub := &fakePublisher{}
	entities := registry.NewInMemoryStore()
	ctx := context.Background()

	home := &model.Project{ID: "home", Name: "home", CreatedAt: time.Now().UTC()}
	other := &model.Project{ID: "other", Name: "other", CreatedAt: time.Now().UTC()}
	require.NoError(t, entities.CreateProject(ctx, home))
	require.NoError(t, entities.CreateProject(ctx, other))

	a := &model.Agent{ID: "agent1", ProjectID: home.ID, Name: "a"}
	require.NoError(t, entities.CreateAgent(ctx, a))

	require.NoError(t, entities.CreateDataSource(ctx, &model.DataSource{
		ID: "ds-home", ProjectID: home.ID, Type: model.DataSourceAnthropic,
		Name: "home-key", Config: &model.AnthropicConfig{APIKey: "HOME"},
		Status: model.StatusConnected,
	}))
	require.NoError(t, entities.CreateDataSource(ctx, &model.DataSource{
		ID: "ds-other", ProjectID: other.ID, Type: model.DataSourceAnthropic,
		Name: "other-key", Config: &model.AnthropicConfig{APIKey: "OTHER"},
		Status: model.StatusConnected,
	}))

	svc := NewService(task.NewInMemoryStore(), entities, pub)

	// Credentials follow the override project, names included.
	env, err := svc.ResolveAgentEnv(ctx, home.ID, a.ID, other.ID)
	require.NoError(t, err)
	assert.Equal(t, "OTHER", env["ANTHROPIC_API_KEY"])
	assert.Equal(t, "OTHER", env["OTHER_ANTHROPIC_API_KEY"])
	assert.NotContains(t, env, "HOME_ANTHROPIC_API_KEY")
}
