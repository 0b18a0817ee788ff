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

// Package worker drives one execution per queued work item: early-ack,
// workspace sync, tool aggregation, reasoning graph streaming, and the
// terminal task write.
//
// Processing is at-most-once-effective. Messages are acknowledged before
// any business logic runs; a crash mid-stream leaves the assistant task
// in PROCESSING for an external reaper rather than triggering a
// duplicate execution.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/agentq/pkg/artifacts"
	"github.com/kadirpekel/agentq/pkg/config"
	"github.com/kadirpekel/agentq/pkg/graph"
	"github.com/kadirpekel/agentq/pkg/metrics"
	"github.com/kadirpekel/agentq/pkg/model"
	"github.com/kadirpekel/agentq/pkg/queue"
	"github.com/kadirpekel/agentq/pkg/task"
	"github.com/kadirpekel/agentq/pkg/toolset"
)

// cancelledResponse is the canonical user-visible cancellation text.
const cancelledResponse = "Task was cancelled by user."

// Broker is the worker-side view of the broker API. Satisfied by
// broker.Client.
type Broker interface {
	GetAgent(ctx context.Context, projectID, agentID string) (*model.Agent, error)
	GetTaskStatus(ctx context.Context, projectID, agentID, taskID string) (task.Status, error)
	UpdateTask(ctx context.Context, projectID, agentID, taskID string, status *task.Status, content *string) (*task.Task, error)
	ListAgentTasks(ctx context.Context, projectID, agentID string, opts task.ListOptions) ([]*task.Task, error)
	GetAgentEnv(ctx context.Context, projectID, agentID, overrideProjectID string) (map[string]string, error)
	GetAgentTools(ctx context.Context, projectID, agentID, overrideProjectID string) (*toolset.ToolConfig, []toolset.Tool, error)
}

// Syncer mirrors a project workspace before execution. Satisfied by
// artifacts.Syncer.
type Syncer interface {
	Sync(ctx context.Context, projectID string) (string, artifacts.SyncStats, error)
}

// GraphFactory builds the reasoning graph for one execution. The
// returned closer releases tool subprocesses when the execution ends.
type GraphFactory func(agent *model.Agent, toolCfg *toolset.ToolConfig, catalog []toolset.Tool) (graph.Graph, func() error, error)

// acker is the acknowledgement surface of a delivery.
type acker interface {
	Ack() error
	Nak() error
	Term() error
}

// Worker executes work items against the broker.
type Worker struct {
	cfg     config.WorkerConfig
	broker  Broker
	sync    Syncer
	graphs  GraphFactory
	metrics *metrics.Metrics
}

// New creates a Worker. sync may be nil when no object store is
// configured; metrics may be nil.
func New(cfg config.WorkerConfig, b Broker, sync Syncer, graphs GraphFactory, m *metrics.Metrics) *Worker {
	return &Worker{cfg: cfg, broker: b, sync: sync, graphs: graphs, metrics: m}
}

// Handle is the queue.Handler entry point.
func (w *Worker) Handle(ctx context.Context, d *queue.Delivery) {
	w.dispatch(ctx, d.Item, d)
}

func (w *Worker) dispatch(ctx context.Context, item *queue.WorkItem, ack acker) {
	log := slog.With("task_id", item.AssistantTaskID, "project_id", item.ProjectID, "agent_id", item.AgentID)

	if age := item.Age(time.Now()); age >= w.cfg.MaxMessageAge {
		log.Warn("Dropping stale work item", "age", age)
		if w.metrics != nil {
			w.metrics.StaleMessages.Inc()
		}
		if err := ack.Term(); err != nil {
			log.Error("Failed to terminate stale message", "error", err)
		}
		return
	}

	// Early ack: processing takes minutes and must not be redelivered on
	// a crash. Everything after this point is terminal, never requeued.
	if err := ack.Ack(); err != nil {
		if IsRecoverable(err) {
			if w.metrics != nil {
				w.metrics.Requeues.Inc()
			}
			if nakErr := ack.Nak(); nakErr != nil {
				log.Error("Failed to nack message", "error", nakErr)
			}
			return
		}
		log.Error("Failed to ack message", "error", err)
		return
	}

	start := time.Now()
	outcome := w.process(ctx, item)
	log.Info("Execution finished", "outcome", outcome, "duration", time.Since(start))
	if w.metrics != nil {
		w.metrics.TasksProcessed.WithLabelValues(outcome).Inc()
		w.metrics.TaskDuration.Observe(time.Since(start).Seconds())
	}
}

// process runs one execution end to end and returns the outcome label.
func (w *Worker) process(ctx context.Context, item *queue.WorkItem) string {
	pid, aid := item.ProjectID, item.AgentID
	assistantID := item.AssistantTaskID
	execProject := item.ExecutionProjectID()

	// The user's message is immediately done. Re-completing on pickup is
	// idempotent, so a broker hiccup at submission self-heals here.
	completed := task.StatusCompleted
	if _, err := w.broker.UpdateTask(ctx, pid, aid, item.TaskID, &completed, nil); err != nil {
		slog.Warn("Failed to complete user task", "task_id", item.TaskID, "error", err)
	}

	processing := task.StatusProcessing
	gathering := statusContent("Gathering Context")
	if _, err := w.broker.UpdateTask(ctx, pid, aid, assistantID, &processing, &gathering); err != nil {
		if updated, stErr := w.broker.GetTaskStatus(ctx, pid, aid, assistantID); stErr == nil && updated == task.StatusCancelled {
			return "cancelled"
		}
		return w.fail(ctx, item, fmt.Errorf("failed to mark task processing: %w", err))
	}

	if w.sync != nil {
		if _, stats, err := w.sync.Sync(ctx, execProject); err != nil {
			return w.fail(ctx, item, fmt.Errorf("workspace sync failed: %w", err))
		} else if stats.Failed > 0 {
			slog.Warn("Workspace sync incomplete", "project_id", execProject, "failed", stats.Failed)
		}
	}

	toolCfg, catalog, err := w.broker.GetAgentTools(ctx, pid, aid, item.Metadata.OverrideProjectID)
	if err != nil {
		return w.fail(ctx, item, fmt.Errorf("tool aggregation failed: %w", err))
	}

	agent, err := w.broker.GetAgent(ctx, pid, aid)
	if err != nil {
		return w.fail(ctx, item, fmt.Errorf("failed to fetch agent: %w", err))
	}
	// Credentials are scoped like the tools: an override executes with the
	// override project's sources.
	env, err := w.broker.GetAgentEnv(ctx, pid, aid, item.Metadata.OverrideProjectID)
	if err != nil {
		return w.fail(ctx, item, fmt.Errorf("failed to resolve env: %w", err))
	}

	g, closeGraph, err := w.graphs(agent, toolCfg, catalog)
	if err != nil {
		return w.fail(ctx, item, fmt.Errorf("failed to build graph: %w", err))
	}
	if closeGraph != nil {
		defer func() {
			if err := closeGraph(); err != nil {
				slog.Warn("Failed to close graph resources", "error", err)
			}
		}()
	}

	cancel := w.cancelCheck(pid, aid, assistantID)

	inputs := graph.Inputs{
		Question:     item.Content,
		ContextFlag:  true,
		Context:      w.gatherContext(ctx, item),
		OutputFormat: string(agent.OutputFormat),
	}
	cfg := graph.Config{
		RecursionLimit:    w.cfg.RecursionLimit,
		ThreadID:          item.Metadata.ThreadID,
		AssistantTaskID:   assistantID,
		Project:           pid,
		EnvVariables:      env,
		OverrideProjectID: item.Metadata.OverrideProjectID,
		CheckpointNS:      item.Metadata.CheckpointNS,
		CheckpointID:      item.Metadata.CheckpointID,
		Cancel:            cancel,
	}

	events, err := g.Stream(ctx, inputs, cfg)
	if err != nil {
		return w.fail(ctx, item, fmt.Errorf("failed to start graph: %w", err))
	}

	// Streaming update loop: accumulate the latest value per node and
	// surface a display status while the task stays PROCESSING.
	state := make(map[string]any)
	var errValue any
	for ev := range events {
		state[ev.Node] = ev.Value
		if ev.Node == graph.NodeError {
			errValue = ev.Value
		}

		if cancel(ctx) {
			return w.cancelled(ctx, item)
		}

		if item.Metadata.Stream && ev.Node != graph.NodeError {
			content := statusContent(graph.DisplayStatus(ev.Node))
			if _, err := w.broker.UpdateTask(ctx, pid, aid, assistantID, nil, &content); err != nil {
				slog.Warn("Failed to write stream update", "task_id", assistantID, "error", err)
			}
		}
	}

	return w.finish(ctx, item, state, errValue)
}

// finish classifies the accumulated state after the stream closed.
func (w *Worker) finish(ctx context.Context, item *queue.WorkItem, state map[string]any, errValue any) string {
	pid, aid := item.ProjectID, item.AgentID
	assistantID := item.AssistantTaskID

	response := finalResponse(state)
	if indicatesCancellation(state, response) {
		return w.cancelled(ctx, item)
	}

	if response == "" {
		// Node-level errors still resolve to the generic empty-generation
		// payload; the "Error processing message" shape is reserved for
		// dispatch failures.
		if errValue != nil {
			slog.Warn("Graph reported an error", "task_id", assistantID, "error", errorMessage(errValue))
		}
		// Empty generation: if a cancel landed while the stream was
		// draining, leave the record alone.
		if st, err := w.broker.GetTaskStatus(ctx, pid, aid, assistantID); err == nil && st == task.StatusCancelled {
			return "cancelled"
		}
		failed := task.StatusFailed
		content := mustJSON(map[string]any{"response": "Failed to generate response", "error": true})
		if _, err := w.broker.UpdateTask(ctx, pid, aid, assistantID, &failed, &content); err != nil {
			slog.Error("Failed to persist empty-generation failure", "task_id", assistantID, "error", err)
		}
		return "failed"
	}

	// Cancel beats complete: re-read immediately before the COMPLETED
	// write.
	if st, err := w.broker.GetTaskStatus(ctx, pid, aid, assistantID); err == nil && st == task.StatusCancelled {
		return w.cancelled(ctx, item)
	}

	completed := task.StatusCompleted
	content := mustJSON(map[string]any{"response": response})
	if _, err := w.broker.UpdateTask(ctx, pid, aid, assistantID, &completed, &content); err != nil {
		slog.Error("Failed to persist completion", "task_id", assistantID, "error", err)
		return "failed"
	}
	return "completed"
}

// cancelled persists the canonical cancellation payload.
func (w *Worker) cancelled(ctx context.Context, item *queue.WorkItem) string {
	status := task.StatusCancelled
	content := mustJSON(map[string]any{"response": cancelledResponse, "cancelled": true})
	if _, err := w.broker.UpdateTask(ctx, item.ProjectID, item.AgentID, item.AssistantTaskID, &status, &content); err != nil {
		slog.Warn("Failed to persist cancellation payload", "task_id", item.AssistantTaskID, "error", err)
	}
	return "cancelled"
}

// fail persists a terminal failure raised by the dispatch itself. A task
// already cancelled is left as is; cancellation dominates any error.
func (w *Worker) fail(ctx context.Context, item *queue.WorkItem, cause error) string {
	pid, aid := item.ProjectID, item.AgentID
	assistantID := item.AssistantTaskID
	slog.Error("Execution failed", "task_id", assistantID, "error", cause)

	if st, err := w.broker.GetTaskStatus(ctx, pid, aid, assistantID); err == nil && st == task.StatusCancelled {
		return "cancelled"
	}

	payload := map[string]any{
		"response":      "Error processing message: " + cause.Error(),
		"error":         true,
		"error_details": cause.Error(),
	}

	failed := task.StatusFailed
	content := mustJSON(payload)
	if _, err := w.broker.UpdateTask(ctx, pid, aid, assistantID, &failed, &content); err != nil {
		slog.Error("Failed to persist failure", "task_id", assistantID, "error", err)
	}
	return "failed"
}

// historyLimit bounds how many prior tasks feed the context window.
const historyLimit = 10

// gatherContext assembles bounded conversation history for the graph:
// recent completed exchanges of the same thread, oldest first. History is
// best effort; an empty context never blocks the execution.
func (w *Worker) gatherContext(ctx context.Context, item *queue.WorkItem) string {
	history, err := w.broker.ListAgentTasks(ctx, item.ProjectID, item.AgentID, task.ListOptions{
		Limit:  historyLimit,
		Status: task.StatusCompleted,
	})
	if err != nil {
		slog.Warn("Failed to load task history", "agent_id", item.AgentID, "error", err)
		return ""
	}

	var lines []string
	// Listings are newest first; the prompt wants chronological order.
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.ID == item.TaskID || t.ID == item.AssistantTaskID {
			continue
		}
		if item.Metadata.ThreadID != "" && t.ThreadID != item.Metadata.ThreadID {
			continue
		}
		if t.Content == "" {
			continue
		}
		switch t.Role {
		case task.RoleUser:
			lines = append(lines, "User: "+t.Content)
		case task.RoleAssistant:
			lines = append(lines, "Assistant: "+historyResponse(t.Content))
		}
	}
	return strings.Join(lines, "\n")
}

// historyResponse unwraps the stored {"response": ...} payload of a
// completed assistant task.
func historyResponse(content string) string {
	var payload map[string]any
	if err := json.Unmarshal([]byte(content), &payload); err == nil {
		if s, ok := payload["response"].(string); ok {
			return s
		}
	}
	return content
}

// cancelCheck returns the cancellation callback for one execution. The
// broker is polled at most once per configured interval; a cancelled
// observation is sticky.
func (w *Worker) cancelCheck(pid, aid, taskID string) graph.CancelCheck {
	var mu sync.Mutex
	var last time.Time
	var cancelled bool

	return func(ctx context.Context) bool {
		mu.Lock()
		defer mu.Unlock()

		if cancelled {
			return true
		}
		if !last.IsZero() && time.Since(last) < w.cfg.CancelPollInterval {
			return false
		}
		last = time.Now()

		st, err := w.broker.GetTaskStatus(ctx, pid, aid, taskID)
		if err != nil {
			slog.Debug("Cancellation poll failed", "task_id", taskID, "error", err)
			return false
		}
		cancelled = st == task.StatusCancelled
		return cancelled
	}
}

// finalResponse extracts the response text from the accumulated node
// state. Generation wins over answer; node values may be plain strings
// or state-delta maps.
func finalResponse(state map[string]any) string {
	for _, node := range []string{graph.NodeGeneration, graph.NodeAnswer} {
		v, ok := state[node]
		if !ok {
			continue
		}
		if s := coerceResponse(v); s != "" {
			return s
		}
	}
	return ""
}

func coerceResponse(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		for _, key := range []string{"generation", "response", "answer"} {
			if s, ok := t[key].(string); ok {
				return s
			}
		}
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
}

// indicatesCancellation checks the final payload for the canonical
// cancellation marker.
func indicatesCancellation(state map[string]any, response string) bool {
	if response == cancelledResponse {
		return true
	}
	for _, v := range state {
		if m, ok := v.(map[string]any); ok {
			if flag, ok := m["cancelled"].(bool); ok && flag {
				return true
			}
		}
	}
	return false
}

func errorMessage(errValue any) string {
	if m, ok := errValue.(map[string]any); ok {
		if s, ok := m["error"].(string); ok {
			return s
		}
	}
	if s, ok := errValue.(string); ok {
		return s
	}
	return fmt.Sprint(errValue)
}

func statusContent(label string) string {
	return mustJSON(map[string]any{"status": label})
}

func mustJSON(v map[string]any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"response":"Failed to generate response","error":true}`
	}
	return string(data)
}
