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

// Package broker accepts messages, persists task pairs, enqueues work
// items, and answers status polls from clients and workers.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/agentq/pkg/artifacts"
	"github.com/kadirpekel/agentq/pkg/queue"
	"github.com/kadirpekel/agentq/pkg/registry"
	"github.com/kadirpekel/agentq/pkg/task"
)

// Publisher enqueues work items. Satisfied by queue.Publisher.
type Publisher interface {
	Publish(ctx context.Context, item *queue.WorkItem) error
}

// Service implements the broker operations over a task store, a
// configuration registry, and a work queue.
type Service struct {
	tasks    task.Store
	entities registry.Store
	pub      Publisher
}

// NewService creates a broker service.
func NewService(tasks task.Store, entities registry.Store, pub Publisher) *Service {
	return &Service{
		tasks:    tasks,
		entities: entities,
		pub:      pub,
	}
}

// CreateMessage accepts a user message for an agent: it persists the task
// pair and enqueues a work item referencing the assistant task.
//
// The user task is stored COMPLETED up front; the user's message is
// immediately "done" from the client's point of view. If the publish fails
// the assistant task is marked FAILED before returning, so no record is
// ever left QUEUED without a message behind it.
func (s *Service) CreateMessage(ctx context.Context, projectID, agentID, content string, metadata map[string]any) (*task.Task, *task.Task, error) {
	agent, err := s.entities.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if agent.ProjectID != projectID {
		return nil, nil, registry.ErrNotFound
	}

	threadID, _ := metadata["thread_id"].(string)
	user, assistant := task.NewPair(threadID, projectID, agentID, content, metadata)
	user.Status = task.StatusCompleted

	if err := s.tasks.CreatePair(ctx, user, assistant); err != nil {
		return nil, nil, fmt.Errorf("failed to store task pair: %w", err)
	}

	item := &queue.WorkItem{
		TaskID:          user.ID,
		AssistantTaskID: assistant.ID,
		ProjectID:       projectID,
		AgentID:         agentID,
		Content:         content,
		Metadata:        workItemMetadata(user.ThreadID, metadata),
	}

	if err := s.pub.Publish(ctx, item); err != nil {
		slog.Error("Failed to enqueue work item",
			"assistant_task_id", assistant.ID, "error", err)
		// Terminal failures carry the standard JSON payload so clients can
		// always parse content.
		msg := `{"response":"could not enqueue task for processing","error":true}`
		failed, updErr := s.tasks.Update(ctx, assistant.ID, task.StatusUpdate{
			Status:  task.StatusFailed,
			Content: &msg,
			Error:   &task.ExecError{Code: "enqueue_failed", Message: err.Error()},
		})
		if updErr != nil {
			return nil, nil, fmt.Errorf("failed to enqueue and could not mark task failed: %w", err)
		}
		return user, failed, nil
	}

	slog.Info("Message accepted",
		"project_id", projectID, "agent_id", agentID,
		"task_id", user.ID, "assistant_task_id", assistant.ID)
	return user, assistant, nil
}

func workItemMetadata(threadID string, metadata map[string]any) queue.WorkItemMetadata {
	md := queue.WorkItemMetadata{ThreadID: threadID, Stream: true}
	if metadata == nil {
		return md
	}
	if v, ok := metadata["checkpoint_ns"].(string); ok {
		md.CheckpointNS = v
	}
	if v, ok := metadata["checkpoint_id"].(string); ok {
		md.CheckpointID = v
	}
	if v, ok := metadata["stream"].(bool); ok {
		md.Stream = v
	}
	if v, ok := metadata["override_project_id"].(string); ok {
		md.OverrideProjectID = v
	}
	return md
}

// UpdateTask applies a status and/or content change to a task.
//
// A COMPLETED write against a task already CANCELLED is not an error: the
// cancellation won, and the current record is returned unchanged. Every
// other invalid transition is rejected.
func (s *Service) UpdateTask(ctx context.Context, projectID, agentID, taskID string, status *task.Status, content *string) (*task.Task, error) {
	current, err := s.getScoped(ctx, projectID, agentID, taskID)
	if err != nil {
		return nil, err
	}

	next := current.Status
	if status != nil {
		next = *status
	}

	updated, err := s.tasks.Update(ctx, taskID, task.StatusUpdate{
		Status:  next,
		Content: content,
	})
	if err == nil {
		return updated, nil
	}

	// Re-read: a concurrent cancellation may have landed between the scoped
	// read and the write.
	fresh, getErr := s.tasks.Get(ctx, taskID)
	if getErr == nil && fresh.Status == task.StatusCancelled && next == task.StatusCompleted {
		slog.Debug("Dropping completion for cancelled task", "task_id", taskID)
		return fresh, nil
	}
	return nil, err
}

// GetTask retrieves a task scoped to its project and agent.
func (s *Service) GetTask(ctx context.Context, projectID, agentID, taskID string) (*task.Task, error) {
	return s.getScoped(ctx, projectID, agentID, taskID)
}

// GetTaskStatus is the cheap read used for cancellation polling.
func (s *Service) GetTaskStatus(ctx context.Context, projectID, agentID, taskID string) (task.Status, error) {
	t, err := s.getScoped(ctx, projectID, agentID, taskID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// ListAgentTasks returns bounded task history for an agent.
func (s *Service) ListAgentTasks(ctx context.Context, projectID, agentID string, opts task.ListOptions) ([]*task.Task, error) {
	return s.tasks.ListByAgent(ctx, projectID, agentID, opts)
}

// CancelTask moves a task to CANCELLED. Tasks already COMPLETED or FAILED
// are left alone and returned as-is; cancelling a cancelled task is a no-op.
func (s *Service) CancelTask(ctx context.Context, projectID, agentID, taskID string) (*task.Task, error) {
	current, err := s.getScoped(ctx, projectID, agentID, taskID)
	if err != nil {
		return nil, err
	}

	switch current.Status {
	case task.StatusCompleted, task.StatusFailed:
		return current, nil
	case task.StatusCancelled:
		return current, nil
	}

	cancelled, err := s.tasks.Update(ctx, taskID, task.StatusUpdate{Status: task.StatusCancelled})
	if err != nil {
		// Raced with a terminal write; the fresh record is the answer.
		if fresh, getErr := s.tasks.Get(ctx, taskID); getErr == nil && fresh.Status.IsTerminal() {
			return fresh, nil
		}
		return nil, err
	}

	slog.Info("Task cancelled", "task_id", taskID, "project_id", projectID)
	return cancelled, nil
}

// ListStuckTasks returns PROCESSING tasks untouched for longer than
// olderThan. Exposed so an external reaper can sweep orphans left behind
// by workers that crashed after the early ack.
func (s *Service) ListStuckTasks(ctx context.Context, olderThan time.Duration) ([]*task.Task, error) {
	return s.tasks.ListStuck(ctx, olderThan)
}

// ResolveAgentEnv returns the agent's env map with project credentials and
// the system Anthropic key injected. The agent is scoped to its own
// project; credentials come from the override project when one is given,
// mirroring the tool scoping.
func (s *Service) ResolveAgentEnv(ctx context.Context, projectID, agentID, overrideProjectID string) (map[string]string, error) {
	agent, err := s.entities.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if agent.ProjectID != projectID {
		return nil, registry.ErrNotFound
	}

	credProject := projectID
	if overrideProjectID != "" {
		credProject = overrideProjectID
	}
	sources, err := s.entities.ListDataSources(ctx, credProject)
	if err != nil {
		return nil, fmt.Errorf("failed to list data sources: %w", err)
	}
	return artifacts.ResolveEnv(credProject, sources, agent.Env), nil
}

func (s *Service) getScoped(ctx context.Context, projectID, agentID, taskID string) (*task.Task, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.ProjectID != projectID || t.AgentID != agentID {
		return nil, task.ErrTaskNotFound
	}
	return t, nil
}
