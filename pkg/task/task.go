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

// Package task provides the task lifecycle for the platform.
//
// Every submission creates a pair of records sharing a thread: a user task
// holding the prompt, and an assistant task tracking the execution. This
// package implements:
//   - The task state machine (queued → processing → completed/failed/cancelled)
//   - Pair creation and status reporting
//   - Pluggable persistence (in-memory and SQL)
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a task.
type Status string

const (
	// StatusQueued means the task has been accepted but not picked up.
	StatusQueued Status = "queued"

	// StatusProcessing means a worker is executing the task.
	StatusProcessing Status = "processing"

	// StatusCompleted means the task finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed means the task failed with an error.
	StatusFailed Status = "failed"

	// StatusCancelled means the task was cancelled.
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns whether this status is terminal (no more transitions).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidateTransition validates a status transition.
//
// Rules:
//   - Same status is always valid (idempotent updates)
//   - Terminal statuses are immutable
//   - QUEUED can move to any other status (user tasks complete directly,
//     assistant tasks may fail or be cancelled before pickup)
//   - PROCESSING can move to any terminal status
func ValidateTransition(current, next Status) error {
	if current == next {
		return nil
	}

	if !next.IsValid() {
		return &TaskError{Code: "invalid_transition", Message: fmt.Sprintf("unknown status: %s", next)}
	}

	if current.IsTerminal() {
		return &TaskError{Code: "task_terminal", Message: fmt.Sprintf("cannot transition from terminal status %s to %s", current, next)}
	}

	switch current {
	case StatusQueued:
		// Any non-queued status is reachable from queued.
		return nil

	case StatusProcessing:
		if !next.IsTerminal() {
			return &TaskError{Code: "invalid_transition", Message: fmt.Sprintf("invalid transition from %s to %s", current, next)}
		}
		return nil

	default:
		return &TaskError{Code: "invalid_transition", Message: fmt.Sprintf("unknown current status: %s", current)}
	}
}

// Role distinguishes the two records of a pair.
type Role string

const (
	// RoleUser is the prompt side of a pair.
	RoleUser Role = "user"

	// RoleAssistant is the execution side of a pair.
	RoleAssistant Role = "assistant"
)

// ExecError captures why an assistant task failed.
type ExecError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ExecError) Error() string {
	return e.Message
}

// Task is one record of a submission pair.
type Task struct {
	ID string `json:"id"`

	// ThreadID groups the tasks of one conversation.
	ThreadID string `json:"thread_id"`

	// PairID links the two records of a submission. For a user task it is
	// the assistant task's ID, and vice versa.
	PairID string `json:"pair_id,omitempty"`

	ProjectID string `json:"project_id"`
	AgentID   string `json:"agent_id"`

	Role   Role   `json:"role"`
	Status Status `json:"status"`

	// Content is the prompt (user) or the accumulated response (assistant).
	Content string `json:"content,omitempty"`

	// Error is set when the task ends FAILED.
	Error *ExecError `json:"error,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPair creates the user/assistant records for a submission. The user task
// starts QUEUED and is completed by the broker once the pair is durably
// stored; the assistant task stays QUEUED until a worker picks it up.
func NewPair(threadID, projectID, agentID, content string, metadata map[string]any) (user, assistant *Task) {
	now := time.Now().UTC()
	if threadID == "" {
		threadID = uuid.New().String()
	}

	user = &Task{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		ProjectID: projectID,
		AgentID:   agentID,
		Role:      RoleUser,
		Status:    StatusQueued,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	assistant = &Task{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		ProjectID: projectID,
		AgentID:   agentID,
		Role:      RoleAssistant,
		Status:    StatusQueued,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	user.PairID = assistant.ID
	assistant.PairID = user.ID
	return user, assistant
}

// Errors
var (
	ErrTaskNotFound = &TaskError{Code: "task_not_found", Message: "task not found"}
	ErrTaskTerminal = &TaskError{Code: "task_terminal", Message: "task is in terminal state"}
)

// TaskError is a task-related error.
type TaskError struct {
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	return e.Message
}
