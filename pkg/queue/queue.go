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

// Package queue carries work items between the broker and workers over a
// JetStream work queue.
//
// The stream itself is provisioned out of band. Both sides look it up
// passively at startup and fail fast when it is missing, so a typo in the
// stream name surfaces immediately instead of silently creating a second
// queue.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionProcessTask is the only action currently carried on the queue.
// Unknown actions are acknowledged and dropped by consumers.
const ActionProcessTask = "process_agent_task"

// WorkItem is the wire format of one queued execution.
type WorkItem struct {
	Action string `json:"action"`

	// TaskID is the user task (the prompt record).
	TaskID string `json:"task_id"`

	// AssistantTaskID is the execution record the worker reports against.
	AssistantTaskID string `json:"assistant_task_id"`

	ProjectID string `json:"project_id"`
	AgentID   string `json:"agent_id"`

	// Content is the user prompt.
	Content string `json:"content"`

	Metadata WorkItemMetadata `json:"metadata"`

	// Timestamp is when the broker enqueued the item. Workers drop items
	// older than their configured maximum age without executing them.
	Timestamp time.Time `json:"timestamp"`
}

// WorkItemMetadata carries execution hints from submission to worker.
type WorkItemMetadata struct {
	ThreadID     string `json:"thread_id,omitempty"`
	CheckpointNS string `json:"checkpoint_ns,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`

	// Stream requests incremental output.
	Stream bool `json:"stream,omitempty"`

	// OverrideProjectID executes against another project's tools and
	// workspace while reporting status under the original project.
	OverrideProjectID string `json:"override_project_id,omitempty"`
}

// ExecutionProjectID returns the project whose tools and workspace the
// execution uses.
func (w *WorkItem) ExecutionProjectID() string {
	if w.Metadata.OverrideProjectID != "" {
		return w.Metadata.OverrideProjectID
	}
	return w.ProjectID
}

// Age returns how long the item has been queued.
func (w *WorkItem) Age(now time.Time) time.Duration {
	return now.Sub(w.Timestamp)
}

// Validate checks required fields before publish or dispatch.
func (w *WorkItem) Validate() error {
	if w.Action == "" {
		return fmt.Errorf("action is required")
	}
	if w.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if w.AssistantTaskID == "" {
		return fmt.Errorf("assistant_task_id is required")
	}
	if w.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if w.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	return nil
}

// Encode serializes the item for the wire.
func (w *WorkItem) Encode() ([]byte, error) {
	return json.Marshal(w)
}

// DecodeWorkItem parses a wire payload.
func DecodeWorkItem(data []byte) (*WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to decode work item: %w", err)
	}
	return &item, nil
}
