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
	"sort"
	"sync"
	"time"
)

// StatusUpdate describes a status change. Content and Error are applied only
// when non-nil, so a bare status flip leaves the stored fields intact.
type StatusUpdate struct {
	Status  Status
	Content *string
	Error   *ExecError
}

// ListOptions narrows and orders a task listing. A zero value lists the
// newest tasks first with the default cap.
type ListOptions struct {
	Limit   int
	Status  Status // filter when non-empty
	SortAsc bool   // oldest first when set
}

// DefaultListLimit caps listings when no limit is given.
const DefaultListLimit = 50

// Store persists tasks.
//
// Update re-reads the current status before writing so a cancellation that
// landed first wins over a slower completion. Implementations must be safe
// for concurrent use.
type Store interface {
	// CreatePair stores both records of a submission. Either both records
	// are stored or neither is.
	CreatePair(ctx context.Context, user, assistant *Task) error

	// Get retrieves a task by ID.
	Get(ctx context.Context, taskID string) (*Task, error)

	// Update applies a validated status change and returns the updated task.
	Update(ctx context.Context, taskID string, upd StatusUpdate) (*Task, error)

	// ListByAgent returns tasks for an agent per opts.
	ListByAgent(ctx context.Context, projectID, agentID string, opts ListOptions) ([]*Task, error)

	// ListStuck returns PROCESSING tasks untouched for longer than olderThan.
	ListStuck(ctx context.Context, olderThan time.Duration) ([]*Task, error)

	// Close releases store resources.
	Close() error
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	tasks map[string]*Task
	mu    sync.RWMutex
}

// NewInMemoryStore creates a new in-memory task store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks: make(map[string]*Task),
	}
}

// CreatePair stores both records of a submission.
func (s *InMemoryStore) CreatePair(_ context.Context, user, assistant *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[user.ID] = cloneTask(user)
	s.tasks[assistant.ID] = cloneTask(assistant)
	return nil
}

// Get retrieves a task by ID.
func (s *InMemoryStore) Get(_ context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// Update applies a validated status change.
func (s *InMemoryStore) Update(_ context.Context, taskID string, upd StatusUpdate) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}

	if err := ValidateTransition(t.Status, upd.Status); err != nil {
		return nil, err
	}

	t.Status = upd.Status
	if upd.Content != nil {
		t.Content = *upd.Content
	}
	if upd.Error != nil {
		t.Error = upd.Error
	}
	t.UpdatedAt = time.Now().UTC()

	return cloneTask(t), nil
}

// ListByAgent returns tasks for an agent per opts.
func (s *InMemoryStore) ListByAgent(_ context.Context, projectID, agentID string, opts ListOptions) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Task
	for _, t := range s.tasks {
		if t.ProjectID != projectID || t.AgentID != agentID {
			continue
		}
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		result = append(result, cloneTask(t))
	}

	sort.Slice(result, func(i, j int) bool {
		if opts.SortAsc {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListStuck returns PROCESSING tasks untouched for longer than olderThan.
func (s *InMemoryStore) ListStuck(_ context.Context, olderThan time.Duration) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-olderThan)

	var result []*Task
	for _, t := range s.tasks {
		if t.Status == StatusProcessing && t.UpdatedAt.Before(cutoff) {
			result = append(result, cloneTask(t))
		}
	}
	return result, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func cloneTask(t *Task) *Task {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

// Ensure InMemoryStore implements Store
var _ Store = (*InMemoryStore)(nil)
