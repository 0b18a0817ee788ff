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
	"sync"

	"github.com/kadirpekel/agentq/pkg/model"
)

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*model.Project
	agents   map[string]*model.Agent
	sources  map[string]*model.DataSource
}

// NewInMemoryStore creates a new in-memory registry store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		projects: make(map[string]*model.Project),
		agents:   make(map[string]*model.Agent),
		sources:  make(map[string]*model.DataSource),
	}
}

func (s *InMemoryStore) CreateProject(_ context.Context, p *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return ErrConflict
	}
	s.projects[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetProject(_ context.Context, id string) (*model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) ListProjects(_ context.Context) ([]*model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	return out, nil
}

func (s *InMemoryStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return ErrNotFound
	}
	delete(s.projects, id)
	for aid, a := range s.agents {
		if a.ProjectID == id {
			delete(s.agents, aid)
		}
	}
	for sid, src := range s.sources {
		if src.ProjectID == id {
			delete(s.sources, sid)
		}
	}
	return nil
}

func (s *InMemoryStore) CreateAgent(_ context.Context, a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return ErrConflict
	}
	s.agents[a.ID] = a
	return nil
}

func (s *InMemoryStore) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *InMemoryStore) ListAgents(_ context.Context, projectID string) ([]*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Agent
	for _, a := range s.agents {
		if a.ProjectID == projectID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpdateAgent(_ context.Context, a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return ErrNotFound
	}
	s.agents[a.ID] = a
	return nil
}

func (s *InMemoryStore) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

func (s *InMemoryStore) CreateDataSource(_ context.Context, ds *model.DataSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[ds.ID]; ok {
		return ErrConflict
	}
	s.sources[ds.ID] = ds
	return nil
}

func (s *InMemoryStore) GetDataSource(_ context.Context, id string) (*model.DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ds, nil
}

func (s *InMemoryStore) ListDataSources(_ context.Context, projectID string) ([]*model.DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.DataSource
	for _, ds := range s.sources {
		if ds.ProjectID == projectID {
			out = append(out, ds)
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpdateDataSource(_ context.Context, ds *model.DataSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[ds.ID]; !ok {
		return ErrNotFound
	}
	s.sources[ds.ID] = ds
	return nil
}

func (s *InMemoryStore) DeleteDataSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return ErrNotFound
	}
	delete(s.sources, id)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

// Ensure InMemoryStore implements Store
var _ Store = (*InMemoryStore)(nil)
