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

// Package registry persists the configuration entities of the platform:
// projects, agents, and data sources.
package registry

import (
	"context"

	"github.com/kadirpekel/agentq/pkg/model"
)

// Errors
var (
	ErrNotFound = &Error{Code: "not_found", Message: "entity not found"}
	ErrConflict = &Error{Code: "conflict", Message: "entity already exists"}
)

// Error is a registry-related error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Store persists configuration entities.
//
// Implementations must be safe for concurrent use.
type Store interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
	DeleteProject(ctx context.Context, id string) error

	CreateAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgents(ctx context.Context, projectID string) ([]*model.Agent, error)
	UpdateAgent(ctx context.Context, a *model.Agent) error
	DeleteAgent(ctx context.Context, id string) error

	CreateDataSource(ctx context.Context, ds *model.DataSource) error
	GetDataSource(ctx context.Context, id string) (*model.DataSource, error)
	ListDataSources(ctx context.Context, projectID string) ([]*model.DataSource, error)
	UpdateDataSource(ctx context.Context, ds *model.DataSource) error
	DeleteDataSource(ctx context.Context, id string) error

	Close() error
}
