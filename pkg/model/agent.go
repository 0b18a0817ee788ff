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

package model

import (
	"fmt"
	"time"
)

// AgentToolType selects how an agent-scoped tool server is reached.
type AgentToolType string

const (
	AgentToolStdio AgentToolType = "stdio"
	AgentToolHTTP  AgentToolType = "http"
)

// AgentTool declares an extra tool server attached to a single agent,
// beyond the project-scoped and external servers every execution sees.
type AgentTool struct {
	Name    string        `json:"name"`
	Type    AgentToolType `json:"type"`
	URL     string        `json:"url,omitempty"`
	Command string        `json:"command,omitempty"`
	Args    []string      `json:"args,omitempty"`
	Env     []string      `json:"env,omitempty"`
}

// Validate checks that the tool declaration is reachable.
func (t *AgentTool) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("agent tool: name is required")
	}
	switch t.Type {
	case AgentToolStdio:
		if t.Command == "" {
			return fmt.Errorf("agent tool %s: command is required for stdio", t.Name)
		}
	case AgentToolHTTP:
		if t.URL == "" {
			return fmt.Errorf("agent tool %s: url is required for http", t.Name)
		}
	default:
		return fmt.Errorf("agent tool %s: unknown type %q", t.Name, t.Type)
	}
	return nil
}

// OutputFormat shapes the final response of an execution.
type OutputFormat string

const (
	OutputText     OutputFormat = "text"
	OutputJSON     OutputFormat = "json"
	OutputMarkdown OutputFormat = "markdown"
)

// Agent is a named execution profile within a project. The prompt and tool
// attachments here configure the workflow graph a worker runs for each task.
type Agent struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"project_id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	OutputFormat OutputFormat      `json:"output_format,omitempty"`
	Model        string            `json:"model,omitempty"`
	Tools        []AgentTool       `json:"tools,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Validate checks required fields and every tool attachment.
func (a *Agent) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("agent: name is required")
	}
	if a.ProjectID == "" {
		return fmt.Errorf("agent %s: project_id is required", a.Name)
	}
	switch a.OutputFormat {
	case "", OutputText, OutputJSON, OutputMarkdown:
	default:
		return fmt.Errorf("agent %s: unknown output_format %q", a.Name, a.OutputFormat)
	}
	for i := range a.Tools {
		if err := a.Tools[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
