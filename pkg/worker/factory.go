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

package worker

import (
	"github.com/kadirpekel/agentq/pkg/config"
	"github.com/kadirpekel/agentq/pkg/graph"
	"github.com/kadirpekel/agentq/pkg/graph/llmgraph"
	"github.com/kadirpekel/agentq/pkg/model"
	"github.com/kadirpekel/agentq/pkg/toolset"
)

// NewGraphFactory builds Anthropic-backed reasoning graphs. Each
// execution gets its own tool invoker so stdio subprocesses die with
// the execution.
func NewGraphFactory(modelCfg config.ModelConfig) GraphFactory {
	return func(agent *model.Agent, toolCfg *toolset.ToolConfig, catalog []toolset.Tool) (graph.Graph, func() error, error) {
		if toolCfg == nil {
			toolCfg = &toolset.ToolConfig{Servers: map[string]toolset.Server{}}
		}
		invoker := toolset.NewInvoker(toolCfg, agent.Tools)
		g := llmgraph.New(agent, catalog, invoker, llmgraph.Options{Model: modelCfg})
		return g, invoker.Close, nil
	}
}
