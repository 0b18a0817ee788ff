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

// Package llmgraph runs an agent's workflow against the Anthropic API.
//
// The graph is a tool loop: it streams one assistant turn, executes any
// requested tools, feeds the results back, and repeats until the model
// produces a plain answer or the recursion limit is reached. Each phase
// surfaces as a graph.Event so the worker can publish progress.
package llmgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kadirpekel/agentq/pkg/config"
	"github.com/kadirpekel/agentq/pkg/graph"
	"github.com/kadirpekel/agentq/pkg/model"
	"github.com/kadirpekel/agentq/pkg/toolset"
)

// apiKeyVariable is the credential the graph pulls out of the resolved
// env set. Graphs never read process env.
const apiKeyVariable = "ANTHROPIC_API_KEY"

// ToolCaller executes a named tool. Satisfied by toolset.Invoker.
type ToolCaller interface {
	CallAny(ctx context.Context, toolName string, args map[string]any) (string, error)
}

// Options configures the model side of the graph.
type Options struct {
	Model config.ModelConfig

	// BaseURL overrides the Anthropic endpoint. Used by tests.
	BaseURL string
}

// Graph implements graph.Graph on the Anthropic Messages API with
// streaming and tool use.
type Graph struct {
	agent   *model.Agent
	catalog []toolset.Tool
	tools   ToolCaller
	opts    Options
}

// New creates a graph for one execution. catalog and tools may be empty
// for agents without tool servers.
func New(agent *model.Agent, catalog []toolset.Tool, tools ToolCaller, opts Options) *Graph {
	return &Graph{agent: agent, catalog: catalog, tools: tools, opts: opts}
}

// Stream starts the workflow and returns its event channel. It errors
// only when the invocation cannot start; runtime failures surface as
// NodeError events.
func (g *Graph) Stream(ctx context.Context, in graph.Inputs, cfg graph.Config) (<-chan graph.Event, error) {
	apiKey := cfg.EnvVariables[apiKeyVariable]
	if apiKey == "" {
		apiKey = g.opts.Model.APIKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no Anthropic API key in execution env")
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if g.opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(g.opts.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)

	tools, err := g.convertTools()
	if err != nil {
		return nil, err
	}

	events := make(chan graph.Event, 8)
	go g.run(ctx, client, tools, in, cfg, events)
	return events, nil
}

func (g *Graph) run(ctx context.Context, client anthropic.Client, tools []anthropic.ToolUnionParam, in graph.Inputs, cfg graph.Config, events chan<- graph.Event) {
	defer close(events)

	if g.cancelled(ctx, cfg) {
		return
	}

	events <- graph.Event{Node: graph.NodeQuestion, Value: map[string]any{"question": in.Question}}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(in.Question)),
	}

	limit := cfg.RecursionLimit
	if limit <= 0 {
		limit = 25
	}

	for i := 0; i < limit; i++ {
		if g.cancelled(ctx, cfg) {
			return
		}

		text, toolCalls, err := g.streamTurn(ctx, client, tools, in, messages)
		if err != nil {
			events <- graph.Event{Node: graph.NodeError, Value: map[string]any{"error": err.Error()}}
			return
		}

		if len(toolCalls) == 0 {
			events <- graph.Event{Node: graph.NodeGeneration, Value: map[string]any{"generation": text}}
			return
		}

		// The model asked for tools. Record its turn verbatim, run the
		// tools, and hand the results back as the next user turn.
		var assistantBlocks []anthropic.ContentBlockParamUnion
		if text != "" {
			assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(text))
		}
		var resultBlocks []anthropic.ContentBlockParamUnion
		names := make([]string, 0, len(toolCalls))

		for _, call := range toolCalls {
			names = append(names, call.name)
			assistantBlocks = append(assistantBlocks, anthropic.NewToolUseBlock(call.id, call.args, call.name))

			if g.cancelled(ctx, cfg) {
				return
			}
			out, callErr := g.callTool(ctx, call)
			isError := callErr != nil
			if isError {
				out = callErr.Error()
			}
			resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(call.id, out, isError))
		}

		events <- graph.Event{Node: graph.NodeRelatedContext, Value: map[string]any{"tools": names}}

		messages = append(messages,
			anthropic.NewAssistantMessage(assistantBlocks...),
			anthropic.NewUserMessage(resultBlocks...),
		)
	}

	events <- graph.Event{Node: graph.NodeError, Value: map[string]any{
		"error": fmt.Sprintf("recursion limit of %d reached without a final answer", limit),
	}}
}

// toolCall is one tool request assembled from streamed events.
type toolCall struct {
	id   string
	name string
	args map[string]any
}

// streamTurn runs one assistant turn and collects its text and tool
// requests. Tool input arrives as partial JSON deltas that are joined
// before decoding.
func (g *Graph) streamTurn(ctx context.Context, client anthropic.Client, tools []anthropic.ToolUnionParam, in graph.Inputs, messages []anthropic.MessageParam) (string, []toolCall, error) {
	modelName := g.agent.Model
	if modelName == "" {
		modelName = g.opts.Model.Name
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelName),
		Messages:  messages,
		MaxTokens: int64(g.opts.Model.MaxTokens),
	}
	if system := g.systemPrompt(in); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	stream := client.Messages.NewStreaming(ctx, params)

	var text strings.Builder
	var calls []toolCall
	var current *toolCall
	var currentInput strings.Builder

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				current = &toolCall{id: use.ID, name: use.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				text.WriteString(delta.Text)
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current != nil {
				args := map[string]any{}
				if raw := currentInput.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						return "", nil, fmt.Errorf("invalid tool input for %s: %w", current.name, err)
					}
				}
				current.args = args
				calls = append(calls, *current)
				current = nil
			}

		case "message_stop":
			return text.String(), calls, nil

		case "error":
			return "", nil, fmt.Errorf("anthropic stream error")
		}
	}

	if err := stream.Err(); err != nil {
		return "", nil, fmt.Errorf("anthropic stream failed: %w", err)
	}
	return text.String(), calls, nil
}

func (g *Graph) callTool(ctx context.Context, call toolCall) (string, error) {
	if g.tools == nil {
		return "", fmt.Errorf("no tool servers available for %s", call.name)
	}
	return g.tools.CallAny(ctx, call.name, call.args)
}

// convertTools maps the aggregated catalog onto Anthropic tool params.
// Schemas are already normalized by the aggregator.
func (g *Graph) convertTools() ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, t := range g.catalog {
		raw, err := json.Marshal(t.ParametersSchema)
		if err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", t.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for tool %s", t.Name)
		}
		if t.Description != "" {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

func (g *Graph) systemPrompt(in graph.Inputs) string {
	var parts []string
	if g.agent.Instructions != "" {
		parts = append(parts, g.agent.Instructions)
	}
	if in.ContextFlag && in.Context != "" {
		parts = append(parts, "Relevant context:\n"+in.Context)
	}
	switch model.OutputFormat(in.OutputFormat) {
	case model.OutputJSON:
		parts = append(parts, "Respond with a single valid JSON object and nothing else.")
	case model.OutputMarkdown:
		parts = append(parts, "Format your response as Markdown.")
	}
	return strings.Join(parts, "\n\n")
}

func (g *Graph) cancelled(ctx context.Context, cfg graph.Config) bool {
	if ctx.Err() != nil {
		return true
	}
	return cfg.Cancel != nil && cfg.Cancel(ctx)
}
