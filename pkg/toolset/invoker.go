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

package toolset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/agentq"
	"github.com/kadirpekel/agentq/pkg/httpclient"
	"github.com/kadirpekel/agentq/pkg/model"
)

const mcpProtocolVersion = "2024-11-05"

// Invoker executes tools against the servers of a ToolConfig, speaking
// MCP over HTTP, plus stdio subprocesses for agent-attached tools.
//
// Stdio connections are established lazily and reused; Close shuts them
// down.
type Invoker struct {
	cfg  *ToolConfig
	http *httpclient.Client

	mu    sync.Mutex
	stdio map[string]*client.Client
	procs []model.AgentTool
}

// NewInvoker creates an Invoker over cfg. agentTools supplies stdio
// attachments; HTTP attachments are already part of cfg.
func NewInvoker(cfg *ToolConfig, agentTools []model.AgentTool) *Invoker {
	var procs []model.AgentTool
	for _, at := range agentTools {
		if at.Type == model.AgentToolStdio {
			procs = append(procs, at)
		}
	}
	return &Invoker{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 2 * time.Minute}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(2*time.Second),
		),
		stdio: make(map[string]*client.Client),
		procs: procs,
	}
}

// Call executes toolName with args against the named server.
func (i *Invoker) Call(ctx context.Context, serverName, toolName string, args map[string]any) (string, error) {
	for _, at := range i.procs {
		if at.Name == serverName {
			return i.callStdio(ctx, at, toolName, args)
		}
	}

	server, ok := i.cfg.Servers[serverName]
	if !ok {
		return "", fmt.Errorf("unknown tool server: %s", serverName)
	}
	return i.callHTTP(ctx, server, toolName, args)
}

// CallAny tries every server until one accepts the tool. Used when the
// catalog does not record tool origins.
func (i *Invoker) CallAny(ctx context.Context, toolName string, args map[string]any) (string, error) {
	var lastErr error
	for _, at := range i.procs {
		out, err := i.callStdio(ctx, at, toolName, args)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	for name := range i.cfg.Servers {
		out, err := i.Call(ctx, name, toolName, args)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no tool servers configured")
	}
	return "", fmt.Errorf("tool %s failed on all servers: %w", toolName, lastErr)
}

// callStdio runs the tool through a lazily started subprocess client.
func (i *Invoker) callStdio(ctx context.Context, at model.AgentTool, toolName string, args map[string]any) (string, error) {
	mcpClient, err := i.stdioClient(ctx, at)
	if err != nil {
		return "", err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}
	return flattenResult(resp)
}

func (i *Invoker) stdioClient(ctx context.Context, at model.AgentTool) (*client.Client, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if c, ok := i.stdio[at.Name]; ok {
		return c, nil
	}

	mcpClient, err := client.NewStdioMCPClient(at.Command, at.Env, at.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentq", Version: agentq.Version}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}

	i.stdio[at.Name] = mcpClient
	return mcpClient, nil
}

func flattenResult(resp *mcp.CallToolResult) (string, error) {
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	if resp.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", fmt.Errorf("tool error: %s", joined)
	}
	return joined, nil
}

// JSON-RPC plumbing for HTTP servers.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (i *Invoker) callHTTP(ctx context.Context, server Server, toolName string, args map[string]any) (string, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params: map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range server.Headers {
		req.Header.Set(k, v)
	}

	resp, err := i.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("tool server returned %d: %s", resp.StatusCode, string(data))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return "", fmt.Errorf("failed to decode tool response: %w", err)
	}
	if rpcResp.Error != nil {
		return "", fmt.Errorf("tool error: %s", rpcResp.Error.Message)
	}

	return flattenRPCResult(rpcResp.Result)
}

// flattenRPCResult collects text content out of an MCP tools/call result.
func flattenRPCResult(raw json.RawMessage) (string, error) {
	var result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return string(raw), nil
	}

	var texts []string
	for _, c := range result.Content {
		if c.Type == "text" {
			texts = append(texts, c.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	if result.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", fmt.Errorf("tool error: %s", joined)
	}
	return joined, nil
}

// Close shuts down every stdio subprocess.
func (i *Invoker) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	var firstErr error
	for name, c := range i.stdio {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(i.stdio, name)
	}
	return firstErr
}
