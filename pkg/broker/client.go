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

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kadirpekel/agentq/pkg/httpclient"
	"github.com/kadirpekel/agentq/pkg/model"
	"github.com/kadirpekel/agentq/pkg/task"
	"github.com/kadirpekel/agentq/pkg/toolset"
)

// Client is the worker-side HTTP client for the broker. Transient broker
// failures are retried with backoff; task updates are idempotent so a
// retried write is safe.
type Client struct {
	baseURL string
	http    *httpclient.Client
}

// NewClient creates a broker client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(time.Second),
		),
	}
}

// GetAgent fetches the agent's execution profile.
func (c *Client) GetAgent(ctx context.Context, projectID, agentID string) (*model.Agent, error) {
	var agent model.Agent
	err := c.do(ctx, http.MethodGet, c.agentPath(projectID, agentID, ""), nil, &agent)
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetTask fetches one task record.
func (c *Client) GetTask(ctx context.Context, projectID, agentID, taskID string) (*task.Task, error) {
	var t task.Task
	err := c.do(ctx, http.MethodGet, c.agentPath(projectID, agentID, "/tasks/"+taskID), nil, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTaskStatus is the cheap status read used for cancellation polling.
func (c *Client) GetTaskStatus(ctx context.Context, projectID, agentID, taskID string) (task.Status, error) {
	t, err := c.GetTask(ctx, projectID, agentID, taskID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// UpdateTask applies a status and/or content change.
func (c *Client) UpdateTask(ctx context.Context, projectID, agentID, taskID string, status *task.Status, content *string) (*task.Task, error) {
	body := map[string]any{}
	if status != nil {
		body["status"] = *status
	}
	if content != nil {
		body["content"] = *content
	}

	var t task.Task
	err := c.do(ctx, http.MethodPut, c.agentPath(projectID, agentID, "/tasks/"+taskID), body, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListAgentTasks returns bounded task history, newest first by default.
func (c *Client) ListAgentTasks(ctx context.Context, projectID, agentID string, opts task.ListOptions) ([]*task.Task, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.SortAsc {
		q.Set("sort_order", "asc")
	}
	path := c.agentPath(projectID, agentID, "/tasks")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Tasks []*task.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// ListDataSources returns the project's data sources. Satisfies
// toolset.DataSourceLister.
func (c *Client) ListDataSources(ctx context.Context, projectID string) ([]*model.DataSource, error) {
	var resp struct {
		DataSources []*model.DataSource `json:"data_sources"`
	}
	err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/data-sources", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.DataSources, nil
}

// GetAgentEnv returns the resolved env map for an agent, credentials and
// system key included. An override project resolves credentials from that
// project's data sources instead.
func (c *Client) GetAgentEnv(ctx context.Context, projectID, agentID, overrideProjectID string) (map[string]string, error) {
	path := c.agentPath(projectID, agentID, "/env-variables")
	if overrideProjectID != "" {
		path += "?override_project_id=" + url.QueryEscape(overrideProjectID)
	}

	var resp struct {
		EnvVariables map[string]string `json:"env_variables"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.EnvVariables, nil
}

// GetAgentTools returns the aggregated tool config and catalog.
func (c *Client) GetAgentTools(ctx context.Context, projectID, agentID, overrideProjectID string) (*toolset.ToolConfig, []toolset.Tool, error) {
	path := c.agentPath(projectID, agentID, "/tools")
	if overrideProjectID != "" {
		path += "?override_project_id=" + url.QueryEscape(overrideProjectID)
	}

	var resp struct {
		ToolConfig *toolset.ToolConfig `json:"tool_config"`
		Tools      []toolset.Tool      `json:"tools"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, nil, err
	}
	return resp.ToolConfig, resp.Tools, nil
}

func (c *Client) agentPath(projectID, agentID, suffix string) string {
	return "/projects/" + projectID + "/agents/" + agentID + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("broker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return task.ErrTaskNotFound
	}
	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Code != "" {
			return &task.TaskError{Code: apiErr.Code, Message: apiErr.Message}
		}
		return fmt.Errorf("broker returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode broker response: %w", err)
	}
	return nil
}
