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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/agentq/pkg/config"
	"github.com/kadirpekel/agentq/pkg/httpclient"
	"github.com/kadirpekel/agentq/pkg/model"
)

const projectIDPlaceholder = "{project_id}"

// DataSourceLister looks up a project's data sources. Satisfied by the
// registry store and by the worker's broker client.
type DataSourceLister interface {
	ListDataSources(ctx context.Context, projectID string) ([]*model.DataSource, error)
}

// listedTool is the wire shape of one tool-listing entry. Servers may omit
// parameters entirely.
type listedTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Aggregator assembles tool catalogs from every configured source.
type Aggregator struct {
	cfg     config.ToolServersConfig
	sources DataSourceLister
	client  *httpclient.Client
}

// NewAggregator creates an Aggregator over the configured tool servers.
func NewAggregator(cfg config.ToolServersConfig, sources DataSourceLister) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		sources: sources,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.ExternalTimeout}),
			httpclient.WithMaxRetries(1),
		),
	}
}

// Aggregate produces a ToolConfig and merged catalog for one execution.
//
// Project-scoped servers are listed in parallel with the project timeout.
// The external server is included only when the project holds a connected
// github credential, and gets the longer external timeout. Agent-scoped
// servers are included as-is, without a listing call.
func (a *Aggregator) Aggregate(ctx context.Context, projectID string, agent *model.Agent) (*ToolConfig, []Tool, error) {
	cfg := &ToolConfig{Servers: make(map[string]Server)}

	type listing struct {
		name   string
		server Server
		tools  []Tool
	}
	results := make(chan listing, len(a.cfg.ProjectURLs)+1)

	var wg sync.WaitGroup
	for _, tmpl := range a.cfg.ProjectURLs {
		serverURL := strings.ReplaceAll(tmpl, projectIDPlaceholder, projectID)
		if !strings.Contains(tmpl, projectIDPlaceholder) {
			serverURL = strings.TrimRight(tmpl, "/") + "/mcp/" + projectID
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := serverName(serverURL)
			tools := a.listTools(ctx, serverURL, nil, a.cfg.ProjectTimeout, name)
			results <- listing{name: name, server: Server{URL: serverURL, Transport: "http"}, tools: tools}
		}()
	}

	if a.cfg.ExternalURL != "" {
		if token := a.githubToken(ctx, projectID); token != "" {
			headers := map[string]string{"Authorization": "Bearer " + token}
			wg.Add(1)
			go func() {
				defer wg.Done()
				tools := a.listTools(ctx, a.cfg.ExternalURL, headers, a.cfg.ExternalTimeout, "external")
				results <- listing{name: "external", server: Server{URL: a.cfg.ExternalURL, Headers: headers, Transport: "http"}, tools: tools}
			}()
		} else {
			slog.Debug("Skipping external tool server: no connected github credential", "project_id", projectID)
		}
	}

	wg.Wait()
	close(results)

	var catalog []Tool
	for res := range results {
		cfg.Servers[res.name] = res.server
		catalog = append(catalog, res.tools...)
	}

	if agent != nil {
		for _, at := range agent.Tools {
			if at.Type != model.AgentToolHTTP || at.URL == "" {
				continue
			}
			cfg.Servers[at.Name] = Server{URL: at.URL, Transport: "http"}
		}
	}

	if len(catalog) == 0 {
		slog.Warn("Tool aggregation produced an empty catalog",
			"project_id", projectID, "servers", len(cfg.Servers))
	}

	return cfg, catalog, nil
}

// githubToken returns the access token of the project's connected github
// data source, or "" when none exists.
func (a *Aggregator) githubToken(ctx context.Context, projectID string) string {
	if a.sources == nil {
		return ""
	}
	sources, err := a.sources.ListDataSources(ctx, projectID)
	if err != nil {
		slog.Warn("Failed to list data sources for external tool server",
			"project_id", projectID, "error", err)
		return ""
	}
	for _, ds := range sources {
		if ds.Type != model.DataSourceGitHub || ds.Status != model.StatusConnected {
			continue
		}
		if gh, ok := ds.Config.(*model.GitHubConfig); ok && gh.AccessToken != "" {
			return gh.AccessToken
		}
	}
	return ""
}

// listTools fetches one server's catalog. Errors and timeouts log a
// warning and contribute zero tools.
func (a *Aggregator) listTools(ctx context.Context, serverURL string, headers map[string]string, timeout time.Duration, tag string) []Tool {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	listed, err := a.fetchListing(reqCtx, serverURL, headers)
	if err != nil {
		slog.Warn("Tool server unavailable", "url", serverURL, "error", err)
		return nil
	}

	tools := make([]Tool, 0, len(listed))
	for _, lt := range listed {
		if lt.Name == "" {
			continue
		}
		tools = append(tools, Tool{
			Name:             lt.Name,
			Description:      lt.Description,
			ParametersSchema: NormalizeSchema(lt.Parameters),
			ProviderTag:      tag,
		})
	}
	return tools
}

func (a *Aggregator) fetchListing(ctx context.Context, serverURL string, headers map[string]string) ([]listedTool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var listed []listedTool
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return nil, fmt.Errorf("failed to decode tool listing: %w", err)
	}
	return listed, nil
}

// serverName derives a stable map key from a server URL.
func serverName(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return serverURL
	}
	return u.Host
}
