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

// Package toolset aggregates tool catalogs from project-scoped, external,
// and agent-scoped tool servers into a single ToolConfig per execution.
//
// Aggregation is best-effort: servers that time out or error contribute
// zero tools and are logged, never failed on. An entirely empty catalog is
// a warning, not an error.
package toolset

import "maps"

// schemaDraftTag is stamped on every normalized parameter schema.
const schemaDraftTag = "http://json-schema.org/draft-07/schema#"

// Tool is one entry of an aggregated catalog. Catalogs are assembled per
// execution and never persisted.
type Tool struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	ParametersSchema map[string]any `json:"parameters_schema"`
	ProviderTag      string         `json:"provider_tag"`
}

// Server is one tool server entry of a ToolConfig.
type Server struct {
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Transport string            `json:"transport,omitempty"`
}

// ToolConfig is what the reasoning graph consumes: every reachable tool
// server, keyed by name. Servers with no tools are still listed so the
// graph can discover capabilities lazily.
type ToolConfig struct {
	Servers map[string]Server `json:"servers"`
}

// NormalizeSchema returns a copy of schema with closed-world semantics and
// a JSON-schema draft tag. A nil or empty schema becomes an empty object
// schema, which tool servers are allowed to omit.
func NormalizeSchema(schema map[string]any) map[string]any {
	out := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   []any{},
	}
	if len(schema) > 0 {
		out = make(map[string]any, len(schema)+2)
		maps.Copy(out, schema)
	}
	out["additionalProperties"] = false
	out["$schema"] = schemaDraftTag
	return out
}
