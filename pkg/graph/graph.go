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

// Package graph defines the streaming contract between the worker and a
// reasoning graph. A graph consumes a question plus execution config and
// emits one Event per node as it progresses; the worker turns those
// events into task content updates.
package graph

import "context"

// Node names emitted by reasoning graphs. Unknown names are legal; the
// worker stores them in history and falls back to a generic display label.
const (
	NodeQuestion       = "question"
	NodeBreakdown      = "breakdown"
	NodeDataSummary    = "data_summary"
	NodeDocuments      = "documents"
	NodeRelatedContext = "related_context"
	NodeGeneration     = "generation"
	NodeError          = "error"
	NodeAnswer         = "answer"
)

// Event is one emission of a streaming graph: the node that produced it
// and its value. Values are JSON-shaped (maps, slices, strings).
type Event struct {
	Node  string
	Value any
}

// CancelCheck reports whether the task behind an invocation has been
// cancelled. Graphs call it before starting and between nodes.
type CancelCheck func(ctx context.Context) bool

// Inputs carries the question side of an invocation.
type Inputs struct {
	Question     string
	ContextFlag  bool
	Context      string
	OutputFormat string
}

// Config carries the execution side of an invocation. EnvVariables is a
// per-invocation credential set; graphs must not read process env.
type Config struct {
	RecursionLimit int

	ThreadID        string
	AssistantTaskID string
	Project         string

	EnvVariables map[string]string

	OverrideProjectID string
	CheckpointNS      string
	CheckpointID      string

	Cancel CancelCheck
}

// Graph is a streaming reasoning graph.
//
// Stream returns a channel that is closed when the graph finishes,
// errors, or observes cancellation. Failures surface as NodeError events;
// Stream itself errors only when the invocation cannot start.
type Graph interface {
	Stream(ctx context.Context, in Inputs, cfg Config) (<-chan Event, error)
}

// DisplayStatus maps a node name to the label shown to users while the
// task is processing.
func DisplayStatus(node string) string {
	switch node {
	case NodeQuestion:
		return "Understanding Question"
	case NodeBreakdown:
		return "Breaking Down the Problem"
	case NodeDataSummary:
		return "Summarizing Data"
	case NodeDocuments:
		return "Reading Documents"
	case NodeRelatedContext:
		return "Gathering Related Context"
	case NodeGeneration, NodeAnswer:
		return "Generating Response"
	default:
		return "Generating Response"
	}
}
