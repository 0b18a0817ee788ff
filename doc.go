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

// Package agentq is an agentic task execution platform.
//
// agentq accepts natural-language queries targeted at user-configured
// agents, routes them through a durable JetStream work queue to a pool of
// inference workers, and drives each query through an LLM-orchestrated
// workflow that plans, calls external tools over MCP, streams incremental
// state back into the originating task record, and tolerates cancellation,
// worker crashes, and transient failures.
//
// Both processes are started from one binary:
//
//	agentq serve   # task broker: HTTP API, SQL stores, queue publisher
//	agentq worker  # inference worker: queue consumer, reasoning graph
//
// The building blocks live under pkg/:
//
//   - broker:    HTTP API, task pair lifecycle, work item publication
//   - queue:     JetStream work queue (publisher and consumer)
//   - task:      task records, status machine, SQL and in-memory stores
//   - registry:  projects, agents, and data sources
//   - toolset:   tool server aggregation and MCP invocation
//   - artifacts: S3 project artifacts, workspace sync, credentials
//   - graph:     streaming reasoning graph contract and Anthropic runtime
//   - worker:    dispatch loop, streaming updates, terminal classification
package agentq
