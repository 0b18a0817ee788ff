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

// Package metrics exposes Prometheus instrumentation for the broker HTTP
// surface and the worker dispatch loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector of one process.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	TasksProcessed *prometheus.CounterVec
	TaskDuration   prometheus.Histogram
	StaleMessages  prometheus.Counter
	Requeues       prometheus.Counter
}

// New creates a Metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentq_http_requests_total",
			Help: "HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentq_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		TasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentq_worker_tasks_total",
			Help: "Dispatched tasks by terminal outcome.",
		}, []string{"outcome"}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentq_worker_task_duration_seconds",
			Help:    "Wall-clock duration of one task dispatch.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		StaleMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentq_worker_stale_messages_total",
			Help: "Messages rejected for exceeding the max in-queue age.",
		}),
		Requeues: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentq_worker_requeues_total",
			Help: "Messages negatively acknowledged for redelivery.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequests, m.HTTPDuration,
		m.TasksProcessed, m.TaskDuration,
		m.StaleMessages, m.Requeues,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
