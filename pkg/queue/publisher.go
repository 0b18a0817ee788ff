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

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kadirpekel/agentq/pkg/config"
)

// connect dials NATS with the configured reconnect backoff: the delay starts
// at ReconnectWait, grows by ReconnectFactor per consecutive failure, and is
// capped at MaxReconnectWait.
func connect(cfg *config.QueueConfig, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			delay := cfg.ReconnectWait
			for i := 1; i < attempts; i++ {
				delay = time.Duration(float64(delay) * cfg.ReconnectFactor)
				if delay >= cfg.MaxReconnectWait {
					return cfg.MaxReconnectWait
				}
			}
			if delay > cfg.MaxReconnectWait {
				delay = cfg.MaxReconnectWait
			}
			return delay
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("Queue connection lost", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("Queue connection restored", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to queue at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// Publisher enqueues work items.
type Publisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
}

// NewPublisher connects to the queue and verifies the stream exists.
func NewPublisher(ctx context.Context, cfg *config.QueueConfig) (*Publisher, error) {
	nc, err := connect(cfg, "agentq-broker")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// Passive lookup: the stream must already exist.
	if _, err := js.Stream(ctx, cfg.Stream); err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream %s not available: %w", cfg.Stream, err)
	}

	return &Publisher{
		nc:      nc,
		js:      js,
		subject: cfg.Subject,
	}, nil
}

// Publish enqueues a work item. The item's timestamp is stamped here so age
// checks measure queue dwell time, not submission handling.
func (p *Publisher) Publish(ctx context.Context, item *WorkItem) error {
	if item.Action == "" {
		item.Action = ActionProcessTask
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now().UTC()
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid work item: %w", err)
	}

	data, err := item.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode work item: %w", err)
	}

	if _, err := p.js.Publish(ctx, p.subject, data); err != nil {
		return fmt.Errorf("failed to publish work item: %w", err)
	}

	slog.Debug("Published work item", "task_id", item.TaskID, "subject", p.subject)
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
