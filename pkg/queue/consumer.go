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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kadirpekel/agentq/pkg/config"
)

// Delivery is one fetched work item plus its acknowledgement handle.
type Delivery struct {
	Item *WorkItem

	msg jetstream.Msg
}

// Ack acknowledges the delivery. Workers ack before executing so a long
// execution cannot exceed the ack window and trigger a redelivery.
func (d *Delivery) Ack() error {
	return d.msg.Ack()
}

// Nak requests redelivery.
func (d *Delivery) Nak() error {
	return d.msg.Nak()
}

// Term drops the delivery permanently (stale or poison messages).
func (d *Delivery) Term() error {
	return d.msg.Term()
}

// Handler processes one delivery. The handler owns acknowledgement.
type Handler func(ctx context.Context, d *Delivery)

// Consumer fetches work items one at a time on a durable consumer.
type Consumer struct {
	nc       *nats.Conn
	consumer jetstream.Consumer
	name     string
}

// NewConsumer connects to the queue, verifies the stream exists, and binds
// the durable consumer. MaxAckPending of 1 keeps each worker on a single
// execution at a time.
func NewConsumer(ctx context.Context, cfg *config.QueueConfig) (*Consumer, error) {
	nc, err := connect(cfg, "agentq-worker")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// Passive lookup: the stream must already exist.
	stream, err := js.Stream(ctx, cfg.Stream)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream %s not available: %w", cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: 1,
		FilterSubject: cfg.Subject,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to bind consumer %s: %w", cfg.Consumer, err)
	}

	return &Consumer{
		nc:       nc,
		consumer: consumer,
		name:     cfg.Consumer,
	}, nil
}

// Run fetches and dispatches work items until ctx is cancelled.
//
// Payloads that cannot be decoded or carry an unknown action are terminated
// so they never redeliver.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	slog.Info("Consuming work items", "consumer", c.name)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			slog.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			item, err := DecodeWorkItem(msg.Data())
			if err != nil {
				slog.Error("Dropping undecodable work item", "error", err)
				if termErr := msg.Term(); termErr != nil {
					slog.Error("Failed to terminate message", "error", termErr)
				}
				continue
			}

			if item.Action != ActionProcessTask {
				slog.Warn("Dropping work item with unknown action", "action", item.Action)
				if ackErr := msg.Ack(); ackErr != nil {
					slog.Error("Failed to ack message", "error", ackErr)
				}
				continue
			}

			handler(ctx, &Delivery{Item: item, msg: msg})
		}
	}
}

// Close drains the connection.
func (c *Consumer) Close() error {
	return c.nc.Drain()
}
