package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/txflow/pkg/api"
)

// RedisBus republishes events on Redis pub/sub channels
// <prefix>events:<workflowID>, so any replica can serve a subscription no
// matter which one ran the transaction.
type RedisBus struct {
	client         *redis.Client
	prefix         string
	logger         *slog.Logger
	bufferSize     int
	publishTimeout time.Duration
}

// NewRedisBus creates a bus. prefix defaults to "txflow:".
func NewRedisBus(client *redis.Client, prefix string, logger *slog.Logger) *RedisBus {
	if prefix == "" {
		prefix = "txflow:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client:         client,
		prefix:         prefix,
		logger:         logger.With("component", "txflow.eventbus"),
		bufferSize:     DefaultBufferSize,
		publishTimeout: time.Second,
	}
}

// Channel returns the pub/sub channel of workflowID.
func (b *RedisBus) Channel(workflowID string) string {
	return b.prefix + "events:" + workflowID
}

// Publish broadcasts ev to the channel of its workflow.
func (b *RedisBus) Publish(ctx context.Context, ev api.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: encode event: %w", err)
	}
	return b.client.Publish(ctx, b.Channel(ev.WorkflowID), payload).Err()
}

// Attach publishes every event of orch until the returned function is
// called. Publish failures are logged, never returned to the engine.
func (b *RedisBus) Attach(orch api.Orchestrator) (detach func()) {
	return orch.Subscribe("", func(ctx context.Context, ev api.Event) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.publishTimeout)
		defer cancel()
		if err := b.Publish(ctx, ev); err != nil {
			b.logger.Warn("publish_failed",
				slog.String("workflow_id", ev.WorkflowID),
				slog.String("transaction_id", ev.TransactionID),
				slog.Any("error", err),
			)
		}
	})
}

// Subscribe streams the events published for workflowID, or for every
// workflow when it is empty. The subscription is active when Subscribe
// returns.
func (b *RedisBus) Subscribe(ctx context.Context, workflowID string) (<-chan api.Event, error) {
	var pubsub *redis.PubSub
	if workflowID == "" {
		pubsub = b.client.PSubscribe(ctx, b.Channel("*"))
	} else {
		pubsub = b.client.Subscribe(ctx, b.Channel(workflowID))
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("eventbus: subscribe: %w", err)
	}

	sink := newSink(b.bufferSize)
	msgs := pubsub.Channel()
	go func() {
		defer sink.close()
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev api.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("decode_failed", slog.String("channel", msg.Channel), slog.Any("error", err))
					continue
				}
				if !sink.send(ev) {
					b.logger.Debug("event_dropped", slog.String("transaction_id", ev.TransactionID))
				}
			}
		}
	}()
	return sink.ch, nil
}
