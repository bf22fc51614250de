// Package messaging publishes the core's domain events to Kafka and to
// any additional fan-out sinks.
package messaging

import (
	"context"

	"go.uber.org/zap"
)

// Topic names a destination stream.
type Topic string

// Topics emitted by the core.
const (
	TopicVaultEvents    Topic = "strongroom.vault.events"
	TopicRiskEvents     Topic = "strongroom.risk.events"
	TopicTransferEvents Topic = "strongroom.transfers.events"
)

// Transport streams between partitions.
const (
	TopicPartitionOutbound Topic = "strongroom.partitions.outbound"
	TopicPartitionInbound  Topic = "strongroom.partitions.inbound"
)

// Producer publishes one JSON-encoded message per event.
type Producer interface {
	Publish(ctx context.Context, topic Topic, key string, message interface{}) error
	Close() error
}

// NopProducer drops everything. Used when Kafka is disabled and in
// tests that don't observe events.
type NopProducer struct{}

func (NopProducer) Publish(context.Context, Topic, string, interface{}) error { return nil }
func (NopProducer) Close() error                                              { return nil }

// Tee fans one Publish out to several producers. The first error wins
// but every producer still sees the message.
type Tee struct {
	producers []Producer
	logger    *zap.Logger
}

// NewTee combines producers into one. nil entries are skipped.
func NewTee(logger *zap.Logger, producers ...Producer) *Tee {
	kept := make([]Producer, 0, len(producers))
	for _, p := range producers {
		if p != nil {
			kept = append(kept, p)
		}
	}
	return &Tee{producers: kept, logger: logger}
}

func (t *Tee) Publish(ctx context.Context, topic Topic, key string, message interface{}) error {
	var firstErr error
	for _, p := range t.producers {
		if err := p.Publish(ctx, topic, key, message); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			t.logger.Error("publish failed",
				zap.String("topic", string(topic)),
				zap.String("key", key),
				zap.Error(err))
		}
	}
	return firstErr
}

func (t *Tee) Close() error {
	var firstErr error
	for _, p := range t.producers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
