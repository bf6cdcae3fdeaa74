package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"fraudshield/pkg/events"
	"fraudshield/pkg/logging"
)

// KafkaConfig wires the transactions-topic consumer. The broker partitions
// by entity id, so per-partition order is per-entity order.
type KafkaConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int
	MaxBytes       int
	CommitInterval time.Duration
}

// Consumer bridges the external event log into the dispatcher. Delivery is
// at least once; the aggregation engine's event_id deduplication upgrades
// that to effective exactly-once aggregation.
type Consumer struct {
	reader     *kafka.Reader
	dispatcher *Dispatcher
}

// NewConsumer creates a group consumer on the transactions topic.
func NewConsumer(cfg KafkaConfig, d *Dispatcher) *Consumer {
	if cfg.MinBytes == 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.CommitInterval == 0 {
		cfg.CommitInterval = time.Second
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		CommitInterval: cfg.CommitInterval,
		ErrorLogger:    kafka.LoggerFunc(logging.Errorf),
	})
	return &Consumer{reader: r, dispatcher: d}
}

// Run consumes until the context is cancelled. Undecodable payloads are
// logged and skipped; they can never be admitted anyway.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("ingest: read: %w", err)
		}
		var ev events.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			logging.Warnf("ingest: undecodable event at %s/%d offset %d: %v", msg.Topic, msg.Partition, msg.Offset, err)
			continue
		}
		if err := c.dispatcher.Submit(ctx, ev); err != nil {
			return err
		}
	}
}
