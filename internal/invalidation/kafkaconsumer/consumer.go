// Package kafkaconsumer drains building-change events from Kafka and applies
// them to the cache tiers through the fetch coordinator.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/shadowmap/datalayer/internal/invalidation"
	"github.com/shadowmap/datalayer/internal/model"
	"github.com/shadowmap/datalayer/internal/observability"
)

// Invalidator drops every cached region overlapping bounds and returns how
// many regions were removed.
type Invalidator interface {
	InvalidateRegion(ctx context.Context, bounds model.BoundingBox) (int, error)
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	target Invalidator
	dedupe *versionDedupe
}

func New(cfg Config, logger *slog.Logger, target Invalidator) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger,
		target: target,
		dedupe: newVersionDedupe(cfg.DedupeSize),
	}
}

// Start joins the consumer group and processes events until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.target == nil {
		return errors.New("kafkaconsumer: missing invalidation target")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "topic", c.cfg.Topic, "err", err)
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single event message. Decode and validation failures
// are logged and skipped; a failed cache delete returns an error so the
// offset is not committed and the message is retried.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.ObserveInvalidation("decode", err)
		c.logger.Error("invalidation event undecodable",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		observability.ObserveInvalidation(ev.Op, err)
		c.logger.Warn("invalidation event rejected",
			"topic", msg.Topic, "offset", msg.Offset, "err", err)
		return nil
	}

	if key := dedupeKey(ev); key != "" && !c.dedupe.shouldApply(key, ev.Seq) {
		c.logger.Debug("stale invalidation event skipped",
			"feature", key, "seq", ev.Seq)
		return nil
	}

	removed, err := c.target.InvalidateRegion(ctx, ev.BBox.Bounds())
	observability.ObserveInvalidation(ev.Op, err)
	if err != nil {
		c.logger.Error("invalidation failed",
			"op", ev.Op, "layer", ev.Layer, "offset", msg.Offset, "err", err)
		return fmt.Errorf("invalidate region: %w", err)
	}

	c.logger.Debug("invalidated regions",
		"op", ev.Op, "layer", ev.Layer, "regions", removed)
	return nil
}

// dedupeKey identifies the feature an event versions. Events without both a
// feature id and a sequence number are always applied.
func dedupeKey(ev invalidation.Event) string {
	if ev.FeatureID == nil || ev.Seq == 0 {
		return ""
	}
	return fmt.Sprintf("%s/%v", ev.Layer, ev.FeatureID)
}
