package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/formaplus/automatisations/pkg/automatisations/models"
)

const (
	bootstrapServers = "bootstrap.servers"
	groupID          = "group.id"
	autoOffsetReset  = "auto.offset.reset"
	enableAutoCommit = "enable.auto.commit"
	clientID         = "client.id"

	minRedeliveryDelay = 100 * time.Millisecond
	maxRedeliveryDelay = 30 * time.Second
)

// EventSink starts the workflows of an inbound event before returning.
type EventSink interface {
	Accept(ctx context.Context, in Inbound) ([]int64, error)
}

// KafkaSource consumes inbound events from Kafka topics. An offset is
// committed only after the sink has stored the executions of its event, so
// an event is delivered at least once; the event id keeps redeliveries from
// starting workflows twice.
type KafkaSource struct {
	consumer   *kafka.Consumer
	topics     []string
	sink       EventSink
	retryDelay time.Duration
}

func NewKafkaSource(brokers, group, topics string, sink EventSink) (*KafkaSource, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		bootstrapServers: brokers,
		groupID:          group,
		autoOffsetReset:  "earliest",
		enableAutoCommit: false,
		clientID:         group,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &KafkaSource{consumer: consumer, topics: splitTopics(topics), sink: sink, retryDelay: minRedeliveryDelay}, nil
}

// Run polls the topics until ctx is cancelled or Kafka reports a fatal error.
func (k *KafkaSource) Run(ctx context.Context) error {
	if err := k.consumer.SubscribeTopics(k.topics, nil); err != nil {
		return fmt.Errorf("subscribe to %v: %w", k.topics, err)
	}
	defer func() {
		if err := k.consumer.Close(); err != nil {
			slog.Error("Error while closing kafka consumer", "error", err)
		}
	}()
	slog.InfoContext(ctx, "Consuming events from kafka", "topics", k.topics)

	for {
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "Kafka source stopping due to context cancel")
			return nil
		}
		ev := k.consumer.Poll(500)
		switch e := ev.(type) {
		case nil:
		case *kafka.Message:
			if err := k.handle(ctx, e); err != nil {
				return err
			}
		case kafka.Error:
			if e.IsFatal() {
				return fmt.Errorf("fatal kafka error: %w", e)
			}
			slog.WarnContext(ctx, "Kafka error", "code", e.Code().String(), "error", e)
		}
	}
}

func (k *KafkaSource) handle(ctx context.Context, msg *kafka.Message) error {
	in, err := DecodeMessage(msg)
	if err != nil {
		slog.ErrorContext(ctx, "Skipping undecodable kafka message", "partition", msg.TopicPartition.Partition,
			"offset", msg.TopicPartition.Offset.String(), "error", err)
		return k.commit(msg)
	}
	if !k.deliver(ctx, in) {
		// not committed, the event is consumed again after restart
		return nil
	}
	return k.commit(msg)
}

// deliver hands the event to the sink, retrying failures until they succeed
// or turn out to be permanent. It reports whether the offset may be committed.
func (k *KafkaSource) deliver(ctx context.Context, in Inbound) bool {
	delay := k.retryDelay
	if delay <= 0 {
		delay = minRedeliveryDelay
	}
	for {
		ids, err := k.sink.Accept(ctx, in)
		if err == nil {
			slog.DebugContext(ctx, "Kafka event dispatched", "tenant_id", in.TenantID, "event_id", in.ID, "executions", len(ids))
			return true
		}
		if domain.IsConfigurationError(err) {
			slog.ErrorContext(ctx, "Rejected kafka event", "tenant_id", in.TenantID, "event_id", in.ID, "error", err)
			return true
		}
		slog.WarnContext(ctx, "Failed to dispatch kafka event, retrying", "tenant_id", in.TenantID, "event_id", in.ID,
			"retry_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRedeliveryDelay)
	}
}

func (k *KafkaSource) commit(msg *kafka.Message) error {
	if _, err := k.consumer.CommitMessage(msg); err != nil {
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.IsFatal() {
			return err
		}
		slog.Warn("Failed to commit kafka offset", "offset", msg.TopicPartition.Offset.String(), "error", err)
	}
	return nil
}

// DecodeMessage reads an Inbound event from a message value. Events without
// an id get one derived from their position in the topic.
func DecodeMessage(msg *kafka.Message) (Inbound, error) {
	var body models.KafkaEvent
	if err := json.Unmarshal(msg.Value, &body); err != nil {
		return Inbound{}, err
	}
	in, err := FromRequest(body.TenantID, body.PublishEventRequest)
	if err != nil {
		return Inbound{}, err
	}
	if in.ID == "" {
		topic := ""
		if msg.TopicPartition.Topic != nil {
			topic = *msg.TopicPartition.Topic
		}
		in.ID = fmt.Sprintf("kafka_%s_%d_%d", topic, msg.TopicPartition.Partition, int64(msg.TopicPartition.Offset))
	}
	return in, nil
}

func splitTopics(topics string) []string {
	var out []string
	for _, t := range strings.Split(topics, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
