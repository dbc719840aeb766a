// Package events publishes chat activity to an external stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// TypeMessageCreated is the event type emitted after a message is persisted.
const TypeMessageCreated = "message.created"

// MessageEvent describes a persisted message.
type MessageEvent struct {
	Type      string    `json:"type"`
	MessageID int64     `json:"message_id"`
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Publisher delivers events. Implementations must not block the caller on
// broker round-trips.
type Publisher interface {
	PublishMessage(ctx context.Context, ev MessageEvent) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) PublishMessage(context.Context, MessageEvent) error { return nil }
func (Noop) Close() error                                       { return nil }

// KafkaPublisher writes events to a topic keyed by chat id, so one chat's
// events stay in one partition.
type KafkaPublisher struct {
	w   *kafka.Writer
	log *slog.Logger
}

// NewKafkaPublisher returns an asynchronous publisher for topic.
func NewKafkaPublisher(brokers []string, topic string, log *slog.Logger) *KafkaPublisher {
	p := &KafkaPublisher{log: log}
	p.w = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion:   p.completion,
	}
	return p
}

func (p *KafkaPublisher) completion(msgs []kafka.Message, err error) {
	if err != nil && p.log != nil {
		p.log.Warn("kafka publish failed", "messages", len(msgs), "error", err)
	}
}

// Encode renders ev as a kafka message.
func Encode(ev MessageEvent) (kafka.Message, error) {
	if ev.Type == "" {
		ev.Type = TypeMessageCreated
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.ChatID, 10)),
		Value: body,
		Time:  ev.CreatedAt,
	}, nil
}

func (p *KafkaPublisher) PublishMessage(ctx context.Context, ev MessageEvent) error {
	msg, err := Encode(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, msg)
}

// Close flushes pending batches.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
