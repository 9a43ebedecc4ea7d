package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/blood-match/internal/models"
)

const (
	DefaultProfileTopic = "donor-profiles"
	DefaultEventTopic   = "match-events"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes donor profile updates and match lifecycle events.
// Profiles are keyed by donor id and events by request id so each stream
// stays ordered per entity.
type KafkaProducer struct {
	writer       messageWriter
	profileTopic string
	eventTopic   string
	timeout      time.Duration
}

func NewKafkaProducer(brokers []string, profileTopic, eventTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaProducer(w, profileTopic, eventTopic)
}

func newKafkaProducer(w messageWriter, profileTopic, eventTopic string) *KafkaProducer {
	if profileTopic == "" {
		profileTopic = DefaultProfileTopic
	}
	if eventTopic == "" {
		eventTopic = DefaultEventTopic
	}
	return &KafkaProducer{writer: w, profileTopic: profileTopic, eventTopic: eventTopic, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishProfile(ctx context.Context, d models.DonorCandidate) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	return k.write(ctx, kafka.Message{Topic: k.profileTopic, Key: []byte(d.ID), Value: b})
}

// Publish sends a lifecycle event.
func (k *KafkaProducer) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return k.write(ctx, kafka.Message{
		Topic:   k.eventTopic,
		Key:     []byte(ev.RequestID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	})
}

func (k *KafkaProducer) write(ctx context.Context, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
