package repository

import (
	"context"
	"fmt"

	"QuantLab/internal/domain/models"
	domrepo "QuantLab/internal/domain/repository"
)

// KafkaProducer is the subset of *pkgkafka.Producer the publisher needs.
type KafkaProducer interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	Close() error
}

// EventEnvelope is the message value written for every forwarded event.
type EventEnvelope struct {
	RunID string       `json:"run_id"`
	Fold  int          `json:"fold"`
	Event models.Event `json:"event"`
}

// KafkaEventPublisher forwards bus events to Kafka. Alerts go to their own
// topic; everything else is keyed by run so a run stays in one partition.
type KafkaEventPublisher struct {
	producer    KafkaProducer
	topic       string
	alertsTopic string
}

func NewKafkaEventPublisher(producer KafkaProducer, topic, alertsTopic string) *KafkaEventPublisher {
	if alertsTopic == "" {
		alertsTopic = topic
	}
	return &KafkaEventPublisher{producer: producer, topic: topic, alertsTopic: alertsTopic}
}

func (p *KafkaEventPublisher) PublishEvent(ctx context.Context, runID string, fold int, ev models.Event) error {
	topic := p.topic
	if ev.Kind == models.EventAlert {
		topic = p.alertsTopic
	}
	err := p.producer.Publish(ctx, topic, []byte(runID), EventEnvelope{RunID: runID, Fold: fold, Event: ev})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

func (p *KafkaEventPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

var _ domrepo.EventPublisher = (*KafkaEventPublisher)(nil)
