package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// AuditEvent is one coordinator decision shipped to the audit stream.
type AuditEvent struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	ContractorID string         `json:"contractor_id,omitempty"`
	JobID        string         `json:"job_id,omitempty"`
	At           time.Time      `json:"at"`
	Data         map[string]any `json:"data,omitempty"`
}

// NewAuditEvent stamps an event with a fresh id and the current time.
func NewAuditEvent(typ, contractorID, jobID string, data map[string]any) AuditEvent {
	return AuditEvent{
		ID:           uuid.NewString(),
		Type:         typ,
		ContractorID: contractorID,
		JobID:        jobID,
		At:           time.Now().UTC(),
		Data:         data,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// Publish writes ev keyed by job id so one job's events stay ordered.
func (k *KafkaProducer) Publish(ctx context.Context, ev AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := ev.JobID
	if key == "" {
		key = ev.ContractorID
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
