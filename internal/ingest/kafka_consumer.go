package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/observability"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// AuditConsumer reads the audit stream back, for tailing and replay into
// job history.
type AuditConsumer struct {
	reader     messageReader
	logger     *slog.Logger
	delay      time.Duration
	maxBackoff time.Duration
}

func NewAuditConsumer(brokers []string, topic, group string, logger *slog.Logger) *AuditConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditConsumer{reader: r, logger: logger, delay: time.Second, maxBackoff: 30 * time.Second}
}

// Run hands every decodable event to handle until ctx is done. Read errors
// back off exponentially; undecodable messages and handler failures are
// logged and skipped.
func (c *AuditConsumer) Run(ctx context.Context, handle func(context.Context, AuditEvent) error) error {
	delay := c.delay
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			observability.AuditMessages.WithLabelValues("read_error").Inc()
			c.logger.Warn("audit read failed", "err", err, "backoff", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.maxBackoff {
				delay = c.maxBackoff
			}
			continue
		}
		delay = c.delay

		var ev AuditEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			observability.AuditMessages.WithLabelValues("invalid").Inc()
			c.logger.Warn("invalid audit message", "offset", m.Offset, "err", err)
			continue
		}
		if err := handle(ctx, ev); err != nil {
			observability.AuditMessages.WithLabelValues("handler_error").Inc()
			c.logger.Warn("audit handler failed", "id", ev.ID, "type", ev.Type, "err", err)
			continue
		}
		observability.AuditMessages.WithLabelValues("ok").Inc()
	}
}

func (c *AuditConsumer) Close() error {
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
