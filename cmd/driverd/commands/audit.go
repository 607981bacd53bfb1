package commands

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/logging"
)

// AuditTailAction streams audit events from kafka to stdout as JSON lines,
// optionally narrowed to one job or event type prefix.
func AuditTailAction(ctx context.Context, cmd *cli.Command) error {
	if err := config.LoadEnvFile(cmd.String("env")); err != nil {
		return err
	}
	brokers := cmd.StringSlice("brokers")
	if len(brokers) == 0 {
		for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	}
	if len(brokers) == 0 {
		return errors.New("KAFKA_BROKERS or --brokers is required")
	}
	topic := cmd.String("topic")
	if topic == "" {
		topic = os.Getenv("KAFKA_TOPIC")
	}
	if topic == "" {
		topic = "driver-audit"
	}
	jobID, prefix := cmd.String("job"), cmd.String("type")
	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	consumer := ingest.NewAuditConsumer(brokers, topic, cmd.String("group"), logger)
	defer consumer.Close()

	logger.Info("tailing audit stream", "topic", topic, "brokers", brokers)
	enc := json.NewEncoder(os.Stdout)
	return consumer.Run(ctx, func(_ context.Context, ev ingest.AuditEvent) error {
		if jobID != "" && ev.JobID != jobID {
			return nil
		}
		if prefix != "" && !strings.HasPrefix(ev.Type, prefix) {
			return nil
		}
		return enc.Encode(ev)
	})
}
