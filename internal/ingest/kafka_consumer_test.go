package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/logging"
)

// scriptedReader replays a fixed sequence of reads, then blocks until the
// context ends.
type scriptedReader struct {
	steps []func() (kafka.Message, error)
	reads int
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if s.reads < len(s.steps) {
		step := s.steps[s.reads]
		s.reads++
		return step()
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *scriptedReader) Close() error { return nil }

func message(t *testing.T, ev AuditEvent) func() (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return func() (kafka.Message, error) { return kafka.Message{Value: b}, nil }
}

func TestConsumerSkipsBadMessagesAndRecovers(t *testing.T) {
	r := &scriptedReader{steps: []func() (kafka.Message, error){
		message(t, NewAuditEvent("offer.accepted", "c1", "j1", nil)),
		func() (kafka.Message, error) { return kafka.Message{Value: []byte("{not json")}, nil },
		func() (kafka.Message, error) { return kafka.Message{}, errors.New("broker gone") },
		message(t, NewAuditEvent("job.transition", "c1", "j1", map[string]any{"to": "en_route"})),
		message(t, NewAuditEvent("session.logout", "c1", "", nil)),
	}}
	c := &AuditConsumer{reader: r, logger: logging.Discard(), delay: time.Millisecond, maxBackoff: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	err := c.Run(ctx, func(_ context.Context, ev AuditEvent) error {
		got = append(got, ev.Type)
		if ev.Type == "job.transition" {
			return errors.New("store down")
		}
		if len(got) == 3 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"offer.accepted", "job.transition", "session.logout"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestConsumerStopsOnCancel(t *testing.T) {
	c := &AuditConsumer{reader: &scriptedReader{}, logger: logging.Discard(), delay: time.Millisecond, maxBackoff: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx, func(context.Context, AuditEvent) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
}
