package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/segmentio/kafka-go"

	"github.com/vanshika/votetrace/internal/domain"
)

func sampleAlert() domain.Alert {
	return domain.Alert{
		ID:             "a-1",
		ConstituencyID: "ABC123",
		Type:           domain.AlertVotesExceedBulletins,
		Severity:       domain.SeverityCritical,
		Status:         domain.AlertStatusActive,
		WindowStart:    time.Date(2024, 9, 6, 10, 0, 0, 0, time.UTC),
		Details:        map[string]any{"difference": 5},
	}
}

type stubWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *stubWriter) Close() error { return nil }

func TestKafkaSink(t *testing.T) {
	w := &stubWriter{}
	sink := &KafkaSink{writer: w, topic: "alerts"}
	if err := sink.Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "ABC123" {
		t.Fatalf("expected constituency key, got %q", msg.Key)
	}
	var decoded domain.Alert
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "a-1" || decoded.Type != domain.AlertVotesExceedBulletins {
		t.Fatalf("unexpected payload %+v", decoded)
	}

	w.err = errors.New("broker unavailable")
	if err := sink.Notify(context.Background(), sampleAlert()); err == nil || !strings.Contains(err.Error(), "alerts") {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
}

type stubPublisher struct {
	msgs []*pubsub.Message
}

func (p *stubPublisher) publish(_ context.Context, msg *pubsub.Message) (string, error) {
	p.msgs = append(p.msgs, msg)
	return "id-1", nil
}

func TestPubSubSink(t *testing.T) {
	p := &stubPublisher{}
	sink := &PubSubSink{publisher: p, topicName: "alerts"}
	if err := sink.Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(p.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(p.msgs))
	}
	if got := p.msgs[0].Attributes["severity"]; got != "critical" {
		t.Fatalf("expected severity attribute, got %q", got)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Notify(context.Context, domain.Alert) error {
	f.calls++
	return errors.New("down")
}

func TestFanoutContinuesPastFailures(t *testing.T) {
	var buf bytes.Buffer
	logSink := &LogSink{logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	failing := &failingSink{}
	w := &stubWriter{}

	err := Fanout{failing, logSink, &KafkaSink{writer: w, topic: "alerts"}}.Notify(context.Background(), sampleAlert())
	if err == nil {
		t.Fatal("expected joined error from failing sink")
	}
	if failing.calls != 1 || len(w.msgs) != 1 {
		t.Fatalf("expected every sink to be called, got failing=%d kafka=%d", failing.calls, len(w.msgs))
	}
	if !strings.Contains(buf.String(), `"alertId":"a-1"`) || !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Fatalf("unexpected log output %s", buf.String())
	}
}
