// Package alerting delivers newly raised alerts to downstream consumers.
package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vanshika/votetrace/internal/domain"
	"github.com/vanshika/votetrace/internal/logging"
)

// Sink delivers one alert.
type Sink interface {
	Notify(ctx context.Context, alert domain.Alert) error
}

// Fanout delivers every alert to all sinks. A failing sink does not stop the others.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, alert domain.Alert) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes alerts to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logging.OrDiscard(logger).With("component", "alerts")}
}

func (s *LogSink) Notify(ctx context.Context, alert domain.Alert) error {
	level := slog.LevelWarn
	if alert.Severity == domain.SeverityCritical {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "alert raised",
		"alertId", alert.ID,
		"constituencyId", alert.ConstituencyID,
		"type", alert.Type,
		"severity", alert.Severity,
		"window", alert.WindowStart,
		"details", alert.Details)
	return nil
}

func encode(alert domain.Alert) ([]byte, error) {
	data, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("marshal alert %s: %w", alert.ID, err)
	}
	return data, nil
}
