package ingest

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vanshika/votetrace/internal/telemetry"
)

type instruments struct {
	tracer        trace.Tracer
	rowsPersisted metric.Int64Counter
	rowsRejected  metric.Int64Counter
	filesFailed   metric.Int64Counter
}

func newInstruments() instruments {
	return instruments{
		tracer:        telemetry.Tracer("ingest"),
		rowsPersisted: telemetry.Counter("ingest", "votetrace.ingest.rows_persisted", "Transactions written to the store"),
		rowsRejected:  telemetry.Counter("ingest", "votetrace.ingest.rows_rejected", "Rows excluded by parsing, validation or duplicate checks"),
		filesFailed:   telemetry.Counter("ingest", "votetrace.ingest.files_failed", "Files whose job ended failed"),
	}
}
