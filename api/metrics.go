package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "boardsync/api"

type boardRequestMetrics struct {
	logger        *log.Logger
	span          trace.Span
	start         time.Time
	authDuration  time.Duration
	fetchDuration time.Duration
	columnsServed int
	cardsServed   int
	errorStage    string
}

func newBoardRequestMetrics(ctx context.Context, logger *log.Logger) (*boardRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, "board.snapshot")
	return &boardRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *boardRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *boardRequestMetrics) ObserveFetch(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.fetchDuration = duration
}

func (m *boardRequestMetrics) SetBoardSize(columns, cards int) {
	if columns < 0 {
		columns = 0
	}
	if cards < 0 {
		cards = 0
	}
	m.columnsServed = columns
	m.cardsServed = cards
}

func (m *boardRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *boardRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	if m.span != nil {
		attrs := []attribute.KeyValue{
			attribute.Int("http.status_code", status),
			attribute.Int("board.columns", m.columnsServed),
			attribute.Int("board.cards", m.cardsServed),
		}
		if m.errorStage != "" {
			attrs = append(attrs, attribute.String("error.stage", m.errorStage))
		}
		m.span.SetAttributes(attrs...)
		if err != nil {
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":    "/api/projects/:id/board",
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
		"columns":  m.columnsServed,
		"cards":    m.cardsServed,
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.fetchDuration > 0 {
		fields["fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("board.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
