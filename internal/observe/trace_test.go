package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// useGlobalTracer installs tp as the global provider for the test.
func useGlobalTracer(t *testing.T, tp *sdktrace.TracerProvider) {
	t.Helper()
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
}

// captureLogs redirects the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q; want empty", got)
	}
}

func TestCorrelationID_ReturnsTraceID(t *testing.T) {
	t.Parallel()
	tp, _ := newTestTracerProvider(t)

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Errorf("len(CorrelationID) = %d; want 32", len(cid))
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID = %q; want lowercase hex", cid)
	}
}

func TestStartSpan_EndSpan(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	useGlobalTracer(t, tp)

	_, ok := StartSpan(context.Background(), "session.connect")
	EndSpan(ok, nil)
	_, failed := StartSpan(context.Background(), "session.connect")
	EndSpan(failed, errors.New("dial refused"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("len(spans) = %d; want 2", len(spans))
	}
	if spans[0].Name != "session.connect" {
		t.Errorf("span name = %q; want %q", spans[0].Name, "session.connect")
	}
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("ok span status = %v; want unset", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error {
		t.Errorf("failed span status = %v; want error", spans[1].Status.Code)
	}
	if len(spans[1].Events) == 0 {
		t.Error("failed span recorded no error event")
	}
}

func TestLogger_IncludesTraceID(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	buf := captureLogs(t)

	ctx, span := tp.Tracer("test").Start(context.Background(), "log-test")
	defer span.End()
	Logger(ctx).Info("hello")

	if !strings.Contains(buf.String(), "trace_id=") {
		t.Errorf("log output missing trace_id: %s", buf)
	}
	if !strings.Contains(buf.String(), "span_id=") {
		t.Errorf("log output missing span_id: %s", buf)
	}
}

func TestLogger_NoSpan(t *testing.T) {
	buf := captureLogs(t)
	Logger(context.Background()).Info("hello")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log output should not contain trace_id: %s", buf)
	}
}
