package observe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// for inspecting recorded spans.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// useGlobalTracer installs tp as the global provider for the test.
// Tests calling it must not run in parallel.
func useGlobalTracer(t *testing.T, tp *sdktrace.TracerProvider) {
	t.Helper()
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
}

func TestCorrelationID(t *testing.T) {
	t.Parallel()

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	tracer := tp.Tracer("test")
	seen := make(map[string]bool)
	for range 50 {
		ctx, span := tracer.Start(context.Background(), "recording")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not 32 hex characters", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID: %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_TagsRecording(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	useGlobalTracer(t, tp)

	ctx, span := StartSpan(context.Background(), "pipeline.transcribe", WithRecording("rec-42"))
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan did not create a span with a trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "pipeline.transcribe" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var found bool
	for _, kv := range spans[0].Attributes {
		if string(kv.Key) == AttrRecordingID && kv.Value.AsString() == "rec-42" {
			found = true
		}
	}
	if !found {
		t.Errorf("attributes = %v, want %s=rec-42", spans[0].Attributes, AttrRecordingID)
	}
}

func TestEndSpan(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	useGlobalTracer(t, tp)

	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
		wantEvent  string
	}{
		{name: "success", wantStatus: codes.Unset},
		{name: "failure", err: errors.New("transcriber unavailable"), wantStatus: codes.Error, wantEvent: "exception"},
		{name: "cancelled", err: fmt.Errorf("stt: %w", context.Canceled), wantStatus: codes.Unset, wantEvent: "cancelled"},
	}
	for _, tt := range tests {
		_, span := StartSpan(context.Background(), tt.name)
		EndSpan(span, tt.err)
	}

	spans := exp.GetSpans()
	if len(spans) != len(tests) {
		t.Fatalf("recorded %d spans, want %d", len(spans), len(tests))
	}
	for i, tt := range tests {
		s := spans[i]
		if s.Status.Code != tt.wantStatus {
			t.Errorf("%s: status = %v, want %v", tt.name, s.Status.Code, tt.wantStatus)
		}
		var events []string
		for _, e := range s.Events {
			events = append(events, e.Name)
		}
		if tt.wantEvent == "" && len(events) != 0 {
			t.Errorf("%s: events = %v, want none", tt.name, events)
		}
		if tt.wantEvent != "" && (len(events) != 1 || events[0] != tt.wantEvent) {
			t.Errorf("%s: events = %v, want [%s]", tt.name, events, tt.wantEvent)
		}
	}
}

func TestLogger(t *testing.T) {
	t.Parallel()

	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "log-test")
	defer span.End()

	tests := []struct {
		name      string
		ctx       context.Context
		wantTrace bool
	}{
		{name: "with span", ctx: ctx, wantTrace: true},
		{name: "without span", ctx: context.Background()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			base := slog.New(slog.NewTextHandler(&buf, nil)).With("component", "server")

			Logger(tt.ctx, base).Info("capture connected")

			out := buf.String()
			if !strings.Contains(out, "component=server") {
				t.Errorf("base attributes lost: %s", out)
			}
			if got := strings.Contains(out, "trace_id=") && strings.Contains(out, "span_id="); got != tt.wantTrace {
				t.Errorf("trace attributes present = %v, want %v: %s", got, tt.wantTrace, out)
			}
		})
	}
}

func TestLogger_NilBaseUsesDefault(t *testing.T) {
	t.Parallel()
	if Logger(context.Background(), nil) != slog.Default() {
		t.Error("Logger with nil base should return slog.Default()")
	}
}
