package resilience

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/dictum/internal/observe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newGroup[T any](primary T, name string, maxFailures int) *FallbackGroup[T] {
	return NewFallbackGroup(primary, name, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  maxFailures,
			ResetTimeout: time.Hour,
			Logger:       slog.New(slog.DiscardHandler),
		},
	})
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()
	fg := newGroup("primary", "primary", 3)
	fg.AddFallback("secondary", "secondary")

	var called string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	t.Parallel()
	fg := newGroup("primary", "primary", 3)
	fg.AddFallback("secondary", "secondary")

	var called string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		if v == "primary" {
			return errTest
		}
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary", called)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()
	fg := newGroup("primary", "primary", 3)
	fg.AddFallback("secondary", "secondary")

	err := fg.Execute(context.Background(), func(context.Context, string) error {
		return errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want wrapped errTest", err)
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	t.Parallel()
	fg := newGroup("primary", "primary", 2)
	fg.AddFallback("secondary", "secondary")

	for i := 0; i < 2; i++ {
		_ = fg.Execute(context.Background(), func(_ context.Context, v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	var calls []string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		calls = append(calls, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 1 || calls[0] != "secondary" {
		t.Fatalf("calls = %v, want [secondary] (primary circuit should be open)", calls)
	}

	st := fg.Status()
	if len(st) != 2 || st[0].State != StateOpen || st[1].State != StateClosed {
		t.Fatalf("Status() = %+v", st)
	}
}

func TestFallbackGroup_CancelStopsWalk(t *testing.T) {
	t.Parallel()
	fg := newGroup("primary", "primary", 1)
	fg.AddFallback("secondary", "secondary")

	ctx, cancel := context.WithCancel(context.Background())
	var calls []string
	err := fg.Execute(ctx, func(ctx context.Context, v string) error {
		calls = append(calls, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Fatalf("cancellation must not be reported as ErrAllFailed: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %v, want only the primary", calls)
	}
	// A cancelled call does not count against the primary.
	if st := fg.Status(); st[0].State != StateClosed {
		t.Fatalf("primary state = %v, want closed", st[0].State)
	}
}

func TestFallbackGroup_AlreadyCancelled(t *testing.T) {
	t.Parallel()
	fg := newGroup("primary", "primary", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := fg.Execute(ctx, func(context.Context, string) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("err = %v, called = %v", err, called)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		failTen    bool
		wantResult string
		wantEntry  string
	}{
		{name: "primary", wantResult: "from-ten", wantEntry: "ten"},
		{name: "failover", failTen: true, wantResult: "from-twenty", wantEntry: "twenty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := newGroup(10, "ten", 3)
			fg.AddFallback("twenty", 20)

			result, entry, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v int) (string, error) {
				if v == 10 {
					if tt.failTen {
						return "", errTest
					}
					return "from-ten", nil
				}
				return "from-twenty", nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.wantResult || entry != tt.wantEntry {
				t.Fatalf("got (%q, %q), want (%q, %q)", result, entry, tt.wantResult, tt.wantEntry)
			}
		})
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	t.Parallel()
	fg := newGroup(10, "ten", 3)

	_, entry, err := ExecuteWithResult(context.Background(), fg, func(context.Context, int) (string, error) {
		return "", errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if entry != "" {
		t.Fatalf("entry = %q, want empty", entry)
	}
	if fg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", fg.Len())
	}
}

// requestCounts sums dictum.provider.requests by provider and status.
func requestCounts(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "dictum.provider.requests" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				provider, _ := dp.Attributes.Value("provider")
				status, _ := dp.Attributes.Value("status")
				kind, _ := dp.Attributes.Value("kind")
				if kind.AsString() != "stt" {
					t.Errorf("kind = %q, want stt", kind.AsString())
				}
				out[provider.AsString()+"/"+status.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestFallbackGroup_RecordsRequests(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		Kind:    "stt",
		Metrics: met,
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: time.Hour,
			Logger:       slog.New(slog.DiscardHandler),
		},
	})
	fg.AddFallback("secondary", "secondary")

	failPrimary := func(_ context.Context, v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	}
	// First call trips the primary breaker, second skips it.
	for range 2 {
		if err := fg.Execute(context.Background(), failPrimary); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got := requestCounts(t, reader)
	want := map[string]int64{
		"primary/" + StatusError:   1,
		"primary/" + StatusSkipped: 1,
		"secondary/" + StatusOK:    2,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("requests[%s] = %d, want %d (all: %v)", k, got[k], v, got)
		}
	}
}

type closingBackend struct {
	closed bool
	err    error
}

func (c *closingBackend) Close() error {
	c.closed = true
	return c.err
}

func TestFallbackGroup_Close(t *testing.T) {
	t.Parallel()
	primary := &closingBackend{}
	broken := &closingBackend{err: errTest}

	fg := newGroup[any](primary, "primary", 3)
	fg.AddFallback("plain", "no closer")
	fg.AddFallback("broken", broken)

	err := fg.Close()
	if !errors.Is(err, errTest) {
		t.Fatalf("Close() = %v, want wrapped errTest", err)
	}
	if !primary.closed || !broken.closed {
		t.Errorf("closed: primary=%v broken=%v, want both", primary.closed, broken.closed)
	}
}
