package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/dictum/internal/app"
	"github.com/MrWong99/dictum/internal/config"
	"github.com/MrWong99/dictum/internal/history"
	"github.com/MrWong99/dictum/internal/pipeline"
	llmmock "github.com/MrWong99/dictum/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/dictum/pkg/provider/stt/mock"
	vadmock "github.com/MrWong99/dictum/pkg/provider/vad/mock"
)

// testConfig returns a config with every default applied.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Providers.STT.Name = "test"
	config.ApplyDefaults(cfg)
	return cfg
}

// testProviders returns mock VAD, STT and LLM providers.
func testProviders() *app.Providers {
	return &app.Providers{
		VAD: &vadmock.Classifier{},
		STT: &sttmock.Provider{},
		LLM: &llmmock.Provider{},
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		providers *app.Providers
	}{
		{name: "nil providers", providers: nil},
		{name: "missing stt", providers: &app.Providers{VAD: &vadmock.Classifier{}}},
		{name: "missing vad", providers: &app.Providers{STT: &sttmock.Provider{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := app.New(context.Background(), testConfig(), tt.providers, app.WithLogger(quietLogger())); err == nil {
				t.Fatal("New() should fail")
			}
		})
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	store := history.NewMemStore()
	application, err := app.New(context.Background(), testConfig(), testProviders(),
		app.WithHistoryStore(store),
		app.WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application.Machine() == nil || application.History() == nil {
		t.Fatal("New() left subsystems unset")
	}
	if got := application.Machine().Status().State; got != pipeline.StateIdle {
		t.Errorf("initial state = %v, want idle", got)
	}
	if application.History().Semantic() {
		t.Error("history should be keyword-only without an embeddings provider")
	}
}

func TestNew_LLMOptional(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	providers.LLM = nil
	if _, err := app.New(context.Background(), testConfig(), providers, app.WithLogger(quietLogger())); err != nil {
		t.Fatalf("New() without LLM: %v", err)
	}
}

func TestApp_RunServesAPI(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	application, err := app.New(context.Background(), testConfig(), testProviders(),
		app.WithListener(ln),
		app.WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()

	base := "http://" + ln.Addr().String()
	waitReady(t, base)

	post := func(path string) map[string]any {
		t.Helper()
		resp, err := http.Post(base+path, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST %s: status = %d", path, resp.StatusCode)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		return body
	}

	if body := post("/v1/start"); body["accepted"] != true {
		t.Fatalf("start = %v", body)
	}
	if got := application.Machine().Status().State; got != pipeline.StateRecording {
		t.Errorf("state after start = %v, want recording", got)
	}
	if body := post("/v1/cancel"); body["accepted"] != true {
		t.Fatalf("cancel = %v", body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

// waitReady polls /healthz until Run has marked the service live.
func waitReady(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("service did not become live")
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	old := testConfig()
	application, err := app.New(context.Background(), old, testProviders(), app.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	updated := testConfig()
	off := false
	updated.Pipeline.AutoStop = &off
	updated.Pipeline.Language = "de"
	updated.VAD.SilenceTimeout = 2 * time.Second
	updated.Polish.Vocabulary = []string{"Kubernetes"}
	updated.Server.ListenAddr = ":9999"

	d := application.ApplyConfig(old, updated)
	if !d.PolicyChanged || !d.SegmentChanged || !d.VocabularyChanged {
		t.Errorf("diff = %+v, want policy, segment and vocabulary changes", d)
	}
	if !slices.Contains(d.RestartRequired, "server.listen_addr") {
		t.Errorf("RestartRequired = %v, want server.listen_addr", d.RestartRequired)
	}
	if application.Machine().Policy().AutoStop {
		t.Error("auto-stop should be off after reload")
	}
	if got := application.Machine().SegmentConfig().HangoverDuration; got != 2*time.Second {
		t.Errorf("hangover = %v, want 2s", got)
	}
}

func TestApp_ApplyConfig_InvalidSegmentKeepsCurrent(t *testing.T) {
	t.Parallel()

	old := testConfig()
	application, err := app.New(context.Background(), old, testProviders(), app.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	before := application.Machine().SegmentConfig()

	updated := testConfig()
	updated.VAD.OnsetThreshold = 0.2
	updated.VAD.OffsetThreshold = 0.9

	application.ApplyConfig(old, updated)
	if got := application.Machine().SegmentConfig(); got != before {
		t.Errorf("segment config = %+v, want unchanged %+v", got, before)
	}
}

type failingStore struct {
	history.Store
	pingErr error
}

func (s *failingStore) Ping(context.Context) error { return s.pingErr }

func TestApp_ReadinessReportsStore(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	store := &failingStore{Store: history.NewMemStore(), pingErr: errors.New("connection refused")}
	application, err := app.New(context.Background(), testConfig(), testProviders(),
		app.WithHistoryStore(store),
		app.WithListener(ln),
		app.WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()
	defer func() {
		cancel()
		<-errCh
	}()

	base := "http://" + ln.Addr().String()
	waitReady(t, base)

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want 503", resp.StatusCode)
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testProviders(), app.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown() error: %v", err)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
