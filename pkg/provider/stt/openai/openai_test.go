package openai_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/dictum/pkg/provider/stt"
	"github.com/MrWong99/dictum/pkg/provider/stt/openai"
)

type seen struct {
	mu     sync.Mutex
	path   string
	fields map[string]string
	wav    []byte
}

func newServer(t *testing.T, status int, body string) (*httptest.Server, *seen) {
	t.Helper()
	s := &seen{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.path = r.URL.Path
		s.fields = map[string]string{}
		if err := r.ParseMultipartForm(10 << 20); err == nil {
			for k, v := range r.MultipartForm.Value {
				s.fields[k] = v[0]
			}
			if f, _, err := r.FormFile("file"); err == nil {
				s.wav, _ = io.ReadAll(f)
				f.Close()
			}
		}
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, s
}

func TestTranscribe(t *testing.T) {
	t.Parallel()

	srv, s := newServer(t, http.StatusOK, `{"text":" Ship it on Friday. "}`)
	p, err := openai.New("sk-test", "", openai.WithBaseURL(srv.URL+"/"), openai.WithLanguage("en"), openai.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Transcribe(context.Background(), stt.Request{
		Samples:    make([]float32, 8000),
		SampleRate: 16000,
		Keywords:   []string{"Friday"},
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "Ship it on Friday." || res.Provider != "openai" || res.Language != "en" {
		t.Errorf("result = %+v", res)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "/audio/transcriptions" {
		t.Errorf("path = %q", s.path)
	}
	if s.fields["model"] != "whisper-1" || s.fields["language"] != "en" || s.fields["prompt"] != "Friday" {
		t.Errorf("fields = %v", s.fields)
	}
	if len(s.wav) != 44+2*8000 || string(s.wav[:4]) != "RIFF" {
		t.Errorf("uploaded %d bytes, want a %d byte WAV", len(s.wav), 44+2*8000)
	}
}

func TestTranscribe_AutoLanguageOmitted(t *testing.T) {
	t.Parallel()

	srv, s := newServer(t, http.StatusOK, `{"text":"bonjour"}`)
	p, _ := openai.New("sk-test", "gpt-4o-transcribe", openai.WithBaseURL(srv.URL+"/"), openai.WithMaxRetries(0))
	res, err := p.Transcribe(context.Background(), stt.Request{Samples: make([]float32, 160), SampleRate: 16000, Language: "auto"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fields["language"]; ok {
		t.Errorf("language field sent for auto detection: %v", s.fields)
	}
	if s.fields["model"] != "gpt-4o-transcribe" {
		t.Errorf("model = %q", s.fields["model"])
	}
	if res.Language != "" {
		t.Errorf("Language = %q, want empty", res.Language)
	}
}

func TestTranscribe_Errors(t *testing.T) {
	t.Parallel()

	p, _ := openai.New("sk-test", "")
	if _, err := p.Transcribe(context.Background(), stt.Request{}); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Errorf("err = %v, want ErrEmptyAudio", err)
	}

	srv, _ := newServer(t, http.StatusBadRequest, `{"error":{"message":"bad audio","type":"invalid_request_error"}}`)
	p, _ = openai.New("sk-test", "", openai.WithBaseURL(srv.URL+"/"), openai.WithMaxRetries(0))
	if _, err := p.Transcribe(context.Background(), stt.Request{Samples: make([]float32, 160), SampleRate: 16000}); err == nil {
		t.Error("expected API error")
	}

	if _, err := openai.New("", ""); err == nil {
		t.Error("expected error for empty API key")
	}
}
