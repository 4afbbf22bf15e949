package polish_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/dictum/internal/polish"
	"github.com/MrWong99/dictum/pkg/provider/llm"
	llmmock "github.com/MrWong99/dictum/pkg/provider/llm/mock"
)

func TestPolisher_SendsRequest(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Deploy it to Kubernetes today."}}
	p := polish.New(provider, polish.WithVocabulary(polish.NewVocabulary([]string{"Kubernetes"})))

	got, err := p.Polish(context.Background(), "um deploy it to kubernetes today")
	if err != nil {
		t.Fatalf("Polish: %v", err)
	}
	if got != "Deploy it to Kubernetes today." {
		t.Errorf("got %q", got)
	}

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("Complete called %d times, want 1", len(calls))
	}
	req := calls[0].Req
	if req.Temperature != polish.DefaultTemperature {
		t.Errorf("Temperature = %v, want %v", req.Temperature, polish.DefaultTemperature)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser {
		t.Fatalf("messages = %+v", req.Messages)
	}
	// Vocabulary correction runs before the model sees the text.
	if req.Messages[0].Content != "um deploy it to Kubernetes today" {
		t.Errorf("user message = %q", req.Messages[0].Content)
	}
	if !strings.HasPrefix(req.SystemPrompt, polish.DefaultSystemPrompt) || !strings.Contains(req.SystemPrompt, "- Kubernetes") {
		t.Errorf("system prompt missing vocabulary:\n%s", req.SystemPrompt)
	}
}

func TestPolisher_CleansOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		out  string
		want string
	}{
		{name: "plain", out: "  Hello there.  ", want: "Hello there."},
		{name: "fenced", out: "```text\nHello there.\n```", want: "Hello there."},
		{name: "bare fence", out: "```\nHello.\n```", want: "Hello."},
		{name: "quoted", out: `"Hello there."`, want: "Hello there."},
		{name: "inner quotes kept", out: `"Yes," she said, "fine."`, want: `"Yes," she said, "fine."`},
		{name: "empty", out: "   ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := polish.New(&llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: tt.out}})
			got, err := p.Polish(context.Background(), "hello there")
			if err != nil {
				t.Fatalf("Polish: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPolisher_Options(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	p := polish.New(provider,
		polish.WithSystemPrompt("Be terse."),
		polish.WithTemperature(0.4),
		polish.WithMaxTokens(128),
	)
	if _, err := p.Polish(context.Background(), "x"); err != nil {
		t.Fatalf("Polish: %v", err)
	}
	req := provider.Calls()[0].Req
	if req.SystemPrompt != "Be terse." || req.Temperature != 0.4 || req.MaxTokens != 128 {
		t.Errorf("request = %+v", req)
	}
}

func TestPolisher_Error(t *testing.T) {
	t.Parallel()

	boom := errors.New("rate limited")
	p := polish.New(&llmmock.Provider{CompleteErr: boom})
	if _, err := p.Polish(context.Background(), "hi"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestPolisher_VocabularyOnly(t *testing.T) {
	t.Parallel()

	p := polish.New(nil, polish.WithVocabulary(polish.NewVocabulary([]string{"Postgres"})))
	got, err := p.Polish(context.Background(), "back up postgress")
	if err != nil {
		t.Fatalf("Polish: %v", err)
	}
	if got != "back up Postgres" {
		t.Errorf("got %q", got)
	}
}

func TestPolisher_SetVocabulary(t *testing.T) {
	t.Parallel()

	p := polish.New(nil)
	if p.Vocabulary().Len() != 0 {
		t.Fatal("expected empty vocabulary")
	}
	p.SetVocabulary(polish.NewVocabulary([]string{"Kubernetes"}))
	if got, _ := p.Polish(context.Background(), "kubernetes"); got != "Kubernetes" {
		t.Errorf("got %q after SetVocabulary", got)
	}
	p.SetVocabulary(nil)
	if got, _ := p.Polish(context.Background(), "kubernetes"); got != "kubernetes" {
		t.Errorf("got %q after clearing vocabulary", got)
	}
}
