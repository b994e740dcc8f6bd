package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/turnlog/pkg/provider/llm"
	"github.com/MrWong99/turnlog/pkg/types"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	got := convertMessage(types.Message{Role: types.RoleUser, Content: "Hello!", Name: "caller"})
	if got.Role != "user" {
		t.Errorf("role = %q, want user", got.Role)
	}
	if got.ContentString() != "Hello!" {
		t.Errorf("content = %q", got.ContentString())
	}
	if got.Name != "caller" {
		t.Errorf("name = %q", got.Name)
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3-8b-8192"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a voice assistant.",
		Messages:     []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Temperature:  0.7,
	})
	if params.Model != "llama3-8b-8192" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("messages = %+v, want system prompt first", params.Messages)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("max tokens = %v, want unset", *params.MaxTokens)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		model   string
		opts    []anyllmlib.Option
		wantErr bool
	}{
		{name: "groq with key", backend: "groq", model: "llama3-8b-8192", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("gsk-test")}},
		{name: "ollama without key", backend: "ollama", model: "llama3"},
		{name: "empty backend", backend: "", model: "m", wantErr: true},
		{name: "empty model", backend: "groq", model: "", wantErr: true},
		{name: "unsupported", backend: "fakecloud", model: "m", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("x")}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.backend, tc.model, tc.opts...)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.model != tc.model {
				t.Errorf("model = %q, want %q", p.model, tc.model)
			}
		})
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model   string
		context int
	}{
		{"llama3-8b-8192", 8_192},
		{"LLAMA3-70B-8192", 8_192},
		{"claude-3-5-sonnet-latest", 200_000},
		{"gemini-2.0-flash", 1_048_576},
		{"mystery", 128_000},
	}
	for _, tc := range tests {
		if got := modelCapabilities(tc.model).ContextWindow; got != tc.context {
			t.Errorf("%s: context = %d, want %d", tc.model, got, tc.context)
		}
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "m"}
	n, err := p.CountTokens([]types.Message{{Content: "Hello"}, {Content: "there"}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	// "Hello" and "there" are 2 tokens each plus 4 overhead per message.
	if n != 12 {
		t.Errorf("CountTokens = %d, want 12", n)
	}
}
