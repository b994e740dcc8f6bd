package openai

import (
	"testing"

	"github.com/MrWong99/turnlog/pkg/provider/llm"
	"github.com/MrWong99/turnlog/pkg/types"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role  string
		check func(t *testing.T, got bool)
	}{
		{role: types.RoleSystem},
		{role: types.RoleUser},
		{role: types.RoleAssistant},
	}
	for _, tc := range tests {
		t.Run(tc.role, func(t *testing.T) {
			t.Parallel()
			p, err := convertMessage(types.Message{Role: tc.role, Content: "hi"})
			if err != nil {
				t.Fatalf("convertMessage: %v", err)
			}
			var set bool
			switch tc.role {
			case types.RoleSystem:
				set = p.OfSystem != nil
			case types.RoleUser:
				set = p.OfUser != nil
			case types.RoleAssistant:
				set = p.OfAssistant != nil
			}
			if !set {
				t.Errorf("role %q not mapped to its union member", tc.role)
			}
		})
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()
	if _, err := convertMessage(types.Message{Role: "tool"}); err == nil {
		t.Fatal("expected error for unsupported role")
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p, err := New("key", "llama3-8b-8192", WithBaseURL(GroqBaseURL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages:     []types.Message{{Role: types.RoleUser, Content: "hello"}},
		MaxTokens:    64,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("messages = %d, want 2 (system + user)", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message is not the system prompt")
	}
	if !params.StreamOptions.IncludeUsage.Value {
		t.Error("stream usage not requested")
	}
	if params.MaxCompletionTokens.Value != 64 {
		t.Errorf("max tokens = %d, want 64", params.MaxCompletionTokens.Value)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "m"); err == nil {
		t.Error("empty api key accepted")
	}
	if _, err := New("k", ""); err == nil {
		t.Error("empty model accepted")
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model   string
		context int
	}{
		{"llama3-8b-8192", 8_192},
		{"llama-3.3-70b-versatile", 131_072},
		{"gpt-4o-mini", 128_000},
		{"something-else", 128_000},
	}
	for _, tc := range tests {
		caps := modelCapabilities(tc.model)
		if caps.ContextWindow != tc.context {
			t.Errorf("%s: context = %d, want %d", tc.model, caps.ContextWindow, tc.context)
		}
		if !caps.SupportsStreaming || !caps.ReportsUsage {
			t.Errorf("%s: caps = %+v", tc.model, caps)
		}
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()
	p, _ := New("k", "m")
	n, err := p.CountTokens([]types.Message{{Content: "abcdefgh"}, {Content: ""}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n != 2+4+4 {
		t.Errorf("CountTokens = %d, want 10", n)
	}
}
