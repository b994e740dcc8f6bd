package heuristic_test

import (
	"context"
	"testing"

	"github.com/MrWong99/turnlog/pkg/provider/turn/heuristic"
	"github.com/MrWong99/turnlog/pkg/types"
)

func TestEndOfTurnProbability(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want float64
	}{
		{name: "question", text: "What's the weather like?", want: 0.95},
		{name: "trailing comma", text: "Well,", want: 0.2},
		{name: "trailing conjunction", text: "I want to book a table and", want: 0.1},
		{name: "filler", text: "I think um", want: 0.15},
		{name: "short answer", text: "yes please", want: 0.8},
		{name: "long unpunctuated", text: "I would like to know the opening hours", want: 0.6},
		{name: "empty", text: "   ", want: 0},
	}
	d := heuristic.New()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := d.EndOfTurnProbability(context.Background(), []types.Message{
				{Role: types.RoleAssistant, Content: "Hi there! How can I help you today?"},
				{Role: types.RoleUser, Content: tc.text},
			})
			if err != nil {
				t.Fatalf("EndOfTurnProbability: %v", err)
			}
			if got != tc.want {
				t.Errorf("p(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestEndOfTurnProbability_UsesLastUserMessage(t *testing.T) {
	t.Parallel()

	got, err := heuristic.New().EndOfTurnProbability(context.Background(), []types.Message{
		{Role: types.RoleUser, Content: "and"},
		{Role: types.RoleUser, Content: "Thanks."},
		{Role: types.RoleAssistant, Content: "You're welcome and"},
	})
	if err != nil {
		t.Fatalf("EndOfTurnProbability: %v", err)
	}
	if got != 0.95 {
		t.Errorf("p = %v, want 0.95", got)
	}
}

func TestEndOfTurnProbability_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := heuristic.New().EndOfTurnProbability(ctx, nil); err == nil {
		t.Error("expected context error")
	}
}
