// Package heuristic implements turn.Detector from the text of the last user
// message: terminal punctuation raises the end-of-turn probability, trailing
// fillers and conjunctions lower it.
package heuristic

import (
	"context"
	"strings"
	"unicode"

	"github.com/MrWong99/turnlog/pkg/provider/turn"
	"github.com/MrWong99/turnlog/pkg/types"
)

// Detector is the heuristic end-of-turn model.
type Detector struct {
	trailing map[string]float64
}

var _ turn.Detector = (*Detector)(nil)

// Words that suggest the speaker is about to continue.
var defaultTrailing = map[string]float64{
	"and": 0.1, "but": 0.1, "or": 0.1, "so": 0.2, "because": 0.1,
	"um": 0.15, "uh": 0.15, "like": 0.25, "the": 0.05, "a": 0.05,
	"to": 0.1, "of": 0.1, "with": 0.1, "if": 0.1, "then": 0.2,
}

// New returns a Detector with the built-in word list.
func New() *Detector {
	return &Detector{trailing: defaultTrailing}
}

// EndOfTurnProbability implements turn.Detector.
func (d *Detector) EndOfTurnProbability(ctx context.Context, history []types.Message) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	text := lastUserText(history)
	if text == "" {
		return 0, nil
	}

	switch text[len(text)-1] {
	case '.', '!', '?':
		return 0.95, nil
	case ',', ';', ':', '-':
		return 0.2, nil
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	if len(words) == 0 {
		return 0.5, nil
	}
	if p, ok := d.trailing[words[len(words)-1]]; ok {
		return p, nil
	}
	// Short unpunctuated fragments are usually complete answers ("yes",
	// "sounds good"); longer ones are more likely cut off.
	if len(words) <= 3 {
		return 0.8, nil
	}
	return 0.6, nil
}

func lastUserText(history []types.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == types.RoleUser {
			return strings.TrimSpace(history[i].Content)
		}
	}
	return ""
}
