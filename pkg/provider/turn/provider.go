// Package turn defines end-of-turn detection: given the chat so far, how
// likely is it that the user has finished speaking.
package turn

import (
	"context"
	"time"

	"github.com/MrWong99/turnlog/pkg/types"
)

// Detector estimates whether the last user message completes a turn.
type Detector interface {
	// EndOfTurnProbability returns a value in [0, 1] for the last user
	// message of history.
	EndOfTurnProbability(ctx context.Context, history []types.Message) (float64, error)
}

// Delay maps an end-of-turn probability onto the endpointing window: a
// certain end of turn waits min, an uncertain one waits up to max.
func Delay(p float64, min, max time.Duration) time.Duration {
	if max < min {
		max = min
	}
	p = clamp01(p)
	return max - time.Duration(p*float64(max-min))
}

func clamp01(p float64) float64 {
	switch {
	case p < 0 || p != p:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
