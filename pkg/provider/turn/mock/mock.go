// Package mock provides a test double for turn.Detector.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/turnlog/pkg/provider/turn"
	"github.com/MrWong99/turnlog/pkg/types"
)

// Detector returns Probability and Err and counts calls.
type Detector struct {
	mu          sync.Mutex
	Probability float64
	Err         error
	calls       int
}

var _ turn.Detector = (*Detector)(nil)

// EndOfTurnProbability implements turn.Detector.
func (d *Detector) EndOfTurnProbability(context.Context, []types.Message) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.Probability, d.Err
}

// Calls returns the number of EndOfTurnProbability calls.
func (d *Detector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
