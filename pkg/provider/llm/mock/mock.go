// Package mock provides a recording test double for llm.Provider.
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/turnlog/pkg/provider/llm"
	"github.com/MrWong99/turnlog/pkg/types"
)

// Provider is a mock llm.Provider. Zero values yield empty streams and nil
// errors.
type Provider struct {
	mu sync.Mutex

	// Chunks is emitted by every StreamCompletion call, then the channel is
	// closed.
	Chunks []llm.Chunk

	// FirstChunkDelay is slept before the first chunk is sent.
	FirstChunkDelay time.Duration

	// StreamErr is returned by StreamCompletion instead of a channel.
	StreamErr error

	// TokenCount and CountTokensErr are returned by CountTokens.
	TokenCount     int
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records req and replays Chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := slices.Clone(p.Chunks)
	delay := p.FirstChunkDelay
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// CountTokens returns TokenCount, CountTokensErr.
func (p *Provider) CountTokens([]types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TokenCount, p.CountTokensErr
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Requests returns a copy of every request seen by StreamCompletion.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.requests)
}
