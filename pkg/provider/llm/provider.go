// Package llm defines the streaming chat-completion interface used by the
// session runtime to generate replies.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion are closed by the implementation when generation ends or
// ctx is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/turnlog/pkg/types"
)

// FinishError is the FinishReason of a chunk that reports a mid-stream
// failure. The chunk's Text carries the error message.
const FinishError = "error"

// Usage is token accounting reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CompletionRequest is one chat completion.
type CompletionRequest struct {
	// SystemPrompt is sent ahead of Messages as a system-role message.
	SystemPrompt string

	// Messages is the ordered chat history; the last entry is usually the
	// user turn that drives the reply.
	Messages []types.Message

	// Temperature in [0, 2]. Zero requests the provider default.
	Temperature float64

	// MaxTokens caps the reply length; zero means provider default.
	MaxTokens int
}

// Chunk is one fragment of a streamed reply.
type Chunk struct {
	// Text is the incremental reply text. May be empty.
	Text string

	// FinishReason is non-empty on the last chunk ("stop", "length",
	// [FinishError]).
	FinishReason string

	// Usage is set on the chunk that carries the backend's token counts,
	// typically the last one. Nil when the backend does not report usage.
	Usage *Usage
}

// Provider is a chat model backend.
type Provider interface {
	// StreamCompletion starts a completion and returns a channel of chunks.
	// The returned error is non-nil only when the stream could not start;
	// later failures arrive as a chunk with FinishReason [FinishError].
	// Callers must drain the channel.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// CountTokens estimates the tokens messages would consume. It is used
	// when the backend does not report usage.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities describes the model. The result is constant.
	Capabilities() types.ModelCapabilities
}

// EstimateTokens approximates the token count of text at four characters per
// token, rounding up.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
