// Package audio defines how turnlog talks to a real-time media room.
//
// A [Platform] joins a room and returns a [Connection] that exposes one PCM
// input stream per remote participant, a single output stream for the
// agent's voice, and participant join/leave events. Platform adapters live
// in sub-packages (audio/livekit).
package audio

import "context"

// EventType classifies participant events.
type EventType int

const (
	// EventJoin fires when a participant's microphone becomes available.
	EventJoin EventType = iota

	// EventLeave fires when a participant disconnects.
	EventLeave
)

// String returns the upper-case event name.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant change.
type Event struct {
	Type EventType

	// Identity is the participant's unique identity in the room.
	Identity string

	// Name is the display name; may be empty.
	Name string
}

// Connection is a joined room. Implementations must be safe for concurrent
// use.
type Connection interface {
	// InputStreams returns a snapshot of the per-participant audio channels
	// keyed by identity. A participant's channel is closed when they leave.
	InputStreams() map[string]<-chan AudioFrame

	// OutputStream accepts PCM for the agent's published track. Frames
	// written after Disconnect are never sent; writers should select on
	// their own context.
	OutputStream() chan<- AudioFrame

	// OnParticipantChange replaces the participant callback. The callback
	// runs on its own goroutine.
	OnParticipantChange(cb func(Event))

	// Connected reports whether the room connection is still up.
	Connected() bool

	// Disconnect leaves the room and closes all input channels. Safe to call
	// more than once.
	Disconnect() error
}

// Platform joins rooms.
type Platform interface {
	// Connect joins room. ctx bounds the connection attempt only.
	Connect(ctx context.Context, room string) (Connection, error)
}
