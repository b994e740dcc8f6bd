// Package mock provides in-memory audio.Platform and audio.Connection
// doubles. Tests add participants, push PCM frames for them and read what
// the agent wrote to the output stream.
package mock

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/turnlog/pkg/audio"
)

// Connection is a mock audio.Connection.
type Connection struct {
	mu       sync.Mutex
	inputs   map[string]chan audio.AudioFrame
	output   chan audio.AudioFrame
	cb       func(audio.Event)
	closed   bool
	disconns int

	// DisconnectErr is returned by Disconnect.
	DisconnectErr error
}

var _ audio.Connection = (*Connection)(nil)

// NewConnection returns a Connection whose output stream buffers up to
// outBuf frames.
func NewConnection(outBuf int) *Connection {
	return &Connection{
		inputs: make(map[string]chan audio.AudioFrame),
		output: make(chan audio.AudioFrame, outBuf),
	}
}

// InputStreams implements audio.Connection.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]<-chan audio.AudioFrame, len(c.inputs))
	for id, ch := range c.inputs {
		out[id] = ch
	}
	return out
}

// OutputStream implements audio.Connection.
func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.output }

// Output returns the receive side of the output stream.
func (c *Connection) Output() <-chan audio.AudioFrame { return c.output }

// OnParticipantChange implements audio.Connection.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// Connected implements audio.Connection.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Disconnect implements audio.Connection.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconns++
	if !c.closed {
		c.closed = true
		for id, ch := range c.inputs {
			close(ch)
			delete(c.inputs, id)
		}
	}
	return c.DisconnectErr
}

// Disconnects returns how often Disconnect was called.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconns
}

// Join adds a participant and fires EventJoin synchronously. The returned
// channel feeds that participant's input stream.
func (c *Connection) Join(identity string) chan<- audio.AudioFrame {
	c.mu.Lock()
	ch := make(chan audio.AudioFrame, 64)
	c.inputs[identity] = ch
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(audio.Event{Type: audio.EventJoin, Identity: identity})
	}
	return ch
}

// Leave closes a participant's stream and fires EventLeave synchronously.
func (c *Connection) Leave(identity string) {
	c.mu.Lock()
	if ch, ok := c.inputs[identity]; ok {
		close(ch)
		delete(c.inputs, identity)
	}
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(audio.Event{Type: audio.EventLeave, Identity: identity})
	}
}

// Participants returns the identities currently in the room, sorted.
func (c *Connection) Participants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.inputs))
}

// Platform is a mock audio.Platform.
type Platform struct {
	mu sync.Mutex

	// Conn is returned by Connect.
	Conn *Connection

	// ConnectErr is returned by Connect when non-nil.
	ConnectErr error

	rooms []string
}

var _ audio.Platform = (*Platform)(nil)

// Connect implements audio.Platform.
func (p *Platform) Connect(_ context.Context, room string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms = append(p.rooms, room)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	return p.Conn, nil
}

// Rooms returns the rooms passed to Connect.
func (p *Platform) Rooms() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.rooms)
}
