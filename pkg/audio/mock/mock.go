// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	conn := mock.NewConnection("channel-42")
//	conn.VoiceStatesResult = []audio.VoiceState{{UserID: "u1", ChannelID: "channel-42"}}
//	platform := &mock.Platform{ConnectResult: conn}
//	got, _ := platform.Connect(ctx, "channel-42")
//	conn.Emit(audio.ResetEvent{Reason: "test"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pngtuberbot/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
// Set the exported Result fields before use; inspect the Call* fields after.
type Connection struct {
	mu sync.Mutex

	events    chan audio.Event
	channelID string
	closed    bool

	// VoiceStatesResult is returned by [Connection.VoiceStates].
	VoiceStatesResult []audio.VoiceState

	// VoiceStatesError is returned by [Connection.VoiceStates].
	VoiceStatesError error

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// CallCountVoiceStates records how many times VoiceStates was called.
	CallCountVoiceStates int

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int
}

// NewConnection returns a Connection for channelID with a buffered event queue.
func NewConnection(channelID string) *Connection {
	return &Connection{
		events:    make(chan audio.Event, 256),
		channelID: channelID,
	}
}

// Events implements [audio.Connection].
func (c *Connection) Events() <-chan audio.Event {
	return c.events
}

// VoiceStates implements [audio.Connection]. Returns a copy of
// VoiceStatesResult and VoiceStatesError.
func (c *Connection) VoiceStates(_ context.Context) ([]audio.VoiceState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountVoiceStates++
	if c.VoiceStatesError != nil {
		return nil, c.VoiceStatesError
	}
	out := make([]audio.VoiceState, len(c.VoiceStatesResult))
	copy(out, c.VoiceStatesResult)
	return out, nil
}

// SetVoiceStates replaces VoiceStatesResult under the mock's lock.
func (c *Connection) SetVoiceStates(states []audio.VoiceState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.VoiceStatesResult = states
	c.VoiceStatesError = err
}

// VoiceStatesCalls returns CallCountVoiceStates under the mock's lock.
func (c *Connection) VoiceStatesCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountVoiceStates
}

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string {
	return c.channelID
}

// Disconnect implements [audio.Connection]. The first call closes the event
// queue; every call returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return c.DisconnectError
}

// Emit pushes ev onto the event queue. Emitting after Disconnect is a no-op.
func (c *Connection) Emit(ev audio.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// ChannelID is the channelID argument passed to Connect.
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is returned by [Platform.Connect] on success.
	ConnectResult audio.Connection

	// ConnectError, if non-nil, is returned as the error from Connect.
	ConnectError error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{ChannelID: channelID})
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	return p.ConnectResult, nil
}

// Compile-time interface assertions.
var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Platform   = (*Platform)(nil)
)
