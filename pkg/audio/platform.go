// Package audio defines the interfaces and types for voice-session
// connectivity within pngtuberbot.
//
// The two primary abstractions are:
//
//   - [Platform] joins a voice channel in listen-only mode and returns a [Connection].
//   - [Connection] is an active session on that channel that delivers a single
//     ordered queue of typed [Event] values: frame arrivals, voice-state changes,
//     join/leave notifications and session resets.
//
// Implementations are provided by platform-specific adapter packages
// (e.g. audio/discord). Consumers depend only on these interfaces, never on the
// concrete voice client.
package audio

import (
	"context"
	"time"
)

// EventType classifies participant presence events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
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

// Event is one item of the session event queue. The concrete type is one of
// [FrameEvent], [VoiceStateEvent], [PresenceEvent] or [ResetEvent]; consumers
// use a type switch.
type Event interface {
	event()
}

// FrameEvent reports that an audio frame attributable to a participant arrived.
type FrameEvent struct {
	// UserID is the platform-specific participant identifier.
	UserID string

	// At is the arrival time of the frame.
	At time.Time

	// Level is the normalised RMS level of the decoded frame in [0, 1].
	Level float64
}

// VoiceStateEvent reports a participant's current voice flags.
type VoiceStateEvent struct {
	State VoiceState
}

// PresenceEvent describes a participant joining or leaving the channel.
type PresenceEvent struct {
	// Type indicates whether the participant joined or left.
	Type EventType

	// UserID is the platform-specific unique identifier for the participant.
	UserID string

	// Username is the human-readable display name, if known.
	Username string
}

// ResetEvent signals that the session reconnected and previously delivered
// state can no longer be trusted. Consumers should discard what they know and
// re-request the current voice states via [Connection.VoiceStates].
type ResetEvent struct {
	Reason string
}

func (FrameEvent) event()      {}
func (VoiceStateEvent) event() {}
func (PresenceEvent) event()   {}
func (ResetEvent) event()      {}

// VoiceState is a snapshot of one participant's voice flags as reported by the
// platform. ChannelID is empty when the participant is not in any channel.
type VoiceState struct {
	UserID     string
	ChannelID  string
	SelfMute   bool
	SelfDeaf   bool
	ServerMute bool
	ServerDeaf bool
}

// Connection represents an active listen-only session on a voice channel.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// Events returns the session event queue. Events for the same participant
	// are delivered in the order they were observed. Frame events may be
	// dropped when the consumer falls behind; all other kinds are never
	// dropped. The channel is closed after [Connection.Disconnect].
	Events() <-chan Event

	// VoiceStates re-requests the current voice state of every participant
	// in the connected channel. Used to resynchronise after a [ResetEvent].
	VoiceStates(ctx context.Context) ([]VoiceState, error)

	// ChannelID returns the identifier of the connected voice channel.
	ChannelID() string

	// Disconnect leaves the channel and stops event delivery. It is safe to
	// call more than once; subsequent calls are no-ops and return nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID in listen-only
	// mode. ctx governs the connection attempt only.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
