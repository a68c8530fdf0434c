package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/pngtuberbot/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

// ErrGuildUnavailable is returned by [Connection.VoiceStates] while the
// gateway has not yet delivered the guild's voice states after a new session.
// Callers retry.
var ErrGuildUnavailable = errors.New("discord: guild state not yet available")

// eventQueueBuffer bounds the event queue. Frame events are dropped when it
// is full; every other event kind waits for room.
const eventQueueBuffer = 256

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. Incoming Opus packets are attributed to users
// through the SSRC announced in voice speaking updates, optionally decoded and
// level-gated, and delivered as [audio.FrameEvent] values. Gateway voice-state
// updates become [audio.VoiceStateEvent] / [audio.PresenceEvent] values and
// gateway reconnects become [audio.ResetEvent].
//
// Connection is safe for concurrent use.
type Connection struct {
	vc        *discordgo.VoiceConnection
	session   *discordgo.Session
	guildID   string
	channelID string
	threshold float64
	onDrop    func()

	ssrcMu   sync.RWMutex
	ssrcUser map[uint32]string // SSRC -> userID mapping

	// sendMu guards sends on events against the close in Disconnect.
	sendMu sync.RWMutex
	closed bool
	events chan audio.Event

	done      chan struct{}
	closeOnce sync.Once
	recvDone  chan struct{}

	removeHandlers []func()

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error

	// guildState returns the cached guild used for resync. Defaults to the
	// session state cache; overridden in tests.
	guildState func() (*discordgo.Guild, error)

	// selfID returns the bot's own user ID so its voice state is ignored.
	selfID func() string
}

// newConnection initialises a Connection for an already-joined voice channel.
// It registers the gateway handlers and starts the receive loop.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID, channelID string, threshold float64, onDrop func()) *Connection {
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		channelID:    channelID,
		threshold:    threshold,
		onDrop:       onDrop,
		ssrcUser:     make(map[uint32]string),
		events:       make(chan audio.Event, eventQueueBuffer),
		done:         make(chan struct{}),
		recvDone:     make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	c.guildState = func() (*discordgo.Guild, error) {
		return session.State.Guild(guildID)
	}
	c.selfID = func() string {
		if session.State == nil || session.State.User == nil {
			return ""
		}
		return session.State.User.ID
	}

	c.removeHandlers = append(c.removeHandlers,
		session.AddHandler(c.handleVoiceStateUpdate),
		session.AddHandler(c.handleReady),
		session.AddHandler(c.handleResumed),
	)
	vc.AddHandler(c.handleSpeakingUpdate)

	go c.recvLoop()

	return c
}

// Events returns the ordered session event queue.
func (c *Connection) Events() <-chan audio.Event {
	return c.events
}

// ChannelID returns the connected voice channel.
func (c *Connection) ChannelID() string {
	return c.channelID
}

// VoiceStates returns the current voice state of every member in the
// connected channel, read from the gateway state cache. The bot itself is
// excluded. After a gateway Ready the cache only holds an unavailable guild
// stub until GUILD_CREATE arrives; until then it returns [ErrGuildUnavailable].
func (c *Connection) VoiceStates(ctx context.Context) ([]audio.VoiceState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g, err := c.guildState()
	if err != nil {
		return nil, fmt.Errorf("discord: guild %q state: %w", c.guildID, err)
	}
	if g == nil || g.Unavailable {
		return nil, ErrGuildUnavailable
	}
	self := c.selfID()
	var out []audio.VoiceState
	for _, vs := range g.VoiceStates {
		if vs == nil || vs.ChannelID != c.channelID || vs.UserID == self {
			continue
		}
		out = append(out, toVoiceState(vs))
	}
	return out, nil
}

// Disconnect cleanly tears down the voice connection and stops all background
// goroutines. It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		for _, remove := range c.removeHandlers {
			if remove != nil {
				remove()
			}
		}

		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}

		<-c.recvDone
		c.sendMu.Lock()
		c.closed = true
		close(c.events)
		c.sendMu.Unlock()
	})
	return err
}

// recvLoop reads Opus packets from the Discord voice connection, attributes
// them to users by SSRC and delivers frame events.
func (c *Connection) recvLoop() {
	defer close(c.recvDone)

	// Each SSRC gets its own decoder to maintain state across frames.
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			userID, known := c.userForSSRC(pkt.SSRC)
			if !known {
				// No speaking update yet; the frame cannot be attributed.
				continue
			}

			level := 1.0
			if c.threshold > 0 {
				dec, exists := decoders[pkt.SSRC]
				if !exists {
					var err error
					dec, err = newOpusDecoder()
					if err != nil {
						slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
						continue
					}
					decoders[pkt.SSRC] = dec
				}
				pcm, err := dec.decode(pkt.Opus)
				if err != nil {
					slog.Debug("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				level = audio.Level(pcm)
				if level < c.threshold {
					continue
				}
			}

			c.emitFrame(audio.FrameEvent{
				UserID: userID,
				At:     time.Now(),
				Level:  level,
			})
		}
	}
}

// handleSpeakingUpdate records the SSRC announced for a user.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.ssrcMu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.ssrcMu.Unlock()
}

// userForSSRC returns the user ID associated with ssrc, if known.
func (c *Connection) userForSSRC(ssrc uint32) (string, bool) {
	c.ssrcMu.RLock()
	defer c.ssrcMu.RUnlock()
	id, ok := c.ssrcUser[ssrc]
	return id, ok
}

// handleVoiceStateUpdate turns gateway voice-state updates that touch the
// connected channel into presence and voice-state events.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil || vsu.GuildID != c.guildID {
		return
	}
	if vsu.UserID == c.selfID() {
		return
	}

	before := ""
	if vsu.BeforeUpdate != nil {
		before = vsu.BeforeUpdate.ChannelID
	}
	wasIn := before == c.channelID
	isIn := vsu.ChannelID == c.channelID
	if !wasIn && !isIn {
		return
	}

	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	switch {
	case !wasIn && isIn:
		c.emit(audio.PresenceEvent{Type: audio.EventJoin, UserID: vsu.UserID, Username: username})
	case wasIn && !isIn:
		c.emit(audio.PresenceEvent{Type: audio.EventLeave, UserID: vsu.UserID, Username: username})
		c.forgetUser(vsu.UserID)
	}

	c.emit(audio.VoiceStateEvent{State: toVoiceState(vsu.VoiceState)})
}

// handleReady fires when the gateway established a new session. The
// Connection is created after the initial Ready, so any Ready seen here is a
// reconnect.
func (c *Connection) handleReady(_ *discordgo.Session, _ *discordgo.Ready) {
	c.emit(audio.ResetEvent{Reason: "gateway ready"})
}

// handleResumed fires when the gateway resumed a dropped session.
func (c *Connection) handleResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	c.emit(audio.ResetEvent{Reason: "gateway resumed"})
}

// forgetUser drops SSRC mappings of a user who left the channel.
func (c *Connection) forgetUser(userID string) {
	c.ssrcMu.Lock()
	defer c.ssrcMu.Unlock()
	for ssrc, id := range c.ssrcUser {
		if id == userID {
			delete(c.ssrcUser, ssrc)
		}
	}
}

// emit delivers a non-frame event, waiting for room in the queue.
func (c *Connection) emit(ev audio.Event) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// emitFrame delivers a frame event without blocking.
func (c *Connection) emitFrame(ev audio.FrameEvent) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		if c.onDrop != nil {
			c.onDrop()
		}
	}
}

// toVoiceState converts a discordgo voice state into the platform-neutral form.
func toVoiceState(vs *discordgo.VoiceState) audio.VoiceState {
	return audio.VoiceState{
		UserID:     vs.UserID,
		ChannelID:  vs.ChannelID,
		SelfMute:   vs.SelfMute,
		SelfDeaf:   vs.SelfDeaf,
		ServerMute: vs.Mute,
		ServerDeaf: vs.Deaf,
	}
}
