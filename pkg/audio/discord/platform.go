// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library.
//
// The platform requires an active *discordgo.Session (owned by the bot layer)
// and a guild ID. Each call to [Platform.Connect] joins the specified voice
// channel self-muted and returns a [Connection] that turns Discord's Opus
// stream, voice-state updates and gateway reconnects into a single ordered
// [audio.Event] queue.
package discord

import (
	"context"
	"fmt"

	"github.com/MrWong99/pngtuberbot/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Option is a functional option for configuring a Platform.
type Option func(*Platform)

// WithThreshold sets the minimum normalised RMS level a decoded frame must
// reach to be reported as a [audio.FrameEvent]. Zero reports every frame.
func WithThreshold(level float64) Option {
	return func(p *Platform) {
		if level >= 0 {
			p.threshold = level
		}
	}
}

// WithFrameDropHandler registers fn to be called whenever a frame event is
// dropped because the consumer fell behind.
func WithFrameDropHandler(fn func()) Option {
	return func(p *Platform) { p.onDrop = fn }
}

// Platform implements [audio.Platform] using a discordgo voice connection.
// It requires an active *discordgo.Session (owned by the bot layer).
//
// Platform is safe for concurrent use.
type Platform struct {
	session   *discordgo.Session
	guildID   string
	threshold float64
	onDrop    func()
}

// New creates a new Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string, opts ...Option) *Platform {
	p := &Platform{
		session: session,
		guildID: guildID,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect joins the voice channel identified by channelID and returns an active
// [audio.Connection]. The supplied ctx governs the connection-setup phase only;
// once the Connection is returned it lives until [Connection.Disconnect] is called.
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	// mute=true (listen-only), deaf=false (we receive audio).
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	conn := newConnection(vc, p.session, p.guildID, channelID, p.threshold, p.onDrop)
	return conn, nil
}
