// Package discord provides the Discord bot layer for pngtuberbot. It owns the
// discordgo.Session lifecycle, tracks gateway connectivity for readiness
// checks, validates the configured voice channel and hands out the
// listen-only [audio.Platform] used to join it.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/pngtuberbot/pkg/audio"
	discordaudio "github.com/MrWong99/pngtuberbot/pkg/audio/discord"
)

// ErrNotVoiceChannel is returned by [Bot.ValidateChannel] when the configured
// channel is not a voice channel of the configured guild.
var ErrNotVoiceChannel = errors.New("discord: not a voice channel of the guild")

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token without the "Bot " prefix.
	Token string

	// GuildID is the guild that holds the voice channel.
	GuildID string

	// ChannelID is the voice channel to join.
	ChannelID string

	// TalkingThreshold is the normalised RMS level a frame must reach to be
	// reported. Zero reports every frame.
	TalkingThreshold float64

	// OnFrameDrop is called whenever a frame event is dropped under
	// backpressure. May be nil.
	OnFrameDrop func()
}

// Bot owns the Discord gateway connection.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	platform  *discordaudio.Platform
	guildID   string
	channelID string
	connected atomic.Bool
	closeOnce sync.Once

	removeHandlers []func()
}

// New creates a Bot and connects to the Discord gateway.
func New(_ context.Context, cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	b := newBot(session, cfg)
	if err := session.Open(); err != nil {
		b.removeAll()
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	// Open returns after the handshake; Ready may not have fired yet.
	b.connected.Store(true)
	return b, nil
}

// newBot wires a Bot around an unopened session.
func newBot(session *discordgo.Session, cfg Config) *Bot {
	// Voice states and guild metadata only; no message content.
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates
	session.StateEnabled = true

	b := &Bot{
		session:   session,
		guildID:   cfg.GuildID,
		channelID: cfg.ChannelID,
		platform: discordaudio.New(session, cfg.GuildID,
			discordaudio.WithThreshold(cfg.TalkingThreshold),
			discordaudio.WithFrameDropHandler(cfg.OnFrameDrop),
		),
	}
	b.removeHandlers = append(b.removeHandlers,
		session.AddHandler(b.onConnect),
		session.AddHandler(b.onDisconnect),
		session.AddHandler(b.onReady),
		session.AddHandler(b.onResumed),
	)
	return b
}

func (b *Bot) onConnect(_ *discordgo.Session, _ *discordgo.Connect) {
	b.connected.Store(true)
}

func (b *Bot) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	if b.connected.Swap(false) {
		slog.Warn("discord: gateway disconnected")
	}
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.connected.Store(true)
	user := ""
	if r != nil && r.User != nil {
		user = r.User.Username
	}
	slog.Info("discord: gateway ready", "user", user)
}

func (b *Bot) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	b.connected.Store(true)
	slog.Info("discord: gateway resumed")
}

// Platform returns the audio.Platform for voice channel connections.
func (b *Bot) Platform() audio.Platform {
	return b.platform
}

// GuildID returns the target guild ID.
func (b *Bot) GuildID() string {
	return b.guildID
}

// ChannelID returns the configured voice channel ID.
func (b *Bot) ChannelID() string {
	return b.channelID
}

// Connected reports whether the gateway connection is up.
func (b *Bot) Connected() bool {
	return b.connected.Load()
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// ValidateChannel checks that the configured channel is a voice channel of
// the configured guild. It consults the state cache first and falls back to
// the REST API.
func (b *Bot) ValidateChannel(_ context.Context) error {
	s := b.Session()
	ch, err := s.State.Channel(b.channelID)
	if err != nil {
		ch, err = s.Channel(b.channelID)
		if err != nil {
			return fmt.Errorf("discord: fetch channel %q: %w", b.channelID, err)
		}
	}
	return checkVoiceChannel(ch, b.guildID)
}

// checkVoiceChannel reports whether ch is a voice channel in guildID.
func checkVoiceChannel(ch *discordgo.Channel, guildID string) error {
	if ch == nil {
		return ErrNotVoiceChannel
	}
	if ch.GuildID != guildID {
		return fmt.Errorf("%w: channel %q belongs to guild %q", ErrNotVoiceChannel, ch.ID, ch.GuildID)
	}
	switch ch.Type {
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		return nil
	default:
		return fmt.Errorf("%w: channel %q (%s) has type %d", ErrNotVoiceChannel, ch.ID, ch.Name, ch.Type)
	}
}

// Run blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *Bot) removeAll() {
	for _, remove := range b.removeHandlers {
		if remove != nil {
			remove()
		}
	}
	b.removeHandlers = nil
}

// Close disconnects from Discord. It is safe to call more than once.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.removeAll()
		b.connected.Store(false)
		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}

		slog.Info("discord: bot closed")
	})
	return closeErr
}
