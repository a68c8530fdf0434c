// Package config provides the configuration schema, loader and file watcher
// for pngtuberbot.
package config

import (
	"fmt"
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the corresponding slog level. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IconPosition selects the avatar corner the mute and deaf icons attach to.
type IconPosition string

const (
	IconTopRight    IconPosition = "top-right"
	IconTopLeft     IconPosition = "top-left"
	IconBottomRight IconPosition = "bottom-right"
	IconBottomLeft  IconPosition = "bottom-left"
)

// IsValid reports whether p is a recognised icon position.
func (p IconPosition) IsValid() bool {
	switch p {
	case IconTopRight, IconTopLeft, IconBottomRight, IconBottomLeft:
		return true
	}
	return false
}

// LayoutModeSimple places avatars at fixed slot positions. It is the only
// supported mode.
const LayoutModeSimple = "simple"

// MaxUsers is the number of layout slots.
const MaxUsers = 6

// Config is the root configuration structure for pngtuberbot.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Discord  DiscordConfig  `yaml:"discord"`
	OBS      OBSConfig      `yaml:"obs"`
	Users    []UserConfig   `yaml:"users"`
	Layout   LayoutConfig   `yaml:"layout"`
	Icons    IconsConfig    `yaml:"icons"`
	Advanced AdvancedConfig `yaml:"advanced"`

	// BaseDir is the directory relative paths were resolved against.
	BaseDir string `yaml:"-"`
}

// ServerConfig holds the optional HTTP endpoint settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz, /metrics and
	// /state (e.g., ":9100"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`
}

// DiscordConfig identifies the bot and the voice channel it joins.
type DiscordConfig struct {
	BotToken       string    `yaml:"bot_token"`
	GuildID        Snowflake `yaml:"guild_id"`
	VoiceChannelID Snowflake `yaml:"voice_channel_id"`
}

// OBSConfig locates the OBS WebSocket server and the overlay scene.
type OBSConfig struct {
	Host     string `yaml:"websocket_host"`
	Port     int    `yaml:"websocket_port"`
	Password string `yaml:"websocket_password"`
	Scene    string `yaml:"scene_name"`
}

// UserConfig describes one participant shown on the overlay.
type UserConfig struct {
	// DiscordID is the participant's Discord user ID.
	DiscordID Snowflake `yaml:"discord_id"`

	// Name is a display name used in logs. Defaults to the Discord ID.
	Name string `yaml:"name"`

	// IdleAnimation and TalkingAnimation are image files shown while the
	// participant is silent and speaking.
	IdleAnimation    string `yaml:"idle_animation"`
	TalkingAnimation string `yaml:"talking_animation"`

	// PositionSlot pins the avatar to a layout slot (1-6). Zero assigns the
	// first free slot.
	PositionSlot int `yaml:"position_slot"`

	// IconPosition is the avatar corner for the mute and deaf icons.
	IconPosition IconPosition `yaml:"icon_position"`

	// CustomMuteIcon and CustomDeafIcon replace the default icons.
	CustomMuteIcon string `yaml:"custom_mute_icon"`
	CustomDeafIcon string `yaml:"custom_deaf_icon"`

	// Layers overrides the OBS scene item names. When nil the names are
	// derived from the Discord ID; see [UserConfig.LayerNames].
	Layers *LayersConfig `yaml:"layers"`
}

// LayersConfig names the three OBS scene items of a participant.
type LayersConfig struct {
	Avatar string `yaml:"avatar"`
	Mute   string `yaml:"mute"`
	Deaf   string `yaml:"deaf"`
}

// LayerNames returns the scene item names for u. Without an explicit layers
// block the names are pngtuber_<id>, pngtuber_<id>_mute and
// pngtuber_<id>_deaf. An explicit block is returned verbatim, including
// empty entries.
func (u UserConfig) LayerNames() LayersConfig {
	if u.Layers != nil {
		return *u.Layers
	}
	base := "pngtuber_" + string(u.DiscordID)
	return LayersConfig{Avatar: base, Mute: base + "_mute", Deaf: base + "_deaf"}
}

// MuteIcon returns the mute icon file for u.
func (u UserConfig) MuteIcon(icons IconsConfig) string {
	if u.CustomMuteIcon != "" {
		return u.CustomMuteIcon
	}
	return icons.MuteDefault
}

// DeafIcon returns the deaf icon file for u.
func (u UserConfig) DeafIcon(icons IconsConfig) string {
	if u.CustomDeafIcon != "" {
		return u.CustomDeafIcon
	}
	return icons.DeafDefault
}

// LayoutConfig places avatars on the canvas.
type LayoutConfig struct {
	Mode string `yaml:"mode"`

	// Positions maps slot_1 .. slot_6 to [x, y] canvas coordinates.
	Positions map[string][]float64 `yaml:"positions"`
}

// SlotKey returns the Positions key of slot n.
func SlotKey(n int) string {
	return fmt.Sprintf("slot_%d", n)
}

// Slot returns the integer position of slot n.
func (l LayoutConfig) Slot(n int) (x, y int, ok bool) {
	p, ok := l.Positions[SlotKey(n)]
	if !ok || len(p) != 2 {
		return 0, 0, false
	}
	return int(p[0]), int(p[1]), true
}

// IconsConfig holds the default mute/deaf icons and their rendered size.
type IconsConfig struct {
	MuteDefault string `yaml:"mute_default"`
	DeafDefault string `yaml:"deaf_default"`

	// Size is the icon edge length in pixels.
	Size int `yaml:"size"`
}

// AdvancedConfig holds tuning knobs. Durations are milliseconds unless the
// field says otherwise.
type AdvancedConfig struct {
	LogLevel LogLevel `yaml:"log_level"`

	// TalkingThreshold is the normalised RMS level a frame must reach to
	// count as speech. Zero disables gating.
	TalkingThreshold float64 `yaml:"talking_threshold"`

	// TalkingHangoverMS is the silence timeout after the last frame.
	TalkingHangoverMS int `yaml:"talking_hangover_ms"`

	// TalkingWhileMuted keeps the talking image for muted participants.
	TalkingWhileMuted bool `yaml:"talking_while_muted"`

	// AnimationDuration is the avatar fade in seconds. Zero toggles instantly.
	AnimationDuration float64 `yaml:"animation_duration"`

	SilenceTickMS     int `yaml:"silence_tick_ms"`
	LeaveGraceMS      int `yaml:"leave_grace_ms"`
	SinkTimeoutMS     int `yaml:"sink_timeout_ms"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`

	// ReconnectAttempts bounds OBS reconnect attempts per outage. Zero
	// retries forever.
	ReconnectAttempts int `yaml:"reconnect_attempts"`

	// Provision creates and lays out the scene items at startup.
	Provision bool `yaml:"provision"`
}

// SilenceTimeout returns TalkingHangoverMS as a duration.
func (a AdvancedConfig) SilenceTimeout() time.Duration {
	return ms(a.TalkingHangoverMS)
}

// SilenceTick returns SilenceTickMS as a duration.
func (a AdvancedConfig) SilenceTick() time.Duration {
	return ms(a.SilenceTickMS)
}

// LeaveGrace returns LeaveGraceMS as a duration.
func (a AdvancedConfig) LeaveGrace() time.Duration {
	return ms(a.LeaveGraceMS)
}

// AvatarFade returns AnimationDuration as a duration.
func (a AdvancedConfig) AvatarFade() time.Duration {
	return time.Duration(a.AnimationDuration * float64(time.Second))
}

// SinkTimeout returns SinkTimeoutMS as a duration.
func (a AdvancedConfig) SinkTimeout() time.Duration {
	return ms(a.SinkTimeoutMS)
}

// ShutdownTimeout returns ShutdownTimeoutMS as a duration.
func (a AdvancedConfig) ShutdownTimeout() time.Duration {
	return ms(a.ShutdownTimeoutMS)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
