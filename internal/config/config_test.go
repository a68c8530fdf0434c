package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/pngtuberbot/internal/config"
)

// validYAML is a complete configuration used as the base of most tests.
const validYAML = `
discord:
  bot_token: "token"
  guild_id: 123456789012345678
  voice_channel_id: "234567890123456789"
obs:
  websocket_password: "secret"
  scene_name: "Overlay"
users:
  - discord_id: "345678901234567890"
    name: Alice
    idle_animation: avatars/alice_idle.png
    talking_animation: avatars/alice_talk.gif
    position_slot: 2
    icon_position: bottom-left
  - discord_id: 456789012345678901
    idle_animation: /abs/bob_idle.png
    talking_animation: /abs/bob_talk.png
    layers:
      avatar: Bob
      mute: Bob Mute
      deaf: Bob Deaf
layout:
  mode: simple
  positions:
    slot_1: [10, 20]
    slot_2: [300, 20]
    slot_3: [600, 20]
    slot_4: [10, 400]
    slot_5: [300, 400]
    slot_6: [600.5, 400]
`

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		want  bool
	}{
		{config.LogDebug, true},
		{config.LogInfo, true},
		{config.LogWarn, true},
		{config.LogError, true},
		{"verbose", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := tc.level.IsValid(); got != tc.want {
			t.Errorf("LogLevel(%q).IsValid() = %v, want %v", tc.level, got, tc.want)
		}
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"bogus":         slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.SlogLevel(); got != want {
			t.Errorf("LogLevel(%q).SlogLevel() = %v, want %v", in, got, want)
		}
	}
}

func TestSnowflake_IsValid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.Snowflake
		want bool
	}{
		{"12345678901234567", true},
		{"12345678901234567890", true},
		{"1234567890123456", false},
		{"123456789012345678901", false},
		{"12345678901234567a", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := tc.in.IsValid(); got != tc.want {
			t.Errorf("Snowflake(%q).IsValid() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestUserConfig_LayerNames(t *testing.T) {
	t.Parallel()

	u := config.UserConfig{DiscordID: "345678901234567890"}
	got := u.LayerNames()
	want := config.LayersConfig{
		Avatar: "pngtuber_345678901234567890",
		Mute:   "pngtuber_345678901234567890_mute",
		Deaf:   "pngtuber_345678901234567890_deaf",
	}
	if got != want {
		t.Errorf("default LayerNames() = %+v, want %+v", got, want)
	}

	u.Layers = &config.LayersConfig{Avatar: "A"}
	if got := u.LayerNames(); got != (config.LayersConfig{Avatar: "A"}) {
		t.Errorf("explicit LayerNames() = %+v, want verbatim block", got)
	}
}

func TestUserConfig_Icons(t *testing.T) {
	t.Parallel()

	icons := config.IconsConfig{MuteDefault: "/m.png", DeafDefault: "/d.png"}
	u := config.UserConfig{}
	if u.MuteIcon(icons) != "/m.png" || u.DeafIcon(icons) != "/d.png" {
		t.Error("defaults not used")
	}
	u.CustomMuteIcon, u.CustomDeafIcon = "/cm.png", "/cd.png"
	if u.MuteIcon(icons) != "/cm.png" || u.DeafIcon(icons) != "/cd.png" {
		t.Error("custom icons not used")
	}
}

func TestLayoutConfig_Slot(t *testing.T) {
	t.Parallel()

	l := config.LayoutConfig{Positions: map[string][]float64{
		"slot_1": {10.7, 20},
		"slot_2": {5},
	}}
	if x, y, ok := l.Slot(1); !ok || x != 10 || y != 20 {
		t.Errorf("Slot(1) = %d, %d, %v", x, y, ok)
	}
	if _, _, ok := l.Slot(2); ok {
		t.Error("Slot(2) with one coordinate reported ok")
	}
	if _, _, ok := l.Slot(3); ok {
		t.Error("missing Slot(3) reported ok")
	}
}

func TestAdvancedConfig_Durations(t *testing.T) {
	t.Parallel()

	a := config.Default().Advanced
	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"SilenceTimeout", a.SilenceTimeout(), 300 * time.Millisecond},
		{"SilenceTick", a.SilenceTick(), 100 * time.Millisecond},
		{"LeaveGrace", a.LeaveGrace(), 2 * time.Second},
		{"SinkTimeout", a.SinkTimeout(), 5 * time.Second},
		{"ShutdownTimeout", a.ShutdownTimeout(), 5 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}
