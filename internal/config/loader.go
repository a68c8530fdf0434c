package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envOverrides are environment variables that take precedence over the file.
type envOverrides struct {
	DiscordToken string `env:"PNGTUBER_DISCORD_TOKEN"`
	OBSPassword  string `env:"PNGTUBER_OBS_PASSWORD"`
	LogLevel     string `env:"PNGTUBER_LOG_LEVEL"`
	ListenAddr   string `env:"PNGTUBER_LISTEN_ADDR"`
}

// Default returns a Config populated with every default value. YAML is
// decoded on top of it, so absent keys keep these values.
func Default() *Config {
	return &Config{
		OBS: OBSConfig{
			Host: "localhost",
			Port: 4455,
		},
		Layout: LayoutConfig{Mode: LayoutModeSimple},
		Icons: IconsConfig{
			MuteDefault: filepath.Join("assets", "icons", "default_mute.png"),
			DeafDefault: filepath.Join("assets", "icons", "default_deaf.png"),
			Size:        64,
		},
		Advanced: AdvancedConfig{
			LogLevel:          LogInfo,
			TalkingThreshold:  0.02,
			TalkingHangoverMS: 300,
			AnimationDuration: 0.5,
			SilenceTickMS:     100,
			LeaveGraceMS:      2000,
			SinkTimeoutMS:     5000,
			ShutdownTimeoutMS: 5000,
			ReconnectAttempts: 3,
			Provision:         true,
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. A .env file next to the config is loaded into the process
// environment first (existing variables win), then PNGTUBER_* variables
// override the file's secrets. Relative paths resolve against the config
// file's directory.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %q: %w", path, err)
	}
	loadDotEnv(filepath.Dir(abs))

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, resolves relative paths against
// baseDir and validates the result. It does not consult the environment.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader, baseDir string) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	return finish(cfg, baseDir)
}

// parse is the shared path of [Load] and the [Watcher].
func parse(data []byte, baseDir string) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return finish(cfg, baseDir)
}

func decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config, baseDir string) (*Config, error) {
	normalize(cfg)
	cfg.BaseDir = baseDir
	ResolvePaths(cfg, baseDir)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and the log level from PNGTUBER_* environment
// variables.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	if o.DiscordToken != "" {
		cfg.Discord.BotToken = o.DiscordToken
	}
	if o.OBSPassword != "" {
		cfg.OBS.Password = o.OBSPassword
	}
	if o.LogLevel != "" {
		cfg.Advanced.LogLevel = LogLevel(strings.ToLower(o.LogLevel))
	}
	if o.ListenAddr != "" {
		cfg.Server.ListenAddr = o.ListenAddr
	}
	return nil
}

func loadDotEnv(dir string) {
	path := filepath.Join(dir, ".env")
	err := godotenv.Load(path)
	switch {
	case err == nil:
		slog.Debug("config: loaded environment file", "path", path)
	case errors.Is(err, fs.ErrNotExist):
	default:
		slog.Warn("config: cannot load environment file", "path", path, "err", err)
	}
}

// normalize fills per-user defaults and canonicalises case-insensitive values.
func normalize(cfg *Config) {
	cfg.Advanced.LogLevel = LogLevel(strings.ToLower(string(cfg.Advanced.LogLevel)))
	for i := range cfg.Users {
		u := &cfg.Users[i]
		if u.Name == "" {
			u.Name = string(u.DiscordID)
		}
		if u.IconPosition == "" {
			u.IconPosition = IconTopRight
		}
	}
}

// ResolvePaths makes every relative image path absolute against baseDir.
func ResolvePaths(cfg *Config, baseDir string) {
	resolve := func(p *string) {
		if *p == "" || filepath.IsAbs(*p) || baseDir == "" {
			return
		}
		*p = filepath.Join(baseDir, *p)
	}
	resolve(&cfg.Icons.MuteDefault)
	resolve(&cfg.Icons.DeafDefault)
	for i := range cfg.Users {
		u := &cfg.Users[i]
		resolve(&u.IdleAnimation)
		resolve(&u.TalkingAnimation)
		resolve(&u.CustomMuteIcon)
		resolve(&u.CustomDeafIcon)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Discord
	if strings.TrimSpace(cfg.Discord.BotToken) == "" {
		errs = append(errs, errors.New("discord.bot_token is required"))
	}
	if !cfg.Discord.GuildID.IsValid() {
		errs = append(errs, fmt.Errorf("discord.guild_id %q must be a Discord snowflake (17-20 digits)", cfg.Discord.GuildID))
	}
	if !cfg.Discord.VoiceChannelID.IsValid() {
		errs = append(errs, fmt.Errorf("discord.voice_channel_id %q must be a Discord snowflake (17-20 digits)", cfg.Discord.VoiceChannelID))
	}

	// OBS
	if strings.TrimSpace(cfg.OBS.Host) == "" {
		errs = append(errs, errors.New("obs.websocket_host is required"))
	}
	if cfg.OBS.Port <= 0 || cfg.OBS.Port > 65535 {
		errs = append(errs, fmt.Errorf("obs.websocket_port %d is out of range [1, 65535]", cfg.OBS.Port))
	}
	if strings.TrimSpace(cfg.OBS.Scene) == "" {
		errs = append(errs, errors.New("obs.scene_name is required"))
	}

	// Layout
	if cfg.Layout.Mode != LayoutModeSimple {
		errs = append(errs, fmt.Errorf("layout.mode %q is invalid; valid values: simple", cfg.Layout.Mode))
	}
	for key := range cfg.Layout.Positions {
		if !validSlotKey(key) {
			errs = append(errs, fmt.Errorf("layout.positions.%s is not a slot; valid keys: slot_1 .. slot_%d", key, MaxUsers))
		}
	}
	for n := 1; n <= MaxUsers; n++ {
		key := SlotKey(n)
		p, ok := cfg.Layout.Positions[key]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("layout.positions.%s is required", key))
		case len(p) != 2:
			errs = append(errs, fmt.Errorf("layout.positions.%s must be [x, y]", key))
		}
	}

	// Icons
	if cfg.Icons.MuteDefault == "" {
		errs = append(errs, errors.New("icons.mute_default is required"))
	}
	if cfg.Icons.DeafDefault == "" {
		errs = append(errs, errors.New("icons.deaf_default is required"))
	}
	if cfg.Icons.Size <= 0 {
		errs = append(errs, fmt.Errorf("icons.size %d must be > 0", cfg.Icons.Size))
	}

	// Advanced
	a := cfg.Advanced
	if !a.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("advanced.log_level %q is invalid; valid values: debug, info, warn, error", a.LogLevel))
	}
	if a.TalkingThreshold < 0 || a.TalkingThreshold > 1 {
		errs = append(errs, fmt.Errorf("advanced.talking_threshold %.3f is out of range [0, 1]", a.TalkingThreshold))
	}
	if a.TalkingHangoverMS < 0 {
		errs = append(errs, fmt.Errorf("advanced.talking_hangover_ms %d must be >= 0", a.TalkingHangoverMS))
	}
	if a.SilenceTickMS <= 0 {
		errs = append(errs, fmt.Errorf("advanced.silence_tick_ms %d must be > 0", a.SilenceTickMS))
	}
	if a.LeaveGraceMS < 0 {
		errs = append(errs, fmt.Errorf("advanced.leave_grace_ms %d must be >= 0", a.LeaveGraceMS))
	}
	if a.SinkTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("advanced.sink_timeout_ms %d must be > 0", a.SinkTimeoutMS))
	}
	if a.ShutdownTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("advanced.shutdown_timeout_ms %d must be > 0", a.ShutdownTimeoutMS))
	}
	if a.AnimationDuration < 0 {
		errs = append(errs, fmt.Errorf("advanced.animation_duration %.2f must be >= 0", a.AnimationDuration))
	}
	if a.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("advanced.reconnect_attempts %d must be >= 0", a.ReconnectAttempts))
	}

	// Users
	if len(cfg.Users) == 0 {
		errs = append(errs, errors.New("at least one user must be configured under users"))
	}
	if len(cfg.Users) > MaxUsers {
		errs = append(errs, fmt.Errorf("users: %d configured but only %d slots exist", len(cfg.Users), MaxUsers))
	}
	seen := make(map[Snowflake]int, len(cfg.Users))
	for i, u := range cfg.Users {
		prefix := fmt.Sprintf("users[%d]", i)
		if !u.DiscordID.IsValid() {
			errs = append(errs, fmt.Errorf("%s.discord_id %q must be a Discord snowflake (17-20 digits)", prefix, u.DiscordID))
		} else {
			if prev, ok := seen[u.DiscordID]; ok {
				errs = append(errs, fmt.Errorf("%s.discord_id %s is a duplicate of users[%d]", prefix, u.DiscordID, prev))
			}
			seen[u.DiscordID] = i
		}
		if u.IdleAnimation == "" {
			errs = append(errs, fmt.Errorf("%s.idle_animation is required", prefix))
		}
		if u.TalkingAnimation == "" {
			errs = append(errs, fmt.Errorf("%s.talking_animation is required", prefix))
		}
		if u.PositionSlot < 0 || u.PositionSlot > MaxUsers {
			errs = append(errs, fmt.Errorf("%s.position_slot %d is out of range [1, %d]", prefix, u.PositionSlot, MaxUsers))
		}
		if !u.IconPosition.IsValid() {
			errs = append(errs, fmt.Errorf("%s.icon_position %q is invalid; valid values: top-right, top-left, bottom-right, bottom-left", prefix, u.IconPosition))
		}
		if u.Layers != nil {
			l := *u.Layers
			if l.Avatar == "" || l.Mute == "" || l.Deaf == "" {
				// Not fatal: the participant is excluded at runtime.
				slog.Warn("config: incomplete layers block; participant will be ignored",
					"participant", u.DiscordID,
					"avatar", l.Avatar,
					"mute", l.Mute,
					"deaf", l.Deaf,
				)
			}
		}
	}

	return errors.Join(errs...)
}

func validSlotKey(key string) bool {
	for n := 1; n <= MaxUsers; n++ {
		if key == SlotKey(n) {
			return true
		}
	}
	return false
}
