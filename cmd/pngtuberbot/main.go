// Command pngtuberbot joins a Discord voice channel in listen-only mode and
// mirrors who is speaking, muted or deafened onto a PNGTuber overlay in OBS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pngtuberbot/internal/app"
	"github.com/MrWong99/pngtuberbot/internal/config"
	discordbot "github.com/MrWong99/pngtuberbot/internal/discord"
	"github.com/MrWong99/pngtuberbot/internal/health"
	"github.com/MrWong99/pngtuberbot/internal/obs"
	"github.com/MrWong99/pngtuberbot/internal/observe"
	"github.com/MrWong99/pngtuberbot/internal/resilience"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	noProvision := flag.Bool("no-provision", false, "skip creating and laying out OBS scene items at startup")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pngtuberbot: config file %q not found, copy config.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pngtuberbot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Advanced.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("pngtuberbot starting",
		"version", version,
		"config", *configPath,
		"users", len(cfg.Users),
		"log_level", cfg.Advanced.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Advanced.ShutdownTimeout())
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── OBS ───────────────────────────────────────────────────────────────────
	client := obs.New(obs.Config{
		Host:           cfg.OBS.Host,
		Port:           cfg.OBS.Port,
		Password:       cfg.OBS.Password,
		Scene:          cfg.OBS.Scene,
		RequestTimeout: cfg.Advanced.SinkTimeout(),
	})
	defer client.Close()

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:      "obs",
		IsFailure: obs.IsTransportError,
		OnStateChange: func(name string, from, to resilience.State) {
			metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
		},
	})
	sink := resilience.NewGuardedSink(client, breaker)

	// application is assigned before the reconnector's Run loop starts.
	var application *app.App
	reconnector := obs.NewReconnector(obs.ReconnectorConfig{
		Client:     client,
		MaxRetries: cfg.Advanced.ReconnectAttempts,
		OnReconnect: func() {
			breaker.Reset()
			application.SinkReconnected()
		},
	})

	slog.Info("connecting to OBS", "url", client.URL())
	if err := reconnector.Connect(ctx); err != nil {
		slog.Error("failed to connect to OBS", "url", client.URL(), "err", err)
		return 1
	}
	slog.Info("OBS connected", "obs_websocket_version", client.ServerVersion(), "scene", client.Scene())

	if cfg.Advanced.Provision && !*noProvision {
		if err := provision(ctx, cfg, client); err != nil {
			slog.Warn("OBS provisioning incomplete, missing scene items will not update", "err", err)
		}
	}

	// ── Discord ───────────────────────────────────────────────────────────────
	bot, err := discordbot.New(ctx, discordbot.Config{
		Token:            cfg.Discord.BotToken,
		GuildID:          string(cfg.Discord.GuildID),
		ChannelID:        string(cfg.Discord.VoiceChannelID),
		TalkingThreshold: cfg.Advanced.TalkingThreshold,
		OnFrameDrop: func() {
			metrics.DroppedFrames.Add(context.Background(), 1)
		},
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}
	defer func() {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}()

	if err := bot.ValidateChannel(ctx); err != nil {
		slog.Error("invalid voice channel", "channel_id", cfg.Discord.VoiceChannelID, "err", err)
		return 1
	}
	conn, err := bot.Platform().Connect(ctx, bot.ChannelID())
	if err != nil {
		slog.Error("failed to join voice channel", "channel_id", bot.ChannelID(), "err", err)
		return 1
	}
	slog.Info("joined voice channel", "guild_id", bot.GuildID(), "channel_id", bot.ChannelID())

	// ── Application ───────────────────────────────────────────────────────────
	application = app.New(cfg, sink,
		app.WithMetrics(metrics),
		app.WithLevelVar(&level),
	)

	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		application.ApplyConfig(next)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return application.Run(gctx, conn)
	})
	g.Go(func() error {
		return reconnector.Run(gctx)
	})
	g.Go(func() error {
		return bot.Run(gctx)
	})
	if addr := cfg.Server.ListenAddr; addr != "" {
		srv := newServer(addr, metrics, application, client, bot)
		g.Go(func() error {
			slog.Info("http server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Advanced.ShutdownTimeout())
			defer cancel()
			return srv.Shutdown(ctx)
		})
	}

	slog.Info("pngtuberbot ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// provision creates and lays out the scene items of every configured user.
func provision(ctx context.Context, cfg *config.Config, client *obs.Client) error {
	plans, err := app.Plans(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Provision(ctx, plans); err != nil {
		return err
	}
	slog.Info("OBS scene provisioned", "scene", client.Scene(), "users", len(plans))
	return nil
}

// newServer builds the HTTP server for health, state and metrics endpoints.
func newServer(addr string, metrics *observe.Metrics, application *app.App, client *obs.Client, bot *discordbot.Bot) *http.Server {
	h := health.New(
		health.Connected("obs", client.Connected),
		health.Connected("discord", bot.Connected),
	)
	h.SetState(func() any { return application.Snapshot() })

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
