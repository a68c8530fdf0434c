// Package app wires the voice session, presence tracking, voice activity
// detection and the overlay state machine into a running bridge.
//
// The [App] owns a single event loop goroutine. Every source event, silence
// tick, resync result and configuration reload enters through that loop, so
// the detector, tracker and state machine see the events of one participant
// in the order they happened. Sink calls never run on the loop: the state
// machine hands its commands to an [overlay.Dispatcher].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pngtuberbot/internal/activity"
	"github.com/MrWong99/pngtuberbot/internal/config"
	"github.com/MrWong99/pngtuberbot/internal/observe"
	"github.com/MrWong99/pngtuberbot/internal/overlay"
	"github.com/MrWong99/pngtuberbot/internal/presence"
	"github.com/MrWong99/pngtuberbot/pkg/audio"
)

// ErrSessionClosed is returned by [App.Run] when the voice session closes its
// event queue while ctx is still live.
var ErrSessionClosed = errors.New("app: voice session closed")

// defaultResyncRetry is the wait before a failed voice state request is retried.
const defaultResyncRetry = time.Second

// inboxSize bounds the queue of work posted to the loop from other goroutines.
const inboxSize = 16

// App is the running bridge between one voice channel and the overlay.
type App struct {
	cfg *config.Config

	detector   *activity.Detector
	tracker    *presence.Tracker
	machine    *overlay.Machine
	dispatcher *overlay.Dispatcher

	metrics     *observe.Metrics
	levelVar    *slog.LevelVar
	now         func() time.Time
	resyncRetry time.Duration

	// inbox carries closures that must run on the loop goroutine. Up to
	// inboxSize closures posted before Run are kept for the loop.
	inbox   chan func()
	running atomic.Bool
	stopped chan struct{}

	// Owned by the loop goroutine.
	group     *errgroup.Group
	groupCtx  context.Context
	conn      audio.Connection
	resyncGen uint64
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithClock overrides the time source used for silence ticks and sweeps.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithResyncRetry sets the wait before a failed voice state request is retried.
func WithResyncRetry(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.resyncRetry = d
		}
	}
}

// New creates an App for cfg that drives sink. Avatar image swaps are enabled
// when sink implements [overlay.ImageSink].
func New(cfg *config.Config, sink overlay.Sink, opts ...Option) *App {
	a := &App{
		cfg:         cfg,
		now:         time.Now,
		resyncRetry: defaultResyncRetry,
		inbox:       make(chan func(), inboxSize),
		stopped:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	adv := cfg.Advanced
	a.detector = activity.New(adv.SilenceTimeout())
	a.tracker = presence.NewTracker(string(cfg.Discord.VoiceChannelID))
	a.dispatcher = overlay.NewDispatcher(sink,
		overlay.WithCommandTimeout(adv.SinkTimeout()),
		overlay.WithAvatarFade(adv.AvatarFade()),
		overlay.WithResultFunc(a.onResult),
	)

	machineOpts := []overlay.Option{
		overlay.WithLeaveGrace(adv.LeaveGrace()),
		overlay.WithSubmitter(a.dispatcher),
	}
	if _, ok := sink.(overlay.ImageSink); ok {
		machineOpts = append(machineOpts, overlay.WithAvatarImages(adv.TalkingWhileMuted))
	}
	a.machine = overlay.NewMachine(Participants(cfg), machineOpts...)
	return a
}

// Participants converts the configured users into overlay participants.
func Participants(cfg *config.Config) []overlay.Participant {
	out := make([]overlay.Participant, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		names := u.LayerNames()
		out = append(out, overlay.Participant{
			ID:   string(u.DiscordID),
			Name: u.Name,
			Layers: overlay.Layers{
				Avatar: names.Avatar,
				Mute:   names.Mute,
				Deaf:   names.Deaf,
			},
			Images: overlay.Images{
				Idle:    u.IdleAnimation,
				Talking: u.TalkingAnimation,
			},
		})
	}
	return out
}

// Snapshot returns the state machine's view of every participant.
func (a *App) Snapshot() []overlay.ParticipantView {
	return a.machine.Snapshot()
}

// Resyncing reports whether a session reset is waiting for its voice state
// snapshot. Overlay updates are held back meanwhile.
func (a *App) Resyncing() bool {
	return a.machine.Suspended()
}

// Flush blocks until every submitted overlay command has completed.
func (a *App) Flush(ctx context.Context) error {
	return a.dispatcher.Flush(ctx)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run consumes conn until ctx is cancelled or the session closes, then stops
// intake and gives in-flight sink calls up to advanced.shutdown_timeout_ms.
// conn is disconnected before Run returns. Run may be called once.
func (a *App) Run(ctx context.Context, conn audio.Connection) error {
	g, gctx := errgroup.WithContext(ctx)
	a.group, a.groupCtx, a.conn = g, gctx, conn
	a.running.Store(true)

	g.Go(func() error {
		defer close(a.stopped)
		return a.loop(gctx, conn)
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Advanced.ShutdownTimeout())
	defer cancel()

	if err := a.machine.Close(shutdownCtx); err != nil {
		slog.Warn("app: overlay commands still in flight at shutdown", "err", err)
	}
	if err := conn.Disconnect(); err != nil {
		slog.Warn("app: voice disconnect error", "err", err)
	}

	if ctx.Err() != nil && errors.Is(runErr, context.Canceled) {
		return ctx.Err()
	}
	return runErr
}

func (a *App) loop(ctx context.Context, conn audio.Connection) error {
	tick := time.NewTicker(a.cfg.Advanced.SilenceTick())
	defer tick.Stop()

	// The tracker starts empty; the first resync pass brings the overlay in
	// line with whoever is already in the channel.
	a.beginReset(ctx, "startup")
	slog.Info("app: running", "channel", conn.ChannelID(), "participants", len(a.cfg.Users))

	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ErrSessionClosed
			}
			a.handle(ctx, ev)
		case <-tick.C:
			a.onTick(ctx, a.now())
		case fn := <-a.inbox:
			fn()
		}
	}
}

// post queues fn to run on the loop. It returns false once the loop has
// stopped, or when the inbox is full and Run has not started.
func (a *App) post(fn func()) bool {
	select {
	case a.inbox <- fn:
		return true
	case <-a.stopped:
		return false
	default:
	}
	if !a.running.Load() {
		slog.Warn("app: event loop not running, update dropped")
		return false
	}
	select {
	case a.inbox <- fn:
		return true
	case <-a.stopped:
		return false
	}
}

func (a *App) handle(ctx context.Context, ev audio.Event) {
	switch ev := ev.(type) {
	case audio.FrameEvent:
		if _, started := a.detector.OnFrame(ev.UserID, ev.At); started {
			a.metrics.RecordSpeakingTransition(ctx, true)
			slog.Debug("app: speaking started", "participant", ev.UserID)
			a.machine.SpeakingChanged(ev.UserID, true)
		}

	case audio.VoiceStateEvent:
		a.applyChange(ctx, a.tracker.OnVoiceStateChange(ev.State))

	case audio.PresenceEvent:
		switch ev.Type {
		case audio.EventJoin:
			a.applyChange(ctx, a.tracker.OnParticipantJoined(ev.UserID))
		case audio.EventLeave:
			a.applyChange(ctx, a.tracker.OnParticipantLeft(ev.UserID))
		}

	case audio.ResetEvent:
		a.beginReset(ctx, ev.Reason)

	default:
		slog.Warn("app: unknown session event", "type", fmt.Sprintf("%T", ev))
	}
}

// applyChange forwards a tracker change to the state machine.
func (a *App) applyChange(ctx context.Context, c presence.Change) {
	if !c.Changed {
		return
	}
	p := c.Participant
	a.machine.PresenceChanged(p.ID, p.Present, p.Muted(), p.Deafened())
	if c.Left {
		if a.detector.Speaking(p.ID) {
			a.metrics.RecordSpeakingTransition(ctx, false)
		}
		a.detector.Forget(p.ID)
		// Left records keep their flags; clear speaking so a rejoin starts idle.
		a.machine.SpeakingChanged(p.ID, false)
	}
	if c.Joined || c.Left {
		slog.Info("app: participant presence changed",
			"participant", p.ID,
			"present", p.Present,
			"configured", a.machine.Configured(p.ID),
		)
	}
	a.metrics.TrackedParticipants.Record(ctx, int64(a.tracker.Len()))
}

func (a *App) onTick(ctx context.Context, now time.Time) {
	for _, t := range a.detector.OnSilenceTick(now) {
		a.metrics.RecordSpeakingTransition(ctx, false)
		slog.Debug("app: speaking stopped", "participant", t.ParticipantID)
		a.machine.SpeakingChanged(t.ParticipantID, false)
	}
	if dropped := a.machine.Sweep(now); len(dropped) > 0 {
		slog.Debug("app: dropped left participants", "participants", dropped)
	}
}

// ─── Session reset & resync ──────────────────────────────────────────────────

// beginReset discards everything known about the session and requests the
// current voice states off-loop. A reset that arrives while an earlier resync
// is in flight supersedes it.
func (a *App) beginReset(ctx context.Context, reason string) {
	a.metrics.RecordSessionReset(ctx, reason)
	slog.Info("app: session reset, resynchronising", "reason", reason)

	a.tracker.OnSessionReset()
	a.machine.Invalidate()
	for _, t := range a.detector.Reset(a.now()) {
		a.metrics.RecordSpeakingTransition(ctx, false)
		a.machine.SpeakingChanged(t.ParticipantID, false)
	}

	a.resyncGen++
	a.requestVoiceStates(a.resyncGen, 0)
}

// requestVoiceStates asks the session for the current voice states after
// delay and posts the result back to the loop.
func (a *App) requestVoiceStates(gen uint64, delay time.Duration) {
	ctx, conn := a.groupCtx, a.conn
	a.group.Go(func() error {
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
		}
		states, err := conn.VoiceStates(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.post(func() { a.finishResync(ctx, gen, states, err) })
		return nil
	})
}

func (a *App) finishResync(ctx context.Context, gen uint64, states []audio.VoiceState, err error) {
	if gen != a.resyncGen {
		slog.Debug("app: discarding superseded resync", "generation", gen)
		return
	}
	if err != nil {
		slog.Warn("app: voice state request failed, retrying", "err", err, "retry_in", a.resyncRetry)
		a.requestVoiceStates(gen, a.resyncRetry)
		return
	}

	for _, c := range a.tracker.Resync(states) {
		a.applyChange(ctx, c)
	}
	cmds := a.machine.ResyncComplete()
	slog.Info("app: resync complete",
		"participants", a.tracker.Len(),
		"commands", len(cmds),
	)
}

// ─── Live updates ────────────────────────────────────────────────────────────

// SinkReconnected re-sends the full overlay state after the sink lost and
// regained its connection. Safe to call from any goroutine. Calls made
// before [App.Run] are queued; once the inbox is full they are dropped.
func (a *App) SinkReconnected() {
	a.post(func() {
		ctx := a.groupCtx
		a.metrics.SinkReconnects.Add(ctx, 1)
		cmds := a.machine.ForceResync()
		slog.Info("app: overlay sink reconnected, state re-sent", "commands", len(cmds))
	})
}

// ApplyConfig applies the live-reloadable parts of next: the log level and
// the participant to layer mapping. Sections that need a restart are logged.
// Safe to call from any goroutine; next must not be modified afterwards.
// Like [App.SinkReconnected] it never blocks before [App.Run] starts.
func (a *App) ApplyConfig(next *config.Config) {
	a.post(func() { a.applyConfig(a.groupCtx, next) })
}

func (a *App) applyConfig(ctx context.Context, next *config.Config) {
	d := config.Diff(a.cfg, next)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}

	if d.UsersChanged {
		a.machine.Reconfigure(Participants(next))
		// Replay what is known so new and changed participants are reconciled.
		for _, p := range a.tracker.Snapshot() {
			a.machine.PresenceChanged(p.ID, p.Present, p.Muted(), p.Deafened())
			if a.detector.Speaking(p.ID) {
				a.machine.SpeakingChanged(p.ID, true)
			}
		}
		for _, uc := range d.UserChanges {
			slog.Info("app: participant configuration changed",
				"participant", uc.DiscordID,
				"added", uc.Added,
				"removed", uc.Removed,
				"layers", uc.LayersChanged,
				"images", uc.ImagesChanged,
			)
		}
	}

	status := "applied"
	if len(d.RestartRequired) > 0 {
		status = "restart_required"
		slog.Warn("app: configuration changes need a restart to take effect",
			"sections", d.RestartRequired)
	}
	a.metrics.RecordConfigReload(ctx, status)
	a.cfg = next
}

// onResult runs on dispatcher workers after every sink call.
func (a *App) onResult(cmd overlay.Command, err error, d time.Duration) {
	ctx := context.Background()
	a.metrics.RecordOverlayCommand(ctx, cmd.Kind.String(), cmd.Layer.String(), err, d)
}
