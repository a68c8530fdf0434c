package overlay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/pngtuberbot/internal/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCommandTimeout bounds a single sink call when none is configured.
const DefaultCommandTimeout = 5 * time.Second

// ErrImagesUnsupported is returned for image commands when the sink does not
// implement [ImageSink].
var ErrImagesUnsupported = errors.New("overlay: sink does not support image commands")

// ErrDispatcherClosed is returned by [Dispatcher.Close] when it is called twice.
var ErrDispatcherClosed = errors.New("overlay: dispatcher closed")

// ResultFunc is called after every sink call with the command, the error (nil
// on success) and the call duration.
type ResultFunc func(cmd Command, err error, d time.Duration)

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithCommandTimeout bounds each sink call.
func WithCommandTimeout(d time.Duration) DispatcherOption {
	return func(di *Dispatcher) {
		if d > 0 {
			di.timeout = d
		}
	}
}

// WithResultFunc registers fn to observe every completed sink call.
func WithResultFunc(fn ResultFunc) DispatcherOption {
	return func(di *Dispatcher) { di.onResult = fn }
}

// WithAvatarFade fades avatar visibility changes over d on sinks that
// implement [FadeSink]. A failed fade falls back to an instant toggle.
// Non-positive durations disable fading.
func WithAvatarFade(d time.Duration) DispatcherOption {
	return func(di *Dispatcher) {
		if d > 0 {
			di.fade = d
		}
	}
}

// WithDispatchLogger sets the logger used for failed commands.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(di *Dispatcher) { di.log = l }
}

// Dispatcher executes commands against a [Sink]. Each participant has its own
// FIFO queue drained by at most one goroutine, so a slow call for one
// participant never delays another and commands for the same participant are
// applied in submission order. Failed commands are logged and reported, never
// retried.
//
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	sink     Sink
	timeout  time.Duration
	fade     time.Duration
	onResult ResultFunc
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queues  map[string][]Command
	pending int
	idle    chan struct{}
	closed  bool
}

// NewDispatcher returns a Dispatcher that sends commands to sink.
func NewDispatcher(sink Sink, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sink:    sink,
		timeout: DefaultCommandTimeout,
		log:     slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string][]Command),
		idle:    closedChan(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Submit enqueues cmds. Commands submitted after Close are dropped.
func (d *Dispatcher) Submit(cmds ...Command) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		if len(cmds) > 0 {
			d.log.Debug("overlay: dropping commands after close", "count", len(cmds))
		}
		return
	}
	for _, c := range cmds {
		if d.pending == 0 {
			d.idle = make(chan struct{})
		}
		d.pending++
		q, running := d.queues[c.ParticipantID]
		d.queues[c.ParticipantID] = append(q, c)
		if !running {
			go d.drain(c.ParticipantID)
		}
	}
}

// Pending returns the number of queued or in-flight commands.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Flush blocks until every submitted command has completed or ctx expires.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting commands and waits for in-flight ones until ctx
// expires. Calls still running at that point are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.closed = true
	d.mu.Unlock()

	err := d.Flush(ctx)
	d.cancel()
	return err
}

// drain runs commands for one participant until its queue is empty. The
// queue entry stays in the map while the goroutine runs so Submit does not
// start a second worker.
func (d *Dispatcher) drain(id string) {
	for {
		d.mu.Lock()
		q := d.queues[id]
		if len(q) == 0 {
			delete(d.queues, id)
			d.mu.Unlock()
			return
		}
		cmd := q[0]
		d.mu.Unlock()

		d.execute(cmd)

		d.mu.Lock()
		d.queues[id] = d.queues[id][1:]
		d.pending--
		if d.pending == 0 {
			close(d.idle)
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) execute(cmd Command) {
	timeout := d.timeout
	fs, fading := d.sink.(FadeSink)
	fading = fading && d.fade > 0 && cmd.Kind == KindVisibility && cmd.Layer == LayerAvatar
	if fading {
		timeout += d.fade
	}
	ctx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "overlay."+cmd.Kind.String(),
		trace.WithAttributes(
			attribute.String("participant", cmd.ParticipantID),
			attribute.String("layer", cmd.Layer.String()),
			attribute.String("target", cmd.Target),
		),
	)
	defer span.End()

	start := time.Now()
	var err error
	switch cmd.Kind {
	case KindImage:
		is, ok := d.sink.(ImageSink)
		if !ok {
			err = ErrImagesUnsupported
			break
		}
		err = is.SetImage(ctx, cmd.Target, cmd.File)
	default:
		span.SetAttributes(attribute.Bool("visible", cmd.Visible))
		if fading {
			span.SetAttributes(attribute.Int64("fade_ms", d.fade.Milliseconds()))
			if err = fs.Fade(ctx, cmd.Target, cmd.Visible, d.fade); err == nil || ctx.Err() != nil {
				break
			}
			observe.Logger(ctx, d.log).Debug("overlay: fade failed, toggling instead",
				"participant", cmd.ParticipantID, "target", cmd.Target, "err", err)
		}
		err = d.sink.SetVisible(ctx, cmd.Target, cmd.Visible)
	}
	dur := time.Since(start)

	if err != nil {
		observe.FailSpan(span, err)
		observe.Logger(ctx, d.log).Warn("overlay: command failed",
			"participant", cmd.ParticipantID,
			"layer", cmd.Layer.String(),
			"target", cmd.Target,
			"kind", cmd.Kind.String(),
			"visible", cmd.Visible,
			"err", err,
		)
	}
	if d.onResult != nil {
		d.onResult(cmd, err, dur)
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
