package obs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Connector is the part of [Client] the [Reconnector] drives.
type Connector interface {
	Connect(ctx context.Context) error
	Done() <-chan struct{}
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Client is the connection to keep alive.
	Client Connector

	// MaxRetries is the number of attempts per outage before giving up.
	// Zero retries forever.
	MaxRetries int

	// Backoff is the initial wait between attempts; it doubles up to
	// MaxBackoff. Defaults: 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// OnReconnect is called after every successful reconnect (not after the
	// initial connect). May be nil.
	OnReconnect func()
}

// Reconnector re-establishes the OBS connection with exponential backoff
// whenever it drops.
type Reconnector struct {
	client      Connector
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func()

	// sleep waits for d or until ctx is done. Overridden in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconnector creates a [Reconnector].
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		client:      cfg.Client,
		maxRetries:  max(cfg.MaxRetries, 0),
		backoff:     cfg.Backoff,
		maxBackoff:  cfg.MaxBackoff,
		onReconnect: cfg.OnReconnect,
		sleep:       sleepCtx,
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	return r
}

// Connect performs the initial connection, retrying like a reconnect.
func (r *Reconnector) Connect(ctx context.Context) error {
	return r.attempt(ctx)
}

// Run waits for the connection to drop and reconnects until ctx is done. It
// returns ctx.Err() on cancellation or an error once an outage exhausts
// MaxRetries.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.client.Done():
		}

		if err := r.attempt(ctx); err != nil {
			return err
		}
		slog.Info("obs: reconnected")
		if r.onReconnect != nil {
			r.onReconnect()
		}
	}
}

// attempt connects with exponential backoff.
func (r *Reconnector) attempt(ctx context.Context) error {
	wait := r.backoff
	for n := 1; r.maxRetries == 0 || n <= r.maxRetries; n++ {
		err := r.client.Connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("obs: connection attempt failed",
			"attempt", n,
			"max_retries", r.maxRetries,
			"backoff", wait,
			"err", err,
		)
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
		wait = min(wait*2, r.maxBackoff)
	}
	return fmt.Errorf("obs: giving up after %d connection attempts", r.maxRetries)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
