package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/pngtuberbot/internal/overlay"
)

// Compile-time interface assertions.
var (
	_ overlay.Sink      = (*GuardedSink)(nil)
	_ overlay.ImageSink = (*GuardedSink)(nil)
	_ overlay.FadeSink  = (*GuardedSink)(nil)
)

// GuardedSink wraps an overlay sink with a [CircuitBreaker] so that calls
// fail fast while the sink is unreachable. A rejected call returns an error
// wrapping [ErrCircuitOpen]; callers treat it like any other sink failure.
type GuardedSink struct {
	sink overlay.Sink
	cb   *CircuitBreaker
}

// NewGuardedSink returns sink guarded by cb.
func NewGuardedSink(sink overlay.Sink, cb *CircuitBreaker) *GuardedSink {
	return &GuardedSink{sink: sink, cb: cb}
}

// Breaker returns the underlying circuit breaker.
func (g *GuardedSink) Breaker() *CircuitBreaker {
	return g.cb
}

// SetVisible implements [overlay.Sink].
func (g *GuardedSink) SetVisible(ctx context.Context, name string, visible bool) error {
	err := g.cb.Execute(func() error {
		return g.sink.SetVisible(ctx, name, visible)
	})
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("resilience: %s: set %q visible=%t: %w", g.cb.Name(), name, visible, err)
	}
	return err
}

// SetImage implements [overlay.ImageSink]. It fails with
// [overlay.ErrImagesUnsupported] when the wrapped sink cannot swap images.
func (g *GuardedSink) SetImage(ctx context.Context, source, file string) error {
	is, ok := g.sink.(overlay.ImageSink)
	if !ok {
		return overlay.ErrImagesUnsupported
	}
	err := g.cb.Execute(func() error {
		return is.SetImage(ctx, source, file)
	})
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("resilience: %s: set %q image: %w", g.cb.Name(), source, err)
	}
	return err
}

// Fade implements [overlay.FadeSink]. Without fade support in the wrapped
// sink it toggles visibility instead.
func (g *GuardedSink) Fade(ctx context.Context, name string, visible bool, d time.Duration) error {
	fs, ok := g.sink.(overlay.FadeSink)
	if !ok {
		return g.SetVisible(ctx, name, visible)
	}
	err := g.cb.Execute(func() error {
		return fs.Fade(ctx, name, visible, d)
	})
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("resilience: %s: fade %q visible=%t: %w", g.cb.Name(), name, visible, err)
	}
	return err
}
