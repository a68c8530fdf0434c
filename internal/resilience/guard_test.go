package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/pngtuberbot/internal/overlay"
	"github.com/MrWong99/pngtuberbot/internal/overlay/mock"
	"github.com/MrWong99/pngtuberbot/internal/resilience"
)

func TestGuardedSink_FailsFastWhenOpen(t *testing.T) {
	t.Parallel()

	sinkErr := errors.New("connection refused")
	sink := &mock.Sink{Err: sinkErr}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "obs", MaxFailures: 2, ResetTimeout: time.Hour,
	})
	g := resilience.NewGuardedSink(sink, cb)
	ctx := context.Background()

	for range 2 {
		if err := g.SetVisible(ctx, "layer", true); !errors.Is(err, sinkErr) {
			t.Fatalf("err = %v, want sink error", err)
		}
	}
	err := g.SetVisible(ctx, "layer", true)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if n := len(sink.Calls()); n != 2 {
		t.Errorf("sink calls = %d, want 2", n)
	}
	if err := g.SetImage(ctx, "src", "f.png"); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("SetImage err = %v, want ErrCircuitOpen", err)
	}
	if g.Breaker() != cb {
		t.Error("Breaker() returned a different breaker")
	}
}

func TestGuardedSink_ForwardsCalls(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	g := resilience.NewGuardedSink(sink, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "obs"}))
	ctx := context.Background()

	if err := g.SetVisible(ctx, "a", false); err != nil {
		t.Fatalf("SetVisible: %v", err)
	}
	if err := g.SetImage(ctx, "a", "idle.png"); err != nil {
		t.Fatalf("SetImage: %v", err)
	}
	calls := sink.Calls()
	if len(calls) != 2 || calls[0].Method != "SetVisible" || calls[1].File != "idle.png" {
		t.Errorf("calls = %+v", calls)
	}
}

type visibilityOnly struct{}

func (visibilityOnly) SetVisible(context.Context, string, bool) error { return nil }

func TestGuardedSink_ImageUnsupported(t *testing.T) {
	t.Parallel()

	g := resilience.NewGuardedSink(visibilityOnly{}, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "obs"}))
	if err := g.SetImage(context.Background(), "a", "b"); !errors.Is(err, overlay.ErrImagesUnsupported) {
		t.Errorf("err = %v, want ErrImagesUnsupported", err)
	}
}

func TestGuardedSink_Fade(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	fading := &mock.FadingSink{}
	g := resilience.NewGuardedSink(fading, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "obs"}))
	if err := g.Fade(ctx, "a", true, time.Second); err != nil {
		t.Fatalf("Fade: %v", err)
	}
	if calls := fading.Calls(); len(calls) != 1 || calls[0].Method != "Fade" || calls[0].Duration != time.Second {
		t.Errorf("fading calls = %+v", calls)
	}

	plain := &mock.Sink{}
	g = resilience.NewGuardedSink(plain, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "obs"}))
	if err := g.Fade(ctx, "a", false, time.Second); err != nil {
		t.Fatalf("Fade on plain sink: %v", err)
	}
	if calls := plain.Calls(); len(calls) != 1 || calls[0].Method != "SetVisible" || calls[0].Visible {
		t.Errorf("plain calls = %+v, want one hide", calls)
	}
}
