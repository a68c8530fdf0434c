// Package mock provides an in-memory implementation of [overlay.Sink] and
// [overlay.ImageSink] for tests.
//
// Sink records every call in order. Set Err to make calls fail and Hook to
// block or observe calls as they happen. FadingSink additionally implements
// [overlay.FadeSink].
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/pngtuberbot/internal/overlay"
)

// Call records one sink invocation.
type Call struct {
	// Method is "SetVisible", "SetImage" or "Fade".
	Method   string
	Name     string
	Visible  bool
	File     string
	Duration time.Duration
}

// Sink is a mock overlay sink.
type Sink struct {
	mu    sync.Mutex
	calls []Call

	// Err, if non-nil, is returned by every call.
	Err error

	// Hook, if non-nil, runs before a call is recorded. A non-nil return
	// value replaces Err for that call.
	Hook func(ctx context.Context, c Call) error
}

// SetVisible implements [overlay.Sink].
func (s *Sink) SetVisible(ctx context.Context, name string, visible bool) error {
	return s.record(ctx, Call{Method: "SetVisible", Name: name, Visible: visible})
}

// SetImage implements [overlay.ImageSink].
func (s *Sink) SetImage(ctx context.Context, source, file string) error {
	return s.record(ctx, Call{Method: "SetImage", Name: source, File: file})
}

func (s *Sink) record(ctx context.Context, c Call) error {
	s.mu.Lock()
	hook := s.Hook
	s.mu.Unlock()

	var hookErr error
	if hook != nil {
		hookErr = hook(ctx, c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	if hookErr != nil {
		return hookErr
	}
	return s.Err
}

// Calls returns a copy of all recorded calls.
func (s *Sink) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Visible returns the last visibility set for name and whether one was set.
func (s *Sink) Visible(name string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		if c := s.calls[i]; (c.Method == "SetVisible" || c.Method == "Fade") && c.Name == name {
			return c.Visible, true
		}
	}
	return false, false
}

// SetErr replaces Err under the mock's lock.
func (s *Sink) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// Reset clears recorded calls.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// FadingSink is a [Sink] that also fades.
type FadingSink struct {
	Sink

	// FadeErr, if non-nil, is returned by Fade after the call is recorded.
	FadeErr error
}

// Fade implements [overlay.FadeSink].
func (s *FadingSink) Fade(ctx context.Context, name string, visible bool, d time.Duration) error {
	err := s.record(ctx, Call{Method: "Fade", Name: name, Visible: visible, Duration: d})
	if s.FadeErr != nil {
		return s.FadeErr
	}
	return err
}

// Compile-time interface assertions.
var (
	_ overlay.Sink      = (*Sink)(nil)
	_ overlay.ImageSink = (*Sink)(nil)
	_ overlay.FadeSink  = (*FadingSink)(nil)
)
