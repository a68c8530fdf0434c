// Package activity turns per-participant audio frame arrivals into debounced
// speaking transitions.
//
// A [Detector] marks a participant as speaking on the first frame it sees and
// keeps them speaking for as long as frames keep arriving within the silence
// timeout. The owner drives time forward by calling [Detector.OnSilenceTick]
// on a fixed cadence; a missed tick only delays the stop until the next one.
//
// The detector tracks every participant it sees, configured or not. Filtering
// for the overlay happens downstream.
package activity

import (
	"sort"
	"sync"
	"time"
)

// DefaultSilenceTimeout is the gap after the last frame that ends a speaking
// run when no explicit timeout is configured.
const DefaultSilenceTimeout = 300 * time.Millisecond

// Transition is a change of a participant's speaking state.
type Transition struct {
	ParticipantID string

	// Speaking is true for a started transition and false for a stopped one.
	Speaking bool

	// At is the frame timestamp (start) or the tick time (stop).
	At time.Time
}

type record struct {
	lastFrameAt time.Time
	speaking    bool
}

// Detector is a debouncing voice activity detector.
//
// Detector is safe for concurrent use; every method is O(1) except
// OnSilenceTick and Reset, which visit each tracked participant once.
type Detector struct {
	mu      sync.Mutex
	timeout time.Duration
	records map[string]*record
}

// New returns a Detector that ends a speaking run once no frame has been seen
// for longer than timeout. A non-positive timeout selects [DefaultSilenceTimeout].
func New(timeout time.Duration) *Detector {
	if timeout <= 0 {
		timeout = DefaultSilenceTimeout
	}
	return &Detector{
		timeout: timeout,
		records: make(map[string]*record),
	}
}

// Timeout returns the configured silence timeout.
func (d *Detector) Timeout() time.Duration {
	return d.timeout
}

// OnFrame records a frame arrival for id at the given time. It reports a
// started transition when the participant was not speaking before.
func (d *Detector) OnFrame(id string, at time.Time) (Transition, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.records[id]
	if !ok {
		r = &record{}
		d.records[id] = r
	}
	// Out-of-order frames never move lastFrameAt backwards.
	if at.After(r.lastFrameAt) {
		r.lastFrameAt = at
	}
	if r.speaking {
		return Transition{}, false
	}
	r.speaking = true
	return Transition{ParticipantID: id, Speaking: true, At: at}, true
}

// OnSilenceTick ends the speaking run of every participant whose last frame is
// older than the silence timeout at now. Transitions are returned sorted by
// participant ID so callers see a deterministic order.
func (d *Detector) OnSilenceTick(now time.Time) []Transition {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Transition
	for id, r := range d.records {
		if !r.speaking || now.Sub(r.lastFrameAt) <= d.timeout {
			continue
		}
		r.speaking = false
		out = append(out, Transition{ParticipantID: id, Speaking: false, At: now})
	}
	sortTransitions(out)
	return out
}

// Speaking reports whether id is currently marked as speaking.
func (d *Detector) Speaking(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.records[id]
	return ok && r.speaking
}

// Forget drops all state for id without emitting a transition. Used when the
// participant leaves; the overlay hides them through the leave path.
func (d *Detector) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, id)
}

// Reset clears every record and returns a stopped transition, stamped with
// now, for each participant that was speaking.
func (d *Detector) Reset(now time.Time) []Transition {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Transition
	for id, r := range d.records {
		if r.speaking {
			out = append(out, Transition{ParticipantID: id, Speaking: false, At: now})
		}
	}
	clear(d.records)
	sortTransitions(out)
	return out
}

// Len returns the number of tracked participants.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

func sortTransitions(ts []Transition) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ParticipantID < ts[j].ParticipantID })
}
