package overlay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultLeaveGrace is how long a left participant's record is kept so a
// quick rejoin resumes with its last-sent cache intact.
const DefaultLeaveGrace = 2 * time.Second

// State is the lifecycle state of a participant inside the [Machine].
type State int

const (
	// StateUnknown is a participant seen (e.g. speaking) but never present.
	StateUnknown State = iota

	// StateTracked is a present participant whose layers follow its state.
	StateTracked

	// StateLeft is a participant that left and awaits removal.
	StateLeft
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateTracked:
		return "tracked"
	case StateLeft:
		return "left"
	default:
		return "invalid"
	}
}

// sentValue is the last visibility sent for a layer. The zero value means
// nothing is known about the sink's state.
type sentValue int8

const (
	sentUnknown sentValue = iota
	sentHidden
	sentShown
)

func sentOf(visible bool) sentValue {
	if visible {
		return sentShown
	}
	return sentHidden
}

type entry struct {
	state    State
	present  bool
	muted    bool
	deafened bool
	speaking bool
	leftAt   time.Time

	sent      [layerCount]sentValue
	sentImage string
}

// Submitter receives commands produced by the [Machine].
type Submitter interface {
	Submit(cmds ...Command)
}

// Option configures a [Machine].
type Option func(*Machine)

// WithClock overrides the time source used to stamp leaves.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLeaveGrace sets how long left participants are kept before [Machine.Sweep]
// drops them. Non-positive values are ignored.
func WithLeaveGrace(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithAvatarImages enables idle/talking image swaps for participants that
// configure both images. When talkingWhileMuted is false a muted participant
// always shows the idle image.
func WithAvatarImages(talkingWhileMuted bool) Option {
	return func(m *Machine) {
		m.images = true
		m.talkingWhileMuted = talkingWhileMuted
	}
}

// WithSubmitter forwards every emitted command to s in addition to returning it.
func WithSubmitter(s Submitter) Option {
	return func(m *Machine) { m.submit = s }
}

// WithLogger sets the logger for configuration problems.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// Machine is the overlay state machine. It owns the desired and last-sent
// visibility of every configured participant and emits the minimal set of
// commands to move the sink from one to the other.
//
// Participants without configuration are ignored. A configured participant
// whose layer names are malformed is logged once and then treated as
// unconfigured until the next [Machine.Reconfigure].
//
// Machine is safe for concurrent use, but callers must deliver the events of
// one participant from a single goroutine to keep their order.
type Machine struct {
	mu sync.Mutex

	config   map[string]Participant
	excluded map[string]bool
	records  map[string]*entry

	// suspended is set between Invalidate and ResyncComplete.
	suspended bool
	closed    bool

	grace             time.Duration
	images            bool
	talkingWhileMuted bool
	now               func() time.Time
	submit            Submitter
	log               *slog.Logger
}

// NewMachine returns a Machine for the given participant configuration.
func NewMachine(participants []Participant, opts ...Option) *Machine {
	m := &Machine{
		excluded: make(map[string]bool),
		records:  make(map[string]*entry),
		grace:    DefaultLeaveGrace,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.config = indexParticipants(participants)
	return m
}

func indexParticipants(ps []Participant) map[string]Participant {
	out := make(map[string]Participant, len(ps))
	for _, p := range ps {
		if p.ID != "" {
			out[p.ID] = p
		}
	}
	return out
}

// PresenceChanged applies a participant's presence and derived flags. A
// transition from present to absent runs the leave path: one unconditional
// hide per layer, then removal after the grace period.
func (m *Machine) PresenceChanged(id string, present, muted, deafened bool) []Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.configuredLocked(id)
	if !ok {
		return nil
	}
	e := m.records[id]
	if e == nil {
		if !present {
			return nil
		}
		e = &entry{}
		m.records[id] = e
	}
	e.muted = muted
	e.deafened = deafened

	if !present {
		e.present = false
		if e.state != StateTracked {
			return nil
		}
		e.state = StateLeft
		e.leftAt = m.now()
		return m.emitLocked(m.leaveLocked(p, e))
	}

	e.present = true
	e.state = StateTracked
	return m.emitLocked(m.reconcileLocked(p, e))
}

// SpeakingChanged records a speaking transition and reconciles the avatar image.
func (m *Machine) SpeakingChanged(id string, speaking bool) []Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.configuredLocked(id)
	if !ok {
		return nil
	}
	e := m.records[id]
	if e == nil {
		e = &entry{}
		m.records[id] = e
	}
	e.speaking = speaking
	if e.state != StateTracked {
		return nil
	}
	return m.emitLocked(m.reconcileLocked(p, e))
}

// Reconcile recomputes the layers of id and emits a command for every layer
// whose desired value differs from the last one sent. Calling it again with no
// intervening change emits nothing.
func (m *Machine) Reconcile(id string) []Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.configuredLocked(id)
	if !ok {
		return nil
	}
	e := m.records[id]
	if e == nil || e.state != StateTracked {
		return nil
	}
	return m.emitLocked(m.reconcileLocked(p, e))
}

// Invalidate forgets every last-sent value and suspends reconciliation until
// [Machine.ResyncComplete]. Leaves still emit their hides while suspended.
func (m *Machine) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = true
	m.forgetSentLocked()
}

// Suspended reports whether the machine waits for [Machine.ResyncComplete].
func (m *Machine) Suspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

// ResyncComplete lifts the suspension and runs one full reconciliation pass
// over every tracked participant in ID order.
func (m *Machine) ResyncComplete() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = false
	return m.emitLocked(m.passLocked())
}

// ForceResync forgets every last-sent value and immediately re-sends the full
// state. Used when the sink itself reconnected and may have lost state. While
// a presence resync is pending only the cache is cleared; the pending
// [Machine.ResyncComplete] performs the pass.
func (m *Machine) ForceResync() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetSentLocked()
	if m.suspended {
		return nil
	}
	return m.emitLocked(m.passLocked())
}

// Sweep drops left participants whose grace period expired at now and
// returns their IDs.
func (m *Machine) Sweep(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []string
	for id, e := range m.records {
		switch {
		case e.state == StateLeft && now.Sub(e.leftAt) >= m.grace:
		case e.state == StateUnknown && !e.speaking:
		default:
			continue
		}
		delete(m.records, id)
		dropped = append(dropped, id)
	}
	sort.Strings(dropped)
	return dropped
}

// Reconfigure replaces the participant configuration. Participants that were
// removed or whose layer names changed have their old layers hidden and their
// records dropped; the caller replays current presence afterwards so new and
// changed participants are reconciled. Exclusions for malformed configuration
// are cleared.
func (m *Machine) Reconfigure(participants []Participant) []Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := indexParticipants(participants)
	var cmds []Command
	for _, id := range sortedKeys(m.records) {
		e := m.records[id]
		old, wasConfigured := m.config[id]
		np, stillConfigured := next[id]
		switch {
		case stillConfigured && np.Layers == old.Layers:
			if np.Images != old.Images {
				e.sentImage = ""
			}
			continue
		case wasConfigured && !m.excluded[id] && e.state == StateTracked:
			cmds = append(cmds, m.leaveLocked(old, e)...)
		}
		delete(m.records, id)
	}
	m.config = next
	clear(m.excluded)
	return m.emitLocked(cmds)
}

// TrackedIDs returns the IDs of every participant in [StateTracked], sorted.
func (m *Machine) TrackedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, e := range m.records {
		if e.state == StateTracked {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Configured reports whether id has usable overlay configuration.
func (m *Machine) Configured(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.config[id]
	return ok && !m.excluded[id]
}

// ParticipantView is a read-only snapshot of one participant record.
type ParticipantView struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	State    string          `json:"state"`
	Present  bool            `json:"present"`
	Muted    bool            `json:"muted"`
	Deafened bool            `json:"deafened"`
	Speaking bool            `json:"speaking"`
	Visible  map[string]bool `json:"visible"`
	Image    string          `json:"image,omitempty"`
}

// Snapshot returns every record sorted by ID. Visible lists the last value
// sent per layer; layers with unknown sink state are omitted.
func (m *Machine) Snapshot() []ParticipantView {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ParticipantView, 0, len(m.records))
	for _, id := range sortedKeys(m.records) {
		e := m.records[id]
		v := ParticipantView{
			ID:       id,
			Name:     m.config[id].Name,
			State:    e.state.String(),
			Present:  e.present,
			Muted:    e.muted,
			Deafened: e.deafened,
			Speaking: e.speaking,
			Visible:  make(map[string]bool, layerCount),
			Image:    e.sentImage,
		}
		for _, l := range allLayers {
			if e.sent[l] != sentUnknown {
				v.Visible[l.String()] = e.sent[l] == sentShown
			}
		}
		out = append(out, v)
	}
	return out
}

// Close stops intake. Later calls emit nothing. When the submitter supports
// it, Close waits for in-flight commands until ctx expires.
func (m *Machine) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	s := m.submit
	m.mu.Unlock()

	if c, ok := s.(interface{ Close(context.Context) error }); ok {
		return c.Close(ctx)
	}
	return nil
}

// configuredLocked returns the configuration of id, excluding and logging
// malformed entries the first time they are seen.
func (m *Machine) configuredLocked(id string) (Participant, bool) {
	if m.closed || m.excluded[id] {
		return Participant{}, false
	}
	p, ok := m.config[id]
	if !ok {
		return Participant{}, false
	}
	if err := p.Layers.Validate(); err != nil {
		m.excluded[id] = true
		m.log.Warn("overlay: participant excluded, malformed layer configuration",
			"participant", id, "err", err)
		return Participant{}, false
	}
	return p, true
}

// reconcileLocked diffs desired against last-sent state for a tracked
// participant. Image commands come first so a newly shown avatar already
// carries the right picture.
func (m *Machine) reconcileLocked(p Participant, e *entry) []Command {
	if m.suspended {
		return nil
	}
	var cmds []Command
	if m.images && p.Images.Enabled() {
		file := p.Images.Idle
		if e.speaking && (m.talkingWhileMuted || !e.muted) {
			file = p.Images.Talking
		}
		if file != e.sentImage {
			e.sentImage = file
			cmds = append(cmds, Command{
				ParticipantID: p.ID,
				Kind:          KindImage,
				Layer:         LayerAvatar,
				Target:        p.Layers.Avatar,
				File:          file,
			})
		}
	}
	for _, l := range allLayers {
		want := sentOf(desired(l, e))
		if e.sent[l] == want {
			continue
		}
		e.sent[l] = want
		cmds = append(cmds, Command{
			ParticipantID: p.ID,
			Kind:          KindVisibility,
			Layer:         l,
			Target:        p.Layers.Name(l),
			Visible:       want == sentShown,
		})
	}
	return cmds
}

// leaveLocked hides every layer unconditionally.
func (m *Machine) leaveLocked(p Participant, e *entry) []Command {
	cmds := make([]Command, 0, layerCount)
	for _, l := range allLayers {
		e.sent[l] = sentHidden
		cmds = append(cmds, Command{
			ParticipantID: p.ID,
			Kind:          KindVisibility,
			Layer:         l,
			Target:        p.Layers.Name(l),
			Visible:       false,
		})
	}
	return cmds
}

func (m *Machine) passLocked() []Command {
	var cmds []Command
	for _, id := range sortedKeys(m.records) {
		e := m.records[id]
		if e.state != StateTracked {
			continue
		}
		p, ok := m.configuredLocked(id)
		if !ok {
			continue
		}
		cmds = append(cmds, m.reconcileLocked(p, e)...)
	}
	return cmds
}

func (m *Machine) forgetSentLocked() {
	for _, e := range m.records {
		e.sent = [layerCount]sentValue{}
		e.sentImage = ""
	}
}

func (m *Machine) emitLocked(cmds []Command) []Command {
	if len(cmds) > 0 && m.submit != nil {
		m.submit.Submit(cmds...)
	}
	return cmds
}

func desired(l Layer, e *entry) bool {
	switch l {
	case LayerAvatar:
		return e.present
	case LayerMute:
		return e.present && e.muted
	case LayerDeaf:
		return e.present && e.deafened
	default:
		return false
	}
}

func sortedKeys(records map[string]*entry) []string {
	keys := make([]string, 0, len(records))
	for id := range records {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}
