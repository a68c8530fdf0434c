// Package presence maintains the authoritative set of participants in the
// monitored voice channel together with their mute and deafen flags.
//
// The [Tracker] is fed from voice-state notifications, join/leave events and
// session resets. Records are created lazily: a voice-state update for an id
// the tracker has never seen is expected, not an error. After a session reset
// the registry is empty and [Tracker.ResyncPending] reports true until a
// fresh snapshot is applied with [Tracker.Resync]. The participants known
// before the reset are kept aside as the baseline the snapshot is diffed
// against, so anyone who left while the session was down is reported as left.
package presence

import (
	"sort"
	"sync"

	"github.com/MrWong99/pngtuberbot/pkg/audio"
)

// Participant is the tracked state of one channel member.
type Participant struct {
	ID         string
	ChannelID  string
	Present    bool
	SelfMute   bool
	SelfDeaf   bool
	ServerMute bool
	ServerDeaf bool
}

// Muted reports whether the participant is self- or server-muted.
func (p Participant) Muted() bool { return p.SelfMute || p.ServerMute }

// Deafened reports whether the participant is self- or server-deafened.
func (p Participant) Deafened() bool { return p.SelfDeaf || p.ServerDeaf }

// Change describes the effect of one tracker update on a participant.
type Change struct {
	// Participant is the state after the update. For a leave it carries the
	// last known flags with Present set to false.
	Participant Participant

	// Joined is true when the participant was not present before the update.
	Joined bool

	// Left is true when the participant was present before the update and is
	// not anymore.
	Left bool

	// Changed is true when any of presence, Muted() or Deafened() changed.
	// Raw flag changes that keep the derived values equal do not count.
	Changed bool
}

// Tracker is the presence registry for one voice channel.
//
// Tracker is safe for concurrent use.
type Tracker struct {
	mu            sync.Mutex
	channelID     string
	participants  map[string]Participant
	resyncPending bool

	// stale holds the participants known before the last reset until the
	// resync snapshot replaces them.
	stale map[string]Participant
}

// NewTracker returns an empty Tracker for channelID.
func NewTracker(channelID string) *Tracker {
	return &Tracker{
		channelID:    channelID,
		participants: make(map[string]Participant),
		stale:        make(map[string]Participant),
	}
}

// ChannelID returns the tracked voice channel.
func (t *Tracker) ChannelID() string {
	return t.channelID
}

// OnVoiceStateChange applies a voice-state notification. A state whose channel
// differs from the tracked channel is treated as a leave.
func (t *Tracker) OnVoiceStateChange(vs audio.VoiceState) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	if vs.ChannelID != t.channelID {
		return t.leaveLocked(vs.UserID)
	}

	prev, known := t.previousLocked(vs.UserID)
	next := Participant{
		ID:         vs.UserID,
		ChannelID:  vs.ChannelID,
		Present:    true,
		SelfMute:   vs.SelfMute,
		SelfDeaf:   vs.SelfDeaf,
		ServerMute: vs.ServerMute,
		ServerDeaf: vs.ServerDeaf,
	}
	t.participants[vs.UserID] = next
	return diff(prev, known, next)
}

// OnParticipantJoined marks id present without changing its flags.
func (t *Tracker) OnParticipantJoined(id string) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, known := t.previousLocked(id)
	next := prev
	next.ID = id
	next.ChannelID = t.channelID
	next.Present = true
	t.participants[id] = next
	return diff(prev, known, next)
}

// OnParticipantLeft removes id from the registry.
func (t *Tracker) OnParticipantLeft(id string) Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaveLocked(id)
}

func (t *Tracker) leaveLocked(id string) Change {
	prev, known := t.previousLocked(id)
	delete(t.participants, id)

	gone := prev
	gone.ID = id
	gone.Present = false
	gone.ChannelID = ""
	wasPresent := known && prev.Present
	return Change{Participant: gone, Left: wasPresent, Changed: wasPresent}
}

// previousLocked returns the last known state of id, falling back to the
// pre-reset baseline while a resync is pending. The baseline entry is consumed.
func (t *Tracker) previousLocked(id string) (Participant, bool) {
	if p, ok := t.participants[id]; ok {
		delete(t.stale, id)
		return p, true
	}
	p, ok := t.stale[id]
	delete(t.stale, id)
	return p, ok
}

// OnSessionReset forgets every participant and marks a resync as pending.
// Until [Tracker.Resync] runs, the registry is empty. A reset while a resync
// is already pending adds to the existing baseline.
func (t *Tracker) OnSessionReset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.participants {
		t.stale[id] = p
	}
	clear(t.participants)
	t.resyncPending = true
}

// ResyncPending reports whether a session reset is awaiting its snapshot.
func (t *Tracker) ResyncPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resyncPending
}

// Resync replaces the registry with a freshly requested snapshot and clears
// the pending flag. It returns one Change per participant that is present
// after the resync plus a leave Change for every participant that was present
// before, including before the last reset, and is missing from the snapshot.
// Changes are sorted by ID.
func (t *Tracker) Resync(states []audio.VoiceState) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.stale
	for id, p := range t.participants {
		before[id] = p
	}
	t.stale = make(map[string]Participant)
	t.participants = make(map[string]Participant, len(states))
	t.resyncPending = false

	var out []Change
	for _, vs := range states {
		if vs.ChannelID != t.channelID || vs.UserID == "" {
			continue
		}
		prev, known := before[vs.UserID]
		next := Participant{
			ID:         vs.UserID,
			ChannelID:  vs.ChannelID,
			Present:    true,
			SelfMute:   vs.SelfMute,
			SelfDeaf:   vs.SelfDeaf,
			ServerMute: vs.ServerMute,
			ServerDeaf: vs.ServerDeaf,
		}
		t.participants[vs.UserID] = next
		out = append(out, diff(prev, known, next))
	}
	for id, prev := range before {
		if _, still := t.participants[id]; still || !prev.Present {
			continue
		}
		gone := prev
		gone.Present = false
		gone.ChannelID = ""
		out = append(out, Change{Participant: gone, Left: true, Changed: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant.ID < out[j].Participant.ID })
	return out
}

// Get returns the tracked state of id.
func (t *Tracker) Get(id string) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.participants[id]
	return p, ok
}

// Snapshot returns all tracked participants sorted by ID.
func (t *Tracker) Snapshot() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Participant, 0, len(t.participants))
	for _, p := range t.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked participants.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.participants)
}

func diff(prev Participant, known bool, next Participant) Change {
	wasPresent := known && prev.Present
	c := Change{
		Participant: next,
		Joined:      !wasPresent && next.Present,
	}
	c.Changed = c.Joined ||
		prev.Muted() != next.Muted() ||
		prev.Deafened() != next.Deafened()
	return c
}
