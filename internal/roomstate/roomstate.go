// Package roomstate folds ordered state events into per-room snapshots:
// membership, encryption settings and power levels. The fold is
// last-writer-wins and deterministic, so replaying the same events in
// any order converges on the same snapshot.
package roomstate

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gwillem/matrix-go/internal/event"
)

// Snapshot is the current state of one room. It is a copy; mutating it
// does not affect the aggregator.
type Snapshot struct {
	RoomID string

	// Members maps user id to membership state.
	Members map[string]string

	EncryptionEnabled bool
	Algorithm         string

	// Rotation overrides from m.room.encryption. Zero means "use the
	// client default".
	RotationPeriod time.Duration
	RotationMsgs   int64

	PowerLevels event.PowerLevelsContent

	// Stale is set while a full resynchronisation is in progress: the
	// snapshot is the best known state but may lag the server.
	Stale bool
}

// JoinedMembers returns the user ids currently joined.
func (s *Snapshot) JoinedMembers() []string {
	var out []string
	for user, membership := range s.Members {
		if membership == event.MembershipJoin {
			out = append(out, user)
		}
	}
	return out
}

// CanSend reports whether a user's power level clears the room's
// events_default threshold.
func (s *Snapshot) CanSend(userID string) bool {
	level := s.PowerLevels.UsersDefault
	if l, ok := s.PowerLevels.Users[userID]; ok {
		level = l
	}
	return level >= s.PowerLevels.EventsDefault
}

// Change describes what a fold altered, for the key distribution
// manager to react to.
type Change struct {
	RoomID string

	MembershipChanged bool
	// Left lists users who lost join membership in this fold.
	Left []string
	// Joined lists users who gained join membership in this fold.
	Joined []string

	EncryptionToggled bool
}

// applied records the winning (timestamp, event id) per state tuple for
// the last-writer-wins conflict rule.
type applied struct {
	ts      int64
	eventID string
}

type room struct {
	mu       sync.Mutex
	snapshot Snapshot
	applied  map[string]applied
}

// Aggregator folds state events for any number of rooms. Folds for the
// same room are serialised; different rooms proceed independently.
type Aggregator struct {
	mu     sync.Mutex
	rooms  map[string]*room
	stale  bool
	logger *log.Logger
}

// New creates an empty aggregator. logger may be nil.
func New(logger *log.Logger) *Aggregator {
	return &Aggregator{
		rooms:  map[string]*room{},
		logger: logger,
	}
}

func (a *Aggregator) room(roomID string) *room {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.rooms[roomID]
	if !ok {
		r = &room{
			snapshot: Snapshot{
				RoomID:  roomID,
				Members: map[string]string{},
			},
			applied: map[string]applied{},
		}
		a.rooms[roomID] = r
	}
	return r
}

// SetStale marks every snapshot as authoritative-but-stale (or clears
// the mark). Used while a full resynchronisation is in flight.
func (a *Aggregator) SetStale(stale bool) {
	a.mu.Lock()
	a.stale = stale
	a.mu.Unlock()
}

// Snapshot returns a copy of a room's current state. The room may be
// unknown, in which case the snapshot is empty.
func (a *Aggregator) Snapshot(roomID string) *Snapshot {
	r := a.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := r.snapshot
	copied.Members = make(map[string]string, len(r.snapshot.Members))
	for k, v := range r.snapshot.Members {
		copied.Members[k] = v
	}
	if r.snapshot.PowerLevels.Users != nil {
		copied.PowerLevels.Users = make(map[string]int, len(r.snapshot.PowerLevels.Users))
		for k, v := range r.snapshot.PowerLevels.Users {
			copied.PowerLevels.Users[k] = v
		}
	}
	a.mu.Lock()
	copied.Stale = a.stale
	a.mu.Unlock()
	return &copied
}

// Fold applies a batch of state events to one room and reports what
// changed. Duplicate and out-of-order events resolve deterministically:
// the latest origin timestamp wins, ties broken by event id ordering.
func (a *Aggregator) Fold(roomID string, events []event.StateEvent) Change {
	r := a.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	change := Change{RoomID: roomID}
	for i := range events {
		a.foldOne(r, &events[i], &change)
	}
	return change
}

func (a *Aggregator) foldOne(r *room, ev *event.StateEvent, change *Change) {
	key := ev.Type + "\x00" + ev.StateKey
	prev, seen := r.applied[key]
	if seen {
		if ev.OriginServerTS < prev.ts {
			return
		}
		if ev.OriginServerTS == prev.ts && ev.EventID <= prev.eventID {
			return
		}
	}
	r.applied[key] = applied{ts: ev.OriginServerTS, eventID: ev.EventID}

	switch ev.Type {
	case event.TypeRoomMember:
		var content event.MemberContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			a.logf("roomstate: bad member content in %s: %v", ev.EventID, err)
			return
		}
		user := ev.StateKey
		old := r.snapshot.Members[user]
		if old == content.Membership {
			return
		}
		r.snapshot.Members[user] = content.Membership
		change.MembershipChanged = true
		if old == event.MembershipJoin && content.Membership != event.MembershipJoin {
			change.Left = append(change.Left, user)
		}
		if old != event.MembershipJoin && content.Membership == event.MembershipJoin {
			change.Joined = append(change.Joined, user)
		}

	case event.TypeRoomEncryption:
		var content event.EncryptionContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			a.logf("roomstate: bad encryption content in %s: %v", ev.EventID, err)
			return
		}
		if !r.snapshot.EncryptionEnabled {
			change.EncryptionToggled = true
		}
		r.snapshot.EncryptionEnabled = true
		r.snapshot.Algorithm = content.Algorithm
		r.snapshot.RotationPeriod = time.Duration(content.RotationPeriodMS) * time.Millisecond
		r.snapshot.RotationMsgs = content.RotationPeriodMsgs

	case event.TypeRoomPowerLevels:
		var content event.PowerLevelsContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			a.logf("roomstate: bad power levels content in %s: %v", ev.EventID, err)
			return
		}
		r.snapshot.PowerLevels = content
	}
}

func (a *Aggregator) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}
