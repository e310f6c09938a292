package roomstate

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/gwillem/matrix-go/internal/event"
)

func memberEvent(eventID, user, membership string, ts int64) event.StateEvent {
	content, _ := json.Marshal(event.MemberContent{Membership: membership})
	return event.StateEvent{
		EventID:        eventID,
		Type:           event.TypeRoomMember,
		StateKey:       user,
		Sender:         user,
		OriginServerTS: ts,
		Content:        content,
	}
}

func encryptionEvent(eventID string, ts int64) event.StateEvent {
	content, _ := json.Marshal(event.EncryptionContent{Algorithm: event.AlgorithmMegolm})
	return event.StateEvent{
		EventID:        eventID,
		Type:           event.TypeRoomEncryption,
		StateKey:       "",
		OriginServerTS: ts,
		Content:        content,
	}
}

func TestFoldMembership(t *testing.T) {
	agg := New(nil)

	change := agg.Fold("!room", []event.StateEvent{
		memberEvent("$1", "@alice:hs", event.MembershipJoin, 100),
		memberEvent("$2", "@bob:hs", event.MembershipInvite, 110),
	})
	if !change.MembershipChanged {
		t.Fatal("expected membership change")
	}
	if !reflect.DeepEqual(change.Joined, []string{"@alice:hs"}) {
		t.Fatalf("joined = %v", change.Joined)
	}

	change = agg.Fold("!room", []event.StateEvent{
		memberEvent("$3", "@bob:hs", event.MembershipJoin, 120),
	})
	if !reflect.DeepEqual(change.Joined, []string{"@bob:hs"}) {
		t.Fatalf("joined = %v", change.Joined)
	}

	snap := agg.Snapshot("!room")
	joined := snap.JoinedMembers()
	sort.Strings(joined)
	if !reflect.DeepEqual(joined, []string{"@alice:hs", "@bob:hs"}) {
		t.Fatalf("joined members = %v", joined)
	}

	change = agg.Fold("!room", []event.StateEvent{
		memberEvent("$4", "@bob:hs", event.MembershipLeave, 130),
	})
	if !reflect.DeepEqual(change.Left, []string{"@bob:hs"}) {
		t.Fatalf("left = %v", change.Left)
	}
}

func TestFoldLastWriterWins(t *testing.T) {
	agg := New(nil)

	// Older event delivered after a newer one must not win.
	agg.Fold("!room", []event.StateEvent{
		memberEvent("$new", "@alice:hs", event.MembershipLeave, 200),
	})
	change := agg.Fold("!room", []event.StateEvent{
		memberEvent("$old", "@alice:hs", event.MembershipJoin, 100),
	})
	if change.MembershipChanged {
		t.Fatal("stale event should not change state")
	}
	if got := agg.Snapshot("!room").Members["@alice:hs"]; got != event.MembershipLeave {
		t.Fatalf("membership = %q, want leave", got)
	}
}

func TestFoldTimestampTieBrokenByEventID(t *testing.T) {
	// Both orders of delivery must converge on the same winner.
	for _, order := range [][]string{{"$a", "$b"}, {"$b", "$a"}} {
		agg := New(nil)
		for _, id := range order {
			membership := event.MembershipJoin
			if id == "$a" {
				membership = event.MembershipLeave
			}
			agg.Fold("!room", []event.StateEvent{
				memberEvent(id, "@alice:hs", membership, 100),
			})
		}
		// "$b" > "$a", so join wins regardless of order.
		if got := agg.Snapshot("!room").Members["@alice:hs"]; got != event.MembershipJoin {
			t.Fatalf("order %v: membership = %q, want join", order, got)
		}
	}
}

func TestFoldIdempotentUnderReplay(t *testing.T) {
	events := []event.StateEvent{
		memberEvent("$1", "@alice:hs", event.MembershipJoin, 100),
		memberEvent("$2", "@bob:hs", event.MembershipJoin, 110),
		memberEvent("$3", "@bob:hs", event.MembershipLeave, 120),
		encryptionEvent("$4", 105),
	}

	fold := func(shuffled []event.StateEvent) *Snapshot {
		agg := New(nil)
		agg.Fold("!room", shuffled)
		// Replay the whole batch a second time, as after a crash
		// before cursor persistence.
		agg.Fold("!room", shuffled)
		return agg.Snapshot("!room")
	}

	want := fold(events)
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		shuffled := append([]event.StateEvent(nil), events...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		got := fold(shuffled)
		if !reflect.DeepEqual(got.Members, want.Members) {
			t.Fatalf("trial %d: members = %v, want %v", trial, got.Members, want.Members)
		}
		if got.EncryptionEnabled != want.EncryptionEnabled {
			t.Fatalf("trial %d: encryption flag diverged", trial)
		}
	}
}

func TestFoldEncryptionToggle(t *testing.T) {
	agg := New(nil)

	change := agg.Fold("!room", []event.StateEvent{encryptionEvent("$1", 100)})
	if !change.EncryptionToggled {
		t.Fatal("expected encryption toggle")
	}
	// A duplicate encryption event does not re-toggle.
	change = agg.Fold("!room", []event.StateEvent{encryptionEvent("$2", 200)})
	if change.EncryptionToggled {
		t.Fatal("re-enable should not toggle again")
	}
	snap := agg.Snapshot("!room")
	if !snap.EncryptionEnabled || snap.Algorithm != event.AlgorithmMegolm {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestFoldPowerLevels(t *testing.T) {
	agg := New(nil)
	content, _ := json.Marshal(event.PowerLevelsContent{
		Users:         map[string]int{"@admin:hs": 100},
		UsersDefault:  0,
		EventsDefault: 50,
	})
	agg.Fold("!room", []event.StateEvent{{
		EventID:        "$pl",
		Type:           event.TypeRoomPowerLevels,
		OriginServerTS: 100,
		Content:        content,
	}})

	snap := agg.Snapshot("!room")
	if !snap.CanSend("@admin:hs") {
		t.Fatal("admin should clear send threshold")
	}
	if snap.CanSend("@pleb:hs") {
		t.Fatal("default level should not clear send threshold")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	agg := New(nil)
	levels, _ := json.Marshal(event.PowerLevelsContent{
		Users: map[string]int{"@alice:hs": 100},
	})
	agg.Fold("!room", []event.StateEvent{
		memberEvent("$1", "@alice:hs", event.MembershipJoin, 100),
		{EventID: "$pl", Type: event.TypeRoomPowerLevels, OriginServerTS: 100, Content: levels},
	})
	snap := agg.Snapshot("!room")
	snap.Members["@alice:hs"] = event.MembershipBan
	snap.PowerLevels.Users["@alice:hs"] = 0

	fresh := agg.Snapshot("!room")
	if got := fresh.Members["@alice:hs"]; got != event.MembershipJoin {
		t.Fatalf("aggregator state mutated through snapshot: %q", got)
	}
	if got := fresh.PowerLevels.Users["@alice:hs"]; got != 100 {
		t.Fatalf("power levels mutated through snapshot: %d", got)
	}
}

func TestStaleFlag(t *testing.T) {
	agg := New(nil)
	agg.SetStale(true)
	if !agg.Snapshot("!room").Stale {
		t.Fatal("expected stale snapshot")
	}
	agg.SetStale(false)
	if agg.Snapshot("!room").Stale {
		t.Fatal("expected fresh snapshot")
	}
}

func TestRoomsIndependent(t *testing.T) {
	agg := New(nil)
	for i := 0; i < 10; i++ {
		roomID := fmt.Sprintf("!room%d", i)
		agg.Fold(roomID, []event.StateEvent{
			memberEvent("$1", "@alice:hs", event.MembershipJoin, 100),
		})
	}
	for i := 0; i < 10; i++ {
		roomID := fmt.Sprintf("!room%d", i)
		if len(agg.Snapshot(roomID).JoinedMembers()) != 1 {
			t.Fatalf("room %s lost its member", roomID)
		}
	}
}
