package dispatcher

import (
	"testing"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
)

func TestSeenTableDedupsPerSender(t *testing.T) {
	table := newSeenTable()
	var id [16]byte
	id[0] = 1

	alice := identity.PeerID("alice")
	bob := identity.PeerID("bob")

	if table.CheckAndMark(alice, id) {
		t.Fatal("first sighting from alice must not be reported as already seen")
	}
	if !table.CheckAndMark(alice, id) {
		t.Fatal("second sighting of the same id from alice must be reported as seen")
	}
	if table.CheckAndMark(bob, id) {
		t.Fatal("the same messageId from a different sender is not a collision")
	}
}

func TestSeenSetHalfEvictsOnOverflow(t *testing.T) {
	set := newSeenSet(4)
	for i := 0; i < 4; i++ {
		var id [16]byte
		id[0] = byte(i)
		if set.CheckAndMark(id) {
			t.Fatalf("id %d unexpectedly already seen", i)
		}
	}
	if set.order.Len() != 4 {
		t.Fatalf("expected 4 entries before overflow, got %d", set.order.Len())
	}

	var overflow [16]byte
	overflow[0] = 99
	set.CheckAndMark(overflow)
	if set.order.Len() != 2 {
		t.Fatalf("expected half-eviction down to capacity/2=2 entries, got %d", set.order.Len())
	}

	var oldest [16]byte
	oldest[0] = 0
	if set.CheckAndMark(oldest) {
		t.Fatal("the oldest entry should have been evicted and is no longer seen")
	}
	var mostRecent [16]byte
	mostRecent[0] = 3
	if !set.CheckAndMark(mostRecent) {
		t.Fatal("id 3 survived the half-eviction and should still be marked seen")
	}
}
