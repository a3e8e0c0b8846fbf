package dispatcher

import (
	"container/list"
	"sync"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
)

// defaultSeenCapacity bounds each per-sender SeenMessages set.
const defaultSeenCapacity = 4096

// seenSet is a per-sender bounded set of messageId values. Capacity
// overflow triggers a deterministic half-eviction (oldest half dropped
// in one pass), per the spec's SeenMessages lifecycle: "entries live
// until half-eviction; TTL is implicit in capacity." Dedup is
// per-sender (§5: "the same messageId from a different sender is not
// a collision"), so the dispatcher keeps one of these per PeerId.
type seenSet struct {
	capacity int
	order    *list.List
	index    map[[16]byte]*list.Element
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	return &seenSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[[16]byte]*list.Element),
	}
}

// CheckAndMark reports whether id has already been seen; if not, it is
// recorded as seen before returning.
func (s *seenSet) CheckAndMark(id [16]byte) (alreadySeen bool) {
	if _, ok := s.index[id]; ok {
		return true
	}
	el := s.order.PushFront(id)
	s.index[id] = el
	if s.order.Len() > s.capacity {
		target := s.capacity / 2
		for s.order.Len() > target {
			oldest := s.order.Back()
			if oldest == nil {
				break
			}
			s.order.Remove(oldest)
			delete(s.index, oldest.Value.([16]byte))
		}
	}
	return false
}

// seenTable owns one seenSet per sender under a single mutex, matching
// the spec's "Dispatcher exclusively owns ... the seen-messages table"
// ownership rule.
type seenTable struct {
	mu      sync.Mutex
	perPeer map[identity.PeerID]*seenSet
}

func newSeenTable() *seenTable {
	return &seenTable{perPeer: make(map[identity.PeerID]*seenSet)}
}

// CheckAndMark reports whether messageID has already been seen from
// sender, marking it seen if not.
func (t *seenTable) CheckAndMark(sender identity.PeerID, messageID [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.perPeer[sender]
	if !ok {
		set = newSeenSet(defaultSeenCapacity)
		t.perPeer[sender] = set
	}
	return set.CheckAndMark(messageID)
}
