// Package cache holds the bounded, in-memory LRU of signed peer
// announcements that gossip reads from and writes into. Persistence is
// an external collaborator (see the spec's explicit on-disk key/event
// store non-goal): callers that want durability implement Snapshotter
// and wire it in, rather than this package touching a filesystem.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
)

// DefaultMaxEntries matches the spec's cache.maxEntries default.
const DefaultMaxEntries = 1000

type entry struct {
	peerID identity.PeerID
	ann    *PeerAnnouncement
}

// Snapshotter is an optional external collaborator a caller can wire in
// to persist the cache's contents; Cache itself never touches disk.
type Snapshotter interface {
	Save(announcements []*PeerAnnouncement) error
	Load() ([]*PeerAnnouncement, error)
}

// Cache is a bounded LRU of PeerAnnouncements keyed by PeerID, evicting
// least-recently-touched entries once maxEntries is exceeded and
// treating expired entries as absent even before eviction runs.
type Cache struct {
	maxEntries int

	mu      sync.Mutex
	order   *list.List // front = most recently touched
	byPeer  map[identity.PeerID]*list.Element
}

// New returns an empty cache bounded to maxEntries (DefaultMaxEntries
// if <= 0).
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		maxEntries: maxEntries,
		order:      list.New(),
		byPeer:     make(map[identity.PeerID]*list.Element),
	}
}

// Put inserts or replaces the announcement for its PeerID and marks it
// most-recently-used, evicting the least-recently-used entry if the
// cache is now over capacity.
func (c *Cache) Put(ann *PeerAnnouncement) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byPeer[ann.PeerID]; ok {
		el.Value.(*entry).ann = ann
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{peerID: ann.PeerID, ann: ann})
	c.byPeer[ann.PeerID] = el

	for c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.byPeer, oldest.Value.(*entry).peerID)
	}
}

// Get returns the cached announcement for peer, unless it has expired,
// in which case it is evicted and (nil, false) is returned.
func (c *Cache) Get(peer identity.PeerID, now time.Time) (*PeerAnnouncement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byPeer[peer]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if e.ann.IsExpired(now) {
		c.order.Remove(el)
		delete(c.byPeer, peer)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.ann, true
}

// Sample returns up to n non-expired announcements chosen at random,
// excluding excludePeer. It is used by gossip to pick re-broadcast
// candidates.
func (c *Cache) Sample(n int, now time.Time, excludePeer identity.PeerID, rngIntn func(int) int) []*PeerAnnouncement {
	c.mu.Lock()
	live := make([]*PeerAnnouncement, 0, c.order.Len())
	var expired []*list.Element
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.peerID == excludePeer {
			continue
		}
		if e.ann.IsExpired(now) {
			expired = append(expired, el)
			continue
		}
		live = append(live, e.ann)
	}
	for _, el := range expired {
		c.order.Remove(el)
		delete(c.byPeer, el.Value.(*entry).peerID)
	}
	c.mu.Unlock()

	if n >= len(live) {
		return live
	}
	out := make([]*PeerAnnouncement, 0, n)
	picked := make(map[int]struct{}, n)
	for len(out) < n {
		i := rngIntn(len(live))
		if _, ok := picked[i]; ok {
			continue
		}
		picked[i] = struct{}{}
		out = append(out, live[i])
	}
	return out
}

// Len returns the current entry count, including not-yet-evicted
// expired entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Restore seeds the cache from a Snapshotter, skipping entries that are
// already expired by the time they're loaded.
func (c *Cache) Restore(snap Snapshotter, now time.Time) error {
	anns, err := snap.Load()
	if err != nil {
		return err
	}
	for _, a := range anns {
		if !a.IsExpired(now) {
			c.Put(a)
		}
	}
	return nil
}

// Snapshot returns every non-expired announcement for a Snapshotter to persist.
func (c *Cache) Snapshot(now time.Time) []*PeerAnnouncement {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*PeerAnnouncement, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if !e.ann.IsExpired(now) {
			out = append(out, e.ann)
		}
	}
	return out
}
