package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/cache"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []struct {
		to  identity.PeerID
		hop uint8
	}
}

func (b *recordingBroadcaster) SendAnnouncement(to identity.PeerID, ann *cache.PeerAnnouncement, hopCount uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, struct {
		to  identity.PeerID
		hop uint8
	}{to, hopCount})
	return nil
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func newSignedAnnouncement(t *testing.T, ttl time.Duration) (*identity.Identity, *cache.PeerAnnouncement) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	a := &cache.PeerAnnouncement{
		Reachability: []cache.ReachabilityPath{cache.DirectPath("1.2.3.4:9000")},
		Timestamp:    time.Now(),
		TTL:          ttl,
	}
	a.Sign(id)
	return id, a
}

func peerWithCachedNeighbors(t *testing.T, n int) (*cache.Cache, identity.PeerID) {
	t.Helper()
	c := cache.New(100)
	self, selfAnn := newSignedAnnouncement(t, time.Hour)
	c.Put(selfAnn)
	for i := 0; i < n; i++ {
		_, ann := newSignedAnnouncement(t, time.Hour)
		c.Put(ann)
	}
	return c, self.PeerID
}

func TestHandleAnnouncementRejectsExpired(t *testing.T) {
	c, self := peerWithCachedNeighbors(t, 0)
	b := &recordingBroadcaster{}
	e := New(DefaultConfig(), c, self, nil, b)

	_, expired := newSignedAnnouncement(t, time.Nanosecond)
	time.Sleep(time.Millisecond)

	if err := e.HandleAnnouncement(expired, 0); err != nil {
		t.Fatalf("expected no error dropping an expired announcement, got %v", err)
	}
	if b.count() != 0 {
		t.Fatal("expired announcement must never be forwarded (G3)")
	}
}

func TestHandleAnnouncementDedupsRebroadcast(t *testing.T) {
	c, self := peerWithCachedNeighbors(t, 8)
	b := &recordingBroadcaster{}
	e := New(DefaultConfig(), c, self, nil, b)

	_, ann := newSignedAnnouncement(t, time.Hour)

	if err := e.HandleAnnouncement(ann, 0); err != nil {
		t.Fatalf("handle announcement: %v", err)
	}
	first := b.count()
	if first == 0 {
		t.Fatal("expected the first arrival to fan out to some peers")
	}

	if err := e.HandleAnnouncement(ann, 0); err != nil {
		t.Fatalf("handle announcement (duplicate): %v", err)
	}
	if b.count() != first {
		t.Fatalf("expected a duplicate gossip id to trigger no further sends (G1), count went from %d to %d", first, b.count())
	}
}

func TestHandleAnnouncementStopsAtMaxHops(t *testing.T) {
	c, self := peerWithCachedNeighbors(t, 8)
	b := &recordingBroadcaster{}
	cfg := DefaultConfig()
	cfg.MaxHops = 3
	e := New(cfg, c, self, nil, b)

	_, ann := newSignedAnnouncement(t, time.Hour)

	if err := e.HandleAnnouncement(ann, uint8(cfg.MaxHops)); err != nil {
		t.Fatalf("handle announcement: %v", err)
	}
	if b.count() != 0 {
		t.Fatal("an announcement already at maxHops must not be re-broadcast")
	}
}

func TestHandleAnnouncementRejectsBadSignature(t *testing.T) {
	c, self := peerWithCachedNeighbors(t, 0)
	b := &recordingBroadcaster{}
	e := New(DefaultConfig(), c, self, nil, b)

	_, ann := newSignedAnnouncement(t, time.Hour)
	ann.Timestamp = ann.Timestamp.Add(time.Second) // invalidates the signature

	if err := e.HandleAnnouncement(ann, 0); err == nil {
		t.Fatal("expected a tampered announcement to fail verification")
	}
}

func TestDedupSetHalfEvictsOnOverflow(t *testing.T) {
	s := newDedupSet(10)
	for i := 0; i < 11; i++ {
		s.Add(string(rune('a' + i)))
	}
	if s.Len() != 5 {
		t.Fatalf("expected half-eviction to leave capacity/2 = 5 entries, got %d", s.Len())
	}
	// The most recently added ids must have survived the eviction.
	if !s.Contains("k") {
		t.Fatal("expected the most recently added id to survive half-eviction")
	}
	if s.Contains("a") {
		t.Fatal("expected the oldest id to be evicted")
	}
}
