package cache

import (
	"testing"
	"time"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
)

func newTestAnnouncement(t *testing.T, ttl time.Duration) *PeerAnnouncement {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	a := &PeerAnnouncement{
		Reachability: []ReachabilityPath{DirectPath("1.2.3.4:9000")},
		Timestamp:    time.Now(),
		TTL:          ttl,
	}
	a.Sign(id)
	return a
}

func TestAnnouncementSignVerify(t *testing.T) {
	a := newTestAnnouncement(t, time.Minute)
	if err := a.Verify(); err != nil {
		t.Fatalf("expected a freshly signed announcement to verify: %v", err)
	}
	a.Timestamp = a.Timestamp.Add(time.Second)
	if err := a.Verify(); err == nil {
		t.Fatal("expected tampering with a signed field to break verification")
	}
}

func TestCachePutGetAndExpiry(t *testing.T) {
	c := New(10)
	a := newTestAnnouncement(t, time.Minute)
	c.Put(a)

	got, ok := c.Get(a.PeerID, time.Now())
	if !ok || got.PeerID != a.PeerID {
		t.Fatalf("expected to find announcement, got %v ok=%v", got, ok)
	}

	if _, ok := c.Get(a.PeerID, time.Now().Add(2*time.Minute)); ok {
		t.Fatal("expected expired announcement to be absent")
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	a1 := newTestAnnouncement(t, time.Hour)
	a2 := newTestAnnouncement(t, time.Hour)
	a3 := newTestAnnouncement(t, time.Hour)

	c.Put(a1)
	c.Put(a2)
	c.Get(a1.PeerID, time.Now()) // touch a1, making a2 the LRU
	c.Put(a3)

	if _, ok := c.Get(a2.PeerID, time.Now()); ok {
		t.Fatal("expected a2 to be evicted as least recently used")
	}
	if _, ok := c.Get(a1.PeerID, time.Now()); !ok {
		t.Fatal("expected a1 to survive eviction")
	}
	if c.Len() != 2 {
		t.Fatalf("expected cache length 2, got %d", c.Len())
	}
}

func TestSampleExcludesSelfAndExpired(t *testing.T) {
	c := New(10)
	self := newTestAnnouncement(t, time.Hour)
	live := newTestAnnouncement(t, time.Hour)
	expired := newTestAnnouncement(t, time.Nanosecond)
	c.Put(self)
	c.Put(live)
	c.Put(expired)

	time.Sleep(time.Millisecond)
	sample := c.Sample(10, time.Now(), self.PeerID, func(n int) int { return 0 })
	if len(sample) != 1 || sample[0].PeerID != live.PeerID {
		t.Fatalf("expected only the live, non-self announcement, got %v", sample)
	}
}
