// Package gossip disseminates signed peer announcements by bounded,
// dedup'd fan-out: each node periodically (re-)broadcasts its own
// announcement and a random sample of cached ones, and re-broadcasts
// anything it receives while the envelope's hop count is still under
// the configured ceiling. It never touches a socket directly; sending
// is delegated to a Broadcaster the dispatcher supplies.
package gossip

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/cache"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
)

// Config mirrors the spec's enumerated gossip defaults.
type Config struct {
	Fanout                     int
	Interval                   time.Duration
	MaxHops                    int
	MaxAnnouncementsPerMessage int
	SampleSize                 int
	MaxRecentGossip            int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Fanout:                     6,
		Interval:                   30 * time.Second,
		MaxHops:                    3,
		MaxAnnouncementsPerMessage: 10,
		SampleSize:                 3,
		MaxRecentGossip:            1000,
	}
}

// AnnouncementSource builds a fresh, signed announcement for the local
// node. The engine calls it once per interval when the cached local
// announcement has gone stale.
type AnnouncementSource func() *cache.PeerAnnouncement

// Broadcaster delivers one announcement to one peer at a given hop
// count; the engine is ignorant of how that reaches the wire.
type Broadcaster interface {
	SendAnnouncement(to identity.PeerID, ann *cache.PeerAnnouncement, hopCount uint8) error
}

// Engine runs the periodic gossip cycle and handles inbound
// announcements, keeping the local node's view of the peer cache fresh.
type Engine struct {
	cfg         Config
	cache       *cache.Cache
	self        identity.PeerID
	source      AnnouncementSource
	broadcaster Broadcaster

	rngMu sync.Mutex
	rng   *rand.Rand

	recent *dedupSet

	mu       sync.Mutex
	localAnn *cache.PeerAnnouncement

	stopCh chan struct{}
}

// New constructs a gossip engine for a node whose own PeerId is self.
func New(cfg Config, c *cache.Cache, self identity.PeerID, source AnnouncementSource, broadcaster Broadcaster) *Engine {
	return &Engine{
		cfg:         cfg,
		cache:       c,
		self:        self,
		source:      source,
		broadcaster: broadcaster,
		rng:         rand.New(rand.NewSource(1)),
		recent:      newDedupSet(cfg.MaxRecentGossip),
		stopCh:      make(chan struct{}),
	}
}

// Run blocks, firing a gossip cycle every Interval, until ctx is
// canceled or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runCycle()
		}
	}
}

// Stop halts Run.
func (e *Engine) Stop() {
	close(e.stopCh)
}

func (e *Engine) runCycle() {
	now := time.Now()
	e.refreshLocalIfStale(now)

	sample := e.cache.Sample(e.cfg.SampleSize, now, e.self, e.intn)
	for _, ann := range sample {
		id := ann.GossipID()
		if e.recent.Contains(id) {
			continue
		}
		e.recent.Add(id)
		e.fanOut(ann, 0)
	}
}

// refreshLocalIfStale (re)signs and broadcasts the local announcement
// if it is missing or has gone a full interval without a refresh, per
// step 1 of the spec's per-interval procedure.
func (e *Engine) refreshLocalIfStale(now time.Time) {
	e.mu.Lock()
	stale := e.localAnn == nil || now.Sub(e.localAnn.Timestamp) >= e.cfg.Interval
	e.mu.Unlock()
	if !stale {
		return
	}

	ann := e.source()
	e.mu.Lock()
	e.localAnn = ann
	e.mu.Unlock()

	e.cache.Put(ann)
	e.recent.Add(ann.GossipID())
	e.fanOut(ann, 0)
}

// NotifyEndpointChanged forces an immediate re-announce on the next
// cycle by invalidating the cached "fresh enough" local announcement,
// per the announcement lifecycle's "refreshed on endpoint change" rule.
func (e *Engine) NotifyEndpointChanged() {
	e.mu.Lock()
	e.localAnn = nil
	e.mu.Unlock()
}

func (e *Engine) fanOut(ann *cache.PeerAnnouncement, hopCount uint8) {
	for _, p := range e.fanoutTargets(e.cfg.Fanout) {
		if p == e.self || p == ann.PeerID {
			continue
		}
		_ = e.broadcaster.SendAnnouncement(p, ann, hopCount)
	}
}

func (e *Engine) fanoutTargets(n int) []identity.PeerID {
	sampled := e.cache.Sample(n, time.Now(), e.self, e.intn)
	out := make([]identity.PeerID, 0, len(sampled))
	for _, a := range sampled {
		out = append(out, a.PeerID)
	}
	return out
}

func (e *Engine) intn(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

// HandleAnnouncement processes a received announcement carried at the
// given envelope hop count:
//
//  1. reject if the signature is invalid or the PeerId does not
//     re-derive from the embedded public key;
//  2. drop silently if expired (G3: expired announcements are never
//     forwarded);
//  3. insert/update the cache;
//  4. if this gossip id was already seen, stop (G1: never re-broadcast
//     the same generation twice);
//  5. otherwise, if hopCount is still under maxHops, re-broadcast with
//     hopCount+1 (G2: hop count strictly increases along a chain).
func (e *Engine) HandleAnnouncement(ann *cache.PeerAnnouncement, hopCount uint8) error {
	if err := ann.Verify(); err != nil {
		return err
	}

	now := time.Now()
	if ann.IsExpired(now) {
		return nil
	}
	e.cache.Put(ann)

	id := ann.GossipID()
	if e.recent.Contains(id) {
		return nil
	}
	e.recent.Add(id)

	if int(hopCount) < e.cfg.MaxHops {
		e.fanOut(ann, hopCount+1)
	}
	return nil
}
