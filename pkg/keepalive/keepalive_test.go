package keepalive

import (
	"context"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/endpoint"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
)

type fakePinger struct {
	result bool
}

func (f *fakePinger) Ping(ctx context.Context, peer identity.PeerID, machine endpoint.MachineID, ep string, timeout time.Duration) bool {
	return f.result
}

func TestMissedThresholdTriggersFailureOnce(t *testing.T) {
	eps := endpoint.NewManager(endpoint.ModeAllowAll)
	peer := identity.PeerID("peer-a")
	eps.RecordReceived(peer, "m1", "1.2.3.4:9000")

	var failures int
	cfg := DefaultConfig()
	cfg.MissedThreshold = 3
	s := New(cfg, eps, &fakePinger{result: false}, func(p identity.PeerID, m endpoint.MachineID, e string) {
		failures++
	})
	s.Track(peer, "m1")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.pingOne(ctx, Key{Peer: peer, Machine: "m1"})
	}
	if failures != 1 {
		t.Fatalf("expected exactly one failure callback, got %d", failures)
	}

	s.mu.Lock()
	_, tracked := s.states[Key{Peer: peer, Machine: "m1"}]
	s.mu.Unlock()
	if tracked {
		t.Fatal("expected the machine to be removed from tracking after threshold")
	}
}

func TestSuccessfulPingResetsMissedCount(t *testing.T) {
	eps := endpoint.NewManager(endpoint.ModeAllowAll)
	peer := identity.PeerID("peer-b")
	eps.RecordReceived(peer, "m1", "1.2.3.4:9000")

	pinger := &fakePinger{result: false}
	s := New(DefaultConfig(), eps, pinger, nil)
	s.Track(peer, "m1")

	ctx := context.Background()
	s.pingOne(ctx, Key{Peer: peer, Machine: "m1"})
	s.pingOne(ctx, Key{Peer: peer, Machine: "m1"})

	pinger.result = true
	s.pingOne(ctx, Key{Peer: peer, Machine: "m1"})

	s.mu.Lock()
	state := s.states[Key{Peer: peer, Machine: "m1"}]
	s.mu.Unlock()
	if state.MissedPings != 0 {
		t.Fatalf("expected missed count reset after success, got %d", state.MissedPings)
	}
}

func TestSamplingWeightFavorsRecentContact(t *testing.T) {
	eps := endpoint.NewManager(endpoint.ModeAllowAll)
	s := New(DefaultConfig(), eps, &fakePinger{}, nil)

	recent := identity.PeerID("recent")
	stale := identity.PeerID("stale")
	s.states[Key{Peer: recent, Machine: "m1"}] = &MachineState{LastSuccessfulPing: time.Now()}
	s.states[Key{Peer: stale, Machine: "m1"}] = &MachineState{LastSuccessfulPing: time.Now().Add(-10 * time.Hour)}

	var recentWeight, staleWeight float64
	now := time.Now()
	for key, state := range s.states {
		age := now.Sub(state.LastSuccessfulPing).Seconds()
		w := mathPow2(-age / s.cfg.SamplingHalfLife.Seconds())
		if key.Peer == recent {
			recentWeight = w
		} else {
			staleWeight = w
		}
	}
	if recentWeight <= staleWeight {
		t.Fatalf("expected recent machine to have higher weight: recent=%f stale=%f", recentWeight, staleWeight)
	}
}
