// Package keepalive periodically pings a weighted-sampled subset of
// tracked (peer, machine) pairs to keep NAT mappings alive and to
// detect failed paths. It never re-discovers a path itself; on a
// failed machine it only reports the failure, per the spec's
// "keepalive decides nothing about recovery" contract.
package keepalive

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/endpoint"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
)

// Config mirrors the spec's enumerated keepalive defaults.
type Config struct {
	Interval          time.Duration
	MissedThreshold   int
	ResponseTimeout   time.Duration
	MaxMachinesPerCycle int
	SamplingHalfLife  time.Duration
	MinSamplingWeight float64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            15 * time.Second,
		MissedThreshold:     3,
		ResponseTimeout:      5 * time.Second,
		MaxMachinesPerCycle:  30,
		SamplingHalfLife:     300 * time.Second,
		MinSamplingWeight:    0.05,
	}
}

// Key identifies one tracked (peer, machine) pair.
type Key struct {
	Peer    identity.PeerID
	Machine endpoint.MachineID
}

// MachineState is the spec's keepalive record: {peerId, machineId,
// lastKnownEndpoint?, lastSuccessfulPing, missedPings}.
type MachineState struct {
	LastKnownEndpoint string
	LastSuccessfulPing time.Time
	MissedPings       int
}

// Healthy reports whether the machine is below the missed-ping threshold.
func (s *MachineState) Healthy(threshold int) bool {
	return s.MissedPings < threshold
}

// Pinger issues a single ping to (peer, machine, endpoint) and reports
// whether a matching pong arrived within the configured timeout. The
// scheduler is deliberately ignorant of how a ping is framed on the
// wire — that is the dispatcher's concern.
type Pinger interface {
	Ping(ctx context.Context, peer identity.PeerID, machine endpoint.MachineID, ep string, timeout time.Duration) bool
}

// FailureHandler is notified exactly once per machine crossing the
// missed-ping threshold.
type FailureHandler func(peer identity.PeerID, machine endpoint.MachineID, endpoint string)

// Scheduler runs the periodic weighted-sampling keepalive cycle.
type Scheduler struct {
	cfg      Config
	endpoints *endpoint.Manager
	pinger   Pinger
	onFailure FailureHandler
	rng      *rand.Rand

	mu     sync.Mutex
	states map[Key]*MachineState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Scheduler. endpoints supplies the current best
// endpoint for a machine at ping time.
func New(cfg Config, endpoints *endpoint.Manager, pinger Pinger, onFailure FailureHandler) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		endpoints: endpoints,
		pinger:    pinger,
		onFailure: onFailure,
		rng:       rand.New(rand.NewSource(1)),
		states:    make(map[Key]*MachineState),
		stopCh:    make(chan struct{}),
	}
}

// Track begins monitoring (peer, machine), creating its state on first
// observation. Calling Track again for an existing pair is a no-op.
func (s *Scheduler) Track(peer identity.PeerID, machine endpoint.MachineID) {
	key := Key{Peer: peer, Machine: machine}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[key]; !ok {
		s.states[key] = &MachineState{LastSuccessfulPing: time.Now()}
	}
}

// RecordSuccessfulCommunication resets missed-ping bookkeeping for
// (peer, machine); the dispatcher calls this on every inbound datagram,
// not only on keepalive pongs, so any live traffic counts as liveness.
func (s *Scheduler) RecordSuccessfulCommunication(peer identity.PeerID, machine endpoint.MachineID) {
	key := Key{Peer: peer, Machine: machine}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[key]
	if !ok {
		state = &MachineState{}
		s.states[key] = state
	}
	state.MissedPings = 0
	state.LastSuccessfulPing = time.Now()
}

// Run blocks, firing a keepalive cycle every Interval, until ctx is
// canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// Stop halts Run.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) runCycle(ctx context.Context) {
	selected := s.selectCandidates()
	for _, key := range selected {
		s.wg.Add(1)
		go func(key Key) {
			defer s.wg.Done()
			s.pingOne(ctx, key)
		}(key)
	}
}

// selectCandidates builds the weighted-sampled set for one cycle: every
// tracked machine if the pool is small, else weighted-without-replacement
// sampling of maxMachinesPerCycle using weight w =
// max(minWeight, 0.5^(age/halfLife)).
func (s *Scheduler) selectCandidates() []Key {
	now := time.Now()
	s.mu.Lock()
	type candidate struct {
		key    Key
		weight float64
	}
	candidates := make([]candidate, 0, len(s.states))
	for key, state := range s.states {
		age := now.Sub(state.LastSuccessfulPing).Seconds()
		halfLife := s.cfg.SamplingHalfLife.Seconds()
		w := s.cfg.MinSamplingWeight
		if halfLife > 0 {
			if computed := mathPow2(-age / halfLife); computed > w {
				w = computed
			}
		}
		candidates = append(candidates, candidate{key: key, weight: w})
	}
	s.mu.Unlock()

	if len(candidates) <= s.cfg.MaxMachinesPerCycle {
		out := make([]Key, len(candidates))
		for i, c := range candidates {
			out[i] = c.key
		}
		return out
	}

	// Weighted sampling without replacement (efficient reservoir-style
	// approach): draw each candidate's exponential key u^(1/w), keep
	// the top maxMachinesPerCycle by that key.
	keys := make([]rankedCandidate, len(candidates))
	for i, c := range candidates {
		u := s.rng.Float64()
		if u <= 0 {
			u = 1e-12
		}
		keys[i] = rankedCandidate{key: c.key, u: mathPowInv(u, c.weight)}
	}
	sortKeyedDesc(keys)

	out := make([]Key, s.cfg.MaxMachinesPerCycle)
	for i := 0; i < s.cfg.MaxMachinesPerCycle; i++ {
		out[i] = keys[i].key
	}
	return out
}

func (s *Scheduler) pingOne(ctx context.Context, key Key) {
	ep, ok := s.endpoints.GetBest(key.Peer, key.Machine)
	if !ok {
		s.recordFailure(key, "")
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.ResponseTimeout)
	defer cancel()
	ok = s.pinger.Ping(pingCtx, key.Peer, key.Machine, ep, s.cfg.ResponseTimeout)

	s.mu.Lock()
	state, tracked := s.states[key]
	s.mu.Unlock()
	if !tracked {
		return
	}

	if ok {
		s.mu.Lock()
		state.MissedPings = 0
		state.LastSuccessfulPing = time.Now()
		state.LastKnownEndpoint = ep
		s.mu.Unlock()
		return
	}
	s.recordFailure(key, ep)
}

func (s *Scheduler) recordFailure(key Key, ep string) {
	s.mu.Lock()
	state, ok := s.states[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	state.MissedPings++
	shouldRemove := state.MissedPings >= s.cfg.MissedThreshold
	if shouldRemove {
		delete(s.states, key)
	}
	s.mu.Unlock()

	if shouldRemove && s.onFailure != nil {
		s.onFailure(key.Peer, key.Machine, ep)
	}
}
