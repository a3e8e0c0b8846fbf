package relay

import (
	"sync"
	"time"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
)

// DefaultIdleTimeout tears down a session that has carried no traffic
// for this long.
const DefaultIdleTimeout = 2 * time.Minute

// DefaultAdvertiseInterval is how often a relay-capable peer re-emits
// its §4.6 availability advertisement.
const DefaultAdvertiseInterval = 30 * time.Second

// Manager tracks relay-server-side sessions, indexed both by token and
// by (initiator, target) pair, and aggregates availability
// advertisements from other relay-capable peers for client-side
// selection.
type Manager struct {
	capacity Capacity

	mu       sync.Mutex
	byToken  map[SessionToken]*Session
	byPair   map[identity.PeerID]map[identity.PeerID]*Session

	availMu sync.Mutex
	avail   map[identity.PeerID]Availability
}

// Availability is a relay-capable peer's periodically-advertised capacity.
type Availability struct {
	Reachable       []identity.PeerID
	AvailableSlots  int
	LatencyMillis   int
	ObservedAt      time.Time
}

// NewManager constructs a relay manager enforcing capacity on every
// session it creates.
func NewManager(capacity Capacity) *Manager {
	return &Manager{
		capacity: capacity,
		byToken:  make(map[SessionToken]*Session),
		byPair:   make(map[identity.PeerID]map[identity.PeerID]*Session),
		avail:    make(map[identity.PeerID]Availability),
	}
}

// Open creates a new forwarding session, as the relay server does on
// relayRequest.
func (m *Manager) Open(initiator, target, via identity.PeerID) *Session {
	s := NewSession(initiator, target, via, m.capacity)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byToken[s.Token] = s
	if m.byPair[initiator] == nil {
		m.byPair[initiator] = make(map[identity.PeerID]*Session)
	}
	m.byPair[initiator][target] = s
	return s
}

// Lookup finds the session owning token, for routing a wrapped inbound
// datagram to its forwarding destination.
func (m *Manager) Lookup(token SessionToken) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byToken[token]
	return s, ok
}

// Close tears down a session explicitly (relayEnd) or on peer removal.
func (m *Manager) Close(token SessionToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byToken[token]
	if !ok {
		return
	}
	delete(m.byToken, token)
	if pairs, ok := m.byPair[s.Initiator]; ok {
		delete(pairs, s.Target)
		if len(pairs) == 0 {
			delete(m.byPair, s.Initiator)
		}
	}
}

// SessionCount returns the number of currently open relay-server sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byToken)
}

// AvailableSlots reports how many more sessions this node's own
// capacity allows right now, for the periodic availability
// advertisement it emits as a relay-capable peer.
func (m *Manager) AvailableSlots() int {
	max := m.capacity.MaxSessions
	if max <= 0 {
		max = DefaultMaxSessions
	}
	free := max - m.SessionCount()
	if free < 0 {
		return 0
	}
	return free
}

// PruneIdle closes every session that has carried no traffic for
// longer than timeout, returning the tokens that were closed.
func (m *Manager) PruneIdle(timeout time.Duration) []SessionToken {
	m.mu.Lock()
	var stale []SessionToken
	for token, s := range m.byToken {
		if s.Idle(timeout) {
			stale = append(stale, token)
		}
	}
	m.mu.Unlock()

	for _, token := range stale {
		m.Close(token)
	}
	return stale
}

// RecordAvailability stores the latest capacity advertisement from a
// relay-capable peer.
func (m *Manager) RecordAvailability(peer identity.PeerID, a Availability) {
	a.ObservedAt = time.Now()
	m.availMu.Lock()
	defer m.availMu.Unlock()
	m.avail[peer] = a
}

// SelectRelay picks the relay-capable peer that claims to reach target
// and has the most available slots, breaking ties by lower latency.
// Clients use this to choose a relay when direct and hole-punched paths
// have both failed.
func (m *Manager) SelectRelay(target identity.PeerID) (identity.PeerID, bool) {
	m.availMu.Lock()
	defer m.availMu.Unlock()

	var best identity.PeerID
	var bestAvail Availability
	found := false
	for peer, a := range m.avail {
		if !reaches(a, target) || a.AvailableSlots <= 0 {
			continue
		}
		if !found || a.AvailableSlots > bestAvail.AvailableSlots ||
			(a.AvailableSlots == bestAvail.AvailableSlots && a.LatencyMillis < bestAvail.LatencyMillis) {
			best, bestAvail, found = peer, a, true
		}
	}
	return best, found
}

func reaches(a Availability, target identity.PeerID) bool {
	for _, p := range a.Reachable {
		if p == target {
			return true
		}
	}
	return false
}
