// Package endpoint tracks, per (PeerId, MachineId), the ordered list of
// network endpoints a peer has recently been seen at, with
// recency-first ordering and IPv6-first cross-machine merging.
package endpoint

import (
	"net"
	"strings"
	"sync"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
)

// ValidationMode controls which endpoints recordReceived/recordSendSuccess
// accept.
type ValidationMode int

const (
	// ModeStrict rejects loopback and RFC1918/ULA/link-local addresses.
	ModeStrict ValidationMode = iota
	// ModePermissive rejects only loopback.
	ModePermissive
	// ModeAllowAll accepts any syntactically valid host:port.
	ModeAllowAll
)

// MachineID identifies one physical host of a peer.
type MachineID string

// Manager indexes (PeerId, MachineId) -> ordered endpoint list, most
// recently observed or used first.
type Manager struct {
	mode ValidationMode

	mu        sync.Mutex
	byPeer    map[identity.PeerID]map[MachineID][]string
	peerOrder map[identity.PeerID][]MachineID // insertion order, for stable iteration
}

// NewManager returns an empty manager validating endpoints under mode.
func NewManager(mode ValidationMode) *Manager {
	return &Manager{
		mode:      mode,
		byPeer:    make(map[identity.PeerID]map[MachineID][]string),
		peerOrder: make(map[identity.PeerID][]MachineID),
	}
}

// RecordReceived promotes endpoint to the front of (peer, machine)'s
// list, creating the pair if absent. Invalid endpoints under the active
// mode are silently discarded.
func (m *Manager) RecordReceived(peer identity.PeerID, machine MachineID, ep string) {
	m.record(peer, machine, ep)
}

// RecordSendSuccess follows the same promotion rule as RecordReceived;
// a successful send is just as strong a liveness signal as a receive.
func (m *Manager) RecordSendSuccess(peer identity.PeerID, machine MachineID, ep string) {
	m.record(peer, machine, ep)
}

func (m *Manager) record(peer identity.PeerID, machine MachineID, ep string) {
	if !Valid(ep, m.mode) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	machines, ok := m.byPeer[peer]
	if !ok {
		machines = make(map[MachineID][]string)
		m.byPeer[peer] = machines
	}
	if _, ok := machines[machine]; !ok {
		m.peerOrder[peer] = append(m.peerOrder[peer], machine)
	}

	list := machines[machine]
	list = removeString(list, ep)
	list = append([]string{ep}, list...)
	machines[machine] = list
}

// GetEndpoints returns the current ordered endpoint list for (peer,
// machine), most recent first. The returned slice is a copy.
func (m *Manager) GetEndpoints(peer identity.PeerID, machine MachineID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	machines, ok := m.byPeer[peer]
	if !ok {
		return nil
	}
	list := machines[machine]
	out := make([]string, len(list))
	copy(out, list)
	return out
}

// GetBest returns the first IPv6 endpoint for (peer, machine) if one
// exists, else the first endpoint of any family, else none.
func (m *Manager) GetBest(peer identity.PeerID, machine MachineID) (string, bool) {
	list := m.GetEndpoints(peer, machine)
	if len(list) == 0 {
		return "", false
	}
	for _, ep := range list {
		if isIPv6(ep) {
			return ep, true
		}
	}
	return list[0], true
}

// GetAllEndpoints concatenates every machine's list for peer without
// re-sorting alphabetically, then stable-partitions IPv6 ahead of IPv4
// (recency preserved within each partition), then dedups keeping the
// first occurrence.
func (m *Manager) GetAllEndpoints(peer identity.PeerID) []string {
	m.mu.Lock()
	machines, ok := m.byPeer[peer]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	order := append([]MachineID{}, m.peerOrder[peer]...)
	concatenated := make([]string, 0)
	for _, machine := range order {
		concatenated = append(concatenated, machines[machine]...)
	}
	m.mu.Unlock()

	var v6, v4 []string
	for _, ep := range concatenated {
		if isIPv6(ep) {
			v6 = append(v6, ep)
		} else {
			v4 = append(v4, ep)
		}
	}
	return dedup(append(v6, v4...))
}

// Machines returns every MachineId currently tracked for peer.
func (m *Manager) Machines(peer identity.PeerID) []MachineID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]MachineID{}, m.peerOrder[peer]...)
	return out
}

// Peers returns every PeerId this manager currently has at least one
// live endpoint for, i.e. every peer this node can plausibly reach
// directly right now.
func (m *Manager) Peers() []identity.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]identity.PeerID, 0, len(m.byPeer))
	for p, machines := range m.byPeer {
		for _, list := range machines {
			if len(list) > 0 {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// Remove drops all tracked endpoints for (peer, machine), used when the
// keepalive scheduler reports the machine as dead.
func (m *Manager) Remove(peer identity.PeerID, machine MachineID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	machines, ok := m.byPeer[peer]
	if !ok {
		return
	}
	delete(machines, machine)
	order := m.peerOrder[peer]
	for i, mid := range order {
		if mid == machine {
			m.peerOrder[peer] = append(order[:i], order[i+1:]...)
			break
		}
	}
}

// RemoveEndpoint drops a single endpoint string from every machine
// tracked for peer, used when a caller learns a specific path (not an
// entire machine) is no longer reachable.
func (m *Manager) RemoveEndpoint(peer identity.PeerID, ep string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	machines, ok := m.byPeer[peer]
	if !ok {
		return
	}
	for machine, list := range machines {
		machines[machine] = removeString(list, ep)
	}
}

func removeString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func dedup(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func isIPv6(endpoint string) bool {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.To4() == nil
}

// Valid reports whether endpoint is acceptable under mode.
func Valid(endpoint string, mode ValidationMode) bool {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil || port == "" {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if mode == ModeAllowAll {
		return true
	}
	if ip.IsLoopback() {
		return false
	}
	if mode == ModePermissive {
		return true
	}
	// ModeStrict: also reject RFC1918, ULA, and link-local.
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil {
		return !isPrivateIPv4(ip4)
	}
	return !isULA(ip)
}

func isPrivateIPv4(ip net.IP) bool {
	switch {
	case ip[0] == 10:
		return true
	case ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31:
		return true
	case ip[0] == 192 && ip[1] == 168:
		return true
	default:
		return false
	}
}

func isULA(ip net.IP) bool {
	return strings.HasPrefix(ip.String(), "fc") || strings.HasPrefix(ip.String(), "fd")
}
