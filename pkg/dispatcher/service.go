package dispatcher

import (
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/endpoint"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/natclass"
)

// StrategyKind selects how Send picks a path to the destination peer.
type StrategyKind int

const (
	// StrategyAuto lets the dispatcher pick: best known endpoint, else
	// an already established relay session, else ErrUnreachable. It does
	// not start a hole punch or set up a new relay session itself.
	StrategyAuto StrategyKind = iota
	// StrategyDirectEndpoint sends straight at a caller-supplied endpoint.
	StrategyDirectEndpoint
	// StrategyRelay forces the send through a named relay peer.
	StrategyRelay
)

// SendStrategy is the strategy argument to Service.Send, per §6's
// `strategy ∈ {direct(endpoint), auto, relay(via)}`.
type SendStrategy struct {
	Kind     StrategyKind
	Endpoint string
	Via      identity.PeerID
}

// AutoStrategy lets the dispatcher choose the best available path.
func AutoStrategy() SendStrategy { return SendStrategy{Kind: StrategyAuto} }

// DirectStrategy pins the send to a specific endpoint.
func DirectStrategy(ep string) SendStrategy {
	return SendStrategy{Kind: StrategyDirectEndpoint, Endpoint: ep}
}

// RelayStrategy forces delivery through relay peer via.
func RelayStrategy(via identity.PeerID) SendStrategy {
	return SendStrategy{Kind: StrategyRelay, Via: via}
}

// AppHandler receives an application-channel payload from a verified,
// deduplicated envelope. It is never called for the reserved internal
// mesh channel.
type AppHandler func(from identity.PeerID, machine endpoint.MachineID, payload []byte)

// Service is the abstract method set §6 documents as consumed by other
// subsystems (keepalive, hole-punch, relay, gossip, and application
// code). Node implements it; callers outside this package should
// depend on the interface, not the concrete type.
type Service interface {
	// Send delivers msg on channel to peer "to" using strategy. It
	// fails with ErrUnreachable if no path can be used.
	Send(to identity.PeerID, channel uint16, msg []byte, strategy SendStrategy) error
	// Broadcast enqueues one envelope per fan-out target. maxHops is not
	// carried on the wire; forwarding is bounded by each receiver's own
	// MaxForwardHops setting.
	Broadcast(channel uint16, msg []byte, maxHops uint8) error
	// GetEndpoint returns the IPv6-preferred best endpoint for peer,
	// optionally scoped to one machine.
	GetEndpoint(peer identity.PeerID, machine endpoint.MachineID) (string, bool)
	// GetNATType returns the last known classification of peer (this
	// node's own classification for its own PeerID).
	GetNATType(peer identity.PeerID) natclass.Type
	// GetCoordinatorPeerID returns any known peer with CanRelay()==true.
	GetCoordinatorPeerID() (identity.PeerID, bool)
	// InvalidateCache removes a specific path from caches, e.g. after a
	// keepalive failure.
	InvalidateCache(peer identity.PeerID, path string)
	// SendPing issues a ping to (peer, machine, endpoint) and reports
	// whether a matching pong arrived within the scheduler's configured
	// timeout; it implements keepalive.Pinger.
	SendPing(peer identity.PeerID, machine endpoint.MachineID, ep string) bool
	// HandleKeepaliveFailure is keepalive's FailureHandler: it
	// invalidates the endpoint and may trigger hole-punch/relay recovery.
	HandleKeepaliveFailure(peer identity.PeerID, machine endpoint.MachineID, ep string)
}
