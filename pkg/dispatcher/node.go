// Package dispatcher is the node's single receive path and service
// glue: it owns the mutable endpoint manager, peer cache,
// seen-messages table, and keepalive scheduler, and exposes the
// method set other subsystems call through (§6). Every other
// component (transport, envelope, endpoint, natclass, keepalive,
// holepunch, relay, gossip, channel) is a narrow, stateless-or-owned
// collaborator wired in here, mirroring the teacher's `Daemon` struct
// in pkg/daemon/daemon.go: one ctx/cancel pair, one WaitGroup, and a
// handful of long-running loops started from Start.
package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/cache"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/channel"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/endpoint"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/envelope"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/gossip"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/holepunch"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/keepalive"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/natclass"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/ratelimit"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/relay"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/transport"
)

// channelMesh is the reserved internal-protocol channel tag (§4.8: "channel = 0 / empty -> internal handler").
const channelMesh = channel.Mesh

// natCapabilityPrefix tags a peer's announced NAT class inside
// PeerAnnouncement.Capabilities so GetNATType can learn it from gossip
// instead of requiring a direct STUN exchange with every peer.
const natCapabilityPrefix = "nat:"

// relayCapability marks an announcement as coming from a peer willing
// to act as a hole-punch coordinator or relay (CanRelay()==true).
const relayCapability = "relay"

// Node is one running mesh node: the receive loop plus every
// background task and piece of mutable state §3's ownership rule
// assigns to the dispatcher.
type Node struct {
	cfg Config

	transport *transport.Transport
	endpoints *endpoint.Manager
	cache     *cache.Cache
	keepalive *keepalive.Scheduler
	gossipEng *gossip.Engine
	coord     *holepunch.Coordinator
	relayMgr  *relay.Manager
	channels  *channel.Registry
	natClass  *natclass.Classifier
	inLimiter *ratelimit.IPRateLimiter

	seen *seenTable

	logger *slog.Logger

	mu             sync.RWMutex
	running        bool
	selfNAT        natclass.Type
	selfPublic     natclass.Endpoint
	appHandlers    map[uint16]AppHandler
	attemptsByID   map[string]*holepunch.Attempt
	pairToAttempt  map[string]string
	pairInitiator  map[string]identity.PeerID
	pendingPings   map[uint64]chan pingResult
	relayClientBy  map[identity.PeerID]relayClientSession // target -> session through a relay
	relayPending   map[identity.PeerID]chan relayAcceptMsg

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// relayClientSession is this node's view of an active relay session it
// is the client of: payloads to Target are wrapped with Token and sent
// to RelayEndpoint.
type relayClientSession struct {
	Via           identity.PeerID
	RelayEndpoint string
	Token         relay.SessionToken
}

// pingResult is delivered to a pending SendPing call once a matching
// pong arrives or the wait is abandoned at Stop.
type pingResult struct {
	ok       bool
	endpoint string
}

// New constructs a Node from cfg. It does not bind the transport or
// start any background loop; call Start for that.
func New(cfg Config) (*Node, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("dispatcher: Identity is required")
	}

	n := &Node{
		cfg:           cfg,
		endpoints:     endpoint.NewManager(cfg.ValidationMode),
		cache:         cache.New(cfg.CacheMaxEntries),
		relayMgr:      relay.NewManager(cfg.Relay),
		channels:      channel.NewRegistry(),
		seen:          newSeenTable(),
		inLimiter:     ratelimit.New(ratelimit.DefaultRate, ratelimit.DefaultBurst, ratelimit.DefaultMaxIPs),
		logger:        cfg.Logger,
		selfNAT:       natclass.Unknown,
		appHandlers:   make(map[uint16]AppHandler),
		attemptsByID:  make(map[string]*holepunch.Attempt),
		pairToAttempt: make(map[string]string),
		pairInitiator: make(map[string]identity.PeerID),
		pendingPings:  make(map[uint64]chan pingResult),
		relayClientBy: make(map[identity.PeerID]relayClientSession),
		relayPending:  make(map[identity.PeerID]chan relayAcceptMsg),
	}

	classifier, err := natclass.New(cfg.NATClassifier)
	if err != nil {
		// Per §5's failure-isolation contract, a classifier that can't
		// even construct (fewer than two STUN servers configured)
		// degrades this node to NAT=unknown rather than failing startup.
		n.logger.Warn("nat classifier disabled", "error", err)
	}
	n.natClass = classifier

	n.transport = transport.New(n.logger, n.onReceive)
	n.gossipEng = gossip.New(cfg.Gossip, n.cache, cfg.Identity.PeerID, n.buildLocalAnnouncement, n)
	n.coord = holepunch.NewCoordinator()

	return n, nil
}

// Start binds the transport and launches every background task. Bind
// failure is fatal per §7; every other subsystem's startup failure only
// degrades that capability.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrAlreadyRunning
	}
	n.running = true
	n.mu.Unlock()

	n.ctx, n.cancel = context.WithCancel(ctx)

	if err := n.transport.Bind(n.cfg.Transport); err != nil {
		n.mu.Lock()
		n.running = false
		n.mu.Unlock()
		return fmt.Errorf("dispatcher: bind failed: %w", err)
	}

	n.keepalive = keepalive.New(n.cfg.Keepalive, n.endpoints, pingerFunc(n.SendPing), n.HandleKeepaliveFailure)

	n.classifySelf(n.ctx)

	n.wg.Add(4)
	go func() { defer n.wg.Done(); n.keepalive.Run(n.ctx) }()
	go func() { defer n.wg.Done(); n.gossipEng.Run(n.ctx) }()
	go func() { defer n.wg.Done(); n.prunerLoop(n.ctx) }()
	go func() { defer n.wg.Done(); n.relayAdvertiseLoop(n.ctx) }()

	n.logger.Info("node started", "peer_id", n.cfg.Identity.PeerID, "addr", n.transport.LocalAddr())
	return nil
}

// Stop cancels every background task, fails all pending
// request/response continuations, and closes the transport.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.mu.Unlock()

	if n.cancel != nil {
		n.cancel()
	}
	if n.keepalive != nil {
		n.keepalive.Stop()
	}
	n.gossipEng.Stop()

	n.mu.Lock()
	for nonce, ch := range n.pendingPings {
		close(ch)
		delete(n.pendingPings, nonce)
	}
	for peer, ch := range n.relayPending {
		close(ch)
		delete(n.relayPending, peer)
	}
	n.mu.Unlock()

	n.transport.Close()
	n.wg.Wait()
}

// SelfPeerID returns this node's own PeerID.
func (n *Node) SelfPeerID() identity.PeerID { return n.cfg.Identity.PeerID }

// RegisterChannel registers an application handler under name, hashing
// it to the wire tag via pkg/channel. It fails on a hash collision with
// a different already-registered name.
func (n *Node) RegisterChannel(name string, handler AppHandler) (uint16, error) {
	hash, err := n.channels.Register(name)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	n.appHandlers[hash] = handler
	n.mu.Unlock()
	return hash, nil
}

func (n *Node) classifySelf(ctx context.Context) {
	if n.natClass == nil {
		return
	}
	natType, pub, err := n.natClass.Detect(ctx, n.cfg.Transport.Port)
	if err != nil {
		n.logger.Warn("nat classification failed, degrading to unknown", "error", err)
		n.mu.Lock()
		n.selfNAT = natclass.Unknown
		n.mu.Unlock()
		return
	}
	n.mu.Lock()
	n.selfNAT = natType
	n.selfPublic = pub
	n.mu.Unlock()
	n.gossipEng.NotifyEndpointChanged()
}

// buildLocalAnnouncement is gossip.AnnouncementSource: it signs a fresh
// announcement describing this node's currently known reachability.
func (n *Node) buildLocalAnnouncement() *cache.PeerAnnouncement {
	n.mu.RLock()
	natType := n.selfNAT
	pub := n.selfPublic
	n.mu.RUnlock()

	var paths []cache.ReachabilityPath
	if pub.IP != nil {
		paths = append(paths, cache.DirectPath(pub.String()))
	}
	for _, ep := range n.endpoints.GetEndpoints(n.cfg.Identity.PeerID, n.cfg.MachineID) {
		paths = append(paths, cache.DirectPath(ep))
	}

	caps := []string{natCapabilityPrefix + string(natType)}
	if natType.CanRelay() {
		caps = append(caps, relayCapability)
	}

	ann := &cache.PeerAnnouncement{
		Reachability: paths,
		Capabilities: caps,
		Timestamp:    time.Now().UTC(),
		TTL:          n.cfg.Gossip.Interval * 4,
	}
	ann.Sign(n.cfg.Identity)
	return ann
}

// GetEndpoint implements Service.
func (n *Node) GetEndpoint(peer identity.PeerID, machine endpoint.MachineID) (string, bool) {
	if machine != "" {
		return n.endpoints.GetBest(peer, machine)
	}
	all := n.endpoints.GetAllEndpoints(peer)
	if len(all) == 0 {
		return "", false
	}
	return all[0], true
}

// GetNATType implements Service: self is answered from live
// classification, everyone else from the most recent cached
// announcement's capabilities.
func (n *Node) GetNATType(peer identity.PeerID) natclass.Type {
	if peer == n.cfg.Identity.PeerID {
		n.mu.RLock()
		defer n.mu.RUnlock()
		return n.selfNAT
	}
	ann, ok := n.cache.Get(peer, time.Now())
	if !ok {
		return natclass.Unknown
	}
	for _, c := range ann.Capabilities {
		if t, found := strings.CutPrefix(c, natCapabilityPrefix); found {
			return natclass.Type(t)
		}
	}
	return natclass.Unknown
}

// GetCoordinatorPeerID implements Service: any cached peer that
// advertised the relay capability.
func (n *Node) GetCoordinatorPeerID() (identity.PeerID, bool) {
	for _, ann := range n.cache.Snapshot(time.Now()) {
		for _, c := range ann.Capabilities {
			if c == relayCapability {
				return ann.PeerID, true
			}
		}
	}
	return "", false
}

// InvalidateCache implements Service.
func (n *Node) InvalidateCache(peer identity.PeerID, path string) {
	n.endpoints.RemoveEndpoint(peer, path)
}

// HandleKeepaliveFailure implements Service / keepalive.FailureHandler:
// it drops the dead endpoint and, if the machine has no remaining
// endpoints, removes it from tracking entirely so the next send
// attempt is forced to rediscover a path.
func (n *Node) HandleKeepaliveFailure(peer identity.PeerID, machine endpoint.MachineID, ep string) {
	n.logger.Warn("keepalive failure", "peer", peer, "machine", machine, "endpoint", ep)
	if ep != "" {
		n.endpoints.RemoveEndpoint(peer, ep)
	}
	if len(n.endpoints.GetEndpoints(peer, machine)) == 0 {
		n.endpoints.Remove(peer, machine)
	}
}

type pingerFunc func(peer identity.PeerID, machine endpoint.MachineID, ep string) bool

func (f pingerFunc) Ping(_ context.Context, peer identity.PeerID, machine endpoint.MachineID, ep string, _ time.Duration) bool {
	return f(peer, machine, ep)
}

func randomUint64() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func newUUIDBytes() [16]byte {
	var out [16]byte
	id := uuid.New()
	copy(out[:], id[:])
	return out
}

func parseHostPort(ep string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", ep)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: resolve endpoint %q: %w", ep, err)
	}
	return addr, nil
}

// relayAdvertiseLoop periodically re-emits this node's relay
// availability (§4.6), mirroring the gossip/keepalive ticker loops
// above. The work itself is skipped whenever this node isn't currently
// relay-capable; see advertiseRelayAvailability.
func (n *Node) relayAdvertiseLoop(ctx context.Context) {
	ticker := time.NewTicker(relay.DefaultAdvertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.advertiseRelayAvailability()
		}
	}
}

// prunerLoop periodically sweeps the relay manager for idle sessions,
// mirroring the teacher's staleCleanupLoop ticker pattern in
// pkg/daemon/daemon.go.
func (n *Node) prunerLoop(ctx context.Context) {
	ticker := time.NewTicker(relay.DefaultIdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed := n.relayMgr.PruneIdle(n.cfg.RelayIdle)
			if len(closed) > 0 {
				n.logger.Debug("pruned idle relay sessions", "count", len(closed))
			}
		}
	}
}
