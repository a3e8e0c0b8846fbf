package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/cache"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/endpoint"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/envelope"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/relay"
)

// buildEnvelope constructs and signs an outbound envelope; HopCount
// starts at 0 and is excluded from the signature preimage per the
// hop-count/signature design decision (SPEC_FULL.md §4.8, option (a)).
func (n *Node) buildEnvelope(to identity.PeerID, channelHash uint16, payload []byte) *envelope.Envelope {
	e := &envelope.Envelope{
		MessageID:   newUUIDBytes(),
		FromPeerID:  string(n.cfg.Identity.PeerID),
		PublicKey:   [32]byte(n.cfg.Identity.PublicKey),
		MachineID:   string(n.cfg.MachineID),
		ToPeerID:    string(to),
		ChannelHash: channelHash,
		HopCount:    0,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
	sig := n.cfg.Identity.Sign(envelope.SignaturePreimage(e))
	copy(e.Signature[:], sig)
	return e
}

// sendEnvelopeTo encodes e and writes it to a raw endpoint string.
func (n *Node) sendEnvelopeTo(ep string, e *envelope.Envelope) error {
	addr, err := parseHostPort(ep)
	if err != nil {
		return err
	}
	wire, err := envelope.Encode(e, n.cfg.NetworkKey)
	if err != nil {
		return fmt.Errorf("dispatcher: encode envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()
	if err := n.transport.SendTo(ctx, wire, addr); err != nil {
		return err
	}
	metricEnvelopesSent.Add(ctx, 1)
	return nil
}

// Send implements Service.
func (n *Node) Send(to identity.PeerID, channelHash uint16, msg []byte, strategy SendStrategy) error {
	e := n.buildEnvelope(to, channelHash, msg)

	switch strategy.Kind {
	case StrategyDirectEndpoint:
		return n.sendEnvelopeTo(strategy.Endpoint, e)

	case StrategyRelay:
		return n.sendViaRelay(strategy.Via, to, e)

	default: // StrategyAuto
		if ep, ok := n.GetEndpoint(to, ""); ok {
			if err := n.sendEnvelopeTo(ep, e); err == nil {
				return nil
			}
		}
		if sess, ok := n.relayClientBy[to]; ok {
			return n.sendViaRelay(sess.Via, to, e)
		}
		return ErrUnreachable
	}
}

// sendViaRelay wraps e's wire bytes in the relay client frame and sends
// to the relay peer's own best endpoint.
func (n *Node) sendViaRelay(via, to identity.PeerID, e *envelope.Envelope) error {
	n.mu.RLock()
	sess, ok := n.relayClientBy[to]
	n.mu.RUnlock()
	if !ok || sess.Via != via {
		return fmt.Errorf("%w: no relay session to %s via %s", ErrUnreachable, to, via)
	}

	wire, err := envelope.Encode(e, n.cfg.NetworkKey)
	if err != nil {
		return fmt.Errorf("dispatcher: encode envelope: %w", err)
	}
	framed := relay.WrapFrame(sess.Token, wire)
	addr, err := parseHostPort(sess.RelayEndpoint)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()
	if err := n.transport.SendTo(ctx, framed, addr); err != nil {
		return err
	}
	metricEnvelopesSent.Add(ctx, 1)
	return nil
}

// SendAnnouncement implements gossip.Broadcaster.
func (n *Node) SendAnnouncement(to identity.PeerID, ann *cache.PeerAnnouncement, hopCount uint8) error {
	payload, err := encodeInternal(kindAnnounce, announceMsg{Announcement: ann})
	if err != nil {
		return err
	}
	e := n.buildEnvelope(to, channelMesh, payload)
	e.HopCount = hopCount
	ep, ok := n.GetEndpoint(to, "")
	if !ok {
		return ErrNoEndpoint
	}
	return n.sendEnvelopeTo(ep, e)
}

// Broadcast implements Service: it fans msg out, on channelHash, to
// every peer currently in the cache that has a known endpoint, each
// envelope starting at hop 0. maxHops is not used: the receiving
// dispatcher bounds further forwarding by its own MaxForwardHops.
func (n *Node) Broadcast(channelHash uint16, msg []byte, maxHops uint8) error {
	var lastErr error
	sent := 0
	for _, ann := range n.cache.Snapshot(time.Now()) {
		if ann.PeerID == n.cfg.Identity.PeerID {
			continue
		}
		e := n.buildEnvelope(ann.PeerID, channelHash, msg)
		e.HopCount = 0
		ep, ok := n.GetEndpoint(ann.PeerID, "")
		if !ok {
			continue
		}
		if err := n.sendEnvelopeTo(ep, e); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// SendPing implements Service and keepalive.Pinger's underlying call:
// it sends a ping and blocks for a reply up to the keepalive
// scheduler's configured response timeout.
func (n *Node) SendPing(peer identity.PeerID, machine endpoint.MachineID, ep string) bool {
	nonce := randomUint64()
	payload, err := encodeInternal(kindPing, pingMsg{Nonce: nonce})
	if err != nil {
		return false
	}
	e := n.buildEnvelope(peer, channelMesh, payload)

	ch := make(chan pingResult, 1)
	n.mu.Lock()
	n.pendingPings[nonce] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pendingPings, nonce)
		n.mu.Unlock()
	}()

	if err := n.sendEnvelopeTo(ep, e); err != nil {
		return false
	}

	select {
	case res, ok := <-ch:
		return ok && res.ok
	case <-time.After(n.cfg.Keepalive.ResponseTimeout):
		return false
	case <-n.ctx.Done():
		return false
	}
}
