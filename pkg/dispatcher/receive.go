package dispatcher

import (
	"context"
	"crypto/ed25519"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/endpoint"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/envelope"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/relay"
)

// onReceive is the transport's ReceiveFunc: the single entry point for
// every inbound datagram, implementing §4.8 in order. Any failure
// before step 6 simply drops the datagram and counts a metric; nothing
// before application routing is ever surfaced to a caller, per §7's
// "datagram-plane errors are never surfaced" policy.
func (n *Node) onReceive(data []byte, src *net.UDPAddr) {
	ctx := n.ctx
	if !n.inLimiter.Allow(src.IP.String()) {
		metricDatagramsDropped.Add(ctx, 1, attribute.String("reason", "rate_limited"))
		return
	}

	if n.tryRelayFrame(data, src) {
		return
	}

	e, err := envelope.Decode(data, n.cfg.NetworkKey)
	if err != nil {
		metricDatagramsDropped.Add(ctx, 1, attribute.String("reason", "decode"))
		return
	}

	fromPeer := identity.PeerID(e.FromPeerID)
	if err := identity.VerifyPeerID(fromPeer, ed25519.PublicKey(e.PublicKey[:])); err != nil {
		metricDatagramsDropped.Add(ctx, 1, attribute.String("reason", "peer_id_mismatch"))
		return
	}
	if !identity.Verify(ed25519.PublicKey(e.PublicKey[:]), envelope.SignaturePreimage(e), e.Signature[:]) {
		metricDatagramsDropped.Add(ctx, 1, attribute.String("reason", "signature_invalid"))
		return
	}

	if n.seen.CheckAndMark(fromPeer, e.MessageID) {
		metricDuplicatesSeen.Add(ctx, 1)
		return
	}

	machine := endpoint.MachineID(e.MachineID)
	n.endpoints.RecordReceived(fromPeer, machine, src.String())
	if n.keepalive != nil {
		n.keepalive.Track(fromPeer, machine)
		n.keepalive.RecordSuccessfulCommunication(fromPeer, machine)
	}

	metricDatagramsRouted.Add(ctx, 1, attribute.Int("channel", int(e.ChannelHash)))
	n.route(e, fromPeer, machine, src)
	n.maybeForward(e, fromPeer)
}

// route dispatches a verified, deduplicated envelope by channel: the
// reserved internal channel goes to handleInternal; anything else goes
// to the registered application handler, if any.
func (n *Node) route(e *envelope.Envelope, from identity.PeerID, machine endpoint.MachineID, src *net.UDPAddr) {
	if e.ChannelHash == channelMesh {
		n.handleInternal(e, from, machine, src)
		return
	}

	n.mu.RLock()
	handler, ok := n.appHandlers[e.ChannelHash]
	n.mu.RUnlock()
	if !ok {
		return
	}
	handler(from, machine, e.Payload)
}

// maybeForward implements §4.8 step 7: a directed envelope not
// addressed to this node is relayed on toward its destination,
// incrementing hopCount, as long as the hop budget allows it. Hop
// count is excluded from the signature preimage (SPEC_FULL.md §4.8
// design decision), so forwarding never needs to re-sign.
func (n *Node) maybeForward(e *envelope.Envelope, from identity.PeerID) {
	if !e.HasToPeerID() || e.ToPeerID == string(n.cfg.Identity.PeerID) {
		return
	}
	if e.HopCount >= n.cfg.MaxForwardHops {
		metricDatagramsDropped.Add(n.ctx, 1, attribute.String("reason", "hop_limit_exceeded"))
		return
	}

	forwarded := *e
	forwarded.HopCount = e.HopCount + 1

	to := identity.PeerID(e.ToPeerID)
	ep, ok := n.GetEndpoint(to, "")
	if !ok {
		metricForwardFailures.Add(n.ctx, 1)
		return
	}
	if err := n.sendEnvelopeTo(ep, &forwarded); err != nil {
		metricForwardFailures.Add(n.ctx, 1)
	}
}

// tryRelayFrame checks whether data is a relay-wrapped datagram this
// node recognizes either as the relay server for that session (forward
// the unwrapped bytes to the session's other endpoint) or as the
// relay client awaiting traffic on an active session (unwrap and feed
// back into the normal envelope path). It returns false, handling
// nothing, when the data isn't a relay frame this node knows about, so
// the caller falls through to plain envelope decoding.
func (n *Node) tryRelayFrame(data []byte, src *net.UDPAddr) bool {
	token, ok := relay.PeekToken(data)
	if !ok {
		return false
	}

	if sess, ok := n.relayMgr.Lookup(token); ok {
		payload, err := relay.UnwrapFrame(data, token)
		if err != nil {
			return true // recognized token, malformed frame: drop silently
		}
		if sess.AllowForward(len(payload)) {
			n.forwardRelayPayload(sess, payload)
		}
		return true
	}

	for _, cs := range n.snapshotRelayClients() {
		if cs.Token != token {
			continue
		}
		payload, err := relay.UnwrapFrame(data, token)
		if err != nil {
			return true
		}
		// Feed the unwrapped envelope back through the normal receive
		// path exactly as if it had arrived unwrapped, so dedup,
		// signature verification, and routing all apply uniformly.
		n.onReceive(payload, src)
		return true
	}

	return false
}

func (n *Node) snapshotRelayClients() map[identity.PeerID]relayClientSession {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[identity.PeerID]relayClientSession, len(n.relayClientBy))
	for k, v := range n.relayClientBy {
		out[k] = v
	}
	return out
}

// forwardRelayPayload is the relay-server role: forward payload,
// unwrapped, to whichever side of the session didn't just send it. The
// relay server doesn't parse the inner envelope at all; it only knows
// the two session endpoints.
func (n *Node) forwardRelayPayload(sess *relay.Session, payload []byte) {
	target := n.sessionCounterpartyEndpoint(sess)
	if target == "" {
		return
	}
	addr, err := parseHostPort(target)
	if err != nil {
		return
	}
	wrapped := relay.WrapFrame(sess.Token, payload)
	ctx, cancel := context.WithTimeout(n.ctx, 2*time.Second)
	defer cancel()
	n.transport.SendTo(ctx, wrapped, addr)
}

func (n *Node) sessionCounterpartyEndpoint(sess *relay.Session) string {
	if ep, ok := n.GetEndpoint(sess.Target, ""); ok {
		return ep
	}
	if ep, ok := n.GetEndpoint(sess.Initiator, ""); ok {
		return ep
	}
	return ""
}
