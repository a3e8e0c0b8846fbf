package dispatcher

import (
	"encoding/json"
	"net"
	"time"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/endpoint"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/envelope"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/holepunch"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/natclass"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/relay"
)

// handleInternal dispatches a channel-0 envelope by its internalKind.
// It is reached only after onReceive's full verify/dedup pipeline, so
// every handler below can trust from/e without re-checking signatures.
func (n *Node) handleInternal(e *envelope.Envelope, from identity.PeerID, machine endpoint.MachineID, src *net.UDPAddr) {
	msg, err := decodeInternal(e.Payload)
	if err != nil {
		return
	}

	switch msg.Kind {
	case kindPing:
		n.handlePing(msg, from, src)
	case kindPong:
		n.handlePong(msg)
	case kindAnnounce:
		n.handleAnnounce(msg, e.HopCount)
	case kindHolePunchRequest:
		n.handleHolePunchRequest(msg, from)
	case kindHolePunchInvite:
		n.handleHolePunchInvite(msg, from)
	case kindHolePunchAccept:
		n.handleHolePunchAccept(msg, from)
	case kindHolePunchExecute:
		n.handleHolePunchExecute(msg)
	case kindHolePunchProbe:
		n.handleHolePunchProbe(msg, from, src)
	case kindHolePunchResult:
		n.handleHolePunchResult(msg, from)
	case kindRelayRequest:
		n.handleRelayRequest(msg, from)
	case kindRelayAccept:
		n.handleRelayAccept(msg, from)
	case kindRelayDeny:
		n.handleRelayDeny(from)
	case kindRelayEnd:
		n.handleRelayEnd(msg)
	case kindRelayAvailability:
		n.handleRelayAvailability(msg, from)
	}
}

func decodePayload[T any](msg internalMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, false
	}
	return v, true
}

// handlePing answers a ping immediately, reporting back the endpoint
// the ping was observed arriving from so the requester can learn its
// own externally-visible address.
func (n *Node) handlePing(msg internalMessage, from identity.PeerID, src *net.UDPAddr) {
	req, ok := decodePayload[pingMsg](msg)
	if !ok {
		return
	}
	payload, err := encodeInternal(kindPong, pongMsg{Nonce: req.Nonce, YourEndpoint: src.String()})
	if err != nil {
		return
	}
	e := n.buildEnvelope(from, channelMesh, payload)
	n.sendEnvelopeTo(src.String(), e)
}

// handlePong delivers the reply to whichever SendPing call is waiting
// on this nonce, if any; a pong for an abandoned or unknown nonce is
// simply dropped.
func (n *Node) handlePong(msg internalMessage) {
	reply, ok := decodePayload[pongMsg](msg)
	if !ok {
		return
	}
	n.mu.RLock()
	ch, ok := n.pendingPings[reply.Nonce]
	n.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- pingResult{ok: true, endpoint: reply.YourEndpoint}:
	default:
	}
}

// handleAnnounce feeds a gossiped announcement into the engine, which
// owns dedup, TTL, and bounded re-broadcast.
func (n *Node) handleAnnounce(msg internalMessage, hopCount uint8) {
	ann, ok := decodePayload[announceMsg](msg)
	if !ok || ann.Announcement == nil {
		return
	}
	n.gossipEng.HandleAnnouncement(ann.Announcement, hopCount)
}

// InitiateHolePunch starts the coordinator-mediated rendezvous for a
// direct path to target: it asks the current coordinator peer to
// relay an invite, and records a fresh attempt, already moved to
// Requested, keyed by a new id.
func (n *Node) InitiateHolePunch(target identity.PeerID) error {
	coordinator, ok := n.GetCoordinatorPeerID()
	if !ok {
		return ErrNoEndpoint
	}
	n.mu.RLock()
	myEndpoint := n.selfPublic.String()
	myNAT := n.selfNAT
	n.mu.RUnlock()

	attempt := holepunch.NewAttempt(n.cfg.Identity.PeerID, target)
	attempt.Request()
	n.mu.Lock()
	n.attemptsByID[attempt.ID] = attempt
	n.mu.Unlock()

	payload, err := encodeInternal(kindHolePunchRequest, holePunchRequestMsg{
		Target:     target,
		MyEndpoint: myEndpoint,
		MyNAT:      myNAT,
		AttemptID:  attempt.ID,
	})
	if err != nil {
		return err
	}
	e := n.buildEnvelope(coordinator, channelMesh, payload)
	ep, ok := n.GetEndpoint(coordinator, "")
	if !ok {
		return ErrNoEndpoint
	}
	return n.sendEnvelopeTo(ep, e)
}

// handleHolePunchRequest is the coordinator role handling the
// initiator's request: record the pending offer, remember who
// requested what, and forward an invite to the target so it can
// answer with its own offer.
func (n *Node) handleHolePunchRequest(msg internalMessage, from identity.PeerID) {
	req, ok := decodePayload[holePunchRequestMsg](msg)
	if !ok {
		return
	}
	pairID := holepunch.PairID(from, req.Target)

	n.mu.Lock()
	n.pairToAttempt[pairID] = req.AttemptID
	n.pairInitiator[pairID] = from
	n.mu.Unlock()

	n.coord.Submit(holepunch.Offer{
		From:        from,
		Target:      req.Target,
		Endpoint:    req.MyEndpoint,
		NAT:         req.MyNAT,
		AttemptID:   req.AttemptID,
		IsInitiator: true,
	})

	payload, err := encodeInternal(kindHolePunchInvite, holePunchInviteMsg{
		PairID:        pairID,
		AttemptID:     req.AttemptID,
		From:          from,
		TheirEndpoint: req.MyEndpoint,
		TheirNAT:      req.MyNAT,
	})
	if err != nil {
		return
	}
	e := n.buildEnvelope(req.Target, channelMesh, payload)
	if ep, ok := n.GetEndpoint(req.Target, ""); ok {
		n.sendEnvelopeTo(ep, e)
	}
}

// handleHolePunchInvite is the target's own node learning that another
// peer wants to punch a hole to it: create a local attempt under the
// coordinator-assigned id, then answer the coordinator with its own
// endpoint and NAT type.
func (n *Node) handleHolePunchInvite(msg internalMessage, coordinator identity.PeerID) {
	inv, ok := decodePayload[holePunchInviteMsg](msg)
	if !ok {
		return
	}

	n.mu.Lock()
	attempt, exists := n.attemptsByID[inv.AttemptID]
	if !exists {
		attempt = holepunch.NewAttemptWithID(inv.AttemptID, n.cfg.Identity.PeerID, inv.From)
		n.attemptsByID[inv.AttemptID] = attempt
	}
	n.pairToAttempt[inv.PairID] = inv.AttemptID
	myEndpoint := n.selfPublic.String()
	myNAT := n.selfNAT
	n.mu.Unlock()

	if attempt.State() == holepunch.Idle {
		attempt.Request()
	}
	if err := attempt.Invite(inv.TheirEndpoint, inv.TheirNAT); err != nil {
		return
	}

	payload, err := encodeInternal(kindHolePunchAccept, holePunchAcceptMsg{
		PairID:   inv.PairID,
		From:     n.cfg.Identity.PeerID,
		Endpoint: myEndpoint,
		NAT:      myNAT,
	})
	if err != nil {
		return
	}
	e := n.buildEnvelope(coordinator, channelMesh, payload)
	if ep, ok := n.GetEndpoint(coordinator, ""); ok {
		n.sendEnvelopeTo(ep, e)
	}
}

// handleHolePunchAccept is the coordinator role completing the pair:
// submit the target's offer and, once both sides are in, send each
// side a holePunchExecute naming the counterpart's endpoint, NAT, and
// the decided strategy.
func (n *Node) handleHolePunchAccept(msg internalMessage, from identity.PeerID) {
	acc, ok := decodePayload[holePunchAcceptMsg](msg)
	if !ok {
		return
	}
	n.mu.RLock()
	attemptID := n.pairToAttempt[acc.PairID]
	initiator := n.pairInitiator[acc.PairID]
	n.mu.RUnlock()
	if initiator == "" {
		return
	}

	directives, ready := n.coord.Submit(holepunch.Offer{
		From:        acc.From,
		Target:      initiator,
		Endpoint:    acc.Endpoint,
		NAT:         acc.NAT,
		AttemptID:   attemptID,
		IsInitiator: false,
	})
	if !ready {
		return
	}

	for peer, d := range directives {
		simultaneous := d.Strategy == holepunch.Simultaneous ||
			(d.Strategy == holepunch.InitiatorFirst && peer == initiator) ||
			(d.Strategy == holepunch.ResponderFirst && peer == acc.From)

		payload, err := encodeInternal(kindHolePunchExecute, holePunchExecuteMsg{
			PairID:           d.PairID,
			AttemptID:        d.AttemptID,
			Strategy:         d.Strategy,
			TargetEndpoint:   d.PeerEndpoint,
			SimultaneousSend: simultaneous,
		})
		if err != nil {
			continue
		}
		e := n.buildEnvelope(peer, channelMesh, payload)
		if ep, ok := n.GetEndpoint(peer, ""); ok {
			n.sendEnvelopeTo(ep, e)
		}
	}
}

// handleHolePunchExecute runs on each side of the pair once the
// coordinator has paired both offers: it fires the probe loop at the
// counterpart's endpoint in the strategy's decided order.
func (n *Node) handleHolePunchExecute(msg internalMessage) {
	exec, ok := decodePayload[holePunchExecuteMsg](msg)
	if !ok {
		return
	}
	n.mu.RLock()
	attempt := n.attemptsByID[exec.AttemptID]
	n.mu.RUnlock()
	if attempt == nil {
		return
	}

	// The initiator receives no holePunchInvite of its own: this
	// directive is where it first learns the counterpart's endpoint, so
	// its Requested attempt moves to Invited here (the directive carries
	// no NAT type).
	if attempt.State() == holepunch.Requested {
		if err := attempt.Invite(exec.TargetEndpoint, natclass.Unknown); err != nil {
			return
		}
	}

	if exec.Strategy == holepunch.Impossible {
		attempt.Fail()
		n.requestRelayFallback(attempt.Target)
		return
	}
	if attempt.State() != holepunch.Invited {
		return
	}
	if err := attempt.StartProbing(exec.Strategy); err != nil {
		return
	}
	go n.probeHolePunch(attempt, exec.TargetEndpoint, exec.SimultaneousSend)
}

// probeHolePunch fires DefaultProbesPerAttempt datagrams at endpoint
// over DefaultAttemptWindow. Any holePunchProbe reply, from either
// side, proves the path is open; onReceive's unconditional
// RecordReceived call already promotes the endpoint once that reply
// lands, so this loop only drives the attempt's state machine.
func (n *Node) probeHolePunch(attempt *holepunch.Attempt, endpointAddr string, simultaneous bool) {
	if !simultaneous {
		time.Sleep(150 * time.Millisecond)
	}

	payload, err := encodeInternal(kindHolePunchProbe, holePunchProbeMsg{AttemptID: attempt.ID})
	if err != nil {
		attempt.Fail()
		return
	}
	e := n.buildEnvelope(attempt.Target, channelMesh, payload)

	deadline := time.Now().Add(holepunch.DefaultAttemptWindow)
	interval := holepunch.DefaultAttemptWindow / holepunch.DefaultProbesPerAttempt
	for i := 0; i < holepunch.DefaultProbesPerAttempt && time.Now().Before(deadline); i++ {
		n.sendEnvelopeTo(endpointAddr, e)
		if attempt.State() == holepunch.Succeeded {
			break
		}
		select {
		case <-time.After(interval):
		case <-n.ctx.Done():
			return
		}
	}

	if attempt.State() == holepunch.Probing {
		attempt.Fail()
		n.requestRelayFallback(attempt.Target)
	}

	result, err := encodeInternal(kindHolePunchResult, holePunchResultMsg{
		AttemptID: attempt.ID,
		Succeeded: attempt.State() == holepunch.Succeeded,
	})
	if err == nil {
		re := n.buildEnvelope(attempt.Target, channelMesh, result)
		n.sendEnvelopeTo(endpointAddr, re)
	}
}

// handleHolePunchProbe answers a probe with a probe, so the first
// datagram in either direction is also the NAT-opening one and the
// reply itself is the confirmation the sender's loop is watching for.
func (n *Node) handleHolePunchProbe(msg internalMessage, from identity.PeerID, src *net.UDPAddr) {
	probe, ok := decodePayload[holePunchProbeMsg](msg)
	if !ok {
		return
	}
	n.mu.RLock()
	attempt := n.attemptsByID[probe.AttemptID]
	n.mu.RUnlock()
	if attempt != nil && attempt.State() == holepunch.Probing {
		attempt.Succeed(src.String())
	}

	reply, err := encodeInternal(kindHolePunchProbe, holePunchProbeMsg{AttemptID: probe.AttemptID})
	if err != nil {
		return
	}
	e := n.buildEnvelope(from, channelMesh, reply)
	n.sendEnvelopeTo(src.String(), e)
}

// handleHolePunchResult records the peer's own view of the attempt's
// outcome; it never overrides a local Succeeded with the peer's
// Failed, since a probe reply this side already saw is authoritative.
func (n *Node) handleHolePunchResult(msg internalMessage, from identity.PeerID) {
	res, ok := decodePayload[holePunchResultMsg](msg)
	if !ok {
		return
	}
	n.mu.RLock()
	attempt := n.attemptsByID[res.AttemptID]
	n.mu.RUnlock()
	if attempt == nil {
		return
	}
	if !res.Succeeded && attempt.State() == holepunch.Probing {
		attempt.Fail()
		n.requestRelayFallback(from)
	}
}

// requestRelayFallback is called once a punch is known impossible or
// has exhausted its probe window: find a relay-capable peer and ask it
// to open a session toward target.
func (n *Node) requestRelayFallback(target identity.PeerID) {
	via, ok := n.relayMgr.SelectRelay(target)
	if !ok {
		via, ok = n.GetCoordinatorPeerID()
		if !ok {
			return
		}
	}
	n.mu.Lock()
	n.relayClientBy[target] = relayClientSession{Via: via}
	n.mu.Unlock()

	payload, err := encodeInternal(kindRelayRequest, relayRequestMsg{Target: target})
	if err != nil {
		return
	}
	e := n.buildEnvelope(via, channelMesh, payload)
	if ep, ok := n.GetEndpoint(via, ""); ok {
		n.sendEnvelopeTo(ep, e)
	}
}

// handleRelayRequest is the relay-server role: open a session between
// the requester and target, as long as the target has a known
// endpoint, and tell the requester its token.
func (n *Node) handleRelayRequest(msg internalMessage, from identity.PeerID) {
	req, ok := decodePayload[relayRequestMsg](msg)
	if !ok {
		return
	}
	if _, ok := n.GetEndpoint(req.Target, ""); !ok {
		n.sendRelayDeny(from, "target unreachable")
		return
	}
	sess := n.relayMgr.Open(from, req.Target, n.cfg.Identity.PeerID)
	payload, err := encodeInternal(kindRelayAccept, relayAcceptMsg{Token: tokenToHex(sess.Token)})
	if err != nil {
		return
	}
	e := n.buildEnvelope(from, channelMesh, payload)
	if ep, ok := n.GetEndpoint(from, ""); ok {
		n.sendEnvelopeTo(ep, e)
	}
}

func (n *Node) sendRelayDeny(to identity.PeerID, reason string) {
	payload, err := encodeInternal(kindRelayDeny, relayDenyMsg{Reason: reason})
	if err != nil {
		return
	}
	e := n.buildEnvelope(to, channelMesh, payload)
	if ep, ok := n.GetEndpoint(to, ""); ok {
		n.sendEnvelopeTo(ep, e)
	}
}

// handleRelayAccept completes the client side of a relay request
// previously recorded by requestRelayFallback: from now on, Send
// routes to target through this session whenever no direct endpoint
// answers.
func (n *Node) handleRelayAccept(msg internalMessage, from identity.PeerID) {
	acc, ok := decodePayload[relayAcceptMsg](msg)
	if !ok {
		return
	}
	token, err := tokenFromHex(acc.Token)
	if err != nil {
		return
	}
	relayEndpoint, ok := n.GetEndpoint(from, "")
	if !ok {
		return
	}

	n.mu.Lock()
	for target, sess := range n.relayClientBy {
		if sess.Via == from && sess.RelayEndpoint == "" {
			n.relayClientBy[target] = relayClientSession{Via: from, RelayEndpoint: relayEndpoint, Token: token}
		}
	}
	ch, waiting := n.relayPending[from]
	n.mu.Unlock()

	if waiting {
		select {
		case ch <- acc:
		default:
		}
	}
}

func (n *Node) handleRelayDeny(from identity.PeerID) {
	n.mu.Lock()
	ch, ok := n.relayPending[from]
	if ok {
		delete(n.relayPending, from)
	}
	n.mu.Unlock()
	if ok {
		close(ch)
	}
}

// handleRelayEnd tears down a relay-server-side session by token, as
// requested by either session member.
func (n *Node) handleRelayEnd(msg internalMessage) {
	end, ok := decodePayload[relayEndMsg](msg)
	if !ok {
		return
	}
	token, err := tokenFromHex(end.Token)
	if err != nil {
		return
	}
	n.relayMgr.Close(token)
}

// handleRelayAvailability records another relay-capable peer's
// advertised capacity for this node's own future SelectRelay calls.
func (n *Node) handleRelayAvailability(msg internalMessage, from identity.PeerID) {
	avail, ok := decodePayload[relayAvailabilityMsg](msg)
	if !ok {
		return
	}
	n.relayMgr.RecordAvailability(from, relay.Availability{
		Reachable:      avail.Reachable,
		AvailableSlots: avail.AvailableSlots,
		LatencyMillis:  avail.LatencyMillis,
	})
}

// advertiseRelayAvailability is §4.6's "relay-capable peers
// periodically emit an availability message": if this node currently
// classifies itself as relay-capable, broadcast the peers it can
// reach directly, along with its remaining session capacity, to every
// peer in the cache. Peers that never learn of this node's capacity
// can never pick it in SelectRelay, so without this loop the relay
// fallback path is unreachable regardless of how many peers actually
// could relay.
func (n *Node) advertiseRelayAvailability() {
	n.mu.RLock()
	canRelay := n.selfNAT.CanRelay()
	n.mu.RUnlock()
	if !canRelay {
		return
	}

	payload, err := encodeInternal(kindRelayAvailability, relayAvailabilityMsg{
		Reachable:      n.endpoints.Peers(),
		AvailableSlots: n.relayMgr.AvailableSlots(),
		LatencyMillis:  0,
	})
	if err != nil {
		return
	}

	for _, ann := range n.cache.Snapshot(time.Now()) {
		if ann.PeerID == n.cfg.Identity.PeerID {
			continue
		}
		e := n.buildEnvelope(ann.PeerID, channelMesh, payload)
		if ep, ok := n.GetEndpoint(ann.PeerID, ""); ok {
			n.sendEnvelopeTo(ep, e)
		}
	}
}
