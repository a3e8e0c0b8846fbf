package holepunch

import (
	"sync"
	"time"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/natclass"
)

// SessionTTL bounds how long the coordinator waits for both sides of a
// pair to submit their offer before the half-formed session is dropped.
const SessionTTL = 30 * time.Second

// PairID returns a deterministic, order-independent identifier for the
// (a, b) pair so both peers' offers land in the same coordinator session
// regardless of who is the initiator.
func PairID(a, b identity.PeerID) string {
	if a < b {
		return string(a) + ":" + string(b)
	}
	return string(b) + ":" + string(a)
}

// Offer is what a peer submits to the coordinator to request or accept
// a punch: holePunchRequest from the initiator, or the acceptance a
// target sends back after a holePunchInvite. IsInitiator marks which
// side originated the request, independent of which offer happens to
// reach the coordinator first, so Submit can orient DecideStrategy's
// (initiator, responder) arguments correctly regardless of arrival
// order.
type Offer struct {
	From        identity.PeerID
	Target      identity.PeerID
	Endpoint    string
	NAT         natclass.Type
	AttemptID   string
	IsInitiator bool
}

// Directive is what the coordinator sends each side once both offers
// are in: the peer's endpoint/NAT and the chosen strategy. AttemptID is
// always the id the pair's first submitter minted, so both sides track
// the same attempt under one id.
type Directive struct {
	PairID       string
	Strategy     Strategy
	PeerEndpoint string
	PeerNAT      natclass.Type
	AttemptID    string
}

type pendingPair struct {
	offers    map[identity.PeerID]Offer
	createdAt time.Time
}

// Coordinator pairs incoming offers by PairID and, once both sides of a
// pair are present, computes a strategy and returns directives for both.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingPair
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{pending: make(map[string]*pendingPair)}
}

// Submit records offer and, if this completes its pair, returns
// directives for both sides (keyed by peer) and clears the session.
// Returns (nil, false) while still waiting on the other side.
func (c *Coordinator) Submit(offer Offer) (map[identity.PeerID]Directive, bool) {
	pairID := PairID(offer.From, offer.Target)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, p := range c.pending {
		if now.Sub(p.createdAt) > SessionTTL {
			delete(c.pending, id)
		}
	}

	p, ok := c.pending[pairID]
	if !ok {
		p = &pendingPair{offers: make(map[identity.PeerID]Offer), createdAt: now}
		c.pending[pairID] = p
	}
	p.offers[offer.From] = offer

	a, aok := p.offers[offer.From]
	b, bok := p.offers[offer.Target]
	if !aok || !bok {
		return nil, false
	}

	// Orient by the real initiator, not by submission order: the
	// responder's acceptance always lands second, so picking a/b by
	// "who just submitted" would silently swap DecideStrategy's
	// (initiator, responder) arguments for any asymmetric pairing.
	initiatorOffer, responderOffer := a, b
	if b.IsInitiator {
		initiatorOffer, responderOffer = b, a
	}
	strategy := DecideStrategy(initiatorOffer.NAT, responderOffer.NAT)
	delete(c.pending, pairID)

	return map[identity.PeerID]Directive{
		a.From: {PairID: pairID, Strategy: strategy, PeerEndpoint: b.Endpoint, PeerNAT: b.NAT, AttemptID: b.AttemptID},
		b.From: {PairID: pairID, Strategy: strategy, PeerEndpoint: a.Endpoint, PeerNAT: a.NAT, AttemptID: b.AttemptID},
	}, true
}
