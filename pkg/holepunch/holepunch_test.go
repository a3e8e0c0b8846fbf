package holepunch

import (
	"testing"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/natclass"
)

func TestStrategyTableImpossibleOnlyWhenBothSymmetric(t *testing.T) {
	allTypes := []natclass.Type{
		natclass.Public, natclass.FullCone, natclass.RestrictedCone,
		natclass.PortRestrictedCone, natclass.Symmetric,
	}
	for _, a := range allTypes {
		for _, b := range allTypes {
			got := DecideStrategy(a, b)
			wantImpossible := a == natclass.Symmetric && b == natclass.Symmetric
			if (got == Impossible) != wantImpossible {
				t.Errorf("DecideStrategy(%s, %s) = %s, impossible-ness mismatch", a, b, got)
			}
			if got != Impossible && got != Simultaneous && got != InitiatorFirst && got != ResponderFirst {
				t.Errorf("DecideStrategy(%s, %s) returned unrecognized strategy %s", a, b, got)
			}
		}
	}
}

func TestAttemptStateMachineHappyPath(t *testing.T) {
	a := NewAttempt("initiator", "target")
	if a.State() != Idle {
		t.Fatalf("expected Idle at start, got %s", a.State())
	}
	if err := a.Request(); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := a.Invite("1.2.3.4:9000", natclass.Public); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if err := a.StartProbing(Simultaneous); err != nil {
		t.Fatalf("StartProbing: %v", err)
	}
	if err := a.Succeed("1.2.3.4:9000"); err != nil {
		t.Fatalf("Succeed: %v", err)
	}
	if a.State() != Succeeded {
		t.Fatalf("expected Succeeded, got %s", a.State())
	}
	if a.SucceededEndpoint() != "1.2.3.4:9000" {
		t.Fatalf("unexpected succeeded endpoint %q", a.SucceededEndpoint())
	}
}

func TestAttemptRejectsOutOfOrderTransition(t *testing.T) {
	a := NewAttempt("initiator", "target")
	if err := a.StartProbing(Simultaneous); err == nil {
		t.Fatal("expected StartProbing from Idle to fail")
	}
}

func TestPairIDIsOrderIndependent(t *testing.T) {
	var a, b identity.PeerID = "peer-a", "peer-b"
	if PairID(a, b) != PairID(b, a) {
		t.Fatal("expected PairID to be order-independent")
	}
}

func TestCoordinatorPairsBothOffers(t *testing.T) {
	c := NewCoordinator()
	var a, b identity.PeerID = "peer-a", "peer-b"

	if _, done := c.Submit(Offer{From: a, Target: b, Endpoint: "1.1.1.1:1", NAT: natclass.Public, IsInitiator: true}); done {
		t.Fatal("expected no directive with only one offer submitted")
	}

	directives, done := c.Submit(Offer{From: b, Target: a, Endpoint: "2.2.2.2:2", NAT: natclass.Public})
	if !done {
		t.Fatal("expected pairing to complete once both offers arrive")
	}
	if directives[a].PeerEndpoint != "2.2.2.2:2" {
		t.Fatalf("expected a's directive to carry b's endpoint, got %+v", directives[a])
	}
	if directives[b].PeerEndpoint != "1.1.1.1:1" {
		t.Fatalf("expected b's directive to carry a's endpoint, got %+v", directives[b])
	}
	if directives[a].Strategy != Simultaneous {
		t.Fatalf("expected simultaneous strategy for two public peers, got %s", directives[a].Strategy)
	}
}

// TestCoordinatorOrientsStrategyByRealInitiator guards against regressing
// to orienting DecideStrategy by submission order instead of by who
// actually initiated: PortRestrictedCone x Symmetric is asymmetric in
// strategyTable, so submitting the responder's (symmetric) offer last —
// which is how handleHolePunchAccept always submits — must still yield
// the strategy for (initiator=portRestrictedCone, responder=symmetric),
// not its reverse.
func TestCoordinatorOrientsStrategyByRealInitiator(t *testing.T) {
	var initiator, responder identity.PeerID = "peer-initiator", "peer-responder"

	want := DecideStrategy(natclass.PortRestrictedCone, natclass.Symmetric)

	c := NewCoordinator()
	c.Submit(Offer{
		From: initiator, Target: responder,
		Endpoint: "1.1.1.1:1", NAT: natclass.PortRestrictedCone, IsInitiator: true,
	})
	directives, done := c.Submit(Offer{
		From: responder, Target: initiator,
		Endpoint: "2.2.2.2:2", NAT: natclass.Symmetric,
	})
	if !done {
		t.Fatal("expected pairing to complete")
	}
	if directives[initiator].Strategy != want {
		t.Fatalf("strategy oriented wrong way: got %s, want %s (DecideStrategy(initiator, responder))",
			directives[initiator].Strategy, want)
	}
}
