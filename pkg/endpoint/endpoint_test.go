package endpoint

import (
	"testing"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
)

func TestRecordReceivedPromotesToFront(t *testing.T) {
	m := NewManager(ModeAllowAll)
	peer := identity.PeerID("peer-a")
	m.RecordReceived(peer, "m1", "1.2.3.4:9000")
	m.RecordReceived(peer, "m1", "5.6.7.8:9000")
	m.RecordReceived(peer, "m1", "1.2.3.4:9000")

	got := m.GetEndpoints(peer, "m1")
	if len(got) != 2 {
		t.Fatalf("expected 2 unique endpoints, got %v", got)
	}
	if got[0] != "1.2.3.4:9000" {
		t.Fatalf("expected re-received endpoint at front, got %v", got)
	}
}

func TestIPv6PreferredInGetAllEndpoints(t *testing.T) {
	m := NewManager(ModeAllowAll)
	peer := identity.PeerID("peer-b")
	m.RecordReceived(peer, "m1", "[bb05::1]:9999")
	m.RecordReceived(peer, "m2", "1.2.3.4:9000")
	m.RecordReceived(peer, "m1", "[f81f::1]:9999")

	all := m.GetAllEndpoints(peer)
	if len(all) != 3 {
		t.Fatalf("expected 3 distinct endpoints, got %v", all)
	}
	if all[0] != "[f81f::1]:9999" {
		t.Fatalf("expected most recent IPv6 endpoint first, got %v", all)
	}
	if all[2] != "1.2.3.4:9000" {
		t.Fatalf("expected IPv4 endpoint last, got %v", all)
	}
}

func TestGetBestPrefersIPv6(t *testing.T) {
	m := NewManager(ModeAllowAll)
	peer := identity.PeerID("peer-c")
	m.RecordReceived(peer, "m1", "1.2.3.4:9000")
	m.RecordReceived(peer, "m1", "[f81f::1]:9999")

	best, ok := m.GetBest(peer, "m1")
	if !ok || best != "[f81f::1]:9999" {
		t.Fatalf("expected IPv6 endpoint as best, got %q ok=%v", best, ok)
	}
}

func TestValidStrictRejectsPrivate(t *testing.T) {
	if Valid("10.0.0.1:9000", ModeStrict) {
		t.Fatal("expected RFC1918 address rejected under strict mode")
	}
	if Valid("127.0.0.1:9000", ModePermissive) {
		t.Fatal("expected loopback rejected even under permissive mode")
	}
	if !Valid("127.0.0.1:9000", ModeAllowAll) {
		t.Fatal("expected allow-all mode to accept loopback")
	}
	if !Valid("8.8.8.8:53", ModeStrict) {
		t.Fatal("expected a public IPv4 address to pass strict mode")
	}
}

func TestRemoveDropsMachine(t *testing.T) {
	m := NewManager(ModeAllowAll)
	peer := identity.PeerID("peer-d")
	m.RecordReceived(peer, "m1", "1.2.3.4:9000")
	m.Remove(peer, "m1")
	if got := m.GetEndpoints(peer, "m1"); len(got) != 0 {
		t.Fatalf("expected no endpoints after remove, got %v", got)
	}
	if machines := m.Machines(peer); len(machines) != 0 {
		t.Fatalf("expected no tracked machines after remove, got %v", machines)
	}
}
