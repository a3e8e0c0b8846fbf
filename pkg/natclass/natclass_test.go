package natclass

import (
	"net"
	"testing"
)

func TestClassifyIdenticalMappingIsPortRestrictedCone(t *testing.T) {
	ip := net.ParseIP("1.2.3.4")
	local := net.ParseIP("10.0.0.5")
	got := classify(ip, 9000, ip, 9000, local, 4000)
	if got != PortRestrictedCone {
		t.Fatalf("expected portRestrictedCone for identical mappings, got %s", got)
	}
}

func TestClassifySamePortDifferentIPIsSymmetric(t *testing.T) {
	local := net.ParseIP("10.0.0.5")
	got := classify(net.ParseIP("1.2.3.4"), 9000, net.ParseIP("5.6.7.8"), 9000, local, 4000)
	if got != Symmetric {
		t.Fatalf("expected symmetric for differing IPs, got %s", got)
	}
}

func TestClassifyDifferentPortIsSymmetric(t *testing.T) {
	ip := net.ParseIP("1.2.3.4")
	local := net.ParseIP("10.0.0.5")
	got := classify(ip, 9000, ip, 9001, local, 4000)
	if got != Symmetric {
		t.Fatalf("expected symmetric for differing ports, got %s", got)
	}
}

func TestClassifyMappingMatchingLocalAddressIsPublic(t *testing.T) {
	ip := net.ParseIP("1.2.3.4")
	got := classify(ip, 4000, ip, 4000, ip, 4000)
	if got != Public {
		t.Fatalf("expected public when mapping matches local address, got %s", got)
	}
}

func TestClassifyNilLocalIPNeverYieldsPublic(t *testing.T) {
	ip := net.ParseIP("1.2.3.4")
	got := classify(ip, 9000, ip, 9000, nil, 9000)
	if got != PortRestrictedCone {
		t.Fatalf("expected portRestrictedCone fallback when local IP is unknown, got %s", got)
	}
}

func TestNewRequiresTwoDistinctServers(t *testing.T) {
	if _, err := New(Config{ServerA: "a:3478", ServerB: "a:3478"}); err != ErrInsufficientServers {
		t.Fatalf("expected ErrInsufficientServers for duplicate servers, got %v", err)
	}
	if _, err := New(Config{ServerA: "a:3478", ServerB: "b:3478"}); err != nil {
		t.Fatalf("expected distinct servers to be accepted, got %v", err)
	}
}

func TestIsHolePunchableAndCanRelay(t *testing.T) {
	for _, tc := range []struct {
		typ            Type
		holePunchable  bool
		canRelay       bool
	}{
		{Public, true, true},
		{FullCone, true, true},
		{RestrictedCone, true, false},
		{PortRestrictedCone, true, false},
		{Symmetric, false, false},
		{Unknown, false, false},
	} {
		if got := tc.typ.IsHolePunchable(); got != tc.holePunchable {
			t.Errorf("%s.IsHolePunchable() = %v, want %v", tc.typ, got, tc.holePunchable)
		}
		if got := tc.typ.CanRelay(); got != tc.canRelay {
			t.Errorf("%s.CanRelay() = %v, want %v", tc.typ, got, tc.canRelay)
		}
	}
}
