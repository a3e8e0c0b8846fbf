package channel

import "testing"

func TestHashEmptyIsMesh(t *testing.T) {
	if Hash("") != Mesh {
		t.Fatalf("expected empty channel name to hash to Mesh, got %d", Hash(""))
	}
}

func TestHashDeterministic(t *testing.T) {
	if Hash("chat") != Hash("chat") {
		t.Fatal("hash is not deterministic")
	}
	if Hash("chat") == Hash("files") {
		t.Fatal("distinct names collided (unlucky but check the inputs)")
	}
}

func TestValidName(t *testing.T) {
	if !ValidName("chat-room_1") {
		t.Fatal("expected a well-formed name to validate")
	}
	if ValidName("has a space") {
		t.Fatal("expected a name with a space to be rejected")
	}
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	if ValidName(string(long)) {
		t.Fatal("expected a 65-char name to be rejected")
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	r := NewRegistry()
	hash, err := r.Register("chat")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if r.Name(hash) != "chat" {
		t.Fatalf("expected registry to return %q, got %q", "chat", r.Name(hash))
	}
	if r.Name(Mesh) != "<mesh>" {
		t.Fatalf("expected mesh channel pre-seeded, got %q", r.Name(Mesh))
	}
}
