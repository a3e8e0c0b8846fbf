// omertanode runs one mesh overlay datagram-plane node: it binds a UDP
// socket, classifies its own NAT, gossips its reachability to the rest
// of the network, and answers application traffic registered on named
// channels.
//
// Usage:
//
//	omertanode -network-key-file ./network.key -identity-file ./node.key -bind-port 7777
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	omertaotel "github.com/atvirokodosprendimai/omerta-mesh/pkg/otel"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/dispatcher"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/endpoint"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/relay"
)

func main() {
	bindHost := flag.String("bind-host", "::", "UDP bind address")
	bindPort := flag.Int("bind-port", 7777, "UDP bind port")
	networkKeyFile := flag.String("network-key-file", "", "path to a 64-char hex-encoded 32-byte network key")
	identityFile := flag.String("identity-file", "", "path to a 128-char hex-encoded Ed25519 private key (generated if missing)")
	machineID := flag.String("machine-id", "", "this host's machine id (defaults to hostname)")
	relayBytesPerSec := flag.Int("relay-bytes-per-sec", 1<<20, "relay forwarding capacity per session, bytes/sec")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	shutdownOtel, err := omertaotel.Init(context.Background(), "omertanode", "dev")
	if err != nil {
		log.Printf("WARNING: otel init failed: %v — continuing without telemetry", err)
	}
	defer shutdownOtel(context.Background())

	networkKey, err := loadNetworkKey(*networkKeyFile)
	if err != nil {
		log.Fatalf("network key: %v", err)
	}

	id, err := loadOrCreateIdentity(*identityFile)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	mid := *machineID
	if mid == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "unknown"
		}
		mid = h
	}

	cfg := dispatcher.NewConfig(dispatcher.Opts{
		NetworkKey: networkKey,
		Identity:   id,
		MachineID:  endpoint.MachineID(mid),
		BindHost:   *bindHost,
		BindPort:   *bindPort,
		RelayCapacity: relay.Capacity{
			BytesPerInterval: *relayBytesPerSec,
			Interval:         time.Second,
		},
		Logger: logger,
	})

	node, err := dispatcher.New(cfg)
	if err != nil {
		log.Fatalf("dispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}

	logger.Info("omertanode running", "peer_id", node.SelfPeerID(), "bind", fmt.Sprintf("%s:%d", *bindHost, *bindPort))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	node.Stop()
}

func loadNetworkKey(path string) ([32]byte, error) {
	var key [32]byte
	if path == "" {
		return key, fmt.Errorf("-network-key-file is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return key, fmt.Errorf("read %s: %w", path, err)
	}
	decoded, err := hex.DecodeString(trimTrailingNewline(raw))
	if err != nil {
		return key, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(decoded) != 32 {
		return key, fmt.Errorf("%s: network key must decode to 32 bytes, got %d", path, len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

// loadOrCreateIdentity loads a hex-encoded Ed25519 private key from
// path, generating and persisting a fresh one if the file is absent.
func loadOrCreateIdentity(path string) (*identity.Identity, error) {
	if path == "" {
		return identity.Generate()
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		decoded, err := hex.DecodeString(trimTrailingNewline(raw))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return identity.FromPrivateKey(ed25519.PrivateKey(decoded))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(id.PrivateKey)), 0o600); err != nil {
		return nil, fmt.Errorf("persist new identity to %s: %w", path, err)
	}
	return id, nil
}

func trimTrailingNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
