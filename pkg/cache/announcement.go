package cache

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
)

// PathKind distinguishes the three ways a peer may be reached.
type PathKind int

const (
	PathDirect PathKind = iota
	PathRelay
	PathHolePunch
)

// ReachabilityPath is one candidate path to a peer, as carried in a
// PeerAnnouncement: direct{endpoint}, relay{relayPeerId, relayEndpoint},
// or holePunch{publicIP, localPort}. Callers read only the fields that
// apply to Kind.
type ReachabilityPath struct {
	Kind          PathKind
	Endpoint      string          // direct
	RelayPeerID   identity.PeerID // relay
	RelayEndpoint string          // relay
	PublicIP      string          // holePunch
	LocalPort     int             // holePunch
}

// DirectPath builds a direct{endpoint} reachability path.
func DirectPath(endpoint string) ReachabilityPath {
	return ReachabilityPath{Kind: PathDirect, Endpoint: endpoint}
}

// RelayPath builds a relay{relayPeerId, relayEndpoint} reachability path.
func RelayPath(relayPeerID identity.PeerID, relayEndpoint string) ReachabilityPath {
	return ReachabilityPath{Kind: PathRelay, RelayPeerID: relayPeerID, RelayEndpoint: relayEndpoint}
}

// HolePunchPath builds a holePunch{publicIP, localPort} reachability path.
func HolePunchPath(publicIP string, localPort int) ReachabilityPath {
	return ReachabilityPath{Kind: PathHolePunch, PublicIP: publicIP, LocalPort: localPort}
}

func (p ReachabilityPath) encode(buf *bytes.Buffer) {
	buf.WriteByte(byte(p.Kind))
	switch p.Kind {
	case PathDirect:
		writeStr(buf, p.Endpoint)
	case PathRelay:
		writeStr(buf, string(p.RelayPeerID))
		writeStr(buf, p.RelayEndpoint)
	case PathHolePunch:
		writeStr(buf, p.PublicIP)
		var port [4]byte
		binary.BigEndian.PutUint32(port[:], uint32(p.LocalPort))
		buf.Write(port[:])
	}
}

func writeStr(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

// PeerAnnouncement is the signed, gossiped statement of how to reach a
// peer: {peerId, publicKey, reachability[], capabilities[], timestamp,
// ttlSeconds, signature}. The signature covers every field except
// itself, encoded in the deterministic order Preimage produces.
type PeerAnnouncement struct {
	PeerID       identity.PeerID
	PublicKey    ed25519.PublicKey
	Reachability []ReachabilityPath
	Capabilities []string
	Timestamp    time.Time
	TTL          time.Duration
	Signature    []byte
}

// IsExpired reports whether the announcement has outlived its TTL.
func (a *PeerAnnouncement) IsExpired(now time.Time) bool {
	return now.Sub(a.Timestamp) > a.TTL
}

// GossipID is the dedup key gossip uses to recognize a re-arrival of
// the same announcement generation.
func (a *PeerAnnouncement) GossipID() string {
	return fmt.Sprintf("%s:%d", a.PeerID, a.Timestamp.UnixMilli())
}

// Preimage returns the canonical bytes signed over the announcement.
func (a *PeerAnnouncement) Preimage() []byte {
	var buf bytes.Buffer
	writeStr(&buf, string(a.PeerID))
	buf.Write(a.PublicKey)
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(a.Reachability)))
	buf.Write(n[:])
	for _, p := range a.Reachability {
		p.encode(&buf)
	}
	binary.BigEndian.PutUint16(n[:], uint16(len(a.Capabilities)))
	buf.Write(n[:])
	for _, c := range a.Capabilities {
		writeStr(&buf, c)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(a.Timestamp.UnixMilli()))
	buf.Write(ts[:])
	var ttl [8]byte
	binary.BigEndian.PutUint64(ttl[:], uint64(a.TTL.Milliseconds()))
	buf.Write(ttl[:])
	return buf.Bytes()
}

// Sign signs the announcement with id, which must own PublicKey.
func (a *PeerAnnouncement) Sign(id *identity.Identity) {
	a.PublicKey = id.PublicKey
	a.PeerID = id.PeerID
	a.Signature = id.Sign(a.Preimage())
}

// Verify checks the announcement's signature and that PeerID re-derives
// from PublicKey, per the spec's "peerId must re-derive from the
// embedded public key" requirement for gossiped announcements.
func (a *PeerAnnouncement) Verify() error {
	if err := identity.VerifyPeerID(a.PeerID, a.PublicKey); err != nil {
		return err
	}
	if !identity.Verify(a.PublicKey, a.Preimage(), a.Signature) {
		return fmt.Errorf("cache: announcement signature invalid for peer %s", a.PeerID)
	}
	return nil
}
