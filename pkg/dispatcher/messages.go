package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/cache"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/holepunch"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/natclass"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/relay"
)

// internalKind discriminates the payload carried by an envelope on
// channel 0, mirroring the teacher's `MessageType` discriminator in
// `pkg/crypto/envelope.go`'s sealed JSON envelopes, but scoped to
// exactly the variants §4.8 names: ping/pong/gossip/hole-punch/relay
// control messages. Legacy variants (§9 "deprecated enum cases") are
// not reproduced.
type internalKind string

const (
	kindPing              internalKind = "ping"
	kindPong              internalKind = "pong"
	kindAnnounce          internalKind = "announce"
	kindHolePunchRequest  internalKind = "holePunchRequest"
	kindHolePunchInvite   internalKind = "holePunchInvite"
	kindHolePunchAccept   internalKind = "holePunchAccept"
	kindHolePunchExecute  internalKind = "holePunchExecute"
	kindHolePunchProbe    internalKind = "holePunchProbe"
	kindHolePunchResult   internalKind = "holePunchResult"
	kindRelayRequest      internalKind = "relayRequest"
	kindRelayAccept       internalKind = "relayAccept"
	kindRelayDeny         internalKind = "relayDeny"
	kindRelayEnd          internalKind = "relayEnd"
	kindRelayAvailability internalKind = "relayAvailability"
)

// internalMessage is the envelope carried as Envelope.Payload whenever
// ChannelHash == channel.Mesh.
type internalMessage struct {
	Kind    internalKind    `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func encodeInternal(kind internalKind, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: encode %s payload: %w", kind, err)
	}
	return json.Marshal(internalMessage{Kind: kind, Payload: raw})
}

func decodeInternal(data []byte) (internalMessage, error) {
	var m internalMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return internalMessage{}, fmt.Errorf("dispatcher: decode internal message: %w", err)
	}
	return m, nil
}

type pingMsg struct {
	Nonce uint64 `json:"nonce"`
}

type pongMsg struct {
	Nonce        uint64 `json:"nonce"`
	YourEndpoint string `json:"your_endpoint"`
}

type announceMsg struct {
	Announcement *cache.PeerAnnouncement `json:"announcement"`
}

type holePunchRequestMsg struct {
	Target      identity.PeerID `json:"target"`
	MyEndpoint  string          `json:"my_endpoint"`
	MyNAT       natclass.Type   `json:"my_nat"`
	AttemptID   string          `json:"attempt_id"`
}

type holePunchInviteMsg struct {
	PairID         string          `json:"pair_id"`
	AttemptID      string          `json:"attempt_id"`
	From           identity.PeerID `json:"from"`
	TheirEndpoint  string          `json:"their_endpoint"`
	TheirNAT       natclass.Type   `json:"their_nat"`
}

type holePunchAcceptMsg struct {
	PairID   string          `json:"pair_id"`
	From     identity.PeerID `json:"from"`
	Endpoint string          `json:"endpoint"`
	NAT      natclass.Type   `json:"nat"`
}

type holePunchExecuteMsg struct {
	PairID           string             `json:"pair_id"`
	AttemptID        string             `json:"attempt_id"`
	Strategy         holepunch.Strategy `json:"strategy"`
	TargetEndpoint   string             `json:"target_endpoint"`
	SimultaneousSend bool               `json:"simultaneous_send"`
}

// holePunchProbeMsg is the datagram peers fire directly at each other
// (not through the coordinator) while probing; any reply to it is
// itself a holePunchProbeMsg, so either side recognizes success from
// the mere fact that a reply arrived.
type holePunchProbeMsg struct {
	AttemptID string `json:"attempt_id"`
}

type holePunchResultMsg struct {
	AttemptID string `json:"attempt_id"`
	Succeeded bool   `json:"succeeded"`
}

type relayRequestMsg struct {
	Target identity.PeerID `json:"target"`
}

type relayAcceptMsg struct {
	Token string `json:"token"` // hex-encoded relay.SessionToken
}

type relayDenyMsg struct {
	Reason string `json:"reason"`
}

type relayEndMsg struct {
	Token string `json:"token"`
}

type relayAvailabilityMsg struct {
	Reachable      []identity.PeerID `json:"reachable"`
	AvailableSlots int               `json:"available_slots"`
	LatencyMillis  int               `json:"latency_millis"`
}

func tokenToHex(t relay.SessionToken) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(t)*2)
	for i, b := range t {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}

func tokenFromHex(s string) (relay.SessionToken, error) {
	var t relay.SessionToken
	if len(s) != len(t)*2 {
		return t, fmt.Errorf("dispatcher: malformed session token %q", s)
	}
	for i := range t {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return t, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return t, err
		}
		t[i] = hi<<4 | lo
	}
	return t, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("dispatcher: invalid hex digit %q", c)
	}
}
