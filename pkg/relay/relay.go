// Package relay implements both relay roles: the client side that
// wraps outbound datagrams with a session-token prefix and unwraps
// matching inbound traffic, and the server side that forwards wrapped
// datagrams between the two members of a session, enforcing a
// byte/interval capacity limit per session.
package relay

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
)

const (
	tokenSize       = 4
	lengthPrefixSize = 4
	// FrameOverhead is the fixed 8-byte prefix every relayed datagram
	// carries: [session-token(4) | payload-length(4, big-endian)].
	FrameOverhead = tokenSize + lengthPrefixSize
)

// SessionToken identifies one relay session on the wire.
type SessionToken [tokenSize]byte

// ErrTokenMismatch is returned when an inbound wrapped packet's prefix
// does not match the session's expected token; the spec requires such
// packets to be dropped silently, so callers should treat this as a
// drop signal, not a logged error.
var ErrTokenMismatch = errors.New("relay: session token mismatch")

// NewSessionToken draws a random 4-byte token.
func NewSessionToken() SessionToken {
	var t SessionToken
	rand.Read(t[:])
	return t
}

// WrapFrame prefixes payload with token and its length, as the relay
// client sends to the relay peer's endpoint.
func WrapFrame(token SessionToken, payload []byte) []byte {
	out := make([]byte, FrameOverhead+len(payload))
	copy(out[0:tokenSize], token[:])
	binary.BigEndian.PutUint32(out[tokenSize:FrameOverhead], uint32(len(payload)))
	copy(out[FrameOverhead:], payload)
	return out
}

// UnwrapFrame validates and strips the relay frame prefix. It returns
// ErrTokenMismatch if token does not match expected, per the spec's
// "packets with a mismatching token are dropped silently" contract —
// callers decide whether "silently" means not logging, not whether to
// stop processing.
func UnwrapFrame(data []byte, expected SessionToken) ([]byte, error) {
	if len(data) < FrameOverhead {
		return nil, fmt.Errorf("relay: frame shorter than overhead (%d bytes)", len(data))
	}
	var got SessionToken
	copy(got[:], data[0:tokenSize])
	if got != expected {
		return nil, ErrTokenMismatch
	}
	length := binary.BigEndian.Uint32(data[tokenSize:FrameOverhead])
	if int(length) != len(data)-FrameOverhead {
		return nil, fmt.Errorf("relay: declared length %d does not match frame", length)
	}
	return data[FrameOverhead:], nil
}

// PeekToken reads the session token without validating the rest of the
// frame, letting a relay server route before fully parsing.
func PeekToken(data []byte) (SessionToken, bool) {
	var t SessionToken
	if len(data) < tokenSize {
		return t, false
	}
	copy(t[:], data[0:tokenSize])
	return t, true
}

// Session is one relay-server-side forwarding session between two peers.
type Session struct {
	ID        string
	Initiator identity.PeerID
	Target    identity.PeerID
	Via       identity.PeerID // the relay itself
	Token     SessionToken
	CreatedAt time.Time

	limiter *rate.Limiter

	mu         sync.Mutex
	lastTraffic time.Time
}

// Capacity bounds how much a relay server will forward for one session
// (bytes/interval, enforced with a token-bucket limiter so an
// unenforced "advertised capacity" never becomes a silent overload
// path) and how many sessions it will carry in total, which is what
// gets advertised as Availability.AvailableSlots.
type Capacity struct {
	BytesPerInterval int
	Interval         time.Duration
	MaxSessions      int
}

// DefaultMaxSessions bounds total relay sessions per node when a
// caller leaves Capacity.MaxSessions unset.
const DefaultMaxSessions = 64

// NewSession creates a session with the given capacity limiter.
func NewSession(initiator, target, via identity.PeerID, capacity Capacity) *Session {
	var limiter *rate.Limiter
	if capacity.BytesPerInterval > 0 && capacity.Interval > 0 {
		perSecond := rate.Limit(float64(capacity.BytesPerInterval) / capacity.Interval.Seconds())
		limiter = rate.NewLimiter(perSecond, capacity.BytesPerInterval)
	}
	now := time.Now()
	return &Session{
		ID:          NewSessionToken().hex(),
		Initiator:   initiator,
		Target:      target,
		Via:         via,
		Token:       NewSessionToken(),
		CreatedAt:   now,
		limiter:     limiter,
		lastTraffic: now,
	}
}

// AllowForward reports whether n bytes may be forwarded right now under
// the session's capacity limit, and records traffic liveness either way
// (even a rejected burst is still recent activity for idle-timeout purposes).
func (s *Session) AllowForward(n int) bool {
	s.mu.Lock()
	s.lastTraffic = time.Now()
	s.mu.Unlock()
	if s.limiter == nil {
		return true
	}
	return s.limiter.AllowN(time.Now(), n)
}

// Idle reports whether the session has seen no traffic for longer than d.
func (s *Session) Idle(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastTraffic) > d
}

func (t SessionToken) hex() string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(t)*2)
	for i, b := range t {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}
