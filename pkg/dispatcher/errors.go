package dispatcher

import "errors"

// Routing errors (§7 "routing" kind). Surfaced to the caller of the
// service-interface operation that hit them; never seen on the
// datagram-plane receive path, which only ever drops and counts.
var (
	ErrNoEndpoint       = errors.New("dispatcher: no known endpoint for peer")
	ErrUnreachable      = errors.New("dispatcher: peer is unreachable")
	ErrHopLimitExceeded = errors.New("dispatcher: hop limit exceeded")
)

// Timeout errors (§7 "timeout" kind).
var (
	ErrPingTimeout      = errors.New("dispatcher: ping timed out waiting for pong")
	ErrHolePunchTimeout = errors.New("dispatcher: hole punch attempt window expired")
	ErrRelayTimeout     = errors.New("dispatcher: relay request timed out")
)

// State errors (§7 "state" kind).
var (
	ErrNotRunning      = errors.New("dispatcher: node is not running")
	ErrAlreadyRunning  = errors.New("dispatcher: node is already running")
	ErrDuplicateSession = errors.New("dispatcher: duplicate relay session")
)
