// Package holepunch implements the initiator-side hole-punch state
// machine and the coordinator-side rendezvous logic that pairs two
// peers' requests and hands each a punch strategy.
package holepunch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/omerta-mesh/pkg/identity"
	"github.com/atvirokodosprendimai/omerta-mesh/pkg/natclass"
)

// State is a position in the initiator-side punch attempt state machine:
// Idle -> Requested -> Invited -> Probing -> (Succeeded | Failed).
type State int

const (
	Idle State = iota
	Requested
	Invited
	Probing
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requested:
		return "requested"
	case Invited:
		return "invited"
	case Probing:
		return "probing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when a caller drives the attempt out
// of its documented state sequence.
var ErrInvalidTransition = errors.New("holepunch: invalid state transition")

// Default tuning, per the spec's "probesPerAttempt (3-5), attemptWindow
// (~3s)" configuration.
const (
	DefaultProbesPerAttempt = 4
	DefaultAttemptWindow    = 3 * time.Second
)

// Attempt is one initiator-side hole-punch attempt against a target peer.
type Attempt struct {
	ID        string
	Initiator identity.PeerID
	Target    identity.PeerID

	mu            sync.Mutex
	state         State
	strategy      Strategy
	targetNAT     natclass.Type
	targetEndpoint string
	succeededAt   string // endpoint that answered a probe
}

// NewAttempt starts a fresh attempt in state Idle.
func NewAttempt(initiator, target identity.PeerID) *Attempt {
	return NewAttemptWithID(uuid.NewString(), initiator, target)
}

// NewAttemptWithID starts a fresh attempt in state Idle under a
// caller-supplied id. The responder side of a punch learns its
// attempt id from the coordinator's holePunchInvite/holePunchExecute
// rather than minting its own, so both sides can correlate probe
// replies against the same id.
func NewAttemptWithID(id string, initiator, target identity.PeerID) *Attempt {
	return &Attempt{
		ID:        id,
		Initiator: initiator,
		Target:    target,
		state:     Idle,
	}
}

// State returns the attempt's current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Request transitions Idle -> Requested: the initiator has sent
// holePunchRequest to the coordinator.
func (a *Attempt) Request() error {
	return a.transition(Idle, Requested)
}

// Invite transitions Requested -> Invited: this side has learned the
// counterpart's endpoint (and, where known, its NAT type) through the
// coordinator.
func (a *Attempt) Invite(targetEndpoint string, targetNAT natclass.Type) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Requested {
		return fmt.Errorf("%w: Invite from %s", ErrInvalidTransition, a.state)
	}
	a.state = Invited
	a.targetEndpoint = targetEndpoint
	a.targetNAT = targetNAT
	return nil
}

// StartProbing transitions Invited -> Probing once the coordinator's
// holePunchExecute directive has arrived and this side begins firing probes.
func (a *Attempt) StartProbing(strategy Strategy) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Invited {
		return fmt.Errorf("%w: StartProbing from %s", ErrInvalidTransition, a.state)
	}
	a.state = Probing
	a.strategy = strategy
	return nil
}

// Succeed transitions Probing -> Succeeded: a probe to endpoint drew a reply.
func (a *Attempt) Succeed(endpoint string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Probing {
		return fmt.Errorf("%w: Succeed from %s", ErrInvalidTransition, a.state)
	}
	a.state = Succeeded
	a.succeededAt = endpoint
	return nil
}

// Fail transitions Invited or Probing -> Failed: the impossible strategy
// short-circuits from Invited; an exhausted probe window fails from Probing.
func (a *Attempt) Fail() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Invited && a.state != Probing {
		return fmt.Errorf("%w: Fail from %s", ErrInvalidTransition, a.state)
	}
	a.state = Failed
	return nil
}

// SucceededEndpoint returns the endpoint a successful probe resolved
// to, valid only once State() == Succeeded.
func (a *Attempt) SucceededEndpoint() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.succeededAt
}

func (a *Attempt) transition(from, to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != from {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, to, a.state)
	}
	a.state = to
	return nil
}
