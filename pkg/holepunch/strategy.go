package holepunch

import "github.com/atvirokodosprendimai/omerta-mesh/pkg/natclass"

// Strategy is the coordinator's decision for how two peers should
// attempt a hole punch.
type Strategy string

const (
	Simultaneous   Strategy = "simultaneous"
	InitiatorFirst Strategy = "initiatorFirst"
	ResponderFirst Strategy = "responderFirst"
	Impossible     Strategy = "impossible"
)

// natClass groups NAT types into three policy buckets: public/full
// cone (0), restricted/port-restricted cone (1), and symmetric or
// unknown (2). The restricted and port-restricted types share a bucket.
func natClass(t natclass.Type) int {
	switch t {
	case natclass.Public, natclass.FullCone:
		return 0
	case natclass.RestrictedCone, natclass.PortRestrictedCone:
		return 1
	default:
		return 2 // symmetric or unknown treated as symmetric (conservative)
	}
}

// strategyTable mirrors the spec's NAT_A x NAT_B decision table, rows
// and columns being the three policy buckets above.
var strategyTable = [3][3]Strategy{
	{Simultaneous, Simultaneous, InitiatorFirst},
	{Simultaneous, Simultaneous, ResponderFirst},
	{ResponderFirst, InitiatorFirst, Impossible},
}

// DecideStrategy returns the coordinator's chosen strategy for the
// (initiator, responder) NAT pair.
func DecideStrategy(initiator, responder natclass.Type) Strategy {
	return strategyTable[natClass(initiator)][natClass(responder)]
}
