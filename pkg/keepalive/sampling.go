package keepalive

import (
	"math"
	"sort"
)

func mathPow2(exp float64) float64 {
	return math.Pow(2, exp)
}

// mathPowInv computes u^(1/w), the weighted reservoir sampling key
// (Efraimidis-Spirakis): ranking candidates by this value and keeping
// the top-k is equivalent to weighted sampling without replacement
// with weight w.
func mathPowInv(u, w float64) float64 {
	if w <= 0 {
		return 0
	}
	return math.Pow(u, 1/w)
}

type rankedCandidate struct {
	key Key
	u   float64
}

func sortKeyedDesc(items []rankedCandidate) {
	sort.Slice(items, func(i, j int) bool { return items[i].u > items[j].u })
}
