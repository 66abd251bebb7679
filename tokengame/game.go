// Package tokengame implements enablement and token selection over a
// colored marking: which transitions may fire, and with which tokens.
//
// Selection is deterministic: for each input place the first `weight`
// tokens in residence order are taken, and exactly one selection is
// produced per transition. The blocked/fatal status of a transition is
// not consulted here; the scheduler enforces that.
package tokengame

import (
	"github.com/pflow-xyz/go-colornet/marking"
	"github.com/pflow-xyz/go-colornet/petri"
)

// IsEnabled reports whether the transition's input weights are covered by
// the marking's multiplicities. A transition with no input places is
// always enabled.
func IsEnabled(net *petri.Net, m marking.Colored, transition int) bool {
	return m.Multiplicity().Contains(net.InCounts(transition))
}

// Enabled returns the enabled transitions in ascending id order.
func Enabled(net *petri.Net, m marking.Colored) []*petri.Transition {
	counts := m.Multiplicity()
	var result []*petri.Transition
	for _, t := range net.Transitions() {
		if counts.Contains(net.InCounts(t.ID)) {
			result = append(result, t)
		}
	}
	return result
}

// Selection returns the tokens a firing of the transition would consume:
// the first `weight` tokens of each input place in residence order. The
// second return is false when the transition is not enabled.
func Selection(net *petri.Net, m marking.Colored, transition int) (marking.Colored, bool) {
	if !IsEnabled(net, m, transition) {
		return nil, false
	}
	selected := marking.New()
	for place, weight := range net.InCounts(transition) {
		tokens := m.Tokens(place)
		selected[place] = append([]marking.Token(nil), tokens[:weight]...)
	}
	return selected, true
}

// EnabledSelections returns the token selection for every enabled
// transition, keyed by transition id.
func EnabledSelections(net *petri.Net, m marking.Colored) map[int]marking.Colored {
	result := make(map[int]marking.Colored)
	for _, t := range Enabled(net, m) {
		if selected, ok := Selection(net, m, t.ID); ok {
			result[t.ID] = selected
		}
	}
	return result
}
