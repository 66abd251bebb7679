// Package petri implements the immutable topology of a colored Petri net.
// A net is a bipartite directed graph: Places hold tokens, Transitions
// consume and produce them, and Arcs connect the two kinds with a weight
// and a field selector used to route tokens into and out of a transition's
// structured input and output.
package petri

import (
	"fmt"
	"sort"

	"github.com/pflow-xyz/go-colornet/marking"
)

// Place is a token container. Two places are the same place iff their ids
// match; the label and color tag are descriptive only.
type Place struct {
	ID    int
	Label string
	Color string // color type tag, e.g. "order"
}

// Arc is a directed edge between a place and a transition. Consuming arcs
// run place -> transition, producing arcs run transition -> place. Weight
// is the number of tokens moved per firing; Selector names the field of
// the transition's structured input or output the tokens travel through.
type Arc struct {
	Place      int
	Transition int
	Weight     int
	Selector   string
	Consuming  bool // place -> transition when true, transition -> place otherwise
}

// Net is an immutable Petri net. Build one with Build; the zero value is
// unusable. All adjacency queries are O(degree of the queried node).
type Net struct {
	places      map[int]*Place
	transitions map[int]*Transition

	// Two parallel adjacency tables, both keyed by transition id. The
	// place-side view is derived in byPlace for place -> transitions
	// lookups.
	in      map[int][]Arc // consuming arcs per transition
	out     map[int][]Arc // producing arcs per transition
	byPlace map[int][]int // transition ids consuming from each place
}

// Place returns the place with the given id, or nil.
func (n *Net) Place(id int) *Place {
	return n.places[id]
}

// Transition returns the transition with the given id, or nil.
func (n *Net) Transition(id int) *Transition {
	return n.transitions[id]
}

// Places returns all places in ascending id order.
func (n *Net) Places() []*Place {
	ids := make([]int, 0, len(n.places))
	for id := range n.places {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	result := make([]*Place, len(ids))
	for i, id := range ids {
		result[i] = n.places[id]
	}
	return result
}

// Transitions returns all transitions in ascending id order.
func (n *Net) Transitions() []*Transition {
	ids := make([]int, 0, len(n.transitions))
	for id := range n.transitions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	result := make([]*Transition, len(ids))
	for i, id := range ids {
		result[i] = n.transitions[id]
	}
	return result
}

// Nodes returns every node of the bipartite graph: all places and all
// transitions, each in id order.
func (n *Net) Nodes() ([]*Place, []*Transition) {
	return n.Places(), n.Transitions()
}

// InputArcs returns the consuming arcs of a transition in place id order.
func (n *Net) InputArcs(transition int) []Arc {
	return n.in[transition]
}

// OutputArcs returns the producing arcs of a transition in place id order.
func (n *Net) OutputArcs(transition int) []Arc {
	return n.out[transition]
}

// InputPlaces returns the places a transition consumes from, in id order.
func (n *Net) InputPlaces(transition int) []*Place {
	arcs := n.in[transition]
	result := make([]*Place, len(arcs))
	for i, arc := range arcs {
		result[i] = n.places[arc.Place]
	}
	return result
}

// OutputPlaces returns the places a transition produces into, in id order.
func (n *Net) OutputPlaces(transition int) []*Place {
	arcs := n.out[transition]
	result := make([]*Place, len(arcs))
	for i, arc := range arcs {
		result[i] = n.places[arc.Place]
	}
	return result
}

// Consumers returns the ids of the transitions consuming from a place.
func (n *Net) Consumers(place int) []int {
	return n.byPlace[place]
}

// InCounts returns the tokens a transition consumes per place, by weight.
func (n *Net) InCounts(transition int) marking.Counts {
	counts := make(marking.Counts)
	for _, arc := range n.in[transition] {
		counts[arc.Place] += arc.Weight
	}
	return counts
}

// OutCounts returns the tokens a transition produces per place, by weight.
func (n *Net) OutCounts(transition int) marking.Counts {
	counts := make(marking.Counts)
	for _, arc := range n.out[transition] {
		counts[arc.Place] += arc.Weight
	}
	return counts
}

// InputArc returns the consuming arc between a place and a transition.
func (n *Net) InputArc(place, transition int) (Arc, bool) {
	for _, arc := range n.in[transition] {
		if arc.Place == place {
			return arc, true
		}
	}
	return Arc{}, false
}

// OutputArc returns the producing arc between a transition and a place.
func (n *Net) OutputArc(transition, place int) (Arc, bool) {
	for _, arc := range n.out[transition] {
		if arc.Place == place {
			return arc, true
		}
	}
	return Arc{}, false
}

func (n *Net) String() string {
	return fmt.Sprintf("net(%d places, %d transitions)", len(n.places), len(n.transitions))
}
