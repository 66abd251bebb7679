package petri

import "fmt"

// Builder provides a fluent API for constructing Petri nets.
// Arcs may reference nodes added later; Done validates the whole net.
//
// Example:
//
//	net, err := petri.Build().
//	    Place(1, "queue", "order").
//	    Place(2, "shipped", "order").
//	    Transition(petri.Transition{ID: 1, Label: "ship", Automated: true, Handler: ship}).
//	    InArc(1, 1, 1, "order").
//	    OutArc(1, 2, 1, "order").
//	    Done()
type Builder struct {
	net  *Net
	arcs []Arc
	errs []error
}

// Build creates a new Builder for constructing a Petri net.
func Build() *Builder {
	return &Builder{
		net: &Net{
			places:      make(map[int]*Place),
			transitions: make(map[int]*Transition),
			in:          make(map[int][]Arc),
			out:         make(map[int][]Arc),
			byPlace:     make(map[int][]int),
		},
	}
}

// Place adds a place with the given id, label and color tag.
func (b *Builder) Place(id int, label, color string) *Builder {
	if _, ok := b.net.places[id]; ok {
		b.errs = append(b.errs, fmt.Errorf("duplicate place id %d", id))
		return b
	}
	b.net.places[id] = &Place{ID: id, Label: label, Color: color}
	return b
}

// Transition adds a transition. The id must be unique among transitions;
// place and transition ids are independent namespaces.
func (b *Builder) Transition(t Transition) *Builder {
	if _, ok := b.net.transitions[t.ID]; ok {
		b.errs = append(b.errs, fmt.Errorf("duplicate transition id %d", t.ID))
		return b
	}
	copied := t
	b.net.transitions[t.ID] = &copied
	return b
}

// InArc adds a consuming arc from a place to a transition.
func (b *Builder) InArc(place, transition, weight int, selector string) *Builder {
	b.arcs = append(b.arcs, Arc{
		Place:      place,
		Transition: transition,
		Weight:     weight,
		Selector:   selector,
		Consuming:  true,
	})
	return b
}

// OutArc adds a producing arc from a transition to a place.
func (b *Builder) OutArc(transition, place, weight int, selector string) *Builder {
	b.arcs = append(b.arcs, Arc{
		Place:      place,
		Transition: transition,
		Weight:     weight,
		Selector:   selector,
	})
	return b
}

// Flow is a convenience for the common place -> transition -> place
// pattern with weight 1 and a shared selector.
func (b *Builder) Flow(from, transition, to int, selector string) *Builder {
	return b.InArc(from, transition, 1, selector).OutArc(transition, to, 1, selector)
}

// Done validates and returns the completed net. The net is rejected if an
// arc references an unknown endpoint or carries a non-positive weight.
// Bipartiteness holds by construction: every arc joins a place and a
// transition.
func (b *Builder) Done() (*Net, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	for _, arc := range b.arcs {
		if arc.Weight < 1 {
			return nil, fmt.Errorf("arc between place %d and transition %d has weight %d, want >= 1",
				arc.Place, arc.Transition, arc.Weight)
		}
		if _, ok := b.net.places[arc.Place]; !ok {
			return nil, fmt.Errorf("arc references unknown place %d", arc.Place)
		}
		if _, ok := b.net.transitions[arc.Transition]; !ok {
			return nil, fmt.Errorf("arc references unknown transition %d", arc.Transition)
		}
		if arc.Consuming {
			b.net.in[arc.Transition] = insertByPlace(b.net.in[arc.Transition], arc)
			b.net.byPlace[arc.Place] = append(b.net.byPlace[arc.Place], arc.Transition)
		} else {
			b.net.out[arc.Transition] = insertByPlace(b.net.out[arc.Transition], arc)
		}
	}
	net := b.net
	b.net = nil // the builder is spent; the net is immutable from here
	return net, nil
}

// insertByPlace keeps arc slices sorted by place id so adjacency queries
// iterate deterministically.
func insertByPlace(arcs []Arc, arc Arc) []Arc {
	pos := len(arcs)
	for i, existing := range arcs {
		if existing.Place > arc.Place {
			pos = i
			break
		}
	}
	arcs = append(arcs, Arc{})
	copy(arcs[pos+1:], arcs[pos:])
	arcs[pos] = arc
	return arcs
}
