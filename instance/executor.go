package instance

import (
	"context"
	"fmt"

	"github.com/pflow-xyz/go-colornet/marking"
	"github.com/pflow-xyz/go-colornet/petri"
)

// executionResult is what a single run of a transition handler produced.
// err is set when the handler returned an error or panicked; in that case
// no marking change escapes.
type executionResult struct {
	produced marking.Colored
	event    any
	err      error
}

// runFiring assembles the transition's structured input from the selected
// tokens, invokes the user handler, and routes its output through the
// producing arcs' selectors. Panics are captured as failures.
func runFiring(ctx context.Context, net *petri.Net, t *petri.Transition, consumed marking.Colored, payload any) (result executionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = executionResult{err: fmt.Errorf("transition %d panicked: %v", t.ID, r)}
		}
	}()

	in := petri.Input{
		Fields:  make(map[string][]marking.Token),
		Payload: payload,
	}
	for _, arc := range net.InputArcs(t.ID) {
		in.Fields[arc.Selector] = append(in.Fields[arc.Selector], consumed.Tokens(arc.Place)...)
	}

	var out petri.Output
	if t.Handler != nil {
		var err error
		out, err = t.Handler(ctx, in)
		if err != nil {
			return executionResult{err: err}
		}
	}

	produced := marking.New()
	for _, arc := range net.OutputArcs(t.ID) {
		tokens := out.Fields[arc.Selector]
		if len(tokens) == 0 {
			// An unpopulated selector produces unit tokens by weight.
			for i := 0; i < arc.Weight; i++ {
				tokens = append(tokens, marking.Unit())
			}
		}
		produced = produced.Produce(marking.Of(arc.Place, tokens...))
	}
	return executionResult{produced: produced, event: out.Event}
}
