package petri

import (
	"context"
	"time"

	"github.com/pflow-xyz/go-colornet/marking"
)

// Input is the structured value handed to a transition handler. Fields is
// keyed by the selectors of the transition's consuming arcs; each entry
// holds the tokens consumed through that arc. Payload carries the optional
// command payload of a manual firing.
type Input struct {
	Fields  map[string][]marking.Token
	Payload any
}

// Tokens returns the tokens consumed through the named field.
func (in Input) Tokens(field string) []marking.Token {
	return in.Fields[field]
}

// Token returns the first token consumed through the named field, or nil.
func (in Input) Token(field string) marking.Token {
	if tokens := in.Fields[field]; len(tokens) > 0 {
		return tokens[0]
	}
	return nil
}

// Output is the structured value a transition handler returns. Fields is
// keyed by the selectors of the producing arcs; a selector the handler
// leaves unset produces unit tokens instead. Event is the domain event
// surfaced to user folds and journaled with the firing.
type Output struct {
	Fields map[string][]marking.Token
	Event  any
}

// Emit adds tokens to an output field and returns the output for chaining.
func (out Output) Emit(field string, tokens ...marking.Token) Output {
	if out.Fields == nil {
		out.Fields = make(map[string][]marking.Token)
	}
	out.Fields[field] = append(out.Fields[field], tokens...)
	return out
}

// Handler is the user function a transition runs when it fires. It
// receives the consumed tokens and must return the produced ones; any
// error (or panic) is captured by the executor and never mutates the
// marking.
type Handler func(ctx context.Context, in Input) (Output, error)

// DirectiveKind classifies how a failed firing affects future firings of
// its transition.
type DirectiveKind string

const (
	// DirectiveBlock disables the transition until externally cleared.
	DirectiveBlock DirectiveKind = "block"
	// DirectiveRetry re-attempts the firing after a delay.
	DirectiveRetry DirectiveKind = "retry"
	// DirectiveFatal disables the transition permanently.
	DirectiveFatal DirectiveKind = "fatal"
)

// Directive is an exception strategy's decision for one failed attempt.
type Directive struct {
	Kind  DirectiveKind `json:"kind"`
	Delay time.Duration `json:"delay,omitempty"` // only for DirectiveRetry
}

// Block disables the transition until externally cleared.
func Block() Directive {
	return Directive{Kind: DirectiveBlock}
}

// Retry re-attempts the firing after the given delay.
func Retry(delay time.Duration) Directive {
	return Directive{Kind: DirectiveRetry, Delay: delay}
}

// Fatal disables the transition permanently.
func Fatal() Directive {
	return Directive{Kind: DirectiveFatal}
}

// Strategy maps a firing failure to a directive. The attempt counter is
// 1-based: the first failure of a transition is attempt 1, and it resets
// when the transition fires successfully.
type Strategy func(err error, attempt int) Directive

// Transition is an event that moves tokens. Automated transitions are
// fired by the scheduler whenever enabled; the rest fire on request.
type Transition struct {
	ID        int
	Label     string
	Automated bool
	Handler   Handler
	Strategy  Strategy
}

// Decide applies the transition's exception strategy, defaulting to Fatal
// when none is configured.
func (t *Transition) Decide(err error, attempt int) Directive {
	if t.Strategy == nil {
		return Fatal()
	}
	return t.Strategy(err, attempt)
}
