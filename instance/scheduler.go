package instance

import (
	"time"

	"github.com/google/uuid"
	"github.com/pflow-xyz/go-colornet/marking"
	"github.com/pflow-xyz/go-colornet/petri"
	"github.com/pflow-xyz/go-colornet/tokengame"
)

// schedulePass runs after every applied event (and after initialization
// and recovery): every automated transition that is enabled, not blocked
// or fatally failed, not in flight and not awaiting a retry timer is
// launched concurrently. No ordering holds between distinct transitions.
func (in *Instance) schedulePass() {
	for _, t := range in.net.Transitions() {
		if !t.Automated {
			continue
		}
		if !in.launchable(t.ID) {
			continue
		}
		selected, ok := tokengame.Selection(in.net, in.st.marking, t.ID)
		if !ok {
			continue
		}
		in.launch(t, selected, nil, nil)
	}
}

// launchable reports whether a firing of the transition may start now.
func (in *Instance) launchable(transition int) bool {
	if _, busy := in.inflight[transition]; busy {
		return false
	}
	if _, pending := in.retries[transition]; pending {
		return false
	}
	rec, failed := in.st.failures[transition]
	if failed && (rec.Directive.Kind == petri.DirectiveBlock || rec.Directive.Kind == petri.DirectiveFatal) {
		return false
	}
	return true
}

// launch records the in-flight firing and hands the handler to the
// worker pool. The result comes back through the mailbox; reply is nil
// for scheduler- and retry-launched firings.
func (in *Instance) launch(t *petri.Transition, selected marking.Colored, payload any, reply chan fireReply) {
	f := &inflightFiring{
		jobID:    uuid.New().String(),
		attempt:  in.st.failures[t.ID].Attempt + 1,
		payload:  payload,
		consumed: selected,
		reply:    reply,
	}
	in.inflight[t.ID] = f

	in.log.Debug().
		Int("transition", t.ID).
		Str("job", f.jobID).
		Int("attempt", f.attempt).
		Msg("firing launched")

	go func() {
		if err := in.sem.Acquire(in.ctx, 1); err != nil {
			// Shutdown while queued: the firing is abandoned unjournaled.
			return
		}
		out := runFiring(in.ctx, in.net, t, f.consumed, f.payload)
		in.sem.Release(1)

		select {
		case in.inbox <- msgCompletion{transition: t.ID, out: out}:
		case <-in.stopCh:
		}
	}()
}

// scheduleRetry arms the dedicated timer for a retry directive. The due
// message re-enters the mailbox; if the transition is no longer enabled
// by then the attempt is discarded.
func (in *Instance) scheduleRetry(transition int, delay time.Duration, payload any) {
	in.retries[transition] = &retryState{
		payload: payload,
		timer: time.AfterFunc(delay, func() {
			select {
			case in.inbox <- msgRetryDue{transition: transition}:
			case <-in.stopCh:
			}
		}),
	}
	in.log.Debug().
		Int("transition", transition).
		Dur("delay", delay).
		Msg("retry scheduled")
}

// handleRetryDue re-attempts a transition whose retry delay elapsed.
func (in *Instance) handleRetryDue(transition int) {
	pending, ok := in.retries[transition]
	if !ok {
		return
	}
	delete(in.retries, transition)

	t := in.net.Transition(transition)
	if t == nil || !in.launchable(transition) {
		return
	}
	selected, ok := tokengame.Selection(in.net, in.st.marking, transition)
	if !ok {
		// No longer enabled: the pending attempt is dropped.
		in.log.Debug().Int("transition", transition).Msg("retry discarded, transition disabled")
		return
	}
	in.launch(t, selected, pending.payload, nil)
}

// discardRetries stops all pending retry timers on shutdown.
func (in *Instance) discardRetries() {
	for transition, pending := range in.retries {
		pending.timer.Stop()
		delete(in.retries, transition)
	}
}
