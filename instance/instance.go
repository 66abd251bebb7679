package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/pflow-xyz/go-colornet/eventsource"
	"github.com/pflow-xyz/go-colornet/marking"
	"github.com/pflow-xyz/go-colornet/petri"
	"github.com/pflow-xyz/go-colornet/tokengame"
)

const defaultMaxConcurrent = 8

// Fold rebuilds user-defined state from the domain events of successful
// firings. It must be a pure function; it runs again on every replay.
type Fold func(state any, event any) any

// Option configures an instance.
type Option func(*Instance)

// WithLogger sets the instance logger. The default logger is disabled.
func WithLogger(log zerolog.Logger) Option {
	return func(in *Instance) { in.log = log }
}

// WithMaxConcurrent bounds how many transition handlers may run at once.
func WithMaxConcurrent(n int) Option {
	return func(in *Instance) {
		if n > 0 {
			in.maxConcurrent = int64(n)
		}
	}
}

// WithFold installs a user-state fold over domain events.
func WithFold(fold Fold) Option {
	return func(in *Instance) { in.fold = fold }
}

// WithSnapshotEvery saves a snapshot every n journaled events, when the
// store supports snapshots.
func WithSnapshotEvery(n int) Option {
	return func(in *Instance) {
		if n > 0 {
			in.snapshotEvery = n
		}
	}
}

// state is everything the run loop owns. Events are folded in by apply
// only after they are durably journaled; besides apply, recovery sets it
// from a snapshot and ClearFailure removes a block record without
// journaling anything.
type state struct {
	initialized bool
	version     int // version of the last journaled event, -1 before any
	marking     marking.Colored
	jobs        map[string]struct{}
	failures    map[int]FailureRecord
	user        any
}

// inflightFiring tracks the single permitted in-flight firing of a
// transition.
type inflightFiring struct {
	jobID    string
	attempt  int
	payload  any
	consumed marking.Colored
	reply    chan fireReply // nil for scheduler-launched firings
}

// retryState is a pending strategy-driven re-attempt.
type retryState struct {
	timer   retryTimer
	payload any
}

// retryTimer is satisfied by *time.Timer; tests substitute fakes.
type retryTimer interface{ Stop() bool }

// Mailbox messages.

type fireReply struct {
	result *FireResult
	err    error
}

type stateReply struct {
	state ProcessState
	err   error
}

type msgInitialize struct {
	marking   marking.Colored
	userState any
	reply     chan error
}

type msgFire struct {
	transition int
	payload    any
	reply      chan fireReply
}

type msgState struct {
	reply chan stateReply
}

type msgClearFailure struct {
	transition int
	reply      chan error
}

type msgCompletion struct {
	transition int
	out        executionResult
}

type msgRetryDue struct {
	transition int
}

// Instance is a running net execution: a single-goroutine state machine
// fed by a mailbox. Transition handlers run on a bounded worker pool and
// deliver their results back through the mailbox, so every state change
// is serialized and journaled before it is observable.
type Instance struct {
	id    string
	net   *petri.Net
	store eventsource.Store
	log   zerolog.Logger

	fold          Fold
	snapshotEvery int
	maxConcurrent int64

	inbox  chan any
	stopCh chan struct{}
	done   chan struct{}

	started  atomic.Bool
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted

	// Owned by the run loop.
	st       state
	inflight map[int]*inflightFiring
	retries  map[int]*retryState
	stopErr  error
}

// New creates an instance bound to a journal stream. Call Start to
// recover from the journal and begin processing.
func New(id string, net *petri.Net, store eventsource.Store, opts ...Option) *Instance {
	in := &Instance{
		id:            id,
		net:           net,
		store:         store,
		log:           zerolog.Nop(),
		maxConcurrent: defaultMaxConcurrent,
		inbox:         make(chan any, 64),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
		st: state{
			version:  -1,
			marking:  marking.New(),
			jobs:     make(map[string]struct{}),
			failures: make(map[int]FailureRecord),
		},
		inflight: make(map[int]*inflightFiring),
		retries:  make(map[int]*retryState),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.log = in.log.With().Str("instance", id).Logger()
	return in
}

// ID returns the instance (journal stream) id.
func (in *Instance) ID() string { return in.id }

// Start recovers state from the journal and begins processing commands.
// In-flight firings from a previous lifetime are not resumed; the
// scheduler re-derives work from current enablement.
func (in *Instance) Start(ctx context.Context) error {
	if !in.started.CompareAndSwap(false, true) {
		return fmt.Errorf("instance %s: already started", in.id)
	}

	if err := in.recover(ctx); err != nil {
		in.started.Store(false)
		return err
	}

	in.ctx, in.cancel = context.WithCancel(context.Background())
	in.sem = semaphore.NewWeighted(in.maxConcurrent)

	in.log.Info().
		Int("sequence", in.st.version+1).
		Bool("initialized", in.st.initialized).
		Msg("instance started")

	go in.run()
	return nil
}

// Stop shuts the instance down. In-flight firings are abandoned and
// their events are never journaled; pending retry timers are discarded.
func (in *Instance) Stop() {
	in.stopOnce.Do(func() {
		close(in.stopCh)
		if in.cancel != nil {
			in.cancel()
		}
	})
	if in.started.Load() {
		<-in.done
	}
}

// Initialize sets the initial marking and user state. Valid exactly once
// per journal stream.
func (in *Instance) Initialize(ctx context.Context, m marking.Colored, userState any) error {
	reply := make(chan error, 1)
	if err := in.send(ctx, msgInitialize{marking: m, userState: userState, reply: reply}); err != nil {
		return err
	}
	return in.awaitErr(ctx, reply)
}

// Fire requests a firing of the given transition with an optional command
// payload. The reply reflects the first attempt: a *FireResult on
// success, a *FiringError after a journaled failure, or a
// *NotEnabledError when nothing was journaled.
func (in *Instance) Fire(ctx context.Context, transition int, payload any) (*FireResult, error) {
	reply := make(chan fireReply, 1)
	if err := in.send(ctx, msgFire{transition: transition, payload: payload, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-in.done:
		select {
		case r := <-reply:
			return r.result, r.err
		default:
			return nil, in.exitErr()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State returns the current sequence number, marking, consumed jobs,
// failure records and user state.
func (in *Instance) State(ctx context.Context) (ProcessState, error) {
	reply := make(chan stateReply, 1)
	if err := in.send(ctx, msgState{reply: reply}); err != nil {
		return ProcessState{}, err
	}
	select {
	case r := <-reply:
		return r.state, r.err
	case <-in.done:
		select {
		case r := <-reply:
			return r.state, r.err
		default:
			return ProcessState{}, in.exitErr()
		}
	case <-ctx.Done():
		return ProcessState{}, ctx.Err()
	}
}

// ClearFailure removes a blocked transition's failure record so it may
// fire again. Nothing is journaled: on replay the block reappears unless
// a later success clears it or a snapshot saved after the clear already
// leaves it out. Fatal records cannot be cleared.
func (in *Instance) ClearFailure(ctx context.Context, transition int) error {
	reply := make(chan error, 1)
	if err := in.send(ctx, msgClearFailure{transition: transition, reply: reply}); err != nil {
		return err
	}
	return in.awaitErr(ctx, reply)
}

func (in *Instance) send(ctx context.Context, msg any) error {
	if !in.started.Load() {
		return ErrNotStarted
	}
	select {
	case in.inbox <- msg:
		return nil
	case <-in.done:
		return in.exitErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Instance) awaitErr(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-in.done:
		select {
		case err := <-reply:
			return err
		default:
			return in.exitErr()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Instance) exitErr() error {
	if in.stopErr != nil {
		return in.stopErr
	}
	return ErrStopped
}

// run is the mailbox loop. It is the only goroutine that touches in.st.
func (in *Instance) run() {
	defer close(in.done)
	defer in.discardRetries()

	if in.st.initialized {
		in.schedulePass()
	}

	for {
		select {
		case msg := <-in.inbox:
			switch m := msg.(type) {
			case msgInitialize:
				m.reply <- in.handleInitialize(m)
			case msgFire:
				in.handleFire(m)
			case msgState:
				m.reply <- stateReply{state: in.processState()}
			case msgClearFailure:
				m.reply <- in.handleClearFailure(m.transition)
			case msgCompletion:
				in.handleCompletion(m)
			case msgRetryDue:
				in.handleRetryDue(m.transition)
			}
			if in.stopErr != nil {
				return
			}
		case <-in.stopCh:
			return
		}
	}
}

func (in *Instance) handleInitialize(m msgInitialize) error {
	if in.st.initialized {
		return ErrAlreadyInitialized
	}
	for place := range m.marking {
		if in.net.Place(place) == nil {
			return fmt.Errorf("initial marking references unknown place %d", place)
		}
	}

	event, err := in.journal(EventInitialized, initializedData{
		Marking: encodeMarking(m.marking),
		State:   m.userState,
	})
	if err != nil {
		return err
	}
	if err := in.apply(event); err != nil {
		return err
	}

	in.log.Info().Stringer("marking", in.st.marking).Msg("initialized")
	in.maybeSnapshot()
	in.schedulePass()
	return nil
}

func (in *Instance) handleFire(m msgFire) {
	t := in.net.Transition(m.transition)
	switch {
	case !in.st.initialized:
		m.reply <- fireReply{err: ErrNotInitialized}
		return
	case t == nil:
		m.reply <- fireReply{err: &NotEnabledError{TransitionID: m.transition, Reason: ReasonUnknown}}
		return
	}
	if rec, ok := in.st.failures[t.ID]; ok &&
		(rec.Directive.Kind == petri.DirectiveBlock || rec.Directive.Kind == petri.DirectiveFatal) {
		m.reply <- fireReply{err: &NotEnabledError{TransitionID: t.ID, Reason: ReasonFailedPreviously}}
		return
	}
	if _, busy := in.inflight[t.ID]; busy {
		m.reply <- fireReply{err: &NotEnabledError{TransitionID: t.ID, Reason: ReasonFiringInProgress}}
		return
	}
	if _, pending := in.retries[t.ID]; pending {
		m.reply <- fireReply{err: &NotEnabledError{TransitionID: t.ID, Reason: ReasonFiringInProgress}}
		return
	}
	selected, ok := tokengame.Selection(in.net, in.st.marking, t.ID)
	if !ok {
		m.reply <- fireReply{err: &NotEnabledError{TransitionID: t.ID, Reason: ReasonNotEnoughTokens}}
		return
	}
	in.launch(t, selected, m.payload, m.reply)
}

func (in *Instance) handleClearFailure(transition int) error {
	rec, ok := in.st.failures[transition]
	if !ok {
		return nil
	}
	if rec.Directive.Kind == petri.DirectiveFatal {
		return fmt.Errorf("transition %d failed fatally and cannot be cleared", transition)
	}
	delete(in.st.failures, transition)
	in.log.Info().Int("transition", transition).Msg("failure record cleared")
	in.schedulePass()
	return nil
}

// handleCompletion journals a finished firing and applies its event. The
// marking never reflects an event the journal has not acknowledged.
func (in *Instance) handleCompletion(m msgCompletion) {
	f := in.inflight[m.transition]
	delete(in.inflight, m.transition)
	if f == nil {
		return
	}
	t := in.net.Transition(m.transition)

	if m.out.err == nil {
		event, err := in.journal(EventTransitionFired, firedData{
			TransitionID: t.ID,
			JobID:        f.jobID,
			Consumed:     encodeMarking(f.consumed),
			Produced:     encodeMarking(m.out.produced),
			Event:        m.out.event,
			Sequence:     in.st.version + 2,
		})
		if err != nil {
			in.failReply(f, err)
			return
		}
		if err := in.apply(event); err != nil {
			in.failReply(f, err)
			return
		}

		var data firedData
		_ = event.Decode(&data)
		consumed, _ := decodeMarking(data.Consumed)
		produced, _ := decodeMarking(data.Produced)
		if f.reply != nil {
			f.reply <- fireReply{result: &FireResult{
				TransitionID: t.ID,
				JobID:        f.jobID,
				Consumed:     consumed,
				Produced:     produced,
				Event:        data.Event,
				Sequence:     in.st.version + 1,
			}}
		}
		in.log.Debug().
			Int("transition", t.ID).
			Str("job", f.jobID).
			Int("sequence", in.st.version+1).
			Msg("transition fired")
		in.maybeSnapshot()
		in.schedulePass()
		return
	}

	directive := t.Decide(m.out.err, f.attempt)
	event, err := in.journal(EventTransitionFailed, failedData{
		TransitionID: t.ID,
		JobID:        f.jobID,
		Consumed:     encodeMarking(f.consumed),
		Error:        m.out.err.Error(),
		Directive:    encodeDirective(directive),
		Attempt:      f.attempt,
		Sequence:     in.st.version + 2,
	})
	if err != nil {
		in.failReply(f, err)
		return
	}
	if err := in.apply(event); err != nil {
		in.failReply(f, err)
		return
	}

	if f.reply != nil {
		f.reply <- fireReply{err: &FiringError{
			TransitionID: t.ID,
			JobID:        f.jobID,
			Attempt:      f.attempt,
			Message:      m.out.err.Error(),
			Directive:    directive,
		}}
	}
	in.log.Warn().
		Int("transition", t.ID).
		Str("job", f.jobID).
		Int("attempt", f.attempt).
		Str("directive", string(directive.Kind)).
		Err(m.out.err).
		Msg("transition failed")

	if directive.Kind == petri.DirectiveRetry {
		in.scheduleRetry(t.ID, directive.Delay, f.payload)
	}
	in.maybeSnapshot()
	in.schedulePass()
}

func (in *Instance) failReply(f *inflightFiring, err error) {
	if f.reply != nil {
		f.reply <- fireReply{err: err}
	}
}

// journal appends one event to the store. An append failure stops the
// instance; on restart it replays.
func (in *Instance) journal(eventType string, data any) (*eventsource.Event, error) {
	event, err := eventsource.NewEvent(in.id, eventType, data)
	if err != nil {
		in.stopErr = fmt.Errorf("%w: encode %s: %v", ErrStopped, eventType, err)
		return nil, in.stopErr
	}
	if _, err := in.store.Append(in.ctx, in.id, in.st.version, []*eventsource.Event{event}); err != nil {
		in.stopErr = fmt.Errorf("%w: journal append: %v", ErrStopped, err)
		in.log.Error().Err(err).Msg("journal append failed, stopping instance")
		return nil, in.stopErr
	}
	return event, nil
}

// apply folds one journaled event into state. Live operation and replay
// share it, and it always works on the decoded form of the event so
// replayed state matches live state.
func (in *Instance) apply(event *eventsource.Event) error {
	switch event.Type {
	case EventInitialized:
		var data initializedData
		if err := event.Decode(&data); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		m, err := decodeMarking(data.Marking)
		if err != nil {
			return err
		}
		in.st.initialized = true
		in.st.marking = m
		in.st.jobs = make(map[string]struct{})
		in.st.failures = make(map[int]FailureRecord)
		in.st.user = data.State

	case EventTransitionFired:
		var data firedData
		if err := event.Decode(&data); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		consumed, err := decodeMarking(data.Consumed)
		if err != nil {
			return err
		}
		produced, err := decodeMarking(data.Produced)
		if err != nil {
			return err
		}
		rest, err := in.st.marking.Consume(consumed)
		if err != nil {
			return fmt.Errorf("apply %s: %w", event.Type, err)
		}
		in.st.marking = rest.Produce(produced)
		in.st.jobs[data.JobID] = struct{}{}
		delete(in.st.failures, data.TransitionID)
		if in.fold != nil && data.Event != nil {
			in.st.user = in.fold(in.st.user, data.Event)
		}

	case EventTransitionFailed:
		var data failedData
		if err := event.Decode(&data); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		in.st.failures[data.TransitionID] = FailureRecord{
			Attempt:   data.Attempt,
			Error:     data.Error,
			Directive: data.Directive.directive(),
		}

	default:
		return fmt.Errorf("unknown journal event type %q", event.Type)
	}

	in.st.version = event.Version
	return nil
}

func (in *Instance) processState() ProcessState {
	jobs := make([]string, 0, len(in.st.jobs))
	for job := range in.st.jobs {
		jobs = append(jobs, job)
	}
	sort.Strings(jobs)

	failures := make(map[int]FailureRecord, len(in.st.failures))
	for id, rec := range in.st.failures {
		failures[id] = rec
	}

	return ProcessState{
		Sequence:     in.st.version + 1,
		Marking:      in.st.marking.Produce(marking.New()), // defensive copy
		ConsumedJobs: jobs,
		Failures:     failures,
		UserState:    in.st.user,
	}
}

// recover rebuilds state from the journal: latest snapshot first when the
// store keeps them, then the remaining events in order.
func (in *Instance) recover(ctx context.Context) error {
	fromVersion := 0
	if snapshotter, ok := in.store.(eventsource.Snapshotter); ok {
		snap, found, err := snapshotter.LoadSnapshot(ctx, in.id)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if found {
			if err := in.restoreSnapshot(snap); err != nil {
				return err
			}
			fromVersion = snap.Version + 1
		}
	}

	events, err := in.store.Read(ctx, in.id, fromVersion)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	for _, event := range events {
		if err := in.apply(event); err != nil {
			return fmt.Errorf("replay event %d: %w", event.Version, err)
		}
	}
	if len(events) > 0 {
		in.log.Debug().Int("events", len(events)).Msg("journal replayed")
	}
	return nil
}

func (in *Instance) restoreSnapshot(snap eventsource.Snapshot) error {
	var data snapshotData
	if err := json.Unmarshal(snap.State, &data); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	m, err := decodeMarking(data.Marking)
	if err != nil {
		return err
	}
	in.st.initialized = true
	in.st.version = data.Version
	in.st.marking = m
	in.st.jobs = make(map[string]struct{}, len(data.Jobs))
	for _, job := range data.Jobs {
		in.st.jobs[job] = struct{}{}
	}
	in.st.failures = make(map[int]FailureRecord, len(data.Failures))
	for key, rec := range data.Failures {
		id, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("snapshot failure record has non-numeric transition %q", key)
		}
		in.st.failures[id] = FailureRecord{
			Attempt:   rec.Attempt,
			Error:     rec.Error,
			Directive: rec.Directive.directive(),
		}
	}
	in.st.user = data.State
	return nil
}

func (in *Instance) maybeSnapshot() {
	if in.snapshotEvery <= 0 {
		return
	}
	snapshotter, ok := in.store.(eventsource.Snapshotter)
	if !ok {
		return
	}
	if (in.st.version+1)%in.snapshotEvery != 0 {
		return
	}

	failures := make(map[string]failureRec, len(in.st.failures))
	for id, rec := range in.st.failures {
		failures[strconv.Itoa(id)] = failureRec{
			Attempt:   rec.Attempt,
			Error:     rec.Error,
			Directive: encodeDirective(rec.Directive),
		}
	}
	jobs := make([]string, 0, len(in.st.jobs))
	for job := range in.st.jobs {
		jobs = append(jobs, job)
	}
	sort.Strings(jobs)

	encoded, err := json.Marshal(snapshotData{
		Version:  in.st.version,
		Marking:  encodeMarking(in.st.marking),
		Jobs:     jobs,
		Failures: failures,
		State:    in.st.user,
	})
	if err != nil {
		in.log.Warn().Err(err).Msg("snapshot encode failed")
		return
	}
	err = snapshotter.SaveSnapshot(in.ctx, eventsource.Snapshot{
		StreamID: in.id,
		Version:  in.st.version,
		State:    encoded,
	})
	if err != nil {
		// A lost snapshot only lengthens the next replay.
		in.log.Warn().Err(err).Msg("snapshot save failed")
		return
	}
	in.log.Debug().Int("version", in.st.version).Msg("snapshot saved")
}
