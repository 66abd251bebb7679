// Package instance implements the execution engine for a colored Petri
// net: a single-mailbox state machine that owns the current marking,
// journals every firing before exposing its effect, schedules automatic
// transitions concurrently, and recovers its state by replaying the
// journal.
package instance

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pflow-xyz/go-colornet/marking"
	"github.com/pflow-xyz/go-colornet/petri"
)

// Journaled event types.
const (
	EventInitialized      = "Initialized"
	EventTransitionFired  = "TransitionFired"
	EventTransitionFailed = "TransitionFailed"
)

// Not-enabled reasons surfaced in NotEnabledError.
const (
	ReasonNotEnoughTokens  = "not enough tokens"
	ReasonFailedPreviously = "has failed previously"
	ReasonFiringInProgress = "firing in progress"
	ReasonUnknown          = "unknown transition"
)

// Common instance errors.
var (
	ErrAlreadyInitialized = errors.New("instance already initialized")
	ErrNotInitialized     = errors.New("instance not initialized")
	ErrNotStarted         = errors.New("instance not started")
	ErrStopped            = errors.New("instance stopped")
)

// NotEnabledError rejects a firing request without journaling anything.
type NotEnabledError struct {
	TransitionID int
	Reason       string
}

func (e *NotEnabledError) Error() string {
	return fmt.Sprintf("transition %d not enabled: %s", e.TransitionID, e.Reason)
}

// FiringError reports a journaled firing failure together with the
// exception strategy's directive for the transition.
type FiringError struct {
	TransitionID int
	JobID        string
	Attempt      int
	Message      string
	Directive    petri.Directive
}

func (e *FiringError) Error() string {
	return fmt.Sprintf("transition %d failed (attempt %d, %s): %s",
		e.TransitionID, e.Attempt, e.Directive.Kind, e.Message)
}

// FailureRecord is the non-terminal failure state of one transition.
type FailureRecord struct {
	Attempt   int
	Error     string
	Directive petri.Directive
}

// FireResult is the outcome of a successful firing.
type FireResult struct {
	TransitionID int
	JobID        string
	Consumed     marking.Colored
	Produced     marking.Colored
	Event        any // domain event returned by the handler
	Sequence     int
}

// ProcessState is the reply to a state query.
type ProcessState struct {
	Sequence     int
	Marking      marking.Colored
	ConsumedJobs []string // sorted
	Failures     map[int]FailureRecord
	UserState    any
}

// HasJob reports whether the given firing's job id has been consumed.
func (s ProcessState) HasJob(jobID string) bool {
	i := sort.SearchStrings(s.ConsumedJobs, jobID)
	return i < len(s.ConsumedJobs) && s.ConsumedJobs[i] == jobID
}

// Journal payload shapes. These are the stable structural forms of the
// engine's events; the store owns the byte encoding.

type initializedData struct {
	Marking map[string][]any `json:"marking"`
	State   any              `json:"state,omitempty"`
}

type firedData struct {
	TransitionID int              `json:"transition_id"`
	JobID        string           `json:"job_id"`
	Consumed     map[string][]any `json:"consumed,omitempty"`
	Produced     map[string][]any `json:"produced,omitempty"`
	Event        any              `json:"event,omitempty"`
	Sequence     int              `json:"sequence"`
}

type failedData struct {
	TransitionID int              `json:"transition_id"`
	JobID        string           `json:"job_id"`
	Consumed     map[string][]any `json:"consumed,omitempty"`
	Error        string           `json:"error"`
	Directive    directiveData    `json:"directive"`
	Attempt      int              `json:"attempt"`
	Sequence     int              `json:"sequence"`
}

type directiveData struct {
	Kind    string `json:"kind"`
	DelayMS int64  `json:"delay_ms,omitempty"`
}

func encodeDirective(d petri.Directive) directiveData {
	return directiveData{Kind: string(d.Kind), DelayMS: d.Delay.Milliseconds()}
}

func (d directiveData) directive() petri.Directive {
	return petri.Directive{
		Kind:  petri.DirectiveKind(d.Kind),
		Delay: time.Duration(d.DelayMS) * time.Millisecond,
	}
}

type snapshotData struct {
	Version  int                   `json:"version"`
	Marking  map[string][]any      `json:"marking"`
	Jobs     []string              `json:"jobs,omitempty"`
	Failures map[string]failureRec `json:"failures,omitempty"`
	State    any                   `json:"state,omitempty"`
}

type failureRec struct {
	Attempt   int           `json:"attempt"`
	Error     string        `json:"error"`
	Directive directiveData `json:"directive"`
}

// encodeMarking converts a colored marking to its journal shape; place
// ids become decimal string keys.
func encodeMarking(m marking.Colored) map[string][]any {
	if m.IsEmpty() {
		return nil
	}
	result := make(map[string][]any, len(m))
	for place, tokens := range m {
		result[strconv.Itoa(place)] = append([]any(nil), tokens...)
	}
	return result
}

// decodeMarking converts the journal shape back to a colored marking.
func decodeMarking(encoded map[string][]any) (marking.Colored, error) {
	result := marking.New()
	for key, tokens := range encoded {
		place, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("journal marking has non-numeric place %q", key)
		}
		if len(tokens) == 0 {
			continue
		}
		result[place] = append([]marking.Token(nil), tokens...)
	}
	return result, nil
}
