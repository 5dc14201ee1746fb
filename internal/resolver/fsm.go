// Package resolver drives a leased tab through a challenge: navigate, wait
// for the document to load, wait for the caller's selector, extract.
package resolver

import (
	"time"

	"github.com/jmylchreest/alita/internal/failure"
)

// State is a resolution phase.
type State int

const (
	Navigating State = iota
	ReadyStateWait
	SelectorWait
	Extracted
	Failed
)

func (s State) String() string {
	switch s {
	case Navigating:
		return "Navigating"
	case ReadyStateWait:
		return "ReadyStateWait"
	case SelectorWait:
		return "SelectorWait"
	case Extracted:
		return "Extracted"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == Extracted || s == Failed
}

// Event is an observation fed to Step.
type Event int

const (
	EventNavigated Event = iota
	EventNavigationFailed
	EventReadyStateReached
	EventReadyStatePending
	EventSelectorFound
	EventSelectorMissing
	EventDeadline
)

func (e Event) String() string {
	switch e {
	case EventNavigated:
		return "Navigated"
	case EventNavigationFailed:
		return "NavigationFailed"
	case EventReadyStateReached:
		return "ReadyStateReached"
	case EventReadyStatePending:
		return "ReadyStatePending"
	case EventSelectorFound:
		return "SelectorFound"
	case EventSelectorMissing:
		return "SelectorMissing"
	case EventDeadline:
		return "Deadline"
	}
	return "Unknown"
}

// Transition is the outcome of Step. Failure is set when Next is Failed.
type Transition struct {
	Next    State
	Failure failure.Kind
}

// Step computes the next state. elapsed is measured from navigation start and
// budget is shared by both wait phases. A pending observation at or past the
// budget fails the phase it was observed in.
func Step(state State, event Event, elapsed, budget time.Duration) Transition {
	if state.Terminal() {
		return Transition{Next: state}
	}

	expired := elapsed >= budget

	switch state {
	case Navigating:
		switch event {
		case EventNavigated:
			if expired {
				return fail(failure.KindReadyStateTimeout)
			}
			return Transition{Next: ReadyStateWait}
		case EventNavigationFailed:
			return fail(failure.KindNetwork)
		case EventDeadline:
			return fail(failure.KindReadyStateTimeout)
		}

	case ReadyStateWait:
		switch event {
		case EventReadyStateReached:
			return Transition{Next: SelectorWait}
		case EventReadyStatePending:
			if expired {
				return fail(failure.KindReadyStateTimeout)
			}
			return Transition{Next: ReadyStateWait}
		case EventDeadline:
			return fail(failure.KindReadyStateTimeout)
		}

	case SelectorWait:
		switch event {
		case EventSelectorFound:
			return Transition{Next: Extracted}
		case EventSelectorMissing:
			if expired {
				return fail(failure.KindSelectorTimeout)
			}
			return Transition{Next: SelectorWait}
		case EventDeadline:
			return fail(failure.KindSelectorTimeout)
		}
	}

	return fail(failure.KindInternal)
}

func fail(kind failure.Kind) Transition {
	return Transition{Next: Failed, Failure: kind}
}
