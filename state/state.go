// Package state implements the per-query lifecycle state machine. Each
// fingerprint has one logical machine; state is held in redis so that it
// survives server restarts and transitions are serialised across concurrent
// submitters. Terminal transitions additionally notify in-process waiters, so
// no component inside the server ever polls.
package state

import "errors"

// State is the lifecycle state of a query fingerprint.
type State string

const (
	// Known means the server has seen this id but it is neither
	// materialised nor running.
	Known State = "known"

	// Queued means the query is waiting for a worker slot.
	Queued State = "queued"

	// Executing means a worker is materialising the query.
	Executing State = "executing"

	// Completed means the result relation exists in the warehouse.
	Completed State = "completed"

	// Errored means the last execution attempt failed.
	Errored State = "errored"

	// Cancelled means the query was cancelled while queued or executing.
	Cancelled State = "cancelled"

	// Resetting means a manual requeue of an errored or cancelled query is
	// in progress.
	Resetting State = "resetting"

	// Awol is the sentinel for ids the server has no record of.
	Awol State = "awol"
)

// IsTerminal reports whether s is a terminal state. Once terminal, an id
// never re-enters a non-terminal state except via an explicit reset.
func (s State) IsTerminal() bool {
	return s == Completed || s == Errored || s == Cancelled
}

// Event is a transition trigger.
type Event string

const (
	// EventEnqueue moves known -> queued.
	EventEnqueue Event = "enqueue"

	// EventExecute moves queued -> executing.
	EventExecute Event = "execute"

	// EventFinish moves executing -> completed.
	EventFinish Event = "finish"

	// EventError moves executing -> errored.
	EventError Event = "error"

	// EventCancel moves queued or executing -> cancelled.
	EventCancel Event = "cancel"

	// EventReset moves errored or cancelled -> resetting.
	EventReset Event = "reset"

	// EventFinishReset moves resetting -> known.
	EventFinishReset Event = "finish_reset"
)

// ErrInvalidTransition is returned when an event is not legal from the
// current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions maps each event to its permitted source states and target.
var transitions = map[Event]struct {
	from   []State
	target State
}{
	EventEnqueue:     {from: []State{Known}, target: Queued},
	EventExecute:     {from: []State{Queued}, target: Executing},
	EventFinish:      {from: []State{Executing}, target: Completed},
	EventError:       {from: []State{Executing}, target: Errored},
	EventCancel:      {from: []State{Queued, Executing}, target: Cancelled},
	EventReset:       {from: []State{Errored, Cancelled}, target: Resetting},
	EventFinishReset: {from: []State{Resetting}, target: Known},
}
