// Package ledger is the append-only record of everything a run does. It is
// the sole durable artifact: the current state of every item, cycle, and
// phase is a pure fold over its entries.
package ledger

import (
	"errors"
	"time"
)

// Outcome discriminates the record classes appearing in the ledger.
type Outcome string

const (
	// OutcomeDispatch records a Pending -> InProgress item transition issued
	// by the scheduler; it also marks the creation of the item's cycle.
	OutcomeDispatch Outcome = "dispatch"
	// OutcomeCycle records one cycle state transition. Terminal cycle states
	// (Done, Abandoned) carry the item's terminal state in the same entry.
	OutcomeCycle Outcome = "cycle"
	// OutcomeItem records a plain item transition with no cycle involved,
	// e.g. abandoning a never-dispatched item during abort.
	OutcomeItem Outcome = "item"
	// OutcomeGatePass and OutcomeGateFail record gate evaluations.
	OutcomeGatePass Outcome = "gate_pass"
	OutcomeGateFail Outcome = "gate_fail"
	// OutcomeAdvance records the active phase pointer moving forward.
	OutcomeAdvance Outcome = "advance"
	// OutcomeComplete and OutcomeAbort terminate a run.
	OutcomeComplete Outcome = "complete"
	OutcomeAbort    Outcome = "abort"
)

// Entry is one immutable ledger record. Seq is assigned by the run and is a
// total order within that run; transitions for a run are serialized, so
// sequence gaps or duplicates never occur.
type Entry struct {
	Seq     int64
	RunID   string
	ItemID  string // empty for phase- and run-level records
	Prior   string // state or phase name before the transition
	Next    string // state or phase name after the transition
	Gate    string // gate name, only for gate records
	Reason  string // terminal cycle reason, e.g. budget exhaustion
	Outcome Outcome
	At      time.Time
}

// ErrPersistenceUnavailable wraps storage failures. It is the one retryable
// error class: no in-memory state change is committed until the append
// succeeds, so the caller may simply repeat the operation.
var ErrPersistenceUnavailable = errors.New("persistence unavailable")
