package txn

import "fmt"

// enlistmentState is the protocol state of a single participant.
type enlistmentState int

const (
	enlActive enlistmentState = iota
	enlPreparing
	// enlPreparingAborting: the transaction aborted while Prepare was outstanding.
	enlPreparingAborting
	enlPrepared
	enlCommitting
	enlSinglePhaseCommitting
	enlAborting
	enlInDoubt
	// enlDelegated: notifications are handled by a distributed coordinator.
	enlDelegated
	// enlDone: the participant declared it needs no further notifications.
	enlDone
	enlEnded
)

var enlistmentStateNames = [...]string{
	enlActive:                "Active",
	enlPreparing:             "Preparing",
	enlPreparingAborting:     "PreparingAborting",
	enlPrepared:              "Prepared",
	enlCommitting:            "Committing",
	enlSinglePhaseCommitting: "SinglePhaseCommitting",
	enlAborting:              "Aborting",
	enlInDoubt:               "InDoubt",
	enlDelegated:             "Delegated",
	enlDone:                  "Done",
	enlEnded:                 "Ended",
}

func (s enlistmentState) String() string {
	if int(s) >= 0 && int(s) < len(enlistmentStateNames) {
		return enlistmentStateNames[s]
	}
	return fmt.Sprintf("enlistmentState(%d)", int(s))
}

// terminal reports whether no further notification will be delivered.
func (s enlistmentState) terminal() bool {
	return s == enlDone || s == enlEnded || s == enlDelegated
}

// enlistmentEvent is something that happens to an enlistment, either from the
// coordinator (prepare, commit, abort, ...) or from the participant.
type enlistmentEvent int

const (
	// coordinator driven
	enlEvPrepare enlistmentEvent = iota
	enlEvSinglePhaseCommit
	enlEvCommit
	enlEvAbort
	enlEvInDoubt
	enlEvDelegate

	// participant driven
	enlEvPrepared
	enlEvForceRollback
	enlEvEnlistmentDone
	enlEvCommitted
	enlEvAborted
	enlEvInDoubtReported
)

var enlistmentEventNames = [...]string{
	enlEvPrepare:           "Prepare",
	enlEvSinglePhaseCommit: "SinglePhaseCommit",
	enlEvCommit:            "Commit",
	enlEvAbort:             "Abort",
	enlEvInDoubt:           "InDoubt",
	enlEvDelegate:          "Delegate",
	enlEvPrepared:          "Prepared",
	enlEvForceRollback:     "ForceRollback",
	enlEvEnlistmentDone:    "EnlistmentDone",
	enlEvCommitted:         "Committed",
	enlEvAborted:           "Aborted",
	enlEvInDoubtReported:   "InDoubtReported",
}

func (ev enlistmentEvent) String() string {
	if int(ev) >= 0 && int(ev) < len(enlistmentEventNames) {
		return enlistmentEventNames[ev]
	}
	return fmt.Sprintf("enlistmentEvent(%d)", int(ev))
}

// nextEnlistmentState is the single transition function of an enlistment.
// ok is false when the event is not valid in the state.
func nextEnlistmentState(s enlistmentState, ev enlistmentEvent) (next enlistmentState, ok bool) {
	switch s {
	case enlActive:
		switch ev {
		case enlEvPrepare:
			return enlPreparing, true
		case enlEvSinglePhaseCommit:
			return enlSinglePhaseCommitting, true
		case enlEvAbort, enlEvInDoubt:
			return enlAborting, true
		case enlEvDelegate:
			return enlDelegated, true
		case enlEvEnlistmentDone:
			return enlDone, true
		}

	case enlPreparing:
		switch ev {
		case enlEvPrepare:
			return enlPreparing, true
		case enlEvPrepared:
			return enlPrepared, true
		case enlEvForceRollback:
			return enlEnded, true
		case enlEvEnlistmentDone:
			return enlDone, true
		case enlEvAbort, enlEvInDoubt:
			return enlPreparingAborting, true
		}

	case enlPreparingAborting:
		switch ev {
		case enlEvPrepared:
			return enlAborting, true
		case enlEvForceRollback, enlEvEnlistmentDone:
			return enlEnded, true
		case enlEvAbort, enlEvInDoubt:
			return enlPreparingAborting, true
		}

	case enlPrepared:
		switch ev {
		case enlEvCommit:
			return enlCommitting, true
		case enlEvAbort:
			return enlAborting, true
		case enlEvInDoubt:
			return enlInDoubt, true
		case enlEvEnlistmentDone:
			return enlDone, true
		case enlEvPrepare:
			// already prepared in an earlier wave
			return enlPrepared, true
		}

	case enlCommitting, enlInDoubt:
		switch ev {
		case enlEvEnlistmentDone:
			return enlEnded, true
		}

	case enlAborting:
		switch ev {
		case enlEvEnlistmentDone, enlEvAborted:
			return enlEnded, true
		case enlEvAbort:
			return enlAborting, true
		}

	case enlSinglePhaseCommitting:
		switch ev {
		case enlEvCommitted, enlEvAborted, enlEvInDoubtReported, enlEvEnlistmentDone:
			return enlEnded, true
		}

	case enlDelegated, enlDone, enlEnded:
		switch ev {
		case enlEvPrepare, enlEvAbort, enlEvInDoubt, enlEvCommit:
			// coordinator waves skip participants that are out of the protocol
			return s, true
		}
	}
	return s, false
}
