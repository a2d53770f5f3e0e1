/**
 * Copyright 2020 The IcecaneDB Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package txn

import "fmt"

// txState is the aggregate state of a transaction.
//
// The states form a DAG rooted at stActive; nothing ever transitions back to it.
//
//	Active ─┬─> Phase0 ─> VolatilePhase1 ─┬─> SPC ──────────────┬─> Committed
//	        │                             ├─> VolatileSPC ──────┤   Aborted
//	        │                             └─> DelegatedCommitting┘  InDoubt
//	        ├─> PromotableOperation ─> PromotableEnlisted ─> Phase0 ...
//	        └─> Promoting ─> PromotedActive ─> PromotedCommitting ─> PromotedPhase0
//	                                  ─> PromotedPhase1 ─> Promoted{Committed,Aborted,InDoubt}
type txState int

const (
	stActive txState = iota
	stPromotableOperation
	stPromotableEnlisted
	stPhase0
	stVolatilePhase1
	stVolatileSPC
	stSPC
	stDelegatedCommitting
	stCommitted
	stAborted
	stInDoubt
	stPromoting
	stPromotedActive
	stPromotedCommitting
	stPromotedPhase0
	stPromotedPhase1
	stPromotedCommitted
	stPromotedAborted
	stPromotedInDoubt

	numTxStates
)

var txStateNames = [...]string{
	stActive:              "Active",
	stPromotableOperation: "PromotableOperation",
	stPromotableEnlisted:  "PromotableEnlisted",
	stPhase0:              "Phase0",
	stVolatilePhase1:      "VolatilePhase1",
	stVolatileSPC:         "VolatileSPC",
	stSPC:                 "SPC",
	stDelegatedCommitting: "DelegatedCommitting",
	stCommitted:           "Committed",
	stAborted:             "Aborted",
	stInDoubt:             "InDoubt",
	stPromoting:           "Promoting",
	stPromotedActive:      "PromotedActive",
	stPromotedCommitting:  "PromotedCommitting",
	stPromotedPhase0:      "PromotedPhase0",
	stPromotedPhase1:      "PromotedPhase1",
	stPromotedCommitted:   "PromotedCommitted",
	stPromotedAborted:     "PromotedAborted",
	stPromotedInDoubt:     "PromotedInDoubt",
}

func (s txState) String() string {
	if int(s) >= 0 && int(s) < len(txStateNames) {
		return txStateNames[s]
	}
	return fmt.Sprintf("txState(%d)", int(s))
}

// terminal reports whether the outcome of the transaction is decided.
func (s txState) terminal() bool {
	switch s {
	case stCommitted, stAborted, stInDoubt, stPromotedCommitted, stPromotedAborted, stPromotedInDoubt:
		return true
	}
	return false
}

// promoted reports whether the transaction is owned by a distributed coordinator.
func (s txState) promoted() bool {
	return s >= stPromotedActive && s <= stPromotedInDoubt
}

// status maps the internal state to the caller visible status.
func (s txState) status() Status {
	switch s {
	case stCommitted, stPromotedCommitted:
		return StatusCommitted
	case stAborted, stPromotedAborted:
		return StatusAborted
	case stInDoubt, stPromotedInDoubt:
		return StatusInDoubt
	}
	return StatusActive
}

// txEvent drives the transaction state machine.
type txEvent int

const (
	evEnlist txEvent = iota
	evDependentClone
	evEnlistPromotable
	evPromotableReady
	evBeginCommit
	evRollback
	evTimeout
	evForceAbort
	evPhase0Done
	evPhase1Done
	evSinglePhase
	evDelegatedCommit
	evCommitted
	evInDoubt
	evPromote
	evPromoted
	evPromotedPhase0
	evPromotedPhase1

	numTxEvents
)

var txEventNames = [...]string{
	evEnlist:           "Enlist",
	evDependentClone:   "DependentClone",
	evEnlistPromotable: "EnlistPromotable",
	evPromotableReady:  "PromotableReady",
	evBeginCommit:      "BeginCommit",
	evRollback:         "Rollback",
	evTimeout:          "Timeout",
	evForceAbort:       "ForceAbort",
	evPhase0Done:       "Phase0Done",
	evPhase1Done:       "Phase1Done",
	evSinglePhase:      "SinglePhase",
	evDelegatedCommit:  "DelegatedCommit",
	evCommitted:        "Committed",
	evInDoubt:          "InDoubt",
	evPromote:          "Promote",
	evPromoted:         "Promoted",
	evPromotedPhase0:   "PromotedPhase0",
	evPromotedPhase1:   "PromotedPhase1",
}

func (ev txEvent) String() string {
	if int(ev) >= 0 && int(ev) < len(txEventNames) {
		return txEventNames[ev]
	}
	return fmt.Sprintf("txEvent(%d)", int(ev))
}

// nextTxState is the single transition function of a transaction.
// It has no side effects; entry actions live in enter.
// ok is false when the event is not valid in the state.
func nextTxState(s txState, ev txEvent) (next txState, ok bool) {
	switch s {
	case stActive:
		switch ev {
		case evEnlist, evDependentClone:
			return stActive, true
		case evEnlistPromotable:
			return stPromotableOperation, true
		case evBeginCommit:
			return stPhase0, true
		case evRollback, evTimeout, evForceAbort:
			return stAborted, true
		case evPromote:
			return stPromoting, true
		}

	case stPromotableOperation:
		switch ev {
		case evPromotableReady:
			return stPromotableEnlisted, true
		case evForceAbort:
			return stAborted, true
		case evTimeout:
			// deferred until the callout returns
			return stPromotableOperation, true
		}

	case stPromotableEnlisted:
		switch ev {
		case evEnlist, evDependentClone:
			return stPromotableEnlisted, true
		case evBeginCommit:
			return stPhase0, true
		case evRollback, evTimeout, evForceAbort:
			return stAborted, true
		case evPromote:
			return stPromoting, true
		}

	case stPhase0:
		switch ev {
		case evEnlist, evDependentClone:
			return stPhase0, true
		case evPhase0Done:
			return stVolatilePhase1, true
		case evRollback, evTimeout, evForceAbort:
			return stAborted, true
		case evPromote:
			return stPromoting, true
		}

	case stVolatilePhase1:
		switch ev {
		case evPhase1Done:
			return stSPC, true
		case evSinglePhase:
			return stVolatileSPC, true
		case evDelegatedCommit:
			return stDelegatedCommitting, true
		case evRollback, evTimeout, evForceAbort:
			return stAborted, true
		}

	case stVolatileSPC, stSPC, stDelegatedCommitting:
		switch ev {
		case evCommitted:
			return stCommitted, true
		case evForceAbort:
			return stAborted, true
		case evInDoubt:
			return stInDoubt, true
		case evTimeout:
			// the outcome belongs to the single phase participant now
			return s, true
		}

	case stCommitted, stAborted, stInDoubt, stPromotedCommitted, stPromotedAborted, stPromotedInDoubt:
		switch ev {
		case evTimeout:
			return s, true
		}

	case stPromoting:
		switch ev {
		case evPromoted:
			return stPromotedActive, true
		case evForceAbort:
			return stAborted, true
		case evTimeout:
			// deferred until the callout returns
			return stPromoting, true
		}

	case stPromotedActive:
		switch ev {
		case evEnlist, evDependentClone, evPromote:
			return stPromotedActive, true
		case evBeginCommit:
			return stPromotedCommitting, true
		case evPromotedPhase0:
			return stPromotedPhase0, true
		case evPromotedPhase1:
			return stPromotedPhase1, true
		case evRollback, evTimeout, evForceAbort:
			return stPromotedAborted, true
		case evCommitted:
			return stPromotedCommitted, true
		case evInDoubt:
			return stPromotedInDoubt, true
		}

	case stPromotedCommitting:
		// the coordinator owns the outcome: only a local no vote can still abort
		switch ev {
		case evEnlist, evDependentClone, evPromote:
			return stPromotedCommitting, true
		case evPromotedPhase0:
			return stPromotedPhase0, true
		case evPromotedPhase1:
			return stPromotedPhase1, true
		case evForceAbort:
			return stPromotedAborted, true
		case evTimeout:
			// timeoutPromoted asks the coordinator, whose outcome arrives as ForceAbort
			return stPromotedCommitting, true
		case evCommitted:
			return stPromotedCommitted, true
		case evInDoubt:
			return stPromotedInDoubt, true
		}

	case stPromotedPhase0:
		switch ev {
		case evEnlist, evDependentClone, evPromote:
			return stPromotedPhase0, true
		case evPromotedPhase1:
			return stPromotedPhase1, true
		case evForceAbort:
			return stPromotedAborted, true
		case evTimeout:
			return stPromotedPhase0, true
		case evCommitted:
			return stPromotedCommitted, true
		case evInDoubt:
			return stPromotedInDoubt, true
		}

	case stPromotedPhase1:
		switch ev {
		case evPromote:
			return stPromotedPhase1, true
		case evForceAbort:
			return stPromotedAborted, true
		case evTimeout:
			return stPromotedPhase1, true
		case evCommitted:
			return stPromotedCommitted, true
		case evInDoubt:
			return stPromotedInDoubt, true
		}
	}
	return s, false
}
