package txn

import (
	"errors"
	"fmt"
	"time"
)

// InfiniteTimeout disables expiration for a transaction.
const InfiniteTimeout time.Duration = -1

var (
	// ErrTransactionAborted is the cause family of every aborted outcome.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrTransactionInDoubt is the cause family of every in doubt outcome.
	ErrTransactionInDoubt = errors.New("transaction outcome is in doubt")

	// ErrTimeout is the cause recorded when a transaction expires.
	ErrTimeout = errors.New("transaction timed out")

	// ErrTooLate is returned when an operation arrives after the point of no return.
	ErrTooLate = errors.New("operation is too late for the transaction's current phase")

	// ErrPromotionInProgress is returned for operations racing a promotion callout.
	ErrPromotionInProgress = errors.New("transaction promotion is in progress")

	// ErrNoCoordinator is the promotion failure cause when no distributed coordinator is configured.
	ErrNoCoordinator = errors.New("no distributed coordinator configured")

	// ErrRolledBack is the default cause of an explicit rollback.
	ErrRolledBack = errors.New("transaction rolled back")

	// ErrParticipantPanic is the cause recorded when participant code panics during a callout.
	ErrParticipantPanic = errors.New("participant panicked")
)

// Status is the caller visible status of a transaction.
type Status int

const (
	// StatusActive means the outcome is not yet known.
	StatusActive Status = iota

	// StatusCommitted means every participant was told to commit.
	StatusCommitted

	// StatusAborted means the transaction rolled back.
	StatusAborted

	// StatusInDoubt means the outcome could not be determined.
	StatusInDoubt
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusCommitted:
		return "Committed"
	case StatusAborted:
		return "Aborted"
	case StatusInDoubt:
		return "InDoubt"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Outcome is the result of a commit.
// Aborted and InDoubt are legal protocol results, not errors.
type Outcome struct {
	Status Status
	Cause  error
}

// Err converts the outcome to an error: nil when committed.
func (o Outcome) Err() error {
	switch o.Status {
	case StatusCommitted:
		return nil
	case StatusAborted:
		if o.Cause == nil || errors.Is(o.Cause, ErrTransactionAborted) {
			return ErrTransactionAborted
		}
		return fmt.Errorf("%w: %v", ErrTransactionAborted, o.Cause)
	case StatusInDoubt:
		if o.Cause == nil || errors.Is(o.Cause, ErrTransactionInDoubt) {
			return ErrTransactionInDoubt
		}
		return fmt.Errorf("%w: %v", ErrTransactionInDoubt, o.Cause)
	}
	return fmt.Errorf("transaction is still active")
}

// IsolationLevel is carried on the transaction for participants to honour.
// The coordinator itself does not interpret it.
type IsolationLevel int

const (
	// Serializable is the default isolation level.
	Serializable IsolationLevel = iota
	RepeatableRead
	ReadCommitted
	ReadUncommitted
	Snapshot
	Chaos
	Unspecified
)

func (il IsolationLevel) String() string {
	switch il {
	case Serializable:
		return "Serializable"
	case RepeatableRead:
		return "RepeatableRead"
	case ReadCommitted:
		return "ReadCommitted"
	case ReadUncommitted:
		return "ReadUncommitted"
	case Snapshot:
		return "Snapshot"
	case Chaos:
		return "Chaos"
	case Unspecified:
		return "Unspecified"
	}
	return fmt.Sprintf("IsolationLevel(%d)", int(il))
}

// EnlistmentOptions controls in which wave a volatile enlistment is prepared.
type EnlistmentOptions int

const (
	// EnlistmentNone places a volatile enlistment in phase 1.
	EnlistmentNone EnlistmentOptions = 0

	// EnlistDuringPrepareRequired places a volatile enlistment in phase 0, i.e. it is
	// prepared before any phase 1 enlistment and may itself enlist while preparing.
	EnlistDuringPrepareRequired EnlistmentOptions = 1
)

// DependentCloneOption decides what an uncompleted dependent clone does to a commit.
type DependentCloneOption int

const (
	// BlockCommitUntilComplete holds the phase 0 wave until the clone completes.
	BlockCommitUntilComplete DependentCloneOption = iota

	// RollbackIfNotComplete aborts the commit if the clone has not completed by phase 1.
	RollbackIfNotComplete
)

// TransactionOptions configures a new transaction.
type TransactionOptions struct {
	// Timeout after which the transaction is aborted.
	// Zero picks the manager's default, InfiniteTimeout disables expiration.
	Timeout time.Duration

	IsolationLevel IsolationLevel
}
