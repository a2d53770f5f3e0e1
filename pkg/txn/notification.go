package txn

import (
	"github.com/google/uuid"
)

// EnlistmentNotification is implemented by two phase commit participants.
// The coordinator never holds the transaction lock while calling these, so the
// implementation may call back into the transaction synchronously.
type EnlistmentNotification interface {
	// Prepare asks the participant to vote. It must eventually answer with
	// Prepared, ForceRollback or EnlistmentDone on pe.
	Prepare(pe *PreparingEnlistment)

	// Commit tells a prepared participant to commit. Answer with EnlistmentDone.
	Commit(e *Enlistment)

	// Rollback tells the participant to roll back. Answer with EnlistmentDone.
	Rollback(e *Enlistment)

	// InDoubt tells a prepared participant that the outcome is unknown.
	InDoubt(e *Enlistment)
}

// SinglePhaseNotification is implemented by participants that can commit
// without a separate prepare round trip when they are the only one left.
type SinglePhaseNotification interface {
	EnlistmentNotification

	// SinglePhaseCommit asks the participant to commit in one step and report
	// Committed, Aborted or InDoubt on spe.
	SinglePhaseCommit(spe *SinglePhaseEnlistment)
}

// PromotableSinglePhaseNotification is implemented by a participant that
// coordinates its own resource and can hand the transaction over to a
// distributed coordinator on demand.
type PromotableSinglePhaseNotification interface {
	// Initialize is called once while the participant is being enlisted.
	Initialize() error

	// SinglePhaseCommit delegates the commit decision to the participant.
	SinglePhaseCommit(spe *SinglePhaseEnlistment)

	// Rollback tells the participant to roll back. Answer with Aborted or EnlistmentDone.
	Rollback(spe *SinglePhaseEnlistment)

	// Promote converts the participant's transaction to a distributed one and
	// returns its propagation token.
	Promote() ([]byte, error)
}

// Enlistment is the participant's handle on its own registration.
type Enlistment struct {
	en *internalEnlistment
}

// TransactionID returns the identifier of the transaction the enlistment belongs to.
func (e *Enlistment) TransactionID() uuid.UUID {
	return e.en.tx.id
}

// ResourceManagerID returns the resource manager id of a durable enlistment,
// uuid.Nil for volatile ones.
func (e *Enlistment) ResourceManagerID() uuid.UUID {
	return e.en.rmID
}

// EnlistmentDone declares that the participant needs no further notifications.
func (e *Enlistment) EnlistmentDone() error {
	return e.en.enlistmentDone()
}

// PreparingEnlistment is handed to a participant in Prepare.
type PreparingEnlistment struct {
	Enlistment
}

// Prepared votes to commit.
func (pe *PreparingEnlistment) Prepared() error {
	return pe.en.prepared()
}

// ForceRollback votes to abort.
func (pe *PreparingEnlistment) ForceRollback(cause error) error {
	return pe.en.forceRollback(cause)
}

// RecoveryInformation returns the bytes a durable participant must persist
// with its prepare record to be able to resolve the transaction after a crash.
func (pe *PreparingEnlistment) RecoveryInformation() ([]byte, error) {
	return pe.en.recoveryInformation()
}

// SinglePhaseEnlistment is handed to a participant in SinglePhaseCommit and,
// for promotable participants, in Rollback.
type SinglePhaseEnlistment struct {
	Enlistment
}

// Committed reports that the participant committed.
func (spe *SinglePhaseEnlistment) Committed() error {
	return spe.en.reportOutcome(enlEvCommitted, nil)
}

// Aborted reports that the participant aborted.
func (spe *SinglePhaseEnlistment) Aborted(cause error) error {
	return spe.en.reportOutcome(enlEvAborted, cause)
}

// InDoubt reports that the participant cannot tell whether it committed.
func (spe *SinglePhaseEnlistment) InDoubt(cause error) error {
	return spe.en.reportOutcome(enlEvInDoubtReported, cause)
}
