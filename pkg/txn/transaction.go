package txn

import (
	"fmt"
	"time"

	"github.com/dr0pdb/icecanetm/internal/common"
	"github.com/google/uuid"
)

// Transaction is a caller handle on a transaction. Clones share the same
// underlying transaction and outcome.
type Transaction struct {
	t *internalTransaction

	// guarded by t.mu
	closed   bool
	complete bool
}

// ID returns the identifier of the transaction.
func (tx *Transaction) ID() uuid.UUID {
	return tx.t.id
}

// Status returns the current status of the transaction.
func (tx *Transaction) Status() Status {
	tx.t.mu.Lock()
	defer tx.t.mu.Unlock()
	return tx.t.state.status()
}

// IsolationLevel returns the isolation level participants should apply.
func (tx *Transaction) IsolationLevel() IsolationLevel {
	return tx.t.isolation
}

// CreationTime returns when the transaction was started.
func (tx *Transaction) CreationTime() time.Time {
	return tx.t.created
}

// Done is closed once the outcome of the transaction is known.
func (tx *Transaction) Done() <-chan struct{} {
	return tx.t.done
}

// Outcome returns the outcome and true once the transaction has completed.
func (tx *Transaction) Outcome() (Outcome, bool) {
	tx.t.mu.Lock()
	defer tx.t.mu.Unlock()
	return tx.t.outcome, tx.t.completed
}

// usable checks the handle itself. Must be called with the lock held.
func (tx *Transaction) usable() error {
	if tx.closed {
		return common.NewTransactionCompletedError(fmt.Sprintf("txn %s: handle is closed", tx.t.id))
	}
	if tx.complete {
		return common.NewTransactionCompletedError(fmt.Sprintf("txn %s: commit is in progress on this handle", tx.t.id))
	}
	return nil
}

// EnlistVolatile enlists a participant that keeps no durable state.
// With EnlistDuringPrepareRequired it is prepared in phase 0, before every
// other participant, and may enlist further participants while preparing.
func (tx *Transaction) EnlistVolatile(n EnlistmentNotification, opts EnlistmentOptions) (*Enlistment, error) {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := tx.usable(); err != nil {
		return nil, err
	}
	en, err := t.enlistVolatile(n, opts)
	if err != nil {
		return nil, err
	}
	return en.enlistment, nil
}

// EnlistDurable enlists a participant that persists its prepare decision.
// A second durable participant promotes the transaction.
func (tx *Transaction) EnlistDurable(rmID uuid.UUID, n EnlistmentNotification, opts EnlistmentOptions) (*Enlistment, error) {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := tx.usable(); err != nil {
		return nil, err
	}
	en, err := t.enlistDurable(rmID, n, opts)
	if err != nil {
		return nil, err
	}
	return en.enlistment, nil
}

// EnlistPromotableSinglePhase enlists a participant that coordinates the
// transaction itself until promotion is needed. It returns false when the
// transaction already has a durable or promotable participant; the caller
// should then enlist durably instead.
func (tx *Transaction) EnlistPromotableSinglePhase(n PromotableSinglePhaseNotification, promoterType uuid.UUID) (bool, error) {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := tx.usable(); err != nil {
		return false, err
	}
	return t.enlistPromotable(n, promoterType)
}

// Rollback aborts the transaction.
func (tx *Transaction) Rollback() error {
	return tx.RollbackWithCause(nil)
}

// RollbackWithCause aborts the transaction recording cause as the reason.
func (tx *Transaction) RollbackWithCause(cause error) error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if tx.closed {
		return tx.usable()
	}
	return t.rollback(cause)
}

// Clone returns a new handle on the same transaction.
func (tx *Transaction) Clone() (*Transaction, error) {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if tx.closed {
		return nil, tx.usable()
	}
	t.refs++
	return &Transaction{t: t}, nil
}

// DependentClone returns a handle the commit has to wait for
// (BlockCommitUntilComplete) or that aborts the commit if it has not been
// completed by then (RollbackIfNotComplete).
func (tx *Transaction) DependentClone(opt DependentCloneOption) (*DependentTransaction, error) {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := tx.usable(); err != nil {
		return nil, err
	}
	if err := t.addDependentClone(opt); err != nil {
		return nil, err
	}
	t.refs++
	return &DependentTransaction{Transaction: Transaction{t: t}, option: opt}, nil
}

// Promote hands the transaction over to the distributed coordinator and
// returns its propagation token. Promoting an already promoted transaction
// returns the same token.
func (tx *Transaction) Promote() ([]byte, error) {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := tx.usable(); err != nil {
		return nil, err
	}
	if t.state.promoted() && !t.state.terminal() {
		return t.dtx.Token(), nil
	}
	if err := t.promote(nil); err != nil {
		return nil, err
	}
	if t.dtx == nil {
		return nil, common.NewPromotionError(fmt.Sprintf("txn %s has no distributed transaction", t.id), ErrNoCoordinator)
	}
	return t.dtx.Token(), nil
}

// OnCompleted registers cb to be called on its own goroutine once the outcome is known.
func (tx *Transaction) OnCompleted(cb func(Outcome)) {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCompleted(cb)
}

// Close releases the handle. Closing is idempotent.
func (tx *Transaction) Close() error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *Transaction) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.t.release()
}
