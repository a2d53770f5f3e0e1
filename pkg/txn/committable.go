package txn

import (
	"context"
)

// CommittableTransaction is the root handle of a transaction, the only one that can commit it.
type CommittableTransaction struct {
	Transaction
}

// CommitResult tracks an asynchronous commit started with BeginCommit.
type CommitResult struct {
	t *internalTransaction
}

// Done is closed once the outcome is known.
func (r *CommitResult) Done() <-chan struct{} {
	return r.t.done
}

// Commit commits the transaction and waits for the outcome.
// An aborted or in doubt outcome is not an error; err is only set for usage
// errors or when ctx ends before the outcome is known.
func (ct *CommittableTransaction) Commit(ctx context.Context) (Outcome, error) {
	r, err := ct.BeginCommit(nil)
	if err != nil {
		return Outcome{}, err
	}
	select {
	case <-r.Done():
		return ct.EndCommit(r)
	case <-ctx.Done():
		return Outcome{Status: StatusActive}, ctx.Err()
	}
}

// BeginCommit starts the commit without waiting for it. cb, if not nil, is
// called on its own goroutine with the outcome.
func (ct *CommittableTransaction) BeginCommit(cb func(Outcome)) (*CommitResult, error) {
	t := ct.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if ct.closed {
		return nil, ct.usable()
	}
	if err := t.beginCommit(); err != nil {
		return nil, err
	}
	if cb != nil {
		t.onCompleted(cb)
	}
	return &CommitResult{t: t}, nil
}

// EndCommit waits for a commit started with BeginCommit and returns its outcome.
func (ct *CommittableTransaction) EndCommit(r *CommitResult) (Outcome, error) {
	<-r.t.done
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	return r.t.outcome, nil
}

// Close releases the root handle, rolling the transaction back if no commit was requested.
func (ct *CommittableTransaction) Close() error {
	t := ct.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if ct.closed {
		return nil
	}
	if !t.commitRequested && !t.state.terminal() {
		if err := t.rollback(ErrRolledBack); err != nil {
			ct.closeLocked()
			return err
		}
	}
	ct.closeLocked()
	return nil
}
