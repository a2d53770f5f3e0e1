package dtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/dr0pdb/icecanetm/internal/common"
	"github.com/dr0pdb/icecanetm/pkg/txn"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type phase int

const (
	phaseActive phase = iota
	phaseVolatile0
	phaseVolatile1
	phaseDurable
	phaseCommitted
	phaseAborted
	phaseInDoubt
)

func (p phase) decided() bool {
	return p >= phaseCommitted
}

func (p phase) String() string {
	switch p {
	case phaseActive:
		return "Active"
	case phaseVolatile0:
		return "Volatile0"
	case phaseVolatile1:
		return "Volatile1"
	case phaseDurable:
		return "Durable"
	case phaseCommitted:
		return "Committed"
	case phaseAborted:
		return "Aborted"
	case phaseInDoubt:
		return "InDoubt"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

type voteState int

const (
	voteActive voteState = iota
	votePreparing
	votePrepared
	voteDone
	voteEnded
)

// Transaction is a distributed transaction. Votes are counted as they arrive,
// in whatever goroutine delivers them; the lock is never held while an
// enlistment or listener is being called.
type Transaction struct {
	c       *Coordinator
	id      uuid.UUID
	token   []byte
	timeout time.Duration
	timer   *time.Timer

	mu          sync.Mutex
	phase       phase
	enlistments [3][]*enlistment
	outstanding int
	listeners   []txn.OutcomeListener
	cause       error
}

func newTransaction(c *Coordinator, id uuid.UUID, timeout time.Duration) *Transaction {
	return &Transaction{
		c:       c,
		id:      id,
		token:   EncodeToken(id, c.id),
		timeout: timeout,
	}
}

// arm starts the timeout clock. A positive timeout aborts the transaction if
// no outcome has been decided by then.
func (t *Transaction) arm() {
	if t.timeout <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = time.AfterFunc(t.timeout, t.expire)
}

func (t *Transaction) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase.decided() {
		return
	}
	log.WithFields(t.fields()).WithField("timeout", t.timeout).Info("dtc::transaction::expire; distributed transaction timed out")
	t.decide(phaseAborted, fmt.Errorf("%w: distributed transaction %s expired after %s", txn.ErrTimeout, t.id, t.timeout))
}

func (t *Transaction) fields() log.Fields {
	return log.Fields{"dtxID": t.id, "phase": t.phase}
}

// ID returns the transaction id.
func (t *Transaction) ID() uuid.UUID {
	return t.id
}

// Token returns the propagation token of the transaction.
func (t *Transaction) Token() []byte {
	return append([]byte(nil), t.token...)
}

// Status returns the status of the transaction.
func (t *Transaction) Status() txn.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.phase {
	case phaseCommitted:
		return txn.StatusCommitted
	case phaseAborted:
		return txn.StatusAborted
	case phaseInDoubt:
		return txn.StatusInDoubt
	}
	return txn.StatusActive
}

func (t *Transaction) addListener(l txn.OutcomeListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// unlocked runs fn with the lock released.
func (t *Transaction) unlocked(fn func()) {
	t.mu.Unlock()
	defer t.mu.Lock()
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(t.fields()).WithField("panic", r).Error("dtc::transaction::unlocked; recovered panic from enlistment")
		}
	}()
	fn()
}

// EnlistVolatile adds a volatile enlistment, in the first wave with EnlistDuringPrepareRequired.
func (t *Transaction) EnlistVolatile(n txn.PromotedNotification, opts txn.EnlistmentOptions) (txn.PromotedEnlistment, error) {
	w := 1
	if opts&txn.EnlistDuringPrepareRequired != 0 {
		w = 0
	}
	return t.enlist(n, w, uuid.Nil)
}

// EnlistDurable adds a durable enlistment. Durable enlistments are prepared last.
func (t *Transaction) EnlistDurable(rmID uuid.UUID, n txn.PromotedNotification, opts txn.EnlistmentOptions) (txn.PromotedEnlistment, error) {
	if rmID == uuid.Nil {
		return nil, common.NewInvalidOptionError("durable enlistments need a resource manager id")
	}
	return t.enlist(n, 2, rmID)
}

func (t *Transaction) enlist(n txn.PromotedNotification, wave int, rmID uuid.UUID) (*enlistment, error) {
	if n == nil {
		return nil, common.NewInvalidOptionError("enlistment notification must not be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase.decided() {
		return nil, common.NewTransactionCompletedError(fmt.Sprintf("distributed transaction %s already decided %s", t.id, t.phase))
	}
	if t.phase > phaseActive && int(t.phase-phaseVolatile0) > wave {
		return nil, common.NewStateViolationErrorWithCause(fmt.Sprintf("distributed transaction %s is past wave %d", t.id, wave), txn.ErrTooLate)
	}

	e := &enlistment{t: t, n: n, wave: wave, rmID: rmID}
	t.enlistments[wave] = append(t.enlistments[wave], e)
	log.WithFields(t.fields()).WithFields(log.Fields{"wave": wave, "rmID": rmID}).Debug("dtc::transaction::enlist; enlisted")
	return e, nil
}

// Commit starts the commit. The outcome is delivered to the listeners.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase != phaseActive {
		return common.NewStateViolationError(fmt.Sprintf("distributed transaction %s is already %s", t.id, t.phase))
	}
	log.WithFields(t.fields()).Info("dtc::transaction::Commit; starting commit")
	t.phase = phaseVolatile0
	t.step()
	return nil
}

// Rollback aborts the transaction unless it has already been decided.
func (t *Transaction) Rollback(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.phase {
	case phaseAborted:
		return nil
	case phaseCommitted, phaseInDoubt:
		return common.NewStateViolationErrorWithCause(fmt.Sprintf("distributed transaction %s is already %s", t.id, t.phase), txn.ErrTooLate)
	}
	if cause == nil {
		cause = txn.ErrRolledBack
	}
	t.decide(phaseAborted, cause)
	return nil
}

// step moves through the waves until one has to wait for votes. Lock held.
func (t *Transaction) step() {
	for !t.phase.decided() && t.phase != phaseActive {
		if t.outstanding > 0 {
			return
		}

		w := int(t.phase - phaseVolatile0)
		var wave []*enlistment
		for _, e := range t.enlistments[w] {
			if e.state == voteActive {
				wave = append(wave, e)
			}
		}
		if len(wave) == 0 {
			if t.phase == phaseDurable {
				t.decide(phaseCommitted, nil)
				return
			}
			t.phase++
			continue
		}

		t.outstanding += len(wave)
		for _, e := range wave {
			e.state = votePreparing
		}
		for _, e := range wave {
			// a no vote pre-empts the rest of the wave
			if t.phase.decided() {
				return
			}
			if e.state != votePreparing {
				continue
			}
			n := e.n
			t.unlocked(func() { n.Prepare(e) })
		}
	}
}

// vote records the answer of a preparing enlistment. Lock held.
func (t *Transaction) vote(e *enlistment, to voteState) {
	if e.state != votePreparing {
		e.state = to
		return
	}
	e.state = to
	t.outstanding--
	t.step()
}

// decide fixes the outcome and tells every enlistment and listener. Lock held.
func (t *Transaction) decide(p phase, cause error) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.phase = p
	t.cause = cause
	t.outstanding = 0
	log.WithFields(t.fields()).WithField("cause", cause).Info("dtc::transaction::decide; outcome decided")

	for w := range t.enlistments {
		for _, e := range t.enlistments[w] {
			prev := e.state
			e.state = voteEnded
			n := e.n
			switch {
			case p == phaseCommitted && prev == votePrepared:
				t.unlocked(func() { n.Commit(e) })
			case p == phaseInDoubt && prev == votePrepared:
				t.unlocked(func() { n.InDoubt(e) })
			case p != phaseCommitted && (prev == voteActive || prev == votePreparing || prev == votePrepared):
				t.unlocked(func() { n.Rollback(e) })
			}
		}
	}

	var status txn.Status
	switch p {
	case phaseCommitted:
		status = txn.StatusCommitted
	case phaseAborted:
		status = txn.StatusAborted
	default:
		status = txn.StatusInDoubt
	}
	t.c.record(t.id, status)

	listeners := t.listeners
	t.unlocked(func() {
		for _, l := range listeners {
			switch p {
			case phaseCommitted:
				l.Committed()
			case phaseAborted:
				l.Aborted(cause)
			default:
				l.InDoubt(cause)
			}
		}
	})
}

// enlistment implements txn.PromotedEnlistment.
type enlistment struct {
	t     *Transaction
	n     txn.PromotedNotification
	wave  int
	rmID  uuid.UUID
	state voteState
}

func (e *enlistment) Prepared() {
	t := e.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.state == votePreparing {
		t.vote(e, votePrepared)
	}
}

func (e *enlistment) EnlistmentDone() {
	t := e.t
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e.state {
	case votePreparing:
		t.vote(e, voteDone)
	case voteActive:
		e.state = voteDone
	case votePrepared:
		e.state = voteEnded
	}
}

func (e *enlistment) ForceRollback(cause error) {
	t := e.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.state != votePreparing && e.state != voteActive {
		return
	}
	e.state = voteEnded
	if t.phase.decided() {
		return
	}
	if cause == nil {
		cause = txn.ErrTransactionAborted
	}
	t.decide(phaseAborted, cause)
}

func (e *enlistment) Committed() {
	e.EnlistmentDone()
}

func (e *enlistment) Aborted(cause error) {
	e.ForceRollback(cause)
}

func (e *enlistment) InDoubt(cause error) {
	t := e.t
	t.mu.Lock()
	defer t.mu.Unlock()
	e.state = voteEnded
	if t.phase.decided() {
		return
	}
	if cause == nil {
		cause = txn.ErrTransactionInDoubt
	}
	t.decide(phaseInDoubt, cause)
}

func (e *enlistment) RecoveryInformation() ([]byte, error) {
	if e.rmID == uuid.Nil {
		return nil, common.NewStateViolationError("volatile enlistments carry no recovery information")
	}
	return txn.EncodeRecoveryInformation(e.rmID, e.t.token), nil
}
