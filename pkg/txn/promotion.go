package txn

import (
	"errors"
	"fmt"
	"time"

	"github.com/dr0pdb/icecanetm/internal/common"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DistributedCoordinator creates or imports distributed transactions.
// It is the collaborator a transaction is handed over to on promotion.
type DistributedCoordinator interface {
	// Create starts a new distributed transaction with the same identifier as the local one.
	Create(id uuid.UUID, timeout time.Duration, l OutcomeListener) (DistributedTransaction, error)

	// Import joins the distributed transaction a promotable participant created.
	Import(token []byte, promoterType uuid.UUID, l OutcomeListener) (DistributedTransaction, error)

	// SupportsPromoter reports whether tokens of the promoter type can be imported.
	SupportsPromoter(promoterType uuid.UUID) bool
}

// DistributedTransaction is a transaction owned by a DistributedCoordinator.
type DistributedTransaction interface {
	ID() uuid.UUID

	// Token is the propagation token other processes use to join the transaction.
	Token() []byte

	EnlistVolatile(n PromotedNotification, opts EnlistmentOptions) (PromotedEnlistment, error)
	EnlistDurable(rmID uuid.UUID, n PromotedNotification, opts EnlistmentOptions) (PromotedEnlistment, error)

	// Commit starts the commit protocol. The outcome is reported through the
	// OutcomeListener, possibly after Commit has returned.
	Commit() error

	Rollback(cause error) error
}

// PromotedNotification is implemented by enlistments registered with a
// distributed transaction. pe is the handle to answer on.
type PromotedNotification interface {
	Prepare(pe PromotedEnlistment)
	Commit(pe PromotedEnlistment)
	Rollback(pe PromotedEnlistment)
	InDoubt(pe PromotedEnlistment)
}

// PromotedEnlistment is the coordinator side of an enlistment in a distributed transaction.
type PromotedEnlistment interface {
	EnlistmentDone()
	Prepared()
	ForceRollback(cause error)
	Committed()
	Aborted(cause error)
	InDoubt(cause error)
	RecoveryInformation() ([]byte, error)
}

// OutcomeListener receives the outcome of a distributed transaction.
type OutcomeListener interface {
	Committed()
	Aborted(cause error)
	InDoubt(cause error)
}

// promote hands the transaction over to the distributed coordinator.
// extra is a durable enlistment that triggered the promotion and is delegated
// before a pending commit is resumed. Must be called with the lock held.
func (t *internalTransaction) promote(extra *internalEnlistment) error {
	if err := t.fire(evPromote); err != nil {
		return err
	}
	log.WithFields(t.fields()).Info("txn::promotion::promote; promoting transaction")

	coord := t.tm.coordinator
	if coord == nil {
		return t.promotionFailed(ErrNoCoordinator)
	}

	var (
		dtx   DistributedTransaction
		err   error
		relay = &outcomeRelay{t: t}
	)
	if p := t.promotable; p != nil {
		pspe, promoterType := p.pspe, t.promoterType
		var token []byte
		cerr := t.callout(func() { token, err = pspe.Promote() })
		if err = errors.Join(cerr, err); err == nil {
			cerr = t.callout(func() { dtx, err = coord.Import(token, promoterType, relay) })
			err = errors.Join(cerr, err)
		}
	} else {
		id, left := t.id, t.remaining()
		cerr := t.callout(func() { dtx, err = coord.Create(id, left, relay) })
		err = errors.Join(cerr, err)
	}
	if err != nil {
		return t.promotionFailed(err)
	}

	if t.state != stPromoting {
		// aborted while the coordinator was being contacted
		cause := t.cause
		t.callout(func() { dtx.Rollback(cause) })
		return common.NewPromotionError(fmt.Sprintf("txn %s aborted during promotion", t.id), cause)
	}
	t.dtx = dtx

	if p := t.promotable; p != nil {
		p.transition(enlEvDelegate)
	}
	for phase := 0; phase < 2; phase++ {
		if t.set(phase).empty() {
			continue
		}
		if err := t.ensureDemux(phase); err != nil {
			return t.promotionFailed(err)
		}
	}
	for _, en := range []*internalEnlistment{t.durable, extra} {
		if en == nil {
			continue
		}
		if err := t.delegateDurable(en); err != nil {
			return t.promotionFailed(err)
		}
	}

	if err := t.fire(evPromoted); err != nil {
		return err
	}
	t.tm.metrics.promoted()
	log.WithFields(t.fields()).WithField("dtxID", dtx.ID()).Info("txn::promotion::promote; transaction promoted")
	for phase := 0; phase < 2; phase++ {
		t.releaseHeldPrepare(phase)
	}

	t.resume()
	return nil
}

// promotionFailed aborts a transaction whose promotion could not complete.
func (t *internalTransaction) promotionFailed(cause error) error {
	perr := common.NewPromotionError(fmt.Sprintf("promotion of txn %s failed", t.id), cause)
	log.WithFields(t.fields()).WithError(cause).Error("txn::promotion::promotionFailed; aborting transaction")
	if t.state == stPromoting {
		t.forceAbort(perr)
	}
	return perr
}

// ensureDemux registers the volatile demultiplexer of a phase with the
// distributed transaction. A demux is only kept once the coordinator accepted it.
func (t *internalTransaction) ensureDemux(phase int) error {
	if d := t.demux[phase]; d != nil {
		if d.registered {
			return nil
		}
		// another enlistment is registering it
		ready := d.ready
		t.mu.Unlock()
		<-ready
		t.mu.Lock()
		return d.err
	}

	d := &volatileDemux{t: t, phase: phase, ready: make(chan struct{})}
	t.demux[phase] = d

	opts := EnlistmentNone
	if phase == 0 {
		opts = EnlistDuringPrepareRequired
	}
	dtx := t.dtx
	var err error
	cerr := t.callout(func() { _, err = dtx.EnlistVolatile(d, opts) })
	if err = errors.Join(cerr, err); err != nil {
		log.WithFields(t.fields()).WithField("phase", phase).WithError(err).Info("txn::promotion::ensureDemux; coordinator refused the volatile phase")
		t.demux[phase] = nil
		d.err = err
	} else {
		d.registered = true
	}
	close(d.ready)
	return err
}

// joinDemux is called before a volatile enlistment or dependent clone of a
// phase is added to a promoted transaction. ev is checked again because the
// lock may have been released while the demux was being registered.
func (t *internalTransaction) joinDemux(phase int, ev txEvent) error {
	tooLate := func() error {
		return common.NewStateViolationErrorWithCause(fmt.Sprintf("txn %s: volatile phase %d has already voted", t.id, phase), ErrTooLate)
	}
	if t.waveVoted[phase] {
		return tooLate()
	}
	if err := t.ensureDemux(phase); err != nil {
		return err
	}
	err := t.fire(ev)
	if err == nil && t.waveVoted[phase] {
		err = tooLate()
	}
	if err != nil {
		t.releaseHeldPrepare(phase)
	}
	return err
}

// releaseHeldPrepare runs a Prepare that reached the demux of phase while it was being registered.
func (t *internalTransaction) releaseHeldPrepare(phase int) {
	d := t.demux[phase]
	if d == nil || d.held == nil {
		return
	}
	pe := d.held
	d.held = nil
	d.prepare(pe)
}

// timeoutPromoted aborts a promoted transaction whose commit is under way.
// An outstanding local wave votes no; otherwise the coordinator is asked to
// roll back. The local state follows the outcome the coordinator reports.
func (t *internalTransaction) timeoutPromoted() {
	var pe PromotedEnlistment
	for phase := range t.wavePE {
		if t.wavePE[phase] != nil {
			pe = t.wavePE[phase]
			t.wavePE[phase] = nil
			t.waveVoted[phase] = true
		}
	}

	dtx := t.dtx
	var err error
	cerr := t.callout(func() {
		if pe != nil {
			pe.ForceRollback(ErrTimeout)
			return
		}
		err = dtx.Rollback(ErrTimeout)
	})
	if err = errors.Join(cerr, err); err != nil {
		log.WithFields(t.fields()).WithError(err).Debug("txn::promotion::timeoutPromoted; coordinator has already decided")
		return
	}
	if t.state.status() == StatusAborted {
		t.tm.metrics.timedOut()
		log.WithFields(t.fields()).WithField("timeout", t.timeout).Info("txn::promotion::timeoutPromoted; transaction timed out")
	}
}

// delegateDurable forwards a durable enlistment to the distributed transaction.
func (t *internalTransaction) delegateDurable(en *internalEnlistment) error {
	if err := en.transition(enlEvDelegate); err != nil {
		return err
	}
	dtx, rmID := t.dtx, en.rmID
	var (
		pe  PromotedEnlistment
		err error
	)
	cerr := t.callout(func() { pe, err = dtx.EnlistDurable(rmID, &durableForwarder{en: en}, EnlistmentNone) })
	if err = errors.Join(cerr, err); err != nil {
		return err
	}
	if en.promoted == nil {
		en.promoted = pe
	}
	return nil
}

func (t *internalTransaction) enterPromotedCommitting() {
	dtx := t.dtx
	var err error
	cerr := t.callout(func() { err = dtx.Commit() })
	if err = errors.Join(cerr, err); err != nil && !t.state.terminal() {
		log.WithFields(t.fields()).WithError(err).Error("txn::promotion::enterPromotedCommitting; distributed commit failed")
		t.fromCoordinator = true
		t.fireWithCause(evInDoubt, err)
	}
}

func (t *internalTransaction) enterPromotedAborted() {
	if !t.fromCoordinator && t.dtx != nil {
		dtx, cause := t.dtx, t.cause
		var pe PromotedEnlistment
		for phase := range t.wavePE {
			if t.wavePE[phase] != nil {
				pe = t.wavePE[phase]
				t.wavePE[phase] = nil
				t.waveVoted[phase] = true
			}
		}

		var err error
		cerr := t.callout(func() {
			if pe != nil {
				// a wave is outstanding: vote no
				pe.ForceRollback(cause)
				return
			}
			err = dtx.Rollback(cause)
		})
		if err = errors.Join(cerr, err); err != nil {
			log.WithFields(t.fields()).WithError(err).Warn("txn::promotion::enterPromotedAborted; coordinator refused the rollback")
		}
	}
	t.broadcast((*internalEnlistment).internalAborted)
	t.complete()
}

// volatileDemux stands in for every volatile enlistment of one phase in the
// distributed transaction and fans its notifications out locally.
type volatileDemux struct {
	t     *internalTransaction
	phase int

	// registered is set once the coordinator accepted the demux; ready is
	// closed when the registration finished either way, err tells how.
	registered bool
	ready      chan struct{}
	err        error

	// held is a Prepare that arrived before registration finished.
	held PromotedEnlistment
}

func (d *volatileDemux) Prepare(pe PromotedEnlistment) {
	t := d.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if !d.registered {
		// the enlistment being registered joins the set first
		d.held = pe
		return
	}
	d.prepare(pe)
}

// prepare starts the local wave. Lock held.
func (d *volatileDemux) prepare(pe PromotedEnlistment) {
	t := d.t
	if t.state.status() == StatusAborted {
		cause := t.cause
		t.callout(func() { pe.ForceRollback(cause) })
		return
	}

	t.wavePE[d.phase] = pe
	ev := evPromotedPhase0
	if d.phase == 1 {
		ev = evPromotedPhase1
	}
	if err := t.fire(ev); err != nil {
		log.WithFields(t.fields()).WithError(err).Error("txn::promotion::Prepare; unexpected prepare from coordinator")
	}
}

func (d *volatileDemux) Commit(pe PromotedEnlistment) {
	d.deliver(pe, (*internalEnlistment).internalCommitted)
}

func (d *volatileDemux) Rollback(pe PromotedEnlistment) {
	d.deliver(pe, (*internalEnlistment).internalAborted)
}

func (d *volatileDemux) InDoubt(pe PromotedEnlistment) {
	d.deliver(pe, (*internalEnlistment).internalInDoubt)
}

func (d *volatileDemux) deliver(pe PromotedEnlistment, fn func(*internalEnlistment)) {
	t := d.t
	t.mu.Lock()
	defer t.mu.Unlock()

	t.wavePE[d.phase] = nil
	set := t.set(d.phase)
	for i := 0; i < set.count; i++ {
		fn(set.at(i))
	}
	t.callout(pe.EnlistmentDone)
}

// durableForwarder relays the coordinator's notifications to a delegated durable participant.
// The participant answers on its usual handles, which forward to the coordinator.
type durableForwarder struct {
	en *internalEnlistment
}

func (f *durableForwarder) bind(pe PromotedEnlistment) {
	f.en.tx.mu.Lock()
	if f.en.promoted == nil {
		f.en.promoted = pe
	}
	f.en.tx.mu.Unlock()
}

func (f *durableForwarder) Prepare(pe PromotedEnlistment) {
	f.bind(pe)
	if err := safeCall(func() { f.en.notification.Prepare(f.en.preparing) }); err != nil {
		pe.ForceRollback(err)
	}
}

func (f *durableForwarder) Commit(pe PromotedEnlistment) {
	f.bind(pe)
	safeCall(func() { f.en.notification.Commit(f.en.enlistment) })
}

func (f *durableForwarder) Rollback(pe PromotedEnlistment) {
	f.bind(pe)
	safeCall(func() { f.en.notification.Rollback(f.en.enlistment) })
}

func (f *durableForwarder) InDoubt(pe PromotedEnlistment) {
	f.bind(pe)
	safeCall(func() { f.en.notification.InDoubt(f.en.enlistment) })
}

// outcomeRelay applies the distributed outcome to the local transaction.
type outcomeRelay struct {
	t *internalTransaction
}

func (r *outcomeRelay) Committed() {
	r.apply(evCommitted, nil)
}

func (r *outcomeRelay) Aborted(cause error) {
	if cause == nil {
		cause = fmt.Errorf("%w: distributed transaction aborted", ErrTransactionAborted)
	}
	r.apply(evForceAbort, cause)
}

func (r *outcomeRelay) InDoubt(cause error) {
	r.apply(evInDoubt, cause)
}

func (r *outcomeRelay) apply(ev txEvent, cause error) {
	t := r.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.terminal() {
		return
	}
	t.fromCoordinator = true
	if err := t.fireWithCause(ev, cause); err != nil {
		log.WithFields(t.fields()).WithError(err).Error("txn::promotion::apply; unexpected outcome from coordinator")
	}
}
