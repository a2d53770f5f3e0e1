package txn

import (
	"fmt"

	"github.com/dr0pdb/icecanetm/internal/common"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type enlistmentKind int

const (
	kindVolatile enlistmentKind = iota
	kindDurable
	kindPromotable
)

func (k enlistmentKind) String() string {
	switch k {
	case kindVolatile:
		return "volatile"
	case kindDurable:
		return "durable"
	case kindPromotable:
		return "promotable"
	}
	return fmt.Sprintf("enlistmentKind(%d)", int(k))
}

// internalEnlistment binds a participant to a transaction.
// Every field except the immutable ones is guarded by tx.mu: enlistments have
// no lock of their own.
type internalEnlistment struct {
	tx    *internalTransaction
	kind  enlistmentKind
	phase int
	rmID  uuid.UUID

	// exactly one of notification / pspe is set; spn is set when the
	// notification also supports single phase commit.
	notification EnlistmentNotification
	spn          SinglePhaseNotification
	pspe         PromotableSinglePhaseNotification

	state enlistmentState

	// promoted is the distributed coordinator's handle once the enlistment is delegated.
	promoted PromotedEnlistment

	enlistment  *Enlistment
	preparing   *PreparingEnlistment
	singlePhase *SinglePhaseEnlistment
}

func newInternalEnlistment(tx *internalTransaction, kind enlistmentKind, phase int, rmID uuid.UUID) *internalEnlistment {
	en := &internalEnlistment{
		tx:    tx,
		kind:  kind,
		phase: phase,
		rmID:  rmID,
		state: enlActive,
	}
	en.enlistment = &Enlistment{en: en}
	en.preparing = &PreparingEnlistment{Enlistment: Enlistment{en: en}}
	en.singlePhase = &SinglePhaseEnlistment{Enlistment: Enlistment{en: en}}
	return en
}

func newVolatileEnlistment(tx *internalTransaction, n EnlistmentNotification, phase int) *internalEnlistment {
	en := newInternalEnlistment(tx, kindVolatile, phase, uuid.Nil)
	en.notification = n
	en.spn, _ = n.(SinglePhaseNotification)
	return en
}

func newDurableEnlistment(tx *internalTransaction, rmID uuid.UUID, n EnlistmentNotification) *internalEnlistment {
	en := newInternalEnlistment(tx, kindDurable, 1, rmID)
	en.notification = n
	en.spn, _ = n.(SinglePhaseNotification)
	return en
}

func newPromotableEnlistment(tx *internalTransaction, n PromotableSinglePhaseNotification) *internalEnlistment {
	en := newInternalEnlistment(tx, kindPromotable, 1, uuid.Nil)
	en.pspe = n
	return en
}

func (en *internalEnlistment) fields() log.Fields {
	return log.Fields{"txnID": en.tx.id, "kind": en.kind, "phase": en.phase, "state": en.state}
}

// transition applies ev to the enlistment. Must be called with tx.mu held.
func (en *internalEnlistment) transition(ev enlistmentEvent) error {
	next, ok := nextEnlistmentState(en.state, ev)
	if !ok {
		return common.NewStateViolationError(fmt.Sprintf("%s enlistment of txn %s cannot handle %s in state %s", en.kind, en.tx.id, ev, en.state))
	}
	if en.tx.tm.conf.LogTransitions && next != en.state {
		log.WithFields(en.fields()).WithField("event", ev).WithField("next", next).Debug("txn::enlistment::transition; changing state")
	}
	en.state = next
	return nil
}

// delegate returns the coordinator handle when notifications are forwarded.
func (en *internalEnlistment) delegate() PromotedEnlistment {
	en.tx.mu.Lock()
	defer en.tx.mu.Unlock()
	if en.state == enlDelegated && en.kind == kindDurable {
		return en.promoted
	}
	return nil
}

//
// participant -> coordinator
//

func (en *internalEnlistment) prepared() error {
	if pe := en.delegate(); pe != nil {
		return safeCall(pe.Prepared)
	}

	t := en.tx
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := en.state
	if err := en.transition(enlEvPrepared); err != nil {
		return err
	}
	switch prev {
	case enlPreparing:
		en.finish()
	case enlPreparingAborting:
		// the transaction aborted while we were preparing: now tell the outcome.
		en.notifyRollback()
	}
	return nil
}

func (en *internalEnlistment) forceRollback(cause error) error {
	if pe := en.delegate(); pe != nil {
		return safeCall(func() { pe.ForceRollback(cause) })
	}

	t := en.tx
	t.mu.Lock()
	defer t.mu.Unlock()
	return en.forceRollbackLocked(cause)
}

func (en *internalEnlistment) forceRollbackLocked(cause error) error {
	prev := en.state
	if err := en.transition(enlEvForceRollback); err != nil {
		return err
	}
	if prev == enlPreparing {
		if cause == nil {
			cause = fmt.Errorf("%w: %s participant voted to roll back", ErrTransactionAborted, en.kind)
		}
		en.tx.forceAbort(cause)
	}
	return nil
}

func (en *internalEnlistment) enlistmentDone() error {
	if pe := en.delegate(); pe != nil {
		return safeCall(pe.EnlistmentDone)
	}

	t := en.tx
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := en.state
	if err := en.transition(enlEvEnlistmentDone); err != nil {
		return err
	}
	switch prev {
	case enlActive, enlPreparing:
		en.finish()
	case enlSinglePhaseCommitting:
		t.singlePhaseOutcome(enlEvCommitted, nil)
	}
	return nil
}

// reportOutcome handles Committed / Aborted / InDoubt from a single phase participant.
func (en *internalEnlistment) reportOutcome(ev enlistmentEvent, cause error) error {
	if pe := en.delegate(); pe != nil {
		return safeCall(func() {
			switch ev {
			case enlEvCommitted:
				pe.Committed()
			case enlEvAborted:
				pe.Aborted(cause)
			case enlEvInDoubtReported:
				pe.InDoubt(cause)
			}
		})
	}

	t := en.tx
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := en.state
	if err := en.transition(ev); err != nil {
		return err
	}
	if prev == enlSinglePhaseCommitting {
		t.singlePhaseOutcome(ev, cause)
	}
	return nil
}

func (en *internalEnlistment) recoveryInformation() ([]byte, error) {
	if en.kind != kindDurable {
		return nil, common.NewStateViolationError(fmt.Sprintf("%s enlistments carry no recovery information", en.kind))
	}
	if pe := en.delegate(); pe != nil {
		var (
			info []byte
			err  error
		)
		if cerr := safeCall(func() { info, err = pe.RecoveryInformation() }); cerr != nil {
			return nil, cerr
		}
		return info, err
	}
	id := en.tx.id
	return EncodeRecoveryInformation(en.rmID, id[:]), nil
}

// finish notes that the enlistment is done with the current wave.
// Must be called with tx.mu held.
func (en *internalEnlistment) finish() {
	t := en.tx
	switch en.kind {
	case kindVolatile:
		set := t.set(en.phase)
		set.prepared++
		if set.done() {
			t.phaseDone(en.phase)
		}
	case kindDurable:
		t.durableDone()
	}
}

//
// coordinator -> participant. All of these are called with tx.mu held and
// release it around the participant call.
//

func (en *internalEnlistment) prepare() {
	// already asked by an earlier run of the wave, or done before it got here
	if en.state != enlActive {
		return
	}
	if err := en.transition(enlEvPrepare); err != nil {
		log.WithFields(en.fields()).Error("txn::enlistment::prepare; invalid transition")
		return
	}

	n, pe := en.notification, en.preparing
	if err := en.tx.callout(func() { n.Prepare(pe) }); err != nil {
		// a panicking participant votes no
		if en.state == enlPreparing || en.state == enlPreparingAborting {
			en.forceRollbackLocked(err)
		}
	}
}

func (en *internalEnlistment) singlePhaseCommit() {
	if err := en.transition(enlEvSinglePhaseCommit); err != nil {
		log.WithFields(en.fields()).Error("txn::enlistment::singlePhaseCommit; invalid transition")
		return
	}

	spe := en.singlePhase
	var call func()
	if en.pspe != nil {
		p := en.pspe
		call = func() { p.SinglePhaseCommit(spe) }
	} else {
		s := en.spn
		call = func() { s.SinglePhaseCommit(spe) }
	}

	if err := en.tx.callout(call); err != nil && en.state == enlSinglePhaseCommitting {
		// the participant may or may not have committed
		en.state = enlEnded
		en.tx.singlePhaseOutcome(enlEvInDoubtReported, err)
	}
}

func (en *internalEnlistment) notifyCommit() {
	n, e := en.notification, en.enlistment
	if err := en.tx.callout(func() { n.Commit(e) }); err != nil {
		log.WithFields(en.fields()).WithError(err).Warn("txn::enlistment::notifyCommit; participant failed handling commit")
	}
}

func (en *internalEnlistment) notifyRollback() {
	var call func()
	if en.pspe != nil {
		p, spe := en.pspe, en.singlePhase
		call = func() { p.Rollback(spe) }
	} else {
		n, e := en.notification, en.enlistment
		call = func() { n.Rollback(e) }
	}
	if err := en.tx.callout(call); err != nil {
		log.WithFields(en.fields()).WithError(err).Warn("txn::enlistment::notifyRollback; participant failed handling rollback")
	}
}

func (en *internalEnlistment) notifyInDoubt() {
	n, e := en.notification, en.enlistment
	if err := en.tx.callout(func() { n.InDoubt(e) }); err != nil {
		log.WithFields(en.fields()).WithError(err).Warn("txn::enlistment::notifyInDoubt; participant failed handling in doubt")
	}
}

// internalCommitted delivers the committed outcome.
func (en *internalEnlistment) internalCommitted() {
	if en.state != enlPrepared {
		return
	}
	en.transition(enlEvCommit)
	en.notifyCommit()
}

// internalAborted delivers the aborted outcome. An enlistment with an
// outstanding Prepare is only marked; it learns the outcome when it answers.
func (en *internalEnlistment) internalAborted() {
	prev := en.state
	next, ok := nextEnlistmentState(prev, enlEvAbort)
	if !ok || next == prev {
		return
	}
	en.state = next
	if next == enlAborting {
		en.notifyRollback()
	}
}

// internalInDoubt delivers the in doubt outcome to prepared participants.
// Participants that never prepared are rolled back instead.
func (en *internalEnlistment) internalInDoubt() {
	prev := en.state
	next, ok := nextEnlistmentState(prev, enlEvInDoubt)
	if !ok || next == prev {
		return
	}
	en.state = next
	switch next {
	case enlInDoubt:
		en.notifyInDoubt()
	case enlAborting:
		en.notifyRollback()
	}
}

// safeCall runs participant or coordinator code, converting a panic into an error.
func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrParticipantPanic, r)
			log.WithFields(log.Fields{"panic": r}).Error("txn::enlistment::safeCall; recovered panic from callout")
		}
	}()
	fn()
	return nil
}
