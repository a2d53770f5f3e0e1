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

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dr0pdb/icecanetm/internal/common"
	"github.com/dr0pdb/icecanetm/pkg/timeout"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// internalTransaction is the aggregate root of one logical transaction.
// mu is the only lock for the transaction and all of its enlistments. It is
// released around every call into participant or coordinator code.
type internalTransaction struct {
	mu sync.Mutex

	tm        *TransactionManager
	id        uuid.UUID
	isolation IsolationLevel
	created   time.Time
	timeout   time.Duration
	slot      *timeout.Slot

	state  txState
	phase0 volatileEnlistmentSet
	phase1 volatileEnlistmentSet

	durable      *internalEnlistment
	promotable   *internalEnlistment
	promoterType uuid.UUID

	// promotion
	dtx             DistributedTransaction
	demux           [2]*volatileDemux
	wavePE          [2]PromotedEnlistment
	waveVoted       [2]bool
	fromCoordinator bool

	commitRequested bool
	commitStarted   time.Time
	pendingTimeout  bool

	cause       error
	outcome     Outcome
	completed   bool
	done        chan struct{}
	completions []func(Outcome)

	refs        int
	disposed    bool
	committable *CommittableTransaction
}

func newInternalTransaction(tm *TransactionManager, opts TransactionOptions, d time.Duration) *internalTransaction {
	return &internalTransaction{
		tm:        tm,
		id:        uuid.New(),
		isolation: opts.IsolationLevel,
		created:   time.Now(),
		timeout:   d,
		state:     stActive,
		phase0:    newVolatileEnlistmentSet(tm.conf.SetGrowth),
		phase1:    newVolatileEnlistmentSet(tm.conf.SetGrowth),
		done:      make(chan struct{}),
		refs:      1,
	}
}

func (t *internalTransaction) fields() log.Fields {
	return log.Fields{"txnID": t.id, "state": t.state}
}

func (t *internalTransaction) set(phase int) *volatileEnlistmentSet {
	if phase == 0 {
		return &t.phase0
	}
	return &t.phase1
}

// callout runs participant code with the lock released.
// A panic is recovered and returned as an error wrapping ErrParticipantPanic.
func (t *internalTransaction) callout(fn func()) (err error) {
	t.mu.Unlock()
	defer t.mu.Lock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrParticipantPanic, r)
			log.WithFields(log.Fields{"txnID": t.id, "panic": r}).Error("txn::internal_transaction::callout; recovered panic from participant")
		}
	}()
	fn()
	return nil
}

func (t *internalTransaction) fire(ev txEvent) error {
	return t.fireWithCause(ev, nil)
}

// fireWithCause applies ev and runs the entry action of the new state.
// Must be called with the lock held.
func (t *internalTransaction) fireWithCause(ev txEvent, cause error) error {
	prev := t.state
	next, ok := nextTxState(prev, ev)
	if !ok {
		return t.violation(ev)
	}
	if next == prev {
		return nil
	}

	if next.status() == StatusAborted && t.cause == nil {
		switch {
		case cause != nil:
			t.cause = cause
		case ev == evRollback:
			t.cause = ErrRolledBack
		case ev == evTimeout:
			t.cause = ErrTimeout
		default:
			t.cause = ErrTransactionAborted
		}
	} else if next.status() == StatusInDoubt && t.cause == nil {
		t.cause = cause
		if t.cause == nil {
			t.cause = ErrTransactionInDoubt
		}
	}

	if t.tm.conf.LogTransitions {
		log.WithFields(t.fields()).WithField("event", ev).WithField("next", next).Debug("txn::internal_transaction::fire; changing state")
	}
	t.state = next
	t.enter()
	return nil
}

// violation builds the error for an event that is not valid in the current state.
func (t *internalTransaction) violation(ev txEvent) error {
	msg := fmt.Sprintf("txn %s: %s is not valid in state %s", t.id, ev, t.state)
	switch {
	case t.state.terminal():
		return common.NewTransactionCompletedError(fmt.Sprintf("txn %s has already completed with status %s", t.id, t.state.status()))
	case t.state == stPromoting || t.state == stPromotableOperation:
		return common.NewStateViolationErrorWithCause(msg, ErrPromotionInProgress)
	case t.tooLate(ev):
		return common.NewStateViolationErrorWithCause(msg, ErrTooLate)
	}
	return common.NewStateViolationError(msg)
}

// tooLate reports whether ev was refused because the commit has gone past the
// point where it could still be accepted.
func (t *internalTransaction) tooLate(ev txEvent) bool {
	switch t.state {
	case stVolatilePhase1, stVolatileSPC, stSPC, stDelegatedCommitting, stPromotedPhase1:
		return true
	case stPromotedCommitting, stPromotedPhase0:
		return ev == evRollback
	}
	return false
}

// enter runs the entry action of the current state.
func (t *internalTransaction) enter() {
	switch t.state {
	case stPhase0:
		t.prepareWave(0)
	case stVolatilePhase1:
		t.enterVolatilePhase1()
	case stVolatileSPC:
		t.phase1.at(0).singlePhaseCommit()
	case stSPC:
		t.enterSPC()
	case stDelegatedCommitting:
		t.promotable.singlePhaseCommit()
	case stCommitted, stPromotedCommitted:
		t.broadcast((*internalEnlistment).internalCommitted)
		t.complete()
	case stAborted:
		t.enterAborted()
	case stInDoubt, stPromotedInDoubt:
		t.broadcast((*internalEnlistment).internalInDoubt)
		t.complete()
	case stPromotedCommitting:
		t.enterPromotedCommitting()
	case stPromotedPhase0:
		t.prepareWave(0)
	case stPromotedPhase1:
		if t.phase1.dependentClones > 0 {
			t.fireWithCause(evForceAbort, errDependentCloneIncomplete)
			return
		}
		t.prepareWave(1)
	case stPromotedAborted:
		t.enterPromotedAborted()
	}
}

var errDependentCloneIncomplete = fmt.Errorf("%w: dependent clone not completed before commit", ErrTransactionAborted)

// prepareWave issues Prepare, in registration order, to every enlistment of the
// phase that has not voted yet. The wave size is fixed when it starts; phaseDone
// restarts the wave if enlistments were added in the meantime.
func (t *internalTransaction) prepareWave(phase int) {
	set := t.set(phase)
	st := t.state
	set.waveCount = set.count
	if set.done() {
		t.phaseDone(phase)
		return
	}
	for i := 0; i < set.waveCount; i++ {
		// an abort pre-empts the rest of the wave
		if t.state != st {
			return
		}
		set.at(i).prepare()
	}
}

// phaseDone is called whenever a set reaches done().
func (t *internalTransaction) phaseDone(phase int) {
	set := t.set(phase)
	switch {
	case phase == 0 && t.state == stPhase0:
		if set.count != set.waveCount {
			t.prepareWave(0)
			return
		}
		t.fire(evPhase0Done)

	case phase == 1 && t.state == stVolatilePhase1:
		if t.promotable != nil {
			t.fire(evDelegatedCommit)
			return
		}
		t.fire(evPhase1Done)

	case phase == 0 && t.state == stPromotedPhase0, phase == 1 && t.state == stPromotedPhase1:
		if set.count != set.waveCount {
			t.prepareWave(phase)
			return
		}
		pe := t.wavePE[phase]
		t.wavePE[phase] = nil
		if pe == nil {
			return
		}
		t.waveVoted[phase] = true
		if err := t.callout(func() { pe.Prepared() }); err != nil {
			log.WithFields(t.fields()).WithError(err).Error("txn::internal_transaction::phaseDone; coordinator failed to accept the vote")
		}
	}
}

func (t *internalTransaction) enterVolatilePhase1() {
	if t.committable != nil {
		t.committable.complete = true
	}
	if t.phase1.dependentClones > 0 {
		t.fireWithCause(evForceAbort, errDependentCloneIncomplete)
		return
	}
	if t.phase1.count == 1 && t.durable == nil && t.promotable == nil {
		if en := t.phase1.at(0); en.spn != nil && en.state == enlActive {
			t.fire(evSinglePhase)
			return
		}
	}
	t.prepareWave(1)
}

func (t *internalTransaction) enterSPC() {
	d := t.durable
	switch {
	case d == nil || d.state != enlActive:
		// nothing durable left to ask
		t.fire(evCommitted)
	case d.spn != nil:
		d.singlePhaseCommit()
	default:
		d.prepare()
	}
}

// durableDone is called when the durable enlistment voted yes or left the protocol.
func (t *internalTransaction) durableDone() {
	if t.state == stSPC {
		t.fire(evCommitted)
	}
}

// singlePhaseOutcome applies the result reported by a single phase participant.
func (t *internalTransaction) singlePhaseOutcome(ev enlistmentEvent, cause error) {
	switch t.state {
	case stSPC, stVolatileSPC, stDelegatedCommitting:
	default:
		return
	}
	switch ev {
	case enlEvCommitted:
		t.fire(evCommitted)
	case enlEvAborted:
		if cause == nil {
			cause = fmt.Errorf("%w: single phase participant aborted", ErrTransactionAborted)
		}
		t.fireWithCause(evForceAbort, cause)
	case enlEvInDoubtReported:
		if cause == nil {
			cause = ErrTransactionInDoubt
		}
		t.fireWithCause(evInDoubt, cause)
	}
}

// forceAbort aborts the transaction on behalf of a participant.
func (t *internalTransaction) forceAbort(cause error) {
	if err := t.fireWithCause(evForceAbort, cause); err != nil {
		log.WithFields(t.fields()).WithError(err).Debug("txn::internal_transaction::forceAbort; ignored")
	}
}

func (t *internalTransaction) enterAborted() {
	if t.dtx != nil && !t.fromCoordinator {
		// promotion failed after the distributed transaction was created
		dtx, cause := t.dtx, t.cause
		if err := t.callout(func() { dtx.Rollback(cause) }); err != nil {
			log.WithFields(t.fields()).WithError(err).Warn("txn::internal_transaction::enterAborted; failed rolling back distributed transaction")
		}
	}
	t.broadcast((*internalEnlistment).internalAborted)
	t.complete()
}

// broadcast delivers an outcome to every enlistment. Phase 0 first, then phase 1,
// then the durable and promotable ones.
func (t *internalTransaction) broadcast(fn func(*internalEnlistment)) {
	for _, set := range []*volatileEnlistmentSet{&t.phase0, &t.phase1} {
		for i := 0; i < set.count; i++ {
			fn(set.at(i))
		}
	}
	if t.durable != nil {
		fn(t.durable)
	}
	if t.promotable != nil {
		fn(t.promotable)
	}
}

// complete records the outcome and wakes everything waiting for it.
func (t *internalTransaction) complete() {
	if t.completed {
		return
	}
	t.completed = true
	t.outcome = Outcome{Status: t.state.status(), Cause: t.cause}

	if t.slot != nil {
		t.tm.table.Remove(t.slot)
		t.slot = nil
	}
	t.tm.metrics.finished(t.outcome, t.commitStarted)

	log.WithFields(t.fields()).WithField("cause", t.cause).Info("txn::internal_transaction::complete; transaction completed")

	close(t.done)
	for _, cb := range t.completions {
		go cb(t.outcome)
	}
	t.completions = nil

	if t.refs == 0 {
		t.dispose()
	}
}

// onCompleted registers cb to run once the outcome is known.
func (t *internalTransaction) onCompleted(cb func(Outcome)) {
	if t.completed {
		go cb(t.outcome)
		return
	}
	t.completions = append(t.completions, cb)
}

// expire is called by the timeout table.
func (t *internalTransaction) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.slot = nil
	if t.state == stPromotableOperation || t.state == stPromoting {
		t.pendingTimeout = true
		return
	}
	t.applyTimeout()
}

func (t *internalTransaction) applyTimeout() {
	switch t.state {
	case stPromotedCommitting, stPromotedPhase0, stPromotedPhase1:
		t.timeoutPromoted()
		return
	}
	prev := t.state
	if err := t.fireWithCause(evTimeout, ErrTimeout); err != nil {
		log.WithFields(t.fields()).WithError(err).Error("txn::internal_transaction::applyTimeout; invalid timeout transition")
		return
	}
	if t.state != prev && t.state.status() == StatusAborted {
		t.tm.metrics.timedOut()
		log.WithFields(t.fields()).WithField("timeout", t.timeout).Info("txn::internal_transaction::applyTimeout; transaction timed out")
	}
}

// remaining returns the time left before the transaction expires.
func (t *internalTransaction) remaining() time.Duration {
	if t.timeout == InfiniteTimeout {
		return InfiniteTimeout
	}
	left := t.timeout - time.Since(t.created)
	if left <= 0 {
		return time.Nanosecond
	}
	return left
}

// expiry adapts a transaction to timeout.Expirer.
type expiry struct {
	t *internalTransaction
}

func (e expiry) Timeout() {
	e.t.expire()
}

func (t *internalTransaction) rollback(cause error) error {
	if t.state.status() == StatusAborted {
		return nil
	}
	if cause == nil {
		cause = ErrRolledBack
	}
	if err := t.fireWithCause(evRollback, cause); err != nil {
		return err
	}
	log.WithFields(t.fields()).Info("txn::internal_transaction::rollback; transaction rolled back")
	return nil
}

func (t *internalTransaction) beginCommit() error {
	if t.commitRequested {
		return common.NewStateViolationError(fmt.Sprintf("txn %s: commit has already been requested", t.id))
	}
	if t.state.terminal() {
		return nil
	}
	t.commitRequested = true
	t.commitStarted = time.Now()

	// resumed once the callout in progress returns
	if t.state == stPromotableOperation || t.state == stPromoting {
		return nil
	}
	if err := t.fire(evBeginCommit); err != nil {
		t.commitRequested = false
		return err
	}
	return nil
}

func (t *internalTransaction) enlistVolatile(n EnlistmentNotification, opts EnlistmentOptions) (*internalEnlistment, error) {
	if n == nil {
		return nil, common.NewInvalidOptionError("enlistment notification must not be nil")
	}
	if opts&^EnlistDuringPrepareRequired != 0 {
		return nil, common.NewInvalidOptionError(fmt.Sprintf("unknown enlistment options %d", opts))
	}
	if err := t.fire(evEnlist); err != nil {
		return nil, err
	}

	phase := 1
	if opts&EnlistDuringPrepareRequired != 0 {
		phase = 0
	}
	if t.state.promoted() {
		if err := t.joinDemux(phase, evEnlist); err != nil {
			return nil, err
		}
	}
	en := newVolatileEnlistment(t, n, phase)
	t.set(phase).add(en)
	t.releaseHeldPrepare(phase)

	log.WithFields(t.fields()).WithField("phase", phase).Debug("txn::internal_transaction::enlistVolatile; enlisted")
	return en, nil
}

func (t *internalTransaction) enlistDurable(rmID uuid.UUID, n EnlistmentNotification, opts EnlistmentOptions) (*internalEnlistment, error) {
	if n == nil {
		return nil, common.NewInvalidOptionError("enlistment notification must not be nil")
	}
	if rmID == uuid.Nil {
		return nil, common.NewInvalidOptionError("durable enlistments need a resource manager id")
	}
	if opts&^EnlistDuringPrepareRequired != 0 {
		return nil, common.NewInvalidOptionError(fmt.Sprintf("unknown enlistment options %d", opts))
	}
	if err := t.fire(evEnlist); err != nil {
		return nil, err
	}

	en := newDurableEnlistment(t, rmID, n)
	switch {
	case t.state.promoted():
		if err := t.delegateDurable(en); err != nil {
			return nil, err
		}
	case t.durable == nil && t.promotable == nil:
		t.durable = en
	default:
		// a second durable resource needs a distributed coordinator
		if err := t.promote(en); err != nil {
			return nil, err
		}
	}
	log.WithFields(t.fields()).WithField("rmID", rmID).Debug("txn::internal_transaction::enlistDurable; enlisted")
	return en, nil
}

// enlistPromotable returns false when the participant has to enlist as a durable one instead.
func (t *internalTransaction) enlistPromotable(n PromotableSinglePhaseNotification, promoterType uuid.UUID) (bool, error) {
	if n == nil {
		return false, common.NewInvalidOptionError("promotable notification must not be nil")
	}
	if t.state != stActive || t.durable != nil || t.promotable != nil {
		if t.state.terminal() || t.state == stPromoting || t.state == stPromotableOperation {
			return false, t.violation(evEnlistPromotable)
		}
		return false, nil
	}
	if c := t.tm.coordinator; c != nil && !c.SupportsPromoter(promoterType) {
		return false, common.NewUnsupportedPromoterTypeError(fmt.Sprintf("promoter type %s is not supported by the distributed coordinator", promoterType))
	}
	if err := t.fire(evEnlistPromotable); err != nil {
		return false, err
	}

	en := newPromotableEnlistment(t, n)
	var ierr error
	cerr := t.callout(func() { ierr = n.Initialize() })
	if err := errors.Join(cerr, ierr); err != nil {
		t.forceAbort(fmt.Errorf("%w: promotable participant failed to initialize: %v", ErrTransactionAborted, err))
		return false, err
	}

	t.promotable = en
	t.promoterType = promoterType
	if err := t.fire(evPromotableReady); err != nil {
		return false, err
	}
	t.resume()
	return true, nil
}

// resume applies what arrived while a promotion related callout was in flight.
func (t *internalTransaction) resume() {
	if t.pendingTimeout {
		t.pendingTimeout = false
		t.applyTimeout()
		return
	}
	if t.commitRequested {
		t.fire(evBeginCommit)
	}
}

func (t *internalTransaction) addDependentClone(opt DependentCloneOption) error {
	if opt != BlockCommitUntilComplete && opt != RollbackIfNotComplete {
		return common.NewInvalidOptionError(fmt.Sprintf("unknown dependent clone option %d", opt))
	}
	if err := t.fire(evDependentClone); err != nil {
		return err
	}
	phase := 1
	if opt == BlockCommitUntilComplete {
		phase = 0
	}
	if t.state.promoted() {
		if err := t.joinDemux(phase, evDependentClone); err != nil {
			return err
		}
	}
	t.set(phase).dependentClones++
	t.releaseHeldPrepare(phase)
	return nil
}

// completeDependentClone removes a clone from the count it was holding.
func (t *internalTransaction) completeDependentClone(opt DependentCloneOption) {
	if t.state.terminal() {
		return
	}
	phase := 1
	if opt == BlockCommitUntilComplete {
		phase = 0
	}
	set := t.set(phase)

	inWave := (phase == 0 && (t.state == stPhase0 || t.state == stPromotedPhase0)) ||
		(phase == 1 && t.state == stPromotedPhase1)
	if !inWave {
		set.dependentClones--
		return
	}
	set.prepared++
	if set.done() {
		t.phaseDone(phase)
	}
}

// release drops one handle reference.
func (t *internalTransaction) release() {
	t.refs--
	if t.refs == 0 && t.completed {
		t.dispose()
	}
}

func (t *internalTransaction) dispose() {
	if t.disposed {
		return
	}
	t.disposed = true
	t.phase0 = volatileEnlistmentSet{}
	t.phase1 = volatileEnlistmentSet{}
	t.durable = nil
	t.promotable = nil
	t.dtx = nil
	t.demux = [2]*volatileDemux{}
	log.WithFields(t.fields()).Debug("txn::internal_transaction::dispose; released transaction resources")
}
