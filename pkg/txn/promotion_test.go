package txn_test

import (
	"errors"
	"testing"
	"time"

	"github.com/dr0pdb/icecanetm/internal/common"
	"github.com/dr0pdb/icecanetm/pkg/dtc"
	"github.com/dr0pdb/icecanetm/pkg/txn"
	"github.com/dr0pdb/icecanetm/test/participants"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPromotingManager(t *testing.T) (*txn.TransactionManager, *dtc.Coordinator) {
	c := dtc.NewCoordinator()
	return newManager(t, txn.WithCoordinator(c)), c
}

func TestSecondDurablePromotes(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 0)
	log := &participants.Log{}

	d1 := participants.NewVolatile("d1", log, participants.VotePrepared)
	d2 := participants.NewVolatile("d2", log, participants.VotePrepared)
	v0 := participants.NewVolatile("v0", log, participants.VotePrepared)
	v1 := participants.NewVolatile("v1", log, participants.VotePrepared)

	_, err := ct.EnlistDurable(uuid.New(), d1, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistDurable(uuid.New(), d2, txn.EnlistmentNone)
	require.NoError(t, err)
	require.NotNil(t, c.Lookup(ct.ID()), "promoted under the same id")

	_, err = ct.EnlistVolatile(v1, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistVolatile(v0, txn.EnlistDuringPrepareRequired)
	require.NoError(t, err)

	o := commit(t, ct)
	assert.Equal(t, txn.StatusCommitted, o.Status)

	assert.Less(t, log.Index("v0:prepare"), log.Index("v1:prepare"))
	assert.Less(t, log.Index("v1:prepare"), log.Index("d1:prepare"))
	assert.Less(t, log.Index("v1:prepare"), log.Index("d2:prepare"))
	for _, p := range []*participants.Volatile{v0, v1, d1, d2} {
		assert.Equal(t, []string{"commit"}, p.Outcomes(), p.Name)
	}

	s, ok := c.Outcome(ct.ID())
	require.True(t, ok)
	assert.Equal(t, txn.StatusCommitted, s)
	assert.Equal(t, 0, c.Active())
}

func TestPromotedDurableVotesNo(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 0)

	v := participants.NewVolatile("v", nil, participants.VotePrepared)
	d1 := participants.NewVolatile("d1", nil, participants.VotePrepared)
	d2 := participants.NewVolatile("d2", nil, participants.VoteForceRollback)

	_, err := ct.EnlistVolatile(v, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistDurable(uuid.New(), d1, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistDurable(uuid.New(), d2, txn.EnlistmentNone)
	require.NoError(t, err)

	o := commit(t, ct)
	assert.Equal(t, txn.StatusAborted, o.Status)
	assert.True(t, errors.Is(o.Cause, participants.ErrVotedNo))

	assert.Equal(t, []string{"rollback"}, v.Outcomes())
	assert.Equal(t, []string{"rollback"}, d1.Outcomes())
	assert.Empty(t, d2.Outcomes())

	s, _ := c.Outcome(ct.ID())
	assert.Equal(t, txn.StatusAborted, s)
}

func TestPromotedVolatileVotesNo(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 0)

	v := participants.NewVolatile("v", nil, participants.VoteForceRollback)
	d1 := participants.NewVolatile("d1", nil, participants.VotePrepared)
	d2 := participants.NewVolatile("d2", nil, participants.VotePrepared)

	_, err := ct.EnlistDurable(uuid.New(), d1, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistDurable(uuid.New(), d2, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistVolatile(v, txn.EnlistmentNone)
	require.NoError(t, err)

	o := commit(t, ct)
	assert.Equal(t, txn.StatusAborted, o.Status)
	assert.True(t, errors.Is(o.Cause, participants.ErrVotedNo))
	assert.Equal(t, []string{"rollback"}, d1.Outcomes(), "durables are never asked to prepare")
	assert.Equal(t, []string{"rollback"}, d2.Outcomes())

	s, _ := c.Outcome(ct.ID())
	assert.Equal(t, txn.StatusAborted, s)
}

func TestPromotedRollback(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 0)
	v := participants.NewVolatile("v", nil, participants.VotePrepared)
	d1 := participants.NewVolatile("d1", nil, participants.VotePrepared)
	d2 := participants.NewVolatile("d2", nil, participants.VotePrepared)

	_, err := ct.EnlistDurable(uuid.New(), d1, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistDurable(uuid.New(), d2, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistVolatile(v, txn.EnlistmentNone)
	require.NoError(t, err)

	require.NoError(t, ct.Rollback())
	o := waitDone(t, &ct.Transaction)
	assert.Equal(t, txn.StatusAborted, o.Status)
	assert.True(t, errors.Is(o.Cause, txn.ErrRolledBack))

	for _, p := range []*participants.Volatile{v, d1, d2} {
		assert.Equal(t, []string{"rollback"}, p.Outcomes(), p.Name)
	}
	s, _ := c.Outcome(ct.ID())
	assert.Equal(t, txn.StatusAborted, s)
}

func TestPromotedTimeout(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 40*time.Millisecond)
	d1 := participants.NewVolatile("d1", nil, participants.VotePrepared)
	d2 := participants.NewVolatile("d2", nil, participants.VotePrepared)

	_, err := ct.EnlistDurable(uuid.New(), d1, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistDurable(uuid.New(), d2, txn.EnlistmentNone)
	require.NoError(t, err)

	o := waitDone(t, &ct.Transaction)
	assert.Equal(t, txn.StatusAborted, o.Status)
	assert.True(t, errors.Is(o.Cause, txn.ErrTimeout))
	assert.Equal(t, []string{"rollback"}, d1.Outcomes())
	assert.Equal(t, []string{"rollback"}, d2.Outcomes())

	s, _ := c.Outcome(ct.ID())
	assert.Equal(t, txn.StatusAborted, s)
}

func TestPromotedTimeoutDuringVolatileWave(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 40*time.Millisecond)
	v := participants.NewVolatile("v", nil, participants.VoteLater)
	d1 := participants.NewVolatile("d1", nil, participants.VotePrepared)
	d2 := participants.NewVolatile("d2", nil, participants.VotePrepared)

	_, err := ct.EnlistDurable(uuid.New(), d1, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistDurable(uuid.New(), d2, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistVolatile(v, txn.EnlistmentNone)
	require.NoError(t, err)

	o := commit(t, ct)
	assert.Equal(t, txn.StatusAborted, o.Status)
	assert.True(t, errors.Is(o.Cause, txn.ErrTimeout))
	require.NotNil(t, v.Pending(), "v was asked to prepare")
	assert.Equal(t, []string{"rollback"}, v.Outcomes())
	assert.Equal(t, []string{"rollback"}, d1.Outcomes(), "durables are never asked to prepare")
	assert.Equal(t, []string{"rollback"}, d2.Outcomes())

	s, ok := c.Outcome(ct.ID())
	require.True(t, ok)
	assert.Equal(t, txn.StatusAborted, s)
}

func TestPromotedTimeoutDuringDurableWave(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 40*time.Millisecond)
	v := participants.NewVolatile("v", nil, participants.VotePrepared)
	d1 := participants.NewVolatile("d1", nil, participants.VoteLater)
	d2 := participants.NewVolatile("d2", nil, participants.VotePrepared)

	_, err := ct.EnlistDurable(uuid.New(), d1, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistDurable(uuid.New(), d2, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistVolatile(v, txn.EnlistmentNone)
	require.NoError(t, err)

	o := commit(t, ct)
	assert.Equal(t, txn.StatusAborted, o.Status)
	assert.True(t, errors.Is(o.Cause, txn.ErrTimeout))
	for _, p := range []*participants.Volatile{v, d1, d2} {
		assert.Equal(t, []string{"rollback"}, p.Outcomes(), p.Name)
	}

	s, _ := c.Outcome(ct.ID())
	assert.Equal(t, txn.StatusAborted, s)
}

func TestPromotedLateEnlistmentRefused(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 0)
	clone, err := ct.Clone()
	require.NoError(t, err)

	p0 := participants.NewVolatile("p0", nil, participants.VotePrepared)
	d2 := participants.NewVolatile("d2", nil, participants.VotePrepared)
	late := []*participants.Volatile{
		participants.NewVolatile("late1", nil, participants.VotePrepared),
		participants.NewVolatile("late2", nil, participants.VotePrepared),
		participants.NewVolatile("late0", nil, participants.VotePrepared),
	}
	var errs []error
	d1 := participants.NewVolatile("d1", nil, participants.VotePrepared)
	d1.OnPrepare = func(*txn.PreparingEnlistment) {
		// the coordinator is in the durable wave
		for i, p := range late {
			opts := txn.EnlistmentNone
			if i == 2 {
				opts = txn.EnlistDuringPrepareRequired
			}
			_, err := clone.EnlistVolatile(p, opts)
			errs = append(errs, err)
		}
		_, err := clone.DependentClone(txn.BlockCommitUntilComplete)
		errs = append(errs, err)
	}

	_, err = ct.EnlistVolatile(p0, txn.EnlistDuringPrepareRequired)
	require.NoError(t, err)
	_, err = ct.EnlistDurable(uuid.New(), d1, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistDurable(uuid.New(), d2, txn.EnlistmentNone)
	require.NoError(t, err)

	assert.Equal(t, txn.StatusCommitted, commit(t, ct).Status)
	require.Len(t, errs, 4)
	for _, err := range errs {
		assert.True(t, errors.Is(err, txn.ErrTooLate), "%v", err)
	}
	for _, p := range late {
		assert.Empty(t, p.Outcomes(), p.Name)
	}
	for _, p := range []*participants.Volatile{p0, d1, d2} {
		assert.Equal(t, []string{"commit"}, p.Outcomes(), p.Name)
	}

	s, _ := c.Outcome(ct.ID())
	assert.Equal(t, txn.StatusCommitted, s)
}

func TestPromotedEnlistmentDuringPhase0(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 0)
	clone, err := ct.Clone()
	require.NoError(t, err)
	log := &participants.Log{}

	late := participants.NewVolatile("late", log, participants.VotePrepared)
	p0 := participants.NewVolatile("p0", log, participants.VotePrepared)
	p0.OnPrepare = func(*txn.PreparingEnlistment) {
		_, err := clone.EnlistVolatile(late, txn.EnlistmentNone)
		assert.NoError(t, err)
	}
	d1 := participants.NewVolatile("d1", log, participants.VotePrepared)
	d2 := participants.NewVolatile("d2", log, participants.VotePrepared)

	_, err = ct.EnlistVolatile(p0, txn.EnlistDuringPrepareRequired)
	require.NoError(t, err)
	_, err = ct.EnlistDurable(uuid.New(), d1, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistDurable(uuid.New(), d2, txn.EnlistmentNone)
	require.NoError(t, err)

	assert.Equal(t, txn.StatusCommitted, commit(t, ct).Status)
	assert.Equal(t, 1, log.Count("late:prepare"))
	assert.Less(t, log.Index("late:prepare"), log.Index("d1:prepare"))
	assert.Equal(t, []string{"commit"}, late.Outcomes(), "exactly one outcome")

	s, _ := c.Outcome(ct.ID())
	assert.Equal(t, txn.StatusCommitted, s)
}

func TestExplicitPromote(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 0)
	log := &participants.Log{}
	v0 := participants.NewVolatile("v0", log, participants.VotePrepared)
	v1 := participants.NewSinglePhase("v1", log, participants.VotePrepared, participants.ResultCommitted)

	_, err := ct.EnlistVolatile(v0, txn.EnlistDuringPrepareRequired)
	require.NoError(t, err)

	token, err := ct.Promote()
	require.NoError(t, err)
	id, coordinatorID, err := dtc.DecodeToken(token)
	require.NoError(t, err)
	assert.Equal(t, ct.ID(), id)
	assert.Equal(t, c.PromoterType(), coordinatorID)

	again, err := ct.Promote()
	require.NoError(t, err)
	assert.Equal(t, token, again)

	// enlisted after the promotion
	_, err = ct.EnlistVolatile(v1, txn.EnlistmentNone)
	require.NoError(t, err)

	assert.Equal(t, txn.StatusCommitted, commit(t, ct).Status)
	assert.Less(t, log.Index("v0:prepare"), log.Index("v1:prepare"))
	assert.Equal(t, 0, log.Count(":spc"), "no single phase commit once promoted")
	assert.Equal(t, []string{"commit"}, v1.Outcomes())
}

func TestPromoteWithoutCoordinator(t *testing.T) {
	tm := newManager(t)
	ct := begin(t, tm, 0)

	_, err := ct.Promote()
	var pe common.PromotionError
	require.True(t, errors.As(err, &pe))
	assert.True(t, errors.Is(err, txn.ErrNoCoordinator))

	o, ok := ct.Outcome()
	require.True(t, ok)
	assert.Equal(t, txn.StatusAborted, o.Status)
}

func TestPromotionDuringPhase0(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 0)
	log := &participants.Log{}

	d1 := participants.NewVolatile("d1", log, participants.VotePrepared)
	d2 := participants.NewVolatile("d2", log, participants.VotePrepared)
	p0 := participants.NewVolatile("p0", log, participants.VotePrepared)
	p0.OnPrepare = func(*txn.PreparingEnlistment) {
		_, err := ct.EnlistDurable(uuid.New(), d2, txn.EnlistmentNone)
		assert.NoError(t, err)
	}

	_, err := ct.EnlistDurable(uuid.New(), d1, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistVolatile(p0, txn.EnlistDuringPrepareRequired)
	require.NoError(t, err)

	o := commit(t, ct)
	assert.Equal(t, txn.StatusCommitted, o.Status)
	assert.Equal(t, 1, log.Count("p0:prepare"))
	assert.Less(t, log.Index("p0:prepare"), log.Index("d1:prepare"))
	for _, p := range []*participants.Volatile{p0, d1, d2} {
		assert.Equal(t, []string{"commit"}, p.Outcomes(), p.Name)
	}

	s, _ := c.Outcome(ct.ID())
	assert.Equal(t, txn.StatusCommitted, s)
}

func TestPromotedRecoveryInformation(t *testing.T) {
	tm, _ := newPromotingManager(t)
	ct := begin(t, tm, 0)
	rmID := uuid.New()

	var info []byte
	d1 := participants.NewVolatile("d1", nil, participants.VotePrepared)
	d1.OnPrepare = func(pe *txn.PreparingEnlistment) {
		var err error
		info, err = pe.RecoveryInformation()
		assert.NoError(t, err)
	}
	_, err := ct.EnlistDurable(rmID, d1, txn.EnlistmentNone)
	require.NoError(t, err)
	_, err = ct.EnlistDurable(uuid.New(), participants.NewVolatile("d2", nil, participants.VotePrepared), txn.EnlistmentNone)
	require.NoError(t, err)

	assert.Equal(t, txn.StatusCommitted, commit(t, ct).Status)

	gotRM, token, err := txn.DecodeRecoveryInformation(info)
	require.NoError(t, err)
	assert.Equal(t, rmID, gotRM)
	id, _, err := dtc.DecodeToken(token)
	require.NoError(t, err)
	assert.Equal(t, ct.ID(), id, "recovery information carries the propagation token")
}

func TestPromotableSinglePhaseCommit(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 0)
	log := &participants.Log{}
	p := &participants.Promotable{Name: "p", Log: log, Result: participants.ResultCommitted}
	v := participants.NewVolatile("v", log, participants.VotePrepared)

	ok, err := ct.EnlistPromotableSinglePhase(p, c.PromoterType())
	require.NoError(t, err)
	require.True(t, ok)
	_, err = ct.EnlistVolatile(v, txn.EnlistmentNone)
	require.NoError(t, err)

	assert.Equal(t, txn.StatusCommitted, commit(t, ct).Status)
	assert.Equal(t, []string{"p:initialize", "v:prepare", "p:spc", "p:committed", "v:commit"}, log.Events())
	assert.Nil(t, c.Lookup(ct.ID()), "never promoted")
}

func TestPromotableAborts(t *testing.T) {
	tm, c := newPromotingManager(t)

	ct := begin(t, tm, 0)
	p := &participants.Promotable{Name: "p", Result: participants.ResultAborted}
	ok, err := ct.EnlistPromotableSinglePhase(p, c.PromoterType())
	require.NoError(t, err)
	require.True(t, ok)
	o := commit(t, ct)
	assert.Equal(t, txn.StatusAborted, o.Status)
	assert.True(t, errors.Is(o.Cause, participants.ErrVotedNo))

	ct = begin(t, tm, 0)
	p = &participants.Promotable{Name: "p"}
	_, err = ct.EnlistPromotableSinglePhase(p, c.PromoterType())
	require.NoError(t, err)
	require.NoError(t, ct.Rollback())
	assert.Equal(t, []string{"rollback"}, p.Outcomes())
}

func TestPromotableRefusals(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 0)

	_, err := ct.EnlistPromotableSinglePhase(&participants.Promotable{Name: "x"}, uuid.New())
	var upe common.UnsupportedPromoterTypeError
	assert.True(t, errors.As(err, &upe))

	ok, err := ct.EnlistPromotableSinglePhase(&participants.Promotable{Name: "p"}, c.PromoterType())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ct.EnlistPromotableSinglePhase(&participants.Promotable{Name: "q"}, c.PromoterType())
	require.NoError(t, err)
	assert.False(t, ok, "only one promotable participant")
	require.NoError(t, ct.Rollback())

	ct = begin(t, tm, 0)
	_, err = ct.EnlistDurable(uuid.New(), participants.NewVolatile("d", nil, participants.VotePrepared), txn.EnlistmentNone)
	require.NoError(t, err)
	ok, err = ct.EnlistPromotableSinglePhase(&participants.Promotable{Name: "p"}, c.PromoterType())
	require.NoError(t, err)
	assert.False(t, ok, "a durable participant is already enlisted")
	require.NoError(t, ct.Rollback())
}

func TestPromotableInitializeFails(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 0)
	initErr := errors.New("cannot reach the database")

	ok, err := ct.EnlistPromotableSinglePhase(&participants.Promotable{Name: "p", InitErr: initErr}, c.PromoterType())
	assert.False(t, ok)
	assert.True(t, errors.Is(err, initErr))
	assert.Equal(t, txn.StatusAborted, ct.Status())
}

func TestPromotablePromotedOnSecondDurable(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 0)
	log := &participants.Log{}

	// the promotable participant owns a distributed transaction of its own
	owned, err := c.Begin(uuid.Nil, 0, nil)
	require.NoError(t, err)
	p := &participants.Promotable{Name: "p", Log: log, Token: owned.Token()}
	d := participants.NewVolatile("d", log, participants.VotePrepared)

	ok, err := ct.EnlistPromotableSinglePhase(p, c.PromoterType())
	require.NoError(t, err)
	require.True(t, ok)
	_, err = ct.EnlistDurable(uuid.New(), d, txn.EnlistmentNone)
	require.NoError(t, err)

	assert.Equal(t, txn.StatusCommitted, commit(t, ct).Status)
	assert.Less(t, log.Index("p:promote"), log.Index("d:prepare"))
	assert.Equal(t, 0, log.Count(":spc"))
	assert.Equal(t, []string{"commit"}, d.Outcomes())

	s, ok := c.Outcome(owned.ID())
	require.True(t, ok)
	assert.Equal(t, txn.StatusCommitted, s)
}

func TestPromotableFailsToPromote(t *testing.T) {
	tm, c := newPromotingManager(t)
	ct := begin(t, tm, 0)
	promoteErr := errors.New("promoter unavailable")
	p := &participants.Promotable{Name: "p", PromoteErr: promoteErr}

	ok, err := ct.EnlistPromotableSinglePhase(p, c.PromoterType())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = ct.EnlistDurable(uuid.New(), participants.NewVolatile("d", nil, participants.VotePrepared), txn.EnlistmentNone)
	var pe common.PromotionError
	require.True(t, errors.As(err, &pe))
	assert.True(t, errors.Is(err, promoteErr))
	assert.Equal(t, txn.StatusAborted, ct.Status())
	assert.Equal(t, []string{"rollback"}, p.Outcomes())
}
