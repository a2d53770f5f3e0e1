package boltrm

import (
	"context"
	"errors"
	"path"
	"testing"
	"time"

	"github.com/dr0pdb/icecanetm/internal/common"
	pcommon "github.com/dr0pdb/icecanetm/pkg/common"
	"github.com/dr0pdb/icecanetm/pkg/dtc"
	"github.com/dr0pdb/icecanetm/pkg/resource/kv"
	"github.com/dr0pdb/icecanetm/pkg/txn"
	"github.com/dr0pdb/icecanetm/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newManager(t *testing.T, opts ...txn.Option) *txn.TransactionManager {
	conf := pcommon.NewDefaultTMConfig()
	conf.TickInterval = pcommon.Duration(10 * time.Millisecond)
	tm, err := txn.NewTransactionManager(conf, opts...)
	require.NoError(t, err)
	t.Cleanup(tm.Close)
	return tm
}

func openRM(t *testing.T, name string) (*Manager, string) {
	dir := path.Join(test.TestDirectory, name)
	m, err := Open(dir, Options{})
	require.NoError(t, err)
	return m, dir
}

func commit(t *testing.T, ct *txn.CommittableTransaction) txn.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := ct.Commit(ctx)
	require.NoError(t, err)
	return o
}

func TestRecordRoundTrip(t *testing.T) {
	r := &preparedRecord{
		info: []byte("recovery"),
		writes: map[string]writeValue{
			"a": newPutValue([]byte("1")),
			"b": newDeleteValue(),
			"c": newPutValue(nil),
		},
	}
	got, err := decodePreparedRecord(r.encode())
	require.NoError(t, err)
	assert.Equal(t, r.info, got.info)
	require.Len(t, got.writes, 3)
	assert.Equal(t, []byte("1"), got.writes["a"].userValue())
	assert.True(t, got.writes["b"].isDelete())
	assert.False(t, got.writes["c"].isDelete())
	assert.Empty(t, got.writes["c"].userValue())

	_, err = decodePreparedRecord([]byte{0x12, 0x10})
	assert.Error(t, err)
}

func TestIDSurvivesReopen(t *testing.T) {
	test.CreateTestDirectory(test.TestDirectory)
	defer test.CleanupTestDirectory(test.TestDirectory)

	m, dir := openRM(t, "reopen")
	id := m.ID()
	require.NoError(t, m.Close())

	m, err := Open(dir, Options{})
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, id, m.ID())
}

func TestLoneManagerSinglePhaseCommit(t *testing.T) {
	test.CreateTestDirectory(test.TestDirectory)
	defer test.CleanupTestDirectory(test.TestDirectory)

	tm := newManager(t)
	m, _ := openRM(t, "spc")
	defer m.Close()

	ct, err := tm.Begin(txn.TransactionOptions{})
	require.NoError(t, err)
	s, err := m.Open(&ct.Transaction)
	require.NoError(t, err)
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	v, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	_, err = m.Get([]byte("k"))
	var nfe common.NotFoundError
	assert.True(t, errors.As(err, &nfe), "not visible before commit")

	assert.Equal(t, txn.StatusCommitted, commit(t, ct).Status)
	v, err = m.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	prepared, err := m.Recover()
	require.NoError(t, err)
	assert.Empty(t, prepared)
}

func TestPreparedWithVolatilePeer(t *testing.T) {
	test.CreateTestDirectory(test.TestDirectory)
	defer test.CleanupTestDirectory(test.TestDirectory)

	tm := newManager(t)
	m, _ := openRM(t, "peer")
	defer m.Close()
	store := kv.NewStore("cache")

	ct, err := tm.Begin(txn.TransactionOptions{})
	require.NoError(t, err)
	s, err := m.Open(&ct.Transaction)
	require.NoError(t, err)
	require.NoError(t, s.Put([]byte("k"), []byte("durable")))
	ks, err := store.Open(&ct.Transaction)
	require.NoError(t, err)
	require.NoError(t, ks.Set([]byte("k"), []byte("cached")))

	assert.Equal(t, txn.StatusCommitted, commit(t, ct).Status)
	v, err := m.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), v)
	prepared, err := m.Recover()
	require.NoError(t, err)
	assert.Empty(t, prepared, "committed records are removed")

	// deleting
	ct, err = tm.Begin(txn.TransactionOptions{})
	require.NoError(t, err)
	s, err = m.Open(&ct.Transaction)
	require.NoError(t, err)
	require.NoError(t, s.Delete([]byte("k")))
	_, err = s.Get([]byte("k"))
	var nfe common.NotFoundError
	assert.True(t, errors.As(err, &nfe))
	assert.Equal(t, txn.StatusCommitted, commit(t, ct).Status)
	_, err = m.Get([]byte("k"))
	assert.True(t, errors.As(err, &nfe))
}

func TestRollbackLeavesNoTrace(t *testing.T) {
	test.CreateTestDirectory(test.TestDirectory)
	defer test.CleanupTestDirectory(test.TestDirectory)

	tm := newManager(t)
	m, _ := openRM(t, "rollback")
	defer m.Close()

	ct, err := tm.Begin(txn.TransactionOptions{})
	require.NoError(t, err)
	s, err := m.Open(&ct.Transaction)
	require.NoError(t, err)
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	require.NoError(t, ct.Rollback())

	_, err = m.Get([]byte("k"))
	assert.Error(t, err)
	var sve common.StateViolationError
	assert.True(t, errors.As(s.Put([]byte("k"), []byte("w")), &sve))
}

// staller keeps its vote, holding the distributed transaction between prepare and outcome.
type staller struct {
	pe *txn.PreparingEnlistment
}

func (st *staller) Prepare(pe *txn.PreparingEnlistment) { st.pe = pe }
func (st *staller) Commit(e *txn.Enlistment)            { e.EnlistmentDone() }
func (st *staller) Rollback(e *txn.Enlistment)          { e.EnlistmentDone() }
func (st *staller) InDoubt(e *txn.Enlistment)           { e.EnlistmentDone() }

func TestRecoverAfterCrash(t *testing.T) {
	test.CreateTestDirectory(test.TestDirectory)
	defer test.CleanupTestDirectory(test.TestDirectory)

	c := dtc.NewCoordinator()
	tm := newManager(t, txn.WithCoordinator(c))
	m1, dir1 := openRM(t, "crash1")
	m2, _ := openRM(t, "crash2")
	defer m2.Close()

	ct, err := tm.Begin(txn.TransactionOptions{})
	require.NoError(t, err)
	s1, err := m1.Open(&ct.Transaction)
	require.NoError(t, err)
	s2, err := m2.Open(&ct.Transaction)
	require.NoError(t, err)
	require.NoError(t, s1.Put([]byte("from"), []byte("90")))
	require.NoError(t, s2.Put([]byte("to"), []byte("110")))
	st := &staller{}
	_, err = ct.EnlistDurable(uuid.New(), st, txn.EnlistmentNone)
	require.NoError(t, err)

	r, err := ct.BeginCommit(nil)
	require.NoError(t, err)
	require.NotNil(t, st.pe, "every durable participant was asked to prepare")

	// m1 goes away while prepared
	require.NoError(t, m1.Close())
	m1, err = Open(dir1, Options{})
	require.NoError(t, err)
	defer m1.Close()

	prepared, err := m1.Recover()
	require.NoError(t, err)
	require.Len(t, prepared, 1)
	assert.Equal(t, ct.ID(), prepared[0].ID)

	left, err := m1.ResolveAll(c)
	require.NoError(t, err)
	assert.Equal(t, 1, left, "outcome not decided yet")

	require.NoError(t, st.pe.Prepared())
	o, err := ct.EndCommit(r)
	require.NoError(t, err)
	require.Equal(t, txn.StatusCommitted, o.Status)

	left, err = m1.ResolveAll(c)
	require.NoError(t, err)
	assert.Equal(t, 0, left)
	v, err := m1.Get([]byte("from"))
	require.NoError(t, err)
	assert.Equal(t, []byte("90"), v)
	v, err = m2.Get([]byte("to"))
	require.NoError(t, err)
	assert.Equal(t, []byte("110"), v)

	var nfe common.NotFoundError
	assert.True(t, errors.As(m1.Resolve(ct.ID(), true), &nfe), "already resolved")
}

func TestResolveAbort(t *testing.T) {
	test.CreateTestDirectory(test.TestDirectory)
	defer test.CleanupTestDirectory(test.TestDirectory)

	m, _ := openRM(t, "resolve")
	defer m.Close()
	id := uuid.New()
	r := &preparedRecord{info: []byte("x"), writes: map[string]writeValue{"k": newPutValue([]byte("v"))}}
	require.NoError(t, m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(preparedBucket).Put(id[:], r.encode())
	}))

	require.NoError(t, m.Resolve(id, false))
	_, err := m.Get([]byte("k"))
	assert.Error(t, err)
	prepared, err := m.Recover()
	require.NoError(t, err)
	assert.Empty(t, prepared)
}
