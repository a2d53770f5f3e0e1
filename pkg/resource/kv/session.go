package kv

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/dr0pdb/icecanetm/internal/common"
	"github.com/dr0pdb/icecanetm/pkg/txn"
	"github.com/google/btree"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Pair is a key value pair returned by Scan.
type Pair struct {
	Key   []byte
	Value []byte
}

// Session is the workspace of one transaction on a store.
// sets and deletes never hold the same key.
type Session struct {
	store *Store
	id    uuid.UUID

	mu      sync.Mutex
	sets    map[string][]byte
	deletes map[string]bool
	reads   map[string]uint64
	sealed  bool
}

func newSession(s *Store, id uuid.UUID) *Session {
	return &Session{
		store:   s,
		id:      id,
		sets:    make(map[string][]byte),
		deletes: make(map[string]bool),
		reads:   make(map[string]uint64),
	}
}

func (ss *Session) fields() log.Fields {
	return log.Fields{"store": ss.store.name, "txnID": ss.id}
}

// writable must be called with ss.mu held.
func (ss *Session) writable() error {
	if ss.sealed {
		return common.NewStateViolationError(fmt.Sprintf("kv: txn %s is already committing", ss.id))
	}
	return nil
}

// Set writes a key, overwriting the value it may have.
func (ss *Session) Set(key, value []byte) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if err := ss.writable(); err != nil {
		return err
	}
	k := string(key)
	delete(ss.deletes, k)
	ss.sets[k] = append([]byte(nil), value...)
	return nil
}

// Delete removes a key. Deleting a key that does not exist is a NotFoundError.
func (ss *Session) Delete(key []byte) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if err := ss.writable(); err != nil {
		return err
	}
	k := string(key)
	if ss.deletes[k] {
		return common.NewNotFoundError(fmt.Sprintf("key %s not found", key))
	}
	if _, ok := ss.sets[k]; !ok {
		if _, err := ss.readCommitted(key); err != nil {
			return err
		}
	}
	delete(ss.sets, k)
	ss.deletes[k] = true
	return nil
}

// Get returns the value of a key as seen by the transaction.
func (ss *Session) Get(key []byte) ([]byte, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	k := string(key)
	if ss.deletes[k] {
		return nil, common.NewNotFoundError(fmt.Sprintf("key %s not found", key))
	}
	if v, ok := ss.sets[k]; ok {
		return append([]byte(nil), v...), nil
	}
	return ss.readCommitted(key)
}

// readCommitted reads from the store and remembers the version read. ss.mu held.
func (ss *Session) readCommitted(key []byte) ([]byte, error) {
	s := ss.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	it := s.lookup(key)
	k := string(key)
	if _, seen := ss.reads[k]; !seen && !ss.sealed {
		ss.reads[k] = s.versionOf(k)
	}
	if it == nil || it.deleted {
		return nil, common.NewNotFoundError(fmt.Sprintf("key %s not found", key))
	}
	return append([]byte(nil), it.value...), nil
}

// Scan returns the pairs with start <= key < end in key order. A nil end scans to the last key.
func (ss *Session) Scan(start, end []byte) []Pair {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	merged := make(map[string][]byte)
	s := ss.store
	s.mu.RLock()
	visit := func(i btree.Item) bool {
		it := i.(*item)
		if end != nil && bytes.Compare(it.key, end) >= 0 {
			return false
		}
		k := string(it.key)
		if _, seen := ss.reads[k]; !seen && !ss.sealed {
			ss.reads[k] = it.version
		}
		if !it.deleted {
			merged[k] = it.value
		}
		return true
	}
	s.tree.AscendGreaterOrEqual(&item{key: start}, visit)
	s.mu.RUnlock()

	for k, v := range ss.sets {
		kb := []byte(k)
		if bytes.Compare(kb, start) >= 0 && (end == nil || bytes.Compare(kb, end) < 0) {
			merged[k] = v
		}
	}
	for k := range ss.deletes {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]Pair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, Pair{Key: []byte(k), Value: append([]byte(nil), merged[k]...)})
	}
	return pairs
}

func (ss *Session) writeKeys() []string {
	keys := make([]string, 0, len(ss.sets)+len(ss.deletes))
	for k := range ss.sets {
		keys = append(keys, k)
	}
	for k := range ss.deletes {
		keys = append(keys, k)
	}
	return keys
}

func (ss *Session) seal() {
	ss.mu.Lock()
	ss.sealed = true
	ss.mu.Unlock()
}

// Prepare validates the session and holds its keys until the outcome.
func (ss *Session) Prepare(pe *txn.PreparingEnlistment) {
	ss.seal()
	s := ss.store

	s.mu.Lock()
	err := s.validate(ss)
	readOnly := len(ss.sets) == 0 && len(ss.deletes) == 0
	if err == nil && !readOnly {
		s.lock(ss)
	}
	s.mu.Unlock()

	switch {
	case err != nil:
		log.WithFields(ss.fields()).WithError(err).Info("kv::session::Prepare; validation failed")
		s.close(ss)
		pe.ForceRollback(err)
	case readOnly:
		s.close(ss)
		pe.EnlistmentDone()
	default:
		pe.Prepared()
	}
}

// Commit installs the writes.
func (ss *Session) Commit(e *txn.Enlistment) {
	s := ss.store
	s.mu.Lock()
	s.apply(ss)
	s.unlock(ss)
	s.mu.Unlock()

	s.close(ss)
	log.WithFields(ss.fields()).Debug("kv::session::Commit; applied")
	e.EnlistmentDone()
}

// Rollback discards the writes.
func (ss *Session) Rollback(e *txn.Enlistment) {
	ss.discard()
	e.EnlistmentDone()
}

// InDoubt discards the writes: a volatile store cannot wait for recovery.
func (ss *Session) InDoubt(e *txn.Enlistment) {
	log.WithFields(ss.fields()).Warn("kv::session::InDoubt; discarding writes of in doubt transaction")
	ss.discard()
	e.EnlistmentDone()
}

func (ss *Session) discard() {
	ss.seal()
	s := ss.store
	s.mu.Lock()
	s.unlock(ss)
	s.mu.Unlock()
	s.close(ss)
}

// SinglePhaseCommit validates and applies in one step.
func (ss *Session) SinglePhaseCommit(spe *txn.SinglePhaseEnlistment) {
	ss.seal()
	s := ss.store

	s.mu.Lock()
	err := s.validate(ss)
	if err == nil {
		s.apply(ss)
	}
	s.mu.Unlock()
	s.close(ss)

	if err != nil {
		log.WithFields(ss.fields()).WithError(err).Info("kv::session::SinglePhaseCommit; validation failed")
		spe.Aborted(err)
		return
	}
	spe.Committed()
}
