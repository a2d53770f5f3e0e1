// Package kv is a volatile transactional key value store. Writes are buffered
// per transaction and validated optimistically when the transaction prepares.
package kv

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/dr0pdb/icecanetm/internal/common"
	"github.com/dr0pdb/icecanetm/pkg/txn"
	"github.com/google/btree"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const degree = 32

// ErrConflict is the rollback cause when a key read or written by a
// transaction changed, or is held by another prepared transaction.
var ErrConflict = errors.New("kv: conflicting concurrent transaction")

// item is a key in the tree. Deleted keys stay as tombstones so their version
// keeps increasing.
type item struct {
	key     []byte
	value   []byte
	version uint64
	deleted bool

	// transaction holding the key between prepare and outcome
	owner uuid.UUID
}

func (i *item) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*item).key) < 0
}

// Store is the committed state shared by every transaction.
type Store struct {
	name string

	mu      sync.RWMutex
	tree    *btree.BTree
	version uint64

	// open workspaces, by transaction id
	sessions map[uuid.UUID]*Session
}

// NewStore creates an empty store.
func NewStore(name string) *Store {
	return &Store{
		name:     name,
		tree:     btree.New(degree),
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Name returns the name of the store.
func (s *Store) Name() string {
	return s.name
}

// Get returns the committed value of a key.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it := s.lookup(key)
	if it == nil || it.deleted {
		return nil, common.NewNotFoundError(fmt.Sprintf("key %s not found", key))
	}
	return append([]byte(nil), it.value...), nil
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	s.tree.Ascend(func(i btree.Item) bool {
		if !i.(*item).deleted {
			n++
		}
		return true
	})
	return n
}

// Open returns the workspace of a transaction, enlisting the store on first use.
func (s *Store) Open(tx *txn.Transaction) (*Session, error) {
	id := tx.ID()

	s.mu.Lock()
	if ss, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return ss, nil
	}
	ss := newSession(s, id)
	s.sessions[id] = ss
	s.mu.Unlock()

	if _, err := tx.EnlistVolatile(ss, txn.EnlistmentNone); err != nil {
		s.close(ss)
		return nil, err
	}
	log.WithFields(log.Fields{"store": s.name, "txnID": id}).Debug("kv::store::Open; enlisted")
	return ss, nil
}

func (s *Store) close(ss *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, ss.id)
}

// lookup must be called with the lock held.
func (s *Store) lookup(key []byte) *item {
	i := s.tree.Get(&item{key: key})
	if i == nil {
		return nil
	}
	return i.(*item)
}

// versionOf returns 0 for keys never written. Lock held.
func (s *Store) versionOf(key string) uint64 {
	if it := s.lookup([]byte(key)); it != nil {
		return it.version
	}
	return 0
}

// validate checks the read and write sets of a session and takes ownership
// of the written keys. Lock held.
func (s *Store) validate(ss *Session) error {
	for k, v := range ss.reads {
		if s.versionOf(k) != v {
			return fmt.Errorf("%w: key %s changed since it was read", ErrConflict, k)
		}
	}
	for _, k := range ss.writeKeys() {
		it := s.lookup([]byte(k))
		if it != nil && it.owner != uuid.Nil && it.owner != ss.id {
			return fmt.Errorf("%w: key %s is held by txn %s", ErrConflict, k, it.owner)
		}
	}
	return nil
}

// lock marks the written keys as owned by the session. Lock held.
func (s *Store) lock(ss *Session) {
	for _, k := range ss.writeKeys() {
		it := s.lookup([]byte(k))
		if it == nil {
			it = &item{key: []byte(k), deleted: true}
			s.tree.ReplaceOrInsert(it)
		}
		it.owner = ss.id
	}
}

// apply installs the writes of a session. Lock held.
func (s *Store) apply(ss *Session) {
	s.version++
	for k, v := range ss.sets {
		s.tree.ReplaceOrInsert(&item{key: []byte(k), value: v, version: s.version})
	}
	for k := range ss.deletes {
		if it := s.lookup([]byte(k)); it != nil {
			s.tree.ReplaceOrInsert(&item{key: []byte(k), version: s.version, deleted: true})
		}
	}
}

// unlock releases the keys owned by the session. Lock held.
func (s *Store) unlock(ss *Session) {
	for _, k := range ss.writeKeys() {
		if it := s.lookup([]byte(k)); it != nil && it.owner == ss.id {
			it.owner = uuid.Nil
		}
	}
}
