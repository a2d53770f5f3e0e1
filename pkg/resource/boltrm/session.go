package boltrm

import (
	"fmt"
	"sync"

	"github.com/dr0pdb/icecanetm/internal/common"
	"github.com/dr0pdb/icecanetm/pkg/txn"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// Session buffers the writes of one transaction.
type Session struct {
	m  *Manager
	id uuid.UUID

	mu       sync.Mutex
	writes   map[string]writeValue
	sealed   bool
	prepared bool
}

func (s *Session) fields() log.Fields {
	return log.Fields{"rmID": s.m.id, "txnID": s.id}
}

func (s *Session) write(key []byte, w writeValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return common.NewStateViolationError(fmt.Sprintf("boltrm: txn %s is already committing", s.id))
	}
	s.writes[string(key)] = w
	return nil
}

// Put writes a key.
func (s *Session) Put(key, value []byte) error {
	return s.write(key, newPutValue(value))
}

// Delete removes a key.
func (s *Session) Delete(key []byte) error {
	return s.write(key, newDeleteValue())
}

// Get returns the value of a key as seen by the transaction.
func (s *Session) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	w, ok := s.writes[string(key)]
	s.mu.Unlock()

	if !ok {
		return s.m.Get(key)
	}
	if w.isDelete() {
		return nil, common.NewNotFoundError(fmt.Sprintf("key %s not found", key))
	}
	return append([]byte(nil), w.userValue()...), nil
}

func (s *Session) seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// Prepare forces the writes and the recovery information to disk.
func (s *Session) Prepare(pe *txn.PreparingEnlistment) {
	s.seal()
	if len(s.writes) == 0 {
		s.m.close(s)
		pe.EnlistmentDone()
		return
	}

	info, err := pe.RecoveryInformation()
	if err == nil {
		r := &preparedRecord{info: info, writes: s.writes}
		err = s.m.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(preparedBucket).Put(s.id[:], r.encode())
		})
	}
	if err != nil {
		log.WithFields(s.fields()).Error(fmt.Sprintf("boltrm::session::Prepare; error writing prepared record, error %s", err))
		s.m.close(s)
		pe.ForceRollback(err)
		return
	}

	s.prepared = true
	log.WithFields(s.fields()).Debug("boltrm::session::Prepare; prepared")
	pe.Prepared()
}

func (s *Session) Commit(e *txn.Enlistment) {
	if err := s.m.apply(s.id, s.writes); err != nil {
		// the prepared record stays for Resolve
		log.WithFields(s.fields()).Error(fmt.Sprintf("boltrm::session::Commit; error applying writes, error %s", err))
	}
	s.m.close(s)
	e.EnlistmentDone()
}

func (s *Session) Rollback(e *txn.Enlistment) {
	s.seal()
	if s.prepared {
		if err := s.m.forget(s.id); err != nil {
			log.WithFields(s.fields()).Error(fmt.Sprintf("boltrm::session::Rollback; error removing prepared record, error %s", err))
		}
	}
	s.m.close(s)
	e.EnlistmentDone()
}

// InDoubt keeps the prepared record until the outcome is resolved.
func (s *Session) InDoubt(e *txn.Enlistment) {
	log.WithFields(s.fields()).Warn("boltrm::session::InDoubt; keeping prepared record for recovery")
	s.m.close(s)
	e.EnlistmentDone()
}

// SinglePhaseCommit applies the writes in a single bbolt transaction.
func (s *Session) SinglePhaseCommit(spe *txn.SinglePhaseEnlistment) {
	s.seal()
	err := s.m.apply(s.id, s.writes)
	s.m.close(s)
	if err != nil {
		log.WithFields(s.fields()).Error(fmt.Sprintf("boltrm::session::SinglePhaseCommit; error applying writes, error %s", err))
		spe.Aborted(err)
		return
	}
	spe.Committed()
}
