// Package boltrm is a durable resource manager backed by bbolt. Prepared
// transactions are forced to disk together with their recovery information,
// so a restarted manager can finish them once their outcome is known.
package boltrm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dr0pdb/icecanetm/internal/common"
	"github.com/dr0pdb/icecanetm/pkg/txn"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

const fileName = "boltrm.db"

var (
	dataBucket     = []byte("data")
	preparedBucket = []byte("prepared")
	metaBucket     = []byte("meta")
	rmIDKey        = []byte("rmID")
)

// Resolver tells the outcome of a transaction from the recovery information
// saved when it prepared. ok is false while the outcome is unknown.
type Resolver interface {
	ResolveRecoveryInformation(info []byte) (status txn.Status, ok bool)
}

// Options configures a Manager.
type Options struct {
	// SyncWrites forces an fsync on every bbolt commit.
	SyncWrites bool

	// OpenTimeout bounds the wait for the file lock.
	OpenTimeout time.Duration
}

// Manager is a durable resource manager. Its id is stored in the database so
// it survives restarts.
type Manager struct {
	id uuid.UUID
	db *bbolt.DB

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// Open opens or creates the manager stored in dir.
func Open(dir string, opts Options) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	bopts := *bbolt.DefaultOptions
	bopts.NoSync = !opts.SyncWrites
	bopts.Timeout = opts.OpenTimeout
	if bopts.Timeout == 0 {
		bopts.Timeout = time.Second
	}

	db, err := bbolt.Open(filepath.Join(dir, fileName), 0644, &bopts)
	if err != nil {
		log.WithFields(log.Fields{"dir": dir}).Error(fmt.Sprintf("boltrm::manager::Open; error opening database, error %s", err))
		return nil, err
	}

	m := &Manager{db: db, sessions: make(map[uuid.UUID]*Session)}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{dataBucket, preparedBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(metaBucket)
		if v := meta.Get(rmIDKey); v != nil {
			id, err := uuid.FromBytes(v)
			if err != nil {
				return fmt.Errorf("corrupt resource manager id: %w", err)
			}
			m.id = id
			return nil
		}
		m.id = uuid.New()
		return meta.Put(rmIDKey, m.id[:])
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	log.WithFields(log.Fields{"dir": dir, "rmID": m.id}).Info("boltrm::manager::Open; done")
	return m, nil
}

// ID returns the resource manager id used for durable enlistments.
func (m *Manager) ID() uuid.UUID {
	return m.id
}

// Close closes the database. Prepared transactions stay on disk.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Get returns the committed value of a key.
func (m *Manager) Get(key []byte) ([]byte, error) {
	var value []byte
	err := m.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(dataBucket).Get(key)
		if v == nil {
			return common.NewNotFoundError(fmt.Sprintf("key %s not found", key))
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

// Open returns the session of a transaction, enlisting durably on first use.
func (m *Manager) Open(tx *txn.Transaction) (*Session, error) {
	id := tx.ID()

	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := &Session{m: m, id: id, writes: make(map[string]writeValue)}
	m.sessions[id] = s
	m.mu.Unlock()

	if _, err := tx.EnlistDurable(m.id, s, txn.EnlistmentNone); err != nil {
		m.close(s)
		return nil, err
	}
	return s, nil
}

func (m *Manager) close(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.id)
}

// apply writes a set of buffered writes and drops the prepared record of the transaction, if any.
func (m *Manager) apply(id uuid.UUID, writes map[string]writeValue) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		data := tx.Bucket(dataBucket)
		for k, w := range writes {
			var err error
			if w.isDelete() {
				err = data.Delete([]byte(k))
			} else {
				err = data.Put([]byte(k), w.userValue())
			}
			if err != nil {
				return err
			}
		}
		return tx.Bucket(preparedBucket).Delete(id[:])
	})
}

func (m *Manager) forget(id uuid.UUID) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(preparedBucket).Delete(id[:])
	})
}

// PreparedTransaction is a transaction that prepared and has not been resolved.
type PreparedTransaction struct {
	ID                  uuid.UUID
	RecoveryInformation []byte
}

// Recover lists the prepared transactions found on disk.
func (m *Manager) Recover() ([]PreparedTransaction, error) {
	var out []PreparedTransaction
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(preparedBucket).ForEach(func(k, v []byte) error {
			id, err := uuid.FromBytes(k)
			if err != nil {
				return err
			}
			r, err := decodePreparedRecord(v)
			if err != nil {
				return err
			}
			out = append(out, PreparedTransaction{ID: id, RecoveryInformation: r.info})
			return nil
		})
	})
	return out, err
}

// Resolve finishes a prepared transaction.
func (m *Manager) Resolve(id uuid.UUID, commit bool) error {
	var r *preparedRecord
	err := m.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(preparedBucket).Get(id[:])
		if v == nil {
			return common.NewNotFoundError(fmt.Sprintf("no prepared record for txn %s", id))
		}
		var err error
		r, err = decodePreparedRecord(v)
		return err
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"rmID": m.id, "txnID": id, "commit": commit}).Info("boltrm::manager::Resolve; resolving prepared transaction")
	if commit {
		return m.apply(id, r.writes)
	}
	return m.forget(id)
}

// ResolveAll resolves every prepared transaction whose outcome r knows and
// returns the number left unresolved.
func (m *Manager) ResolveAll(r Resolver) (int, error) {
	prepared, err := m.Recover()
	if err != nil {
		return 0, err
	}
	left := 0
	for _, p := range prepared {
		status, ok := r.ResolveRecoveryInformation(p.RecoveryInformation)
		if !ok || status == txn.StatusInDoubt || status == txn.StatusActive {
			left++
			continue
		}
		if err := m.Resolve(p.ID, status == txn.StatusCommitted); err != nil {
			return left, err
		}
	}
	return left, nil
}
