// Package queue is a volatile transactional FIFO queue. Messages enqueued by
// a transaction become visible when it commits; messages it dequeued go back
// to their original place if it rolls back.
package queue

import (
	"fmt"
	"sync"

	"github.com/dr0pdb/icecanetm/internal/common"
	"github.com/dr0pdb/icecanetm/pkg/txn"
	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type message struct {
	seq  uint64
	body []byte
}

// bySeq orders messages by their sequence number, oldest first.
func bySeq(a, b interface{}) int {
	sa, sb := a.(*message).seq, b.(*message).seq
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

// Queue holds the committed messages.
type Queue struct {
	name string

	mu       sync.Mutex
	pq       *priorityqueue.Queue
	seq      uint64
	sessions map[uuid.UUID]*Session
}

// New creates an empty queue.
func New(name string) *Queue {
	return &Queue{
		name:     name,
		pq:       priorityqueue.NewWith(bySeq),
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Len returns the number of committed messages not reserved by a transaction.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Size()
}

// Open returns the session of a transaction on the queue, enlisting on first use.
func (q *Queue) Open(tx *txn.Transaction) (*Session, error) {
	id := tx.ID()

	q.mu.Lock()
	if s, ok := q.sessions[id]; ok {
		q.mu.Unlock()
		return s, nil
	}
	s := &Session{q: q, id: id}
	q.sessions[id] = s
	q.mu.Unlock()

	if _, err := tx.EnlistVolatile(s, txn.EnlistmentNone); err != nil {
		q.close(s)
		return nil, err
	}
	return s, nil
}

func (q *Queue) close(s *Session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.sessions, s.id)
}

// Session is the view of one transaction on a queue.
type Session struct {
	q  *Queue
	id uuid.UUID

	mu       sync.Mutex
	enqueued [][]byte
	dequeued []*message
	sealed   bool
}

// Enqueue adds a message, visible once the transaction commits.
func (s *Session) Enqueue(body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return common.NewStateViolationError(fmt.Sprintf("queue: txn %s is already committing", s.id))
	}
	s.enqueued = append(s.enqueued, append([]byte(nil), body...))
	return nil
}

// Dequeue takes the oldest committed message. ok is false if the queue is empty.
func (s *Session) Dequeue() (body []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil, false, common.NewStateViolationError(fmt.Sprintf("queue: txn %s is already committing", s.id))
	}

	q := s.q
	q.mu.Lock()
	v, ok := q.pq.Dequeue()
	q.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	m := v.(*message)
	s.dequeued = append(s.dequeued, m)
	return m.body, true, nil
}

func (s *Session) seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

func (s *Session) Prepare(pe *txn.PreparingEnlistment) {
	s.seal()
	if len(s.enqueued) == 0 && len(s.dequeued) == 0 {
		s.q.close(s)
		pe.EnlistmentDone()
		return
	}
	pe.Prepared()
}

func (s *Session) Commit(e *txn.Enlistment) {
	s.commit()
	e.EnlistmentDone()
}

func (s *Session) commit() {
	q := s.q
	q.mu.Lock()
	for _, body := range s.enqueued {
		q.seq++
		q.pq.Enqueue(&message{seq: q.seq, body: body})
	}
	q.mu.Unlock()
	q.close(s)
	log.WithFields(log.Fields{"queue": q.name, "txnID": s.id, "enqueued": len(s.enqueued), "dequeued": len(s.dequeued)}).Debug("queue::queue::commit; done")
}

func (s *Session) Rollback(e *txn.Enlistment) {
	s.restore()
	e.EnlistmentDone()
}

// InDoubt puts the dequeued messages back: nothing was published yet.
func (s *Session) InDoubt(e *txn.Enlistment) {
	log.WithFields(log.Fields{"queue": s.q.name, "txnID": s.id}).Warn("queue::queue::InDoubt; restoring dequeued messages")
	s.restore()
	e.EnlistmentDone()
}

func (s *Session) restore() {
	s.seal()
	q := s.q
	q.mu.Lock()
	for _, m := range s.dequeued {
		q.pq.Enqueue(m)
	}
	q.mu.Unlock()
	q.close(s)
}

func (s *Session) SinglePhaseCommit(spe *txn.SinglePhaseEnlistment) {
	s.seal()
	s.commit()
	spe.Committed()
}
