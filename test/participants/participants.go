// Package participants provides recording transaction participants for tests.
package participants

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dr0pdb/icecanetm/pkg/txn"
)

// ErrVotedNo is the cause used by participants configured to vote no.
var ErrVotedNo = errors.New("participant voted no")

// Log is an ordered, concurrency safe record of notifications.
type Log struct {
	mu     sync.Mutex
	events []string
}

// Add appends an event.
func (l *Log) Add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

// Events returns a copy of the recorded events.
func (l *Log) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// Index returns the position of the first occurrence of event, -1 if absent.
func (l *Log) Index(event string) int {
	for i, e := range l.Events() {
		if e == event {
			return i
		}
	}
	return -1
}

// Count returns how many events end with suffix.
func (l *Log) Count(suffix string) int {
	n := 0
	for _, e := range l.Events() {
		if strings.HasSuffix(e, suffix) {
			n++
		}
	}
	return n
}

// Vote is how a participant answers Prepare.
type Vote int

const (
	// VotePrepared answers Prepared.
	VotePrepared Vote = iota
	// VoteForceRollback answers ForceRollback with ErrVotedNo.
	VoteForceRollback
	// VoteDone answers EnlistmentDone (read only participant).
	VoteDone
	// VoteLater keeps the PreparingEnlistment for the test to answer.
	VoteLater
	// VotePanic panics inside Prepare.
	VotePanic
)

// Volatile is a two phase participant that records what it is told.
type Volatile struct {
	Name string
	Log  *Log
	Vote Vote

	// OnPrepare runs inside Prepare before the vote is cast.
	OnPrepare func(pe *txn.PreparingEnlistment)

	mu       sync.Mutex
	outcomes []string
	pending  *txn.PreparingEnlistment
	answer   error
}

// NewVolatile creates a participant voting v.
func NewVolatile(name string, log *Log, v Vote) *Volatile {
	return &Volatile{Name: name, Log: log, Vote: v}
}

func (p *Volatile) record(event string) {
	if p.Log != nil {
		p.Log.Add(fmt.Sprintf("%s:%s", p.Name, event))
	}
}

func (p *Volatile) outcome(o string) {
	p.mu.Lock()
	p.outcomes = append(p.outcomes, o)
	p.mu.Unlock()
	p.record(o)
}

// Outcomes returns the outcome notifications received, in order.
func (p *Volatile) Outcomes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.outcomes...)
}

// Pending returns the enlistment kept by VoteLater.
func (p *Volatile) Pending() *txn.PreparingEnlistment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// AnswerErr returns the error the vote call returned.
func (p *Volatile) AnswerErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answer
}

func (p *Volatile) Prepare(pe *txn.PreparingEnlistment) {
	p.record("prepare")
	if p.OnPrepare != nil {
		p.OnPrepare(pe)
	}

	var err error
	switch p.Vote {
	case VotePrepared:
		err = pe.Prepared()
	case VoteForceRollback:
		err = pe.ForceRollback(ErrVotedNo)
	case VoteDone:
		err = pe.EnlistmentDone()
	case VoteLater:
		p.mu.Lock()
		p.pending = pe
		p.mu.Unlock()
	case VotePanic:
		panic(fmt.Sprintf("%s refuses to prepare", p.Name))
	}

	p.mu.Lock()
	p.answer = err
	p.mu.Unlock()
}

func (p *Volatile) Commit(e *txn.Enlistment) {
	p.outcome("commit")
	e.EnlistmentDone()
}

func (p *Volatile) Rollback(e *txn.Enlistment) {
	p.outcome("rollback")
	e.EnlistmentDone()
}

func (p *Volatile) InDoubt(e *txn.Enlistment) {
	p.outcome("indoubt")
	e.EnlistmentDone()
}

// Result is how a participant answers SinglePhaseCommit.
type Result int

const (
	// ResultCommitted answers Committed.
	ResultCommitted Result = iota
	// ResultAborted answers Aborted with ErrVotedNo.
	ResultAborted
	// ResultInDoubt answers InDoubt.
	ResultInDoubt
	// ResultPanic panics inside SinglePhaseCommit.
	ResultPanic
)

// SinglePhase is a Volatile participant that also supports single phase commit.
type SinglePhase struct {
	*Volatile
	Result Result
}

// NewSinglePhase creates a single phase capable participant.
func NewSinglePhase(name string, log *Log, v Vote, r Result) *SinglePhase {
	return &SinglePhase{Volatile: NewVolatile(name, log, v), Result: r}
}

func (p *SinglePhase) SinglePhaseCommit(spe *txn.SinglePhaseEnlistment) {
	p.record("spc")
	switch p.Result {
	case ResultCommitted:
		p.outcome("committed")
		spe.Committed()
	case ResultAborted:
		p.outcome("aborted")
		spe.Aborted(ErrVotedNo)
	case ResultInDoubt:
		p.outcome("indoubt")
		spe.InDoubt(nil)
	case ResultPanic:
		panic(fmt.Sprintf("%s crashed during single phase commit", p.Name))
	}
}

// Promotable is a promotable single phase participant.
type Promotable struct {
	Name string
	Log  *Log

	Token      []byte
	InitErr    error
	PromoteErr error
	Result     Result

	mu       sync.Mutex
	outcomes []string
}

func (p *Promotable) record(event string) {
	if p.Log != nil {
		p.Log.Add(fmt.Sprintf("%s:%s", p.Name, event))
	}
}

func (p *Promotable) outcome(o string) {
	p.mu.Lock()
	p.outcomes = append(p.outcomes, o)
	p.mu.Unlock()
	p.record(o)
}

// Outcomes returns the outcome notifications received, in order.
func (p *Promotable) Outcomes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.outcomes...)
}

func (p *Promotable) Initialize() error {
	p.record("initialize")
	return p.InitErr
}

func (p *Promotable) SinglePhaseCommit(spe *txn.SinglePhaseEnlistment) {
	p.record("spc")
	switch p.Result {
	case ResultCommitted:
		p.outcome("committed")
		spe.Committed()
	case ResultAborted:
		p.outcome("aborted")
		spe.Aborted(ErrVotedNo)
	case ResultInDoubt:
		p.outcome("indoubt")
		spe.InDoubt(nil)
	case ResultPanic:
		panic(fmt.Sprintf("%s crashed during single phase commit", p.Name))
	}
}

func (p *Promotable) Rollback(spe *txn.SinglePhaseEnlistment) {
	p.outcome("rollback")
	spe.Aborted(nil)
}

func (p *Promotable) Promote() ([]byte, error) {
	p.record("promote")
	return p.Token, p.PromoteErr
}
