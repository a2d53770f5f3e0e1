// Package workload drives transfers between accounts through the transaction
// manager. Balances live in a volatile kv store, every transfer posts an
// audit message to a transactional queue and, when ledgers are attached, a
// durable ledger entry to each of them.
package workload

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dr0pdb/icecanetm/pkg/resource/boltrm"
	"github.com/dr0pdb/icecanetm/pkg/resource/kv"
	"github.com/dr0pdb/icecanetm/pkg/resource/queue"
	"github.com/dr0pdb/icecanetm/pkg/txn"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config tunes a run.
type Config struct {
	Accounts       int
	InitialBalance int
	Workers        int

	// Transfers is the number of transfers per worker. Zero runs until the context is done.
	Transfers int

	// Timeout is the transaction timeout of a transfer.
	Timeout time.Duration
}

// Stats counts transfer outcomes.
type Stats struct {
	Committed int64
	Aborted   int64
	InDoubt   int64
	Skipped   int64
}

func (s Stats) String() string {
	return fmt.Sprintf("committed=%d aborted=%d indoubt=%d skipped=%d", s.Committed, s.Aborted, s.InDoubt, s.Skipped)
}

// Bank owns the resources a workload runs against.
type Bank struct {
	tm      *txn.TransactionManager
	conf    Config
	store   *kv.Store
	audit   *queue.Queue
	ledgers []*boltrm.Manager

	committed, aborted, inDoubt, skipped atomic.Int64
}

// NewBank creates a bank. Ledgers are optional; with two or more the
// transfers are promoted, so tm needs a coordinator.
func NewBank(tm *txn.TransactionManager, conf Config, ledgers ...*boltrm.Manager) *Bank {
	if conf.Workers <= 0 {
		conf.Workers = 1
	}
	if conf.Accounts < 2 {
		conf.Accounts = 2
	}
	return &Bank{
		tm:      tm,
		conf:    conf,
		store:   kv.NewStore("accounts"),
		audit:   queue.New("audit"),
		ledgers: ledgers,
	}
}

func accountKey(i int) []byte {
	return []byte(fmt.Sprintf("acct/%04d", i))
}

// Audit returns the queue of audit messages.
func (b *Bank) Audit() *queue.Queue {
	return b.audit
}

// Stats returns the outcome counts so far.
func (b *Bank) Stats() Stats {
	return Stats{
		Committed: b.committed.Load(),
		Aborted:   b.aborted.Load(),
		InDoubt:   b.inDoubt.Load(),
		Skipped:   b.skipped.Load(),
	}
}

// Seed opens every account with the initial balance in one transaction.
func (b *Bank) Seed(ctx context.Context) error {
	ct, err := b.tm.Begin(txn.TransactionOptions{Timeout: b.conf.Timeout})
	if err != nil {
		return err
	}
	defer ct.Close()

	ss, err := b.store.Open(&ct.Transaction)
	if err != nil {
		return err
	}
	for i := 0; i < b.conf.Accounts; i++ {
		if err := ss.Set(accountKey(i), []byte(strconv.Itoa(b.conf.InitialBalance))); err != nil {
			return err
		}
	}
	o, err := ct.Commit(ctx)
	if err != nil {
		return err
	}
	return o.Err()
}

// Total sums the committed balances.
func (b *Bank) Total() (int, error) {
	total := 0
	for i := 0; i < b.conf.Accounts; i++ {
		v, err := b.store.Get(accountKey(i))
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Run starts the workers and waits for them.
func (b *Bank) Run(ctx context.Context) (Stats, error) {
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < b.conf.Workers; w++ {
		rnd := rand.New(rand.NewSource(int64(w) + time.Now().UnixNano()))
		g.Go(func() error {
			for i := 0; b.conf.Transfers == 0 || i < b.conf.Transfers; i++ {
				if gctx.Err() != nil {
					return nil
				}
				from := rnd.Intn(b.conf.Accounts)
				to := (from + 1 + rnd.Intn(b.conf.Accounts-1)) % b.conf.Accounts
				if err := b.Transfer(gctx, from, to, 1+rnd.Intn(10)); err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	stats := b.Stats()
	log.WithFields(log.Fields{"stats": stats.String()}).Info("workload::Run; done")
	return stats, err
}

// Transfer moves amount between two accounts. An aborted or in doubt
// transfer is counted, not returned as an error.
func (b *Bank) Transfer(ctx context.Context, from, to, amount int) error {
	ct, err := b.tm.Begin(txn.TransactionOptions{Timeout: b.conf.Timeout})
	if err != nil {
		return err
	}
	defer ct.Close()

	ss, err := b.store.Open(&ct.Transaction)
	if err != nil {
		return err
	}
	fromBalance, err := balance(ss, from)
	if err != nil {
		return err
	}
	if fromBalance < amount {
		b.skipped.Add(1)
		return ct.Rollback()
	}
	toBalance, err := balance(ss, to)
	if err != nil {
		return err
	}
	if err := ss.Set(accountKey(from), []byte(strconv.Itoa(fromBalance-amount))); err != nil {
		return err
	}
	if err := ss.Set(accountKey(to), []byte(strconv.Itoa(toBalance+amount))); err != nil {
		return err
	}

	entry := []byte(fmt.Sprintf("%s %d->%d %d", ct.ID(), from, to, amount))
	qs, err := b.audit.Open(&ct.Transaction)
	if err != nil {
		return err
	}
	if err := qs.Enqueue(entry); err != nil {
		return err
	}
	for _, l := range b.ledgers {
		ls, err := l.Open(&ct.Transaction)
		if err != nil {
			return err
		}
		id := ct.ID()
		if err := ls.Put(id[:], entry); err != nil {
			return err
		}
	}

	o, err := ct.Commit(ctx)
	if err != nil {
		return err
	}
	switch o.Status {
	case txn.StatusCommitted:
		b.committed.Add(1)
	case txn.StatusAborted:
		b.aborted.Add(1)
		log.WithFields(log.Fields{"txnID": ct.ID()}).Debug(fmt.Sprintf("workload::Transfer; aborted, cause %v", o.Cause))
	default:
		b.inDoubt.Add(1)
		log.WithFields(log.Fields{"txnID": ct.ID()}).Warn(fmt.Sprintf("workload::Transfer; in doubt, cause %v", o.Cause))
	}
	return nil
}

func balance(ss *kv.Session, i int) (int, error) {
	v, err := ss.Get(accountKey(i))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(v))
}
