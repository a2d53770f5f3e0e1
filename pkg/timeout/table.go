package timeout

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Expirer is implemented by everything that can be registered in the table.
// Timeout is invoked at most once, from the sweep goroutine.
type Expirer interface {
	Timeout()
}

// Config defines the configuration of a Table.
type Config struct {
	// TickInterval is the resolution of the virtual clock.
	TickInterval time.Duration

	// BucketCapacity is the number of slots per bucket.
	BucketCapacity int

	// LogTimeouts logs every fired timeout at info level.
	LogTimeouts bool
}

/*
	The table keeps a singly linked chain of bucket sets ordered by descending
	absolute tick, anchored by a head that never expires:

		head(MaxInt64) -> set(t=42) -> set(t=17) -> set(t=9) -> nil

	Expired sets therefore always form a suffix of the chain. Insertions walk the
	chain holding the read side of gate and splice new sets in with a CAS.
	The sweep takes the write side only long enough to cut the expired suffix,
	then fires the surviving slots of the detached sets without any lock held.
*/

// Table tracks every transaction with a finite timeout.
type Table struct {
	conf Config

	epoch time.Time
	clock func() int64

	// gate is held for reading by inserters and for writing by the sweep.
	gate sync.RWMutex
	head *BucketSet

	// live is the number of occupied slots.
	live atomic.Int64

	timerMu sync.Mutex
	running atomic.Bool
	closed  bool
	stopc   chan struct{}
	wg      sync.WaitGroup
}

// NewTable creates a new timeout table. The sweep timer is started lazily.
func NewTable(conf Config) (*Table, error) {
	if conf.TickInterval <= 0 {
		return nil, fmt.Errorf("invalid tick interval %s", conf.TickInterval)
	}
	if conf.BucketCapacity <= 0 {
		return nil, fmt.Errorf("invalid bucket capacity %d", conf.BucketCapacity)
	}

	t := &Table{
		conf:  conf,
		epoch: time.Now(),
		head:  newBucketSet(math.MaxInt64, 1),
	}
	t.clock = t.elapsedTicks
	return t, nil
}

func (t *Table) elapsedTicks() int64 {
	return int64(time.Since(t.epoch) / t.conf.TickInterval)
}

// Now returns the current tick of the virtual clock.
func (t *Table) Now() int64 {
	return t.clock()
}

// Len returns the number of transactions currently registered.
func (t *Table) Len() int64 {
	return t.live.Load()
}

// ticks converts a relative timeout to a number of ticks.
// One extra tick is added because the current tick is already partially elapsed.
func (t *Table) ticks(d time.Duration) int64 {
	n := int64(d / t.conf.TickInterval)
	if d%t.conf.TickInterval != 0 {
		n++
	}
	return n + 1
}

// Add registers e to be timed out once d has elapsed.
func (t *Table) Add(e Expirer, d time.Duration) (*Slot, error) {
	if d <= 0 {
		return nil, fmt.Errorf("invalid timeout %s", d)
	}

	t.live.Add(1)

	t.gate.RLock()
	abs := t.Now() + t.ticks(d)
	set := t.findOrInsert(abs)
	slot := set.add(&entry{e: e}, t.conf.BucketCapacity)
	t.gate.RUnlock()

	if err := t.ensureTimer(); err != nil {
		t.Remove(slot)
		return nil, err
	}
	return slot, nil
}

// findOrInsert returns the set for the absolute tick, creating it if needed.
// Must be called with the read side of the gate held.
func (t *Table) findOrInsert(abs int64) *BucketSet {
	for {
		prev := t.head
		cur := prev.next.Load()
		for cur != nil && cur.absolute > abs {
			prev = cur
			cur = cur.next.Load()
		}
		if cur != nil && cur.absolute == abs {
			return cur
		}

		n := newBucketSet(abs, t.conf.BucketCapacity)
		n.next.Store(cur)
		if prev.next.CompareAndSwap(cur, n) {
			return n
		}
	}
}

// Remove deletes the slot from the table.
// Returns true if the slot was still occupied, i.e. the timeout will never fire.
func (t *Table) Remove(s *Slot) bool {
	if s == nil {
		return false
	}
	if s.bucket.slots[s.index].CompareAndSwap(s.entry, nil) {
		t.live.Add(-1)
		return true
	}
	return false
}

// sweep retires every bucket set whose tick has elapsed and times out its members.
func (t *Table) sweep() {
	now := t.Now()

	t.gate.Lock()
	prev := t.head
	cur := prev.next.Load()
	for cur != nil && cur.absolute > now {
		prev = cur
		cur = cur.next.Load()
	}
	if cur != nil {
		prev.next.Store(nil)
	}
	t.gate.Unlock()

	for set := cur; set != nil; set = set.next.Load() {
		set.drain(func(e *entry) {
			t.live.Add(-1)
			t.fire(e, set.absolute)
		})
	}
}

func (t *Table) fire(e *entry, abs int64) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"tick": abs, "panic": r}).Error("timeout::table::fire; expirer panicked")
		}
	}()

	if t.conf.LogTimeouts {
		log.WithFields(log.Fields{"tick": abs}).Info("timeout::table::fire; timing out transaction")
	}
	e.e.Timeout()
}

// ensureTimer starts the sweep goroutine if it is not running.
func (t *Table) ensureTimer() error {
	if t.running.Load() {
		return nil
	}

	t.timerMu.Lock()
	defer t.timerMu.Unlock()

	if t.closed {
		return fmt.Errorf("timeout table is closed")
	}
	if t.running.Load() {
		return nil
	}

	log.Debug("timeout::table::ensureTimer; starting sweep timer")
	t.running.Store(true)
	t.stopc = make(chan struct{})
	t.wg.Add(1)
	go t.run(t.stopc)
	return nil
}

func (t *Table) run(stopc chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.conf.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopc:
			return
		case <-ticker.C:
			t.sweep()
			if !t.keepRunning() {
				log.Debug("timeout::table::run; no timed transactions left, stopping sweep timer")
				return
			}
		}
	}
}

// keepRunning decides whether the timer is still needed.
// live is checked again after clearing running so that a concurrent Add
// that observed running == true is never left without a timer.
func (t *Table) keepRunning() bool {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()

	if t.closed {
		return false
	}
	if t.live.Load() > 0 {
		return true
	}
	t.running.Store(false)
	if t.live.Load() > 0 {
		t.running.Store(true)
		return true
	}
	return false
}

// Close stops the sweep timer. Registered transactions are never timed out afterwards.
func (t *Table) Close() {
	t.timerMu.Lock()
	if t.closed {
		t.timerMu.Unlock()
		return
	}
	t.closed = true
	if t.running.Load() {
		close(t.stopc)
		t.running.Store(false)
	}
	t.timerMu.Unlock()

	t.wg.Wait()
}

// sets returns the absolute ticks of the chain, head excluded. Used for diagnostics.
func (t *Table) sets() []int64 {
	t.gate.RLock()
	defer t.gate.RUnlock()

	var res []int64
	for cur := t.head.next.Load(); cur != nil; cur = cur.next.Load() {
		res = append(res, cur.absolute)
	}
	return res
}
