package timeout

import (
	"sync/atomic"
)

// entry wraps an Expirer so that slot ownership can be decided with a pointer CAS.
type entry struct {
	e Expirer
}

// Bucket is a fixed capacity array of transaction slots.
// Slots are claimed with an atomic increment of index and never reused.
// When a bucket is full a new one is allocated and CAS-linked in front of it.
type Bucket struct {
	slots []atomic.Pointer[entry]
	index atomic.Int32

	// older is the bucket that was filled before this one.
	older atomic.Pointer[Bucket]
}

func newBucket(capacity int) *Bucket {
	return &Bucket{
		slots: make([]atomic.Pointer[entry], capacity),
	}
}

// used returns the number of slots that have been handed out.
func (b *Bucket) used() int {
	n := int(b.index.Load())
	if n > len(b.slots) {
		return len(b.slots)
	}
	return n
}

// BucketSet groups every transaction sharing one absolute timeout tick.
type BucketSet struct {
	absolute int64

	// next points to the set with the next smaller absolute tick.
	next atomic.Pointer[BucketSet]

	// bucket is the bucket currently being filled.
	bucket atomic.Pointer[Bucket]
}

func newBucketSet(absolute int64, capacity int) *BucketSet {
	bs := &BucketSet{absolute: absolute}
	bs.bucket.Store(newBucket(capacity))
	return bs
}

// Absolute returns the tick at which every member of the set expires.
func (bs *BucketSet) Absolute() int64 {
	return bs.absolute
}

// add places e into the set, allocating new buckets as the current one overflows.
func (bs *BucketSet) add(e *entry, capacity int) *Slot {
	for {
		b := bs.bucket.Load()
		i := int(b.index.Add(1) - 1)
		if i < len(b.slots) {
			b.slots[i].Store(e)
			return &Slot{bucket: b, index: i, entry: e, absolute: bs.absolute}
		}

		nb := newBucket(capacity)
		nb.older.Store(b)
		// only one of the racing goroutines links its bucket, the others retry on the winner's.
		bs.bucket.CompareAndSwap(b, nb)
	}
}

// drain calls fn for every slot still occupied, clearing it first.
func (bs *BucketSet) drain(fn func(e *entry)) {
	for b := bs.bucket.Load(); b != nil; b = b.older.Load() {
		n := b.used()
		for i := 0; i < n; i++ {
			if e := b.slots[i].Swap(nil); e != nil {
				fn(e)
			}
		}
	}
}

// occupied counts the slots that are still populated. Used for diagnostics.
func (bs *BucketSet) occupied() int {
	cnt := 0
	for b := bs.bucket.Load(); b != nil; b = b.older.Load() {
		n := b.used()
		for i := 0; i < n; i++ {
			if b.slots[i].Load() != nil {
				cnt++
			}
		}
	}
	return cnt
}

// Slot identifies the placement of a single transaction in the table.
type Slot struct {
	bucket   *Bucket
	index    int
	entry    *entry
	absolute int64
}

// Absolute returns the tick at which the slot expires.
func (s *Slot) Absolute() int64 {
	return s.absolute
}
