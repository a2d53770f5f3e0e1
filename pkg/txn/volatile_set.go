package txn

// volatileEnlistmentSet is the bookkeeping of one volatile phase.
//
// Entries are never removed. Completion is tracked purely by counters so that a
// broadcast loop running with the lock released never sees an index move.
// All fields are guarded by the owning transaction's lock.
type volatileEnlistmentSet struct {
	enlistments []*internalEnlistment
	count       int
	growth      int

	// dependentClones are outstanding dependent clones counted against this phase.
	dependentClones int

	// prepared counts enlistments (and completed clones) that are done with the wave.
	prepared int

	// waveCount is the number of enlistments the current wave was issued to.
	waveCount int
}

func newVolatileEnlistmentSet(growth int) volatileEnlistmentSet {
	return volatileEnlistmentSet{growth: growth}
}

// add appends en, growing the backing array by a fixed increment on overflow.
func (s *volatileEnlistmentSet) add(en *internalEnlistment) {
	if s.count == len(s.enlistments) {
		grown := make([]*internalEnlistment, len(s.enlistments)+s.growth)
		copy(grown, s.enlistments)
		s.enlistments = grown
	}
	s.enlistments[s.count] = en
	s.count++
}

// at returns the i-th enlistment.
func (s *volatileEnlistmentSet) at(i int) *internalEnlistment {
	return s.enlistments[i]
}

// done reports whether the current wave has completed.
func (s *volatileEnlistmentSet) done() bool {
	return s.prepared == s.waveCount+s.dependentClones
}

// outstanding reports whether anything registered in the set still has to finish.
func (s *volatileEnlistmentSet) outstanding() bool {
	return s.prepared < s.count+s.dependentClones
}

// empty reports whether the set has never been used.
func (s *volatileEnlistmentSet) empty() bool {
	return s.count == 0 && s.dependentClones == 0
}
