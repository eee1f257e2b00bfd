package xfer

import (
	"sort"
	"sync"
	"sync/atomic"
)

// SequenceAssembler tracks which byte ranges of an ordered stream are known,
// reporting a monotonic contiguous prefix. Spans may arrive out of order and
// from multiple goroutines; the common case - the next span lands exactly at
// the current prefix end - is a single CAS with no lock and no allocation.
//
// contigX2 packs the prefix length shifted left by one, with the LSB set
// while the noncontiguous span list is non-empty. firstNoncontig caches the
// smallest start offset held in that list (noLimit when empty).
type SequenceAssembler struct {
	contigX2       atomic.Uint64
	firstNoncontig atomic.Uint64

	mu    sync.Mutex
	spans []seqSpan // sorted by start, non-overlapping
}

type seqSpan struct {
	start, count uint64
}

// NewSequenceAssembler returns an empty assembler.
func NewSequenceAssembler() *SequenceAssembler {
	sa := &SequenceAssembler{}
	sa.firstNoncontig.Store(noLimit)
	return sa
}

// init prepares an assembler embedded at its zero value. firstNoncontig must
// read as noLimit before any concurrent use.
func (sa *SequenceAssembler) init() {
	sa.firstNoncontig.Store(noLimit)
}

// Swap exchanges the contents of two assemblers. Not safe for concurrent use
// with any other operation; used only when handing buffered updates to a
// newly registered descriptor.
func (sa *SequenceAssembler) Swap(other *SequenceAssembler) {
	a, b := sa.contigX2.Load(), other.contigX2.Load()
	sa.contigX2.Store(b)
	other.contigX2.Store(a)
	a, b = sa.firstNoncontig.Load(), other.firstNoncontig.Load()
	sa.firstNoncontig.Store(b)
	other.firstNoncontig.Store(a)
	sa.spans, other.spans = other.spans, sa.spans
}

// SpanExists reports how many contiguous bytes of [start, start+count) are
// known, counting from start.
func (sa *SequenceAssembler) SpanExists(start, count uint64) uint64 {
	// lock-free case 1: start below the contiguous prefix
	contigX2 := sa.contigX2.Load()
	if start < contigX2>>1 {
		maxAvail := contigX2>>1 - start
		if count < maxAvail {
			return count
		}
		return maxAvail
	}

	// lock-free case 2a: no noncontiguous spans at all
	if contigX2&1 == 0 {
		return 0
	}

	// lock-free case 2b: prefix <= start < first noncontiguous span
	if start < sa.firstNoncontig.Load() {
		return 0
	}

	sa.mu.Lock()
	defer sa.mu.Unlock()

	// recheck the prefix in case it and the noncontig cache were both
	// bumped between the two samples above
	contig := sa.contigX2.Load() >> 1
	if start < contig {
		maxAvail := contig - start
		if count < maxAvail {
			return count
		}
		return maxAvail
	}
	if start < sa.firstNoncontig.Load() {
		return 0
	}

	// find the span that might contain start
	idx := sort.Search(len(sa.spans), func(i int) bool {
		return sa.spans[i].start > start
	})
	if idx == 0 {
		return 0
	}
	s := sa.spans[idx-1]
	if s.start+s.count <= start {
		return 0
	}
	maxAvail := s.start + s.count - start
	for maxAvail < count {
		if idx == len(sa.spans) {
			return maxAvail
		}
		next := sa.spans[idx]
		if next.start > start+maxAvail {
			return maxAvail
		}
		maxAvail += next.count
		idx++
	}
	return count
}

// ContigAmount returns the current contiguous prefix length.
func (sa *SequenceAssembler) ContigAmount() uint64 {
	return sa.contigX2.Load() >> 1
}

// AddSpan records [pos, pos+count) and returns the amount by which the
// contiguous prefix grew (i.e. the prefix advanced over [pos, pos+retval)).
func (sa *SequenceAssembler) AddSpan(pos, count uint64) uint64 {
	// fastest case: bump the prefix with no noncontiguous spans around
	prevX2 := pos << 1
	nextX2 := (pos + count) << 1
	if sa.contigX2.CompareAndSwap(prevX2, nextX2) {
		return count
	}

	// second best: the CAS failed only because the noncontig bit is set;
	// take the lock and pick up any spans we now connect with
	if sa.contigX2.Load()>>1 == pos {
		spanEnd := pos + count

		sa.mu.Lock()
		newNoncontig := uint64(noLimit)
		for len(sa.spans) > 0 {
			if sa.spans[0].start == spanEnd {
				spanEnd += sa.spans[0].count
				sa.spans = sa.spans[1:]
			} else {
				newNoncontig = sa.spans[0].start
				break
			}
		}

		// update the prefix before the noncontig cache so SpanExists
		// never sees a false negative
		nextX2 = spanEnd << 1
		if len(sa.spans) > 0 {
			nextX2 |= 1
		}
		if !sa.contigX2.CompareAndSwap(prevX2|1, nextX2) {
			panic("xfer: sequence assembler prefix moved under lock")
		}
		sa.firstNoncontig.Store(newNoncontig)
		sa.mu.Unlock()

		return spanEnd - pos
	}

	// worst case: record the span as noncontiguous; we may still have been
	// caught up with in the meantime
	sa.mu.Lock()
	defer sa.mu.Unlock()

	sa.insertSpanLocked(pos, count)

	if pos > sa.firstNoncontig.Load() {
		// spans was non-empty, so the LSB is already set
		return 0
	}

	// make sure the LSB is set and re-sample the prefix with one atomic OR
	prevX2 = sa.contigX2.Or(1)
	if prevX2>>1 != pos {
		if pos < sa.firstNoncontig.Load() {
			sa.firstNoncontig.Store(pos)
		}
		return 0
	}

	// we were caught up with: gather leading spans and bump the prefix
	spanEnd := pos
	newNoncontig := uint64(noLimit)
	for len(sa.spans) > 0 {
		if sa.spans[0].start == spanEnd {
			spanEnd += sa.spans[0].count
			sa.spans = sa.spans[1:]
		} else {
			newNoncontig = sa.spans[0].start
			break
		}
	}
	if spanEnd == pos {
		panic("xfer: sequence assembler failed to absorb own span")
	}

	nextX2 = spanEnd << 1
	if len(sa.spans) > 0 {
		nextX2 |= 1
	}
	if !sa.contigX2.CompareAndSwap(prevX2|1, nextX2) {
		panic("xfer: sequence assembler prefix moved under lock")
	}
	sa.firstNoncontig.Store(newNoncontig)

	return spanEnd - pos
}

func (sa *SequenceAssembler) insertSpanLocked(pos, count uint64) {
	idx := sort.Search(len(sa.spans), func(i int) bool {
		return sa.spans[i].start >= pos
	})
	sa.spans = append(sa.spans, seqSpan{})
	copy(sa.spans[idx+1:], sa.spans[idx:])
	sa.spans[idx] = seqSpan{start: pos, count: count}
}
