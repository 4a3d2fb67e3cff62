// Package cacheline implements the per-cache-line detail record (spec.md
// §4.6): the escalated state created only for lines that crossed the
// cache-sharing threshold, tracking per-thread reads/writes and the
// invalidation-attribution protocol that distinguishes real coherence
// events from ordinary bookkeeping.
package cacheline

import (
	"sync/atomic"

	"github.com/OneTokens/NumaPerf/addrspace"
	"github.com/OneTokens/NumaPerf/atomics"
)

// NoWriter marks LastWriterThreadID before any write has landed on the
// line.
const NoWriter = ^uint32(0)

// MaxThreadNum is the compile-time bound on the dense per-thread arrays
// below. Detail is stored by value inside the mmap'd, GC-unscanned shadow
// arena (package shadow), so it must not contain slices or other Go
// pointers: a pointer living only in unscanned memory gives the garbage
// collector no way to discover the object it references, and that
// object's backing storage can be collected out from under it. Arrays
// fixed at compile time are the only way to keep a dense per-thread
// table inside such a value. config.Config.MaxThreadNum is the runtime
// cap actually enforced on thread IDs and must not exceed this.
const MaxThreadNum = 256

const bitsetWords = (MaxThreadNum + 63) / 64

// Detail is one record per cache line that has crossed the cache-sharing
// detail threshold (spec.md §3). It lives until its enclosing shadow
// fragment is unmapped at teardown.
type Detail struct {
	StartAddress uintptr

	ThreadReads  [MaxThreadNum]uint32
	ThreadWrites [MaxThreadNum]uint32

	InvalidationsByFirstTouchThread uint64
	InvalidationsByOtherThreads     uint64

	LastWriterThreadID uint32

	// AccessThreadBitmask has bit t set once thread t has touched this
	// line (read or write), stored as a bitset since MaxThreadNum can
	// exceed 64.
	AccessThreadBitmask [bitsetWords]uint64

	// PartiallyOccupied mirrors page.AccessInfo.IsPartiallyOccupied for
	// this line's index at the moment of escalation (spec.md §8 property
	// 6): only partially-occupied lines have a meaningful
	// WordThreadBitmask. The per-word table itself is always present —
	// unlike a lazily-allocated slice, Detail's
	// fixed layout can't omit it for lines that don't need it, trading a
	// fixed per-line footprint for the pointer-freedom above.
	PartiallyOccupied bool

	// WordThreadBitmask[w] has bit t set once thread t has touched word w
	// specifically (spec.md §4.6 "Partial occupancy"). Only meaningful
	// when PartiallyOccupied is true.
	WordThreadBitmask [addrspace.WordsPerCacheLine][bitsetWords]uint64
}

// New constructs a Detail for the cache line starting at startAddr.
func New(startAddr uintptr, partiallyOccupied bool) *Detail {
	return &Detail{
		StartAddress:       startAddr,
		LastWriterThreadID: NoWriter,
		PartiallyOccupied:  partiallyOccupied,
	}
}

// RecordWrite applies a write by threadID, landing in word wordIdx,
// implementing the write side of spec.md §4.6's protocol: a write that
// finds a different last writer is an invalidation charged against
// whichever category (first-touch thread or other) that *previous* writer
// belonged to — it is the thread losing its cached copy, not the writer,
// that the event is attributed to.
func (d *Detail) RecordWrite(threadID, firstTouchThreadID uint32, wordIdx int, retryBudget int) {
	for attempt := 0; retryBudget < 0 || attempt <= retryBudget; attempt++ {
		old := atomic.LoadUint32(&d.LastWriterThreadID)
		if old == threadID {
			break
		}
		if atomic.CompareAndSwapUint32(&d.LastWriterThreadID, old, threadID) {
			if old != NoWriter {
				d.chargeInvalidation(old, firstTouchThreadID, retryBudget)
			}
			break
		}
		// Lost the CAS race to another writer; reload and retry.
	}

	_, _ = atomics.SetBitUint64(&d.AccessThreadBitmask[threadID/64], uint(threadID%64), retryBudget)
	_, _ = atomics.FetchAddBoundedUint32(&d.ThreadWrites[threadID], 1, retryBudget)
	if d.PartiallyOccupied && wordIdx >= 0 {
		_, _ = atomics.SetBitUint64(&d.WordThreadBitmask[wordIdx][threadID/64], uint(threadID%64), retryBudget)
	}
}

// RecordRead applies a read by threadID, landing in word wordIdx,
// implementing the read side of spec.md §4.6's protocol: a thread's first
// ever read of a line is free; a later read that disagrees with the
// current last writer is a coherence miss charged to the *reading*
// thread's own category, since it is the reader that just paid for a
// remote-to-local transfer.
func (d *Detail) RecordRead(threadID, firstTouchThreadID uint32, wordIdx int, retryBudget int) {
	firstEverAccess, _ := atomics.SetBitUint64(&d.AccessThreadBitmask[threadID/64], uint(threadID%64), retryBudget)

	if !firstEverAccess {
		lastWriter := atomic.LoadUint32(&d.LastWriterThreadID)
		if lastWriter != NoWriter && lastWriter != threadID {
			d.chargeInvalidation(threadID, firstTouchThreadID, retryBudget)
		}
	}

	_, _ = atomics.FetchAddBoundedUint32(&d.ThreadReads[threadID], 1, retryBudget)
	if d.PartiallyOccupied && wordIdx >= 0 {
		_, _ = atomics.SetBitUint64(&d.WordThreadBitmask[wordIdx][threadID/64], uint(threadID%64), retryBudget)
	}
}

func (d *Detail) chargeInvalidation(chargedThread, firstTouchThreadID uint32, retryBudget int) {
	if chargedThread == firstTouchThreadID {
		_, _ = atomics.FetchAddBoundedUint64(&d.InvalidationsByFirstTouchThread, 1, retryBudget)
	} else {
		_, _ = atomics.FetchAddBoundedUint64(&d.InvalidationsByOtherThreads, 1, retryBudget)
	}
}

// TotalInvalidations is the seriousness-score input of spec.md §4.8 step 4.
func (d *Detail) TotalInvalidations() uint64 {
	return atomic.LoadUint64(&d.InvalidationsByFirstTouchThread) + atomic.LoadUint64(&d.InvalidationsByOtherThreads)
}

// DistinctThreads counts the set bits in AccessThreadBitmask.
func (d *Detail) DistinctThreads() int {
	n := 0
	for _, word := range d.AccessThreadBitmask {
		n += popcount(word)
	}
	return n
}

// HasWordSharing reports whether more than one distinct thread appears
// anywhere across this partially-occupied line's per-word bitmasks — the
// false-sharing signature spec.md's end-to-end scenario describes as
// "bit-0 for thread 0 in word 0 and bit-1 for thread 1 in word 1". Lines
// that are not partially occupied cannot exhibit this (only true sharing).
func (d *Detail) HasWordSharing() bool {
	if !d.PartiallyOccupied {
		return false
	}
	var union [bitsetWords]uint64
	for _, bucket := range d.WordThreadBitmask {
		for i, word := range bucket {
			union[i] |= word
		}
	}
	n := 0
	for _, word := range union {
		n += popcount(word)
	}
	return n > 1
}

func popcount(v uint64) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}
