// Package page implements the per-page access record (spec.md §4.5):
// cheap atomic counters that decide when a page, or one of its cache
// lines, needs the more expensive per-cache-line tracking in package
// cacheline.
package page

import (
	"sync/atomic"

	"github.com/OneTokens/NumaPerf/addrspace"
	"github.com/OneTokens/NumaPerf/atomics"
)

// AccessInfo is one record per touched 4 KiB page (spec.md §3). It is
// created lazily the first time any access or first-touch signal reaches
// that page, and is never destroyed before process exit: a later
// allocation reusing the same address range joins this history.
type AccessInfo struct {
	// FirstTouchThreadID is written exactly once, by whichever goroutine's
	// InsertIfAbsent call constructs this record (shadow.Map's own slot
	// tag already serializes that construction to a single caller, so no
	// extra CAS is needed here — see shadow.Map.InsertIfAbsent). Every
	// reader that obtained this pointer through the shadow map observed
	// the Inserted tag first, which carries a happens-before edge to this
	// field's initial write, so plain reads are safe from here on.
	FirstTouchThreadID uint32

	// AccessesByOtherThreads counts accesses where the calling thread
	// differs from FirstTouchThreadID (spec.md §4.5).
	AccessesByOtherThreads uint64

	// WritesPerCacheLine[k] counts writes landing in cache line k of this
	// page, used to decide escalation to a cacheline.Detail.
	WritesPerCacheLine [addrspace.CacheLinesPerPage]uint32

	// PartiallyOccupied has bit k set when cache line k of this page holds
	// bytes from more than one allocation, or from one allocation plus
	// adjacent heap metadata (spec.md §4.6). Set by the allocation hook.
	PartiallyOccupied uint64

	// Escalated has bit k set once cache line k has an entry in the
	// cache-line shadow, so the hot path can skip re-deriving that from
	// WritesPerCacheLine on every subsequent write.
	Escalated uint64
}

// New constructs a fresh AccessInfo whose first-touch thread is
// firstTouchThreadID. Passed as the construct callback to
// shadow.Map.InsertIfAbsent by both the hot path (the accessing thread)
// and the first-touch OS signal handler — whichever gets there first.
func New(firstTouchThreadID uint32) AccessInfo {
	return AccessInfo{FirstTouchThreadID: firstTouchThreadID}
}

// RecordAccess applies one access by threadID of the given kind to this
// page, mutating counters in place. It returns whether the page-sharing
// threshold and, if isWrite is true, the per-cache-line sharing threshold for
// cacheLineIdx were newly crossed by this call (edge-triggered, so the hot
// path escalates exactly once per line). Counter updates use the bounded
// retry primitives of package atomics: under retryBudget exhaustion an
// update is silently dropped (spec.md §7), which can only ever cause an
// escalation to fire a handful of accesses late, never spuriously.
func (a *AccessInfo) RecordAccess(threadID uint32, cacheLineIdx int, isWrite bool, pageThreshold, lineThreshold uint64, retryBudget int) (pageCrossed, lineCrossed bool) {
	var others uint64
	if threadID != a.FirstTouchThreadID {
		v, err := atomics.FetchAddBoundedUint64(&a.AccessesByOtherThreads, 1, retryBudget)
		if err == nil {
			others = v
			if others == pageThreshold+1 {
				pageCrossed = true
			}
		}
	}

	if isWrite {
		newCount, err := atomics.FetchAddBoundedUint32(&a.WritesPerCacheLine[cacheLineIdx], 1, retryBudget)
		if err == nil && uint64(newCount) == lineThreshold+1 {
			lineCrossed = true
		}
	}
	return
}

// MarkPartiallyOccupied sets the partial-occupancy bit for cacheLineIdx,
// called by the allocation hook for an object's first and last cache lines
// (spec.md §4.6).
func (a *AccessInfo) MarkPartiallyOccupied(cacheLineIdx int, retryBudget int) {
	_, _ = atomics.SetBitUint64(&a.PartiallyOccupied, uint(cacheLineIdx), retryBudget)
}

// IsPartiallyOccupied reports whether cacheLineIdx holds bytes from more
// than one allocation.
func (a *AccessInfo) IsPartiallyOccupied(cacheLineIdx int) bool {
	bit := uint64(1) << uint(cacheLineIdx)
	return atomic.LoadUint64(&a.PartiallyOccupied)&bit != 0
}

// MarkEscalated records that cacheLineIdx now has a cacheline.Detail,
// returning whether this call is the one that made it so (false if another
// goroutine already flagged it, or if the retry budget ran out — in which
// case the caller just tries the insert-if-absent on the cache-line shadow
// again next access).
func (a *AccessInfo) MarkEscalated(cacheLineIdx int, retryBudget int) (first bool) {
	changed, err := atomics.SetBitUint64(&a.Escalated, uint(cacheLineIdx), retryBudget)
	return err == nil && changed
}

// IsEscalated reports whether cacheLineIdx already has a cacheline.Detail.
func (a *AccessInfo) IsEscalated(cacheLineIdx int) bool {
	bit := uint64(1) << uint(cacheLineIdx)
	return atomic.LoadUint64(&a.Escalated)&bit != 0
}
