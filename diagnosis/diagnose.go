package diagnosis

import (
	"github.com/OneTokens/NumaPerf/addrspace"
	"github.com/OneTokens/NumaPerf/cacheline"
	"github.com/OneTokens/NumaPerf/config"
	"github.com/OneTokens/NumaPerf/page"
	"github.com/OneTokens/NumaPerf/registry"
	"github.com/OneTokens/NumaPerf/shadow"
	"github.com/OneTokens/NumaPerf/topk"
)

// Diagnose sweeps every page and escalated cache line a freed object's bytes
// touched, implementing spec.md §4.8 steps 1–4 in one pass: it walks the
// pages the object spans, and on each page walks the cache lines that are
// (at least partly) the object's own bytes, folding their cacheline.Detail
// into per-object invalidation totals and a ranked CacheLineFinding list,
// while separately classifying each page as allocator-caused or
// application-caused (step 3) using every escalated line on that page, not
// just the object's own.
//
// This runs once per freed object, on the freeing thread (spec.md §5): no
// locking beyond what pages/lines already do internally for lazy fragment
// allocation, since the object's shadow state is read-only from here on.
func Diagnose(obj registry.ObjectInfo, pages *shadow.Map[page.AccessInfo], lines *shadow.Map[cacheline.Detail], cfg config.Config) ObjectDiagnosis {
	diag := ObjectDiagnosis{Object: obj}
	if obj.Size == 0 {
		return diag
	}

	pageQueue := topk.New[PageDiagnosis](cfg.TopK, scorePageDiagnosis)
	lineQueue := topk.New[CacheLineFinding](cfg.TopK, scoreCacheLineFinding)

	start := obj.StartAddress
	objEnd := start + obj.Size
	firstPageBase := addrspace.PageBase(start)
	pageCount := addrspace.PagesSpanned(start, obj.Size)

	for p := 0; p < pageCount; p++ {
		pageBase := firstPageBase + uintptr(p*addrspace.PageSize)
		pInfo, ok, err := pages.Find(pageBase)
		if err != nil || !ok {
			continue
		}

		loInPage := 0
		if pageBase < start {
			loInPage = int(start - pageBase)
		}
		hiInPage := addrspace.PageSize
		if objEnd < pageBase+addrspace.PageSize {
			hiInPage = int(objEnd - pageBase)
		}
		startLineIdx := loInPage / addrspace.CacheLineSize
		endLineIdx := (hiInPage - 1) / addrspace.CacheLineSize

		pageQueue.Push(diagnosePage(pInfo, pageBase, startLineIdx, endLineIdx, lines, cfg, &diag, lineQueue))
	}

	diag.Pages = pageQueue.Items()
	diag.CacheLines = lineQueue.Items()
	return diag
}

func diagnosePage(pInfo *page.AccessInfo, pageBase uintptr, startLineIdx, endLineIdx int, lines *shadow.Map[cacheline.Detail], cfg config.Config, diag *ObjectDiagnosis, lineQueue *topk.Heap[CacheLineFinding]) PageDiagnosis {
	pd := PageDiagnosis{PageIndex: addrspace.PageIndex(pageBase)}
	firstTouch := pInfo.FirstTouchThreadID

	var pageBitmask, selfBitmask []uint64
	var pageAccessesFirst, selfAccessesFirst uint64

	for lineIdx := 0; lineIdx < addrspace.CacheLinesPerPage; lineIdx++ {
		if !pInfo.IsEscalated(lineIdx) {
			continue
		}
		lineAddr := pageBase + uintptr(lineIdx*addrspace.CacheLineSize)
		detail, ok, err := lines.Find(lineAddr)
		if err != nil || !ok {
			continue
		}

		accessesFirst := threadAccesses(detail, firstTouch)
		pageAccessesFirst += accessesFirst
		pageBitmask = unionBitmask(pageBitmask, detail.AccessThreadBitmask[:])

		if lineIdx < startLineIdx || lineIdx > endLineIdx {
			continue // not this object's bytes, but still counted above for the page total
		}

		selfAccessesFirst += accessesFirst
		selfBitmask = unionBitmask(selfBitmask, detail.AccessThreadBitmask[:])

		diag.InvalidationsByFirstTouchThread += detail.InvalidationsByFirstTouchThread
		diag.InvalidationsByOtherThreads += detail.InvalidationsByOtherThreads
		diag.AccessesByFirstTouchThread += accessesFirst
		diag.AccessesByOtherThreads += totalAccesses(detail) - accessesFirst
		lineQueue.Push(CacheLineFinding{
			StartAddress:                    detail.StartAddress,
			InvalidationsByFirstTouchThread: detail.InvalidationsByFirstTouchThread,
			InvalidationsByOtherThreads:     detail.InvalidationsByOtherThreads,
			DistinctThreads:                 detail.DistinctThreads(),
			FalseSharing:                    detail.HasWordSharing(),
		})
	}

	pd.AccessThreadBitmaskInPage = pageBitmask
	pd.AccessThreadBitmaskFromSelf = selfBitmask
	pd.AccessesByPageFirstTouchThread = pageAccessesFirst
	pd.AccessesByPageFirstTouchThreadOwnBytes = selfAccessesFirst
	pd.AllocatorCaused = classifyAllocatorCaused(pageAccessesFirst, selfAccessesFirst, cfg.AllocatorRatioThreshold)
	return pd
}

// scoreCacheLineFinding ranks a CacheLineFinding for its owning object's
// bounded top-K queue (spec.md §3), using the same
// invalidations-weighted-by-distinct-threads shape as ObjectDiagnosis.Score.
func scoreCacheLineFinding(f CacheLineFinding) float64 {
	threads := f.DistinctThreads
	if threads < 1 {
		threads = 1
	}
	return float64(f.TotalInvalidations()) * float64(threads)
}

// scorePageDiagnosis ranks a PageDiagnosis for its owning object's bounded
// top-K queue (spec.md §3): the more of the page's first-touch-thread
// traffic lands on this object's own bytes, the more the page's sharing
// pattern is actually about this object rather than a neighbor.
func scorePageDiagnosis(pd PageDiagnosis) float64 {
	return float64(pd.AccessesByPageFirstTouchThreadOwnBytes)
}

func threadAccesses(d *cacheline.Detail, threadID uint32) uint64 {
	if int(threadID) >= len(d.ThreadReads) {
		return 0
	}
	return uint64(d.ThreadReads[threadID]) + uint64(d.ThreadWrites[threadID])
}

// totalAccesses sums every thread's reads and writes recorded on d, used to
// derive the object-level accesses-by-other-threads rollup (spec.md §3,
// §4.8 step 2) from the per-thread dense tables.
func totalAccesses(d *cacheline.Detail) uint64 {
	var total uint64
	for i := range d.ThreadReads {
		total += uint64(d.ThreadReads[i]) + uint64(d.ThreadWrites[i])
	}
	return total
}

// classifyAllocatorCaused implements spec.md §4.8 step 3: a page is
// allocator-caused for this object when the page's total accesses by its
// first-touch thread vastly exceed the object's own accesses by that same
// thread — the object is merely a neighbor of whatever the allocator placed
// next to it, not a participant in the sharing itself. A zero denominator
// with a non-zero numerator is the limiting case of "vastly exceed".
func classifyAllocatorCaused(pageTotal, ownTotal uint64, threshold float64) bool {
	if pageTotal == 0 {
		return false
	}
	if ownTotal == 0 {
		return true
	}
	return float64(pageTotal)/float64(ownTotal) >= threshold
}

func unionBitmask(dst, src []uint64) []uint64 {
	if len(dst) < len(src) {
		grown := make([]uint64, len(src))
		copy(grown, dst)
		dst = grown
	}
	for i, w := range src {
		dst[i] |= w
	}
	return dst
}
