// Package diagnosis implements the object-lifecycle diagnosis of spec.md
// §4.8: once an object is freed, its shadowed pages and cache lines are
// swept once, scored, and folded into a bounded per-call-site ranking.
package diagnosis

import "github.com/OneTokens/NumaPerf/registry"

// CacheLineFinding is one ranked entry in an ObjectDiagnosis's cache-line
// queue, summarizing a cacheline.Detail at the moment its owning object was
// freed (spec.md §4.8 step 2).
type CacheLineFinding struct {
	StartAddress                    uintptr
	InvalidationsByFirstTouchThread uint64
	InvalidationsByOtherThreads     uint64
	DistinctThreads                 int
	FalseSharing                    bool // cacheline.Detail.HasWordSharing()
}

// TotalInvalidations sums both attribution categories.
func (f CacheLineFinding) TotalInvalidations() uint64 {
	return f.InvalidationsByFirstTouchThread + f.InvalidationsByOtherThreads
}

// PageDiagnosis is one ranked entry in an ObjectDiagnosis's page queue,
// summarizing the page(s) an object's bytes fell on (spec.md §4.8 step 1
// and step 3).
type PageDiagnosis struct {
	PageIndex uint64

	// AccessThreadBitmaskInPage has bit t set for every thread that touched
	// any escalated cache line on this page, regardless of which object on
	// the page it belongs to.
	AccessThreadBitmaskInPage []uint64

	// AccessThreadBitmaskFromSelf restricts the same union to cache lines
	// that are (at least partly) this object's own bytes.
	AccessThreadBitmaskFromSelf []uint64

	// AccessesByPageFirstTouchThread approximates the page's total accesses
	// by its first-touch thread, summed across all escalated lines on the
	// page. Lines below the cache-sharing threshold are not counted at all:
	// their writes are bounded by that threshold, while reads never cause
	// escalation, so a read-only line's accesses are left out however many
	// there are.
	AccessesByPageFirstTouchThread uint64

	// AccessesByPageFirstTouchThreadOwnBytes is the same sum restricted to
	// lines that are this object's own bytes (spec.md §4.8 step 3's
	// denominator).
	AccessesByPageFirstTouchThreadOwnBytes uint64

	// AllocatorCaused is true when AccessesByPageFirstTouchThread vastly
	// exceeds AccessesByPageFirstTouchThreadOwnBytes (ratio at or above
	// config.AllocatorRatioThreshold, or the denominator is zero while the
	// numerator is not) — the object is sharing a page mostly because the
	// allocator placed it next to somebody else's hot bytes, not because of
	// anything the object's own accesses did (spec.md §4.8 step 3).
	AllocatorCaused bool

	// RealNodeMismatch is set when procnuma cross-referencing finds the
	// real kernel NUMA placement of this page disagrees with the simulated
	// first-touch thread's affinity. Best-effort; see DESIGN.md.
	RealNodeMismatch bool
}

// ObjectDiagnosis is the per-freed-object finding, ranked within its
// call site's bounded queue by Score() (spec.md §4.8 step 4).
type ObjectDiagnosis struct {
	Object registry.ObjectInfo

	InvalidationsByFirstTouchThread uint64
	InvalidationsByOtherThreads     uint64

	// AccessesByFirstTouchThread and AccessesByOtherThreads are the
	// object's total accesses by the first-touch thread of each page it
	// spans, and by every other thread, summed across the object's own
	// cache lines (spec.md §3's accesses_in_first_touch_thread /
	// accesses_in_other_threads, computed per §4.8 step 2).
	AccessesByFirstTouchThread uint64
	AccessesByOtherThreads     uint64

	// CacheLines and Pages are each bounded to config.Config.TopK entries
	// by the heaps Diagnose pushes them through (spec.md §3: "a bounded
	// priority queue of the top-K most serious CacheLineDetail entries ...
	// a bounded priority queue of top-K PageDiagnosis records").
	CacheLines []CacheLineFinding
	Pages      []PageDiagnosis
}

// TotalInvalidations sums both attribution categories across the whole
// object, the seriousness-score input of spec.md §4.8 step 4.
func (d ObjectDiagnosis) TotalInvalidations() uint64 {
	return d.InvalidationsByFirstTouchThread + d.InvalidationsByOtherThreads
}

// DistinctThreads is the widest distinct-thread count seen on any one of
// the object's cache lines; used to weight the seriousness score.
func (d ObjectDiagnosis) DistinctThreads() int {
	max := 0
	for _, cl := range d.CacheLines {
		if cl.DistinctThreads > max {
			max = cl.DistinctThreads
		}
	}
	return max
}

// HasFalseSharing reports whether any of the object's cache lines exhibited
// the false-sharing signature (distinct threads confined to distinct words
// of a partially-occupied line).
func (d ObjectDiagnosis) HasFalseSharing() bool {
	for _, cl := range d.CacheLines {
		if cl.FalseSharing {
			return true
		}
	}
	return false
}

// HasAllocatorCausedSharing reports whether any page this object landed on
// was flagged allocator-caused.
func (d ObjectDiagnosis) HasAllocatorCausedSharing() bool {
	for _, p := range d.Pages {
		if p.AllocatorCaused {
			return true
		}
	}
	return false
}

// Score is the seriousness score of spec.md §4.8 step 4 and §9: total
// cache-line invalidations weighted by the number of distinct threads
// involved. The exact formula is explicitly not load-bearing for
// correctness (spec.md §9) — only the top-K ordering it induces matters —
// so this is documented as tunable.
func (d ObjectDiagnosis) Score() float64 {
	threads := d.DistinctThreads()
	if threads < 1 {
		threads = 1
	}
	return float64(d.TotalInvalidations()) * float64(threads)
}

// CallSiteDiagnosis aggregates every freed object's diagnosis that shares
// one allocation call site, bounded to the top-K most serious (spec.md §3:
// "CallSiteDiagnosis ... bounded list of ObjectDiagnosis").
type CallSiteDiagnosis struct {
	CallSite uint32
	Objects  []ObjectDiagnosis
}
