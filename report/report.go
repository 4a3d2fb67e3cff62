// Package report renders a diagnosis.CallSiteTable's final, bounded
// findings as the human-readable text spec.md §4.9 calls for: one section
// per call site, objects ranked by seriousness score, with their cache-line
// and page findings indented underneath.
package report

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/OneTokens/NumaPerf/diagnosis"
)

// Finding is one flattened, report-ready row derived from an
// ObjectDiagnosis: the fields a reader scans first when triaging a run.
type Finding struct {
	// CallSite identifies the allocation site that produced the object.
	CallSite uint32

	// StartAddress and Size describe the freed object's extent.
	StartAddress uintptr
	Size         uintptr

	// InvalidationsByFirstTouchThread and InvalidationsByOtherThreads are
	// the object's total coherence-miss counts, split by whether the
	// charged thread was the page's first-touch thread.
	InvalidationsByFirstTouchThread uint64
	InvalidationsByOtherThreads     uint64

	// AccessesByFirstTouchThread and AccessesByOtherThreads are the
	// object's total accesses by the first-touch thread of each page it
	// spans, and by every other thread, across its own cache lines.
	AccessesByFirstTouchThread uint64
	AccessesByOtherThreads     uint64

	// DistinctThreads is the widest distinct-thread count seen on any one
	// of the object's cache lines.
	DistinctThreads int

	// FalseSharing is true when at least one of the object's cache lines
	// showed the false-sharing signature: distinct threads confined to
	// distinct words of a partially-occupied line.
	FalseSharing bool

	// AllocatorCausedSharing is true when at least one page the object
	// landed on was flagged allocator-caused rather than application-caused.
	AllocatorCausedSharing bool

	// Score is the seriousness score the object was ranked by.
	Score float64
}

// FromCallSites flattens a diagnosis table's call sites into report-ready
// findings, preserving the table's ranking within each call site.
func FromCallSites(sites []diagnosis.CallSiteDiagnosis) map[uint32][]Finding {
	out := make(map[uint32][]Finding, len(sites))
	for _, site := range sites {
		findings := make([]Finding, 0, len(site.Objects))
		for _, obj := range site.Objects {
			findings = append(findings, Finding{
				CallSite:                        site.CallSite,
				StartAddress:                    obj.Object.StartAddress,
				Size:                            obj.Object.Size,
				InvalidationsByFirstTouchThread: obj.InvalidationsByFirstTouchThread,
				InvalidationsByOtherThreads:     obj.InvalidationsByOtherThreads,
				AccessesByFirstTouchThread:      obj.AccessesByFirstTouchThread,
				AccessesByOtherThreads:          obj.AccessesByOtherThreads,
				DistinctThreads:                 obj.DistinctThreads(),
				FalseSharing:                    obj.HasFalseSharing(),
				AllocatorCausedSharing:          obj.HasAllocatorCausedSharing(),
				Score:                           obj.Score(),
			})
		}
		out[site.CallSite] = findings
	}
	return out
}

// Write renders sites to w as plain text, one section per call site in
// ascending call-site order (the order diagnosis.CallSiteTable.Sites
// already returns them in), objects within a section ranked highest score
// first.
func Write(w io.Writer, sites []diagnosis.CallSiteDiagnosis) error {
	if len(sites) == 0 {
		_, err := fmt.Fprintln(w, "numaperf: no sharing findings")
		return errors.Wrap(err, "report: write empty summary")
	}

	for _, site := range sites {
		if _, err := fmt.Fprintf(w, "call site %d (%d objects flagged)\n", site.CallSite, len(site.Objects)); err != nil {
			return errors.Wrap(err, "report: write call-site header")
		}
		for _, obj := range site.Objects {
			if err := writeObject(w, obj); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeObject(w io.Writer, obj diagnosis.ObjectDiagnosis) error {
	_, err := fmt.Fprintf(w, "  object @0x%x size=%d score=%.1f invalidations=%d (first-touch=%d other=%d) accesses=%d (first-touch=%d other=%d) distinct_threads=%d false_sharing=%t allocator_caused=%t\n",
		obj.Object.StartAddress, obj.Object.Size, obj.Score(), obj.TotalInvalidations(),
		obj.InvalidationsByFirstTouchThread, obj.InvalidationsByOtherThreads,
		obj.AccessesByFirstTouchThread+obj.AccessesByOtherThreads,
		obj.AccessesByFirstTouchThread, obj.AccessesByOtherThreads,
		obj.DistinctThreads(), obj.HasFalseSharing(), obj.HasAllocatorCausedSharing())
	if err != nil {
		return errors.Wrap(err, "report: write object line")
	}

	for _, cl := range obj.CacheLines {
		if _, err := fmt.Fprintf(w, "    line @0x%x invalidations=%d distinct_threads=%d false_sharing=%t\n",
			cl.StartAddress, cl.TotalInvalidations(), cl.DistinctThreads, cl.FalseSharing); err != nil {
			return errors.Wrap(err, "report: write cache-line line")
		}
	}
	for _, pd := range obj.Pages {
		if _, err := fmt.Fprintf(w, "    page #%d allocator_caused=%t real_node_mismatch=%t\n",
			pd.PageIndex, pd.AllocatorCaused, pd.RealNodeMismatch); err != nil {
			return errors.Wrap(err, "report: write page line")
		}
	}
	return nil
}
