package diagnosis

import (
	"sort"
	"sync"

	"github.com/OneTokens/NumaPerf/topk"
)

// CallSiteTable is the process-wide, call-site-keyed collection of bounded
// ObjectDiagnosis queues spec.md §3 describes ("CallSiteDiagnosis... bounded
// list"). One table backs the whole engine; Record is called once per freed
// object, from whichever thread happened to call free.
type CallSiteTable struct {
	mu      sync.Mutex
	topK    int
	sites   map[uint32]*topk.Heap[ObjectDiagnosis]
	counted uint64 // total objects ever Record'd, kept or not; metrics introspection
}

// NewCallSiteTable builds an empty table whose per-call-site queues hold at
// most topK entries each.
func NewCallSiteTable(topK int) *CallSiteTable {
	return &CallSiteTable{topK: topK, sites: make(map[uint32]*topk.Heap[ObjectDiagnosis])}
}

// Record folds d into its call site's bounded queue, displacing the
// site's current lowest-scoring object if d scores higher.
func (t *CallSiteTable) Record(d ObjectDiagnosis) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sites[d.Object.CallSite]
	if !ok {
		h = topk.New[ObjectDiagnosis](t.topK, ObjectDiagnosis.Score)
		t.sites[d.Object.CallSite] = h
	}
	h.Push(d)
	t.counted++
}

// RecordedTotal returns how many objects have ever been passed to Record,
// regardless of whether the per-call-site queue kept or displaced them.
func (t *CallSiteTable) RecordedTotal() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counted
}

// Sites returns every call site's diagnosis, ordered by call site ID for a
// stable report rendering.
func (t *CallSiteTable) Sites() []CallSiteDiagnosis {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]CallSiteDiagnosis, 0, len(t.sites))
	for site, h := range t.sites {
		out = append(out, CallSiteDiagnosis{CallSite: site, Objects: h.Items()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallSite < out[j].CallSite })
	return out
}
