// Package engine implements the access hot path of spec.md §4.7: the one
// piece of the profiler that runs inline on every instrumented memory
// access, malloc, and free in the target process. It owns the page and
// cache-line shadows and the object registry, and ties them together the
// way systemd.Collector ties cgroup/dbus readers together into one
// Prometheus scrape (see the teacher's systemd.Collect), except here the
// "scrape" is triggered by OnExit rather than a timer.
package engine

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/common/log"

	"github.com/OneTokens/NumaPerf/addrspace"
	"github.com/OneTokens/NumaPerf/cacheline"
	"github.com/OneTokens/NumaPerf/config"
	"github.com/OneTokens/NumaPerf/diagnosis"
	"github.com/OneTokens/NumaPerf/page"
	"github.com/OneTokens/NumaPerf/registry"
	"github.com/OneTokens/NumaPerf/shadow"
)

// AccessKind distinguishes a read from a write, the kind argument of
// spec.md §6's on_access hook.
type AccessKind int

const (
	Read AccessKind = iota
	Write
)

// Engine is the profiler's process-wide mutable state (spec.md §9): the
// page shadow, the cache-line shadow, the live object registry, and the
// bounded per-call-site diagnosis table. One Engine is created by Init and
// lives for the process's lifetime.
type Engine struct {
	cfg    config.Config
	logger log.Logger

	pages   *shadow.Map[page.AccessInfo]
	lines   *shadow.Map[cacheline.Detail]
	objects *registry.Registry
	sites   *diagnosis.CallSiteTable

	nextThreadID uint32

	droppedUpdates     uint64 // never incremented: page and cacheline drop exhausted updates without reporting them
	warnThreadOverflow sync.Once
}

// New builds an Engine from cfg, logging through logger exactly as the
// teacher's collectors take a log.Logger constructor argument.
func New(cfg config.Config, logger log.Logger) (*Engine, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "engine: invalid config")
	}
	if logger == nil {
		logger = log.Base()
	}

	pages, err := shadow.NewSingleFragment[page.AccessInfo](addrspace.PageSize)
	if err != nil {
		return nil, errors.Wrap(err, "engine: allocating page shadow")
	}

	return &Engine{
		cfg:     cfg,
		logger:  logger,
		pages:   pages,
		lines:   shadow.NewMultiFragment[cacheline.Detail](addrspace.CacheLineSize),
		objects: registry.New(),
		sites:   diagnosis.NewCallSiteTable(cfg.TopK),
	}, nil
}

// OnThreadStart allocates a new logical thread ID for the calling OS
// thread, bounded by cfg.MaxThreadNum. Once the bound is hit, every
// subsequent thread shares the last ID (spec.md §7): dense per-thread
// arrays stay bounded, at the cost of conflating threads beyond the bound
// in their diagnosis — logged once, not on every overflow.
func (e *Engine) OnThreadStart() uint32 {
	id := atomic.AddUint32(&e.nextThreadID, 1) - 1
	max := uint32(e.cfg.MaxThreadNum)
	if id >= max {
		e.warnThreadOverflow.Do(func() {
			e.logger.Warnf("numaperf: thread count exceeds MaxThreadNum=%d; excess threads share one diagnosis identity", e.cfg.MaxThreadNum)
		})
		return max - 1
	}
	return id
}

// OnMalloc registers a newly allocated object and marks the partial
// occupancy of whichever cache lines it doesn't fully own (spec.md §4.6).
func (e *Engine) OnMalloc(threadID uint32, addr, size uintptr, callSite uint32) error {
	if _, err := e.Register(registry.ObjectInfo{StartAddress: addr, Size: size, CallSite: callSite}); err != nil {
		return err
	}
	return e.markEdgePartialOccupancy(threadID, addr, size)
}

// Register is the registry half of OnMalloc: it records info without
// touching the page shadow.
func (e *Engine) Register(info registry.ObjectInfo) (bool, error) {
	inserted, err := e.objects.Register(info)
	if err != nil {
		return false, errors.Wrap(err, "engine: register object")
	}
	return inserted, nil
}

// markEdgePartialOccupancy flags the object's first and last cache line as
// partially occupied whenever the object doesn't fill them exactly, so a
// later escalation on that line allocates the per-word bitmask (spec.md
// §4.6, §8 property 6).
func (e *Engine) markEdgePartialOccupancy(threadID uint32, addr, size uintptr) error {
	if size == 0 {
		return nil
	}
	first, err := e.ensurePage(threadID, addr)
	if err != nil {
		return err
	}
	firstLine := addrspace.CacheLineIndexInPage(addr)
	if addr != addrspace.CacheLineBase(addr) {
		first.MarkPartiallyOccupied(firstLine, e.cfg.RetryBudget)
	}

	end := addr + size - 1
	last, err := e.ensurePage(threadID, end)
	if err != nil {
		return err
	}
	lastLine := addrspace.CacheLineIndexInPage(end)
	if end+1 != addrspace.CacheLineBase(end+1) {
		last.MarkPartiallyOccupied(lastLine, e.cfg.RetryBudget)
	}
	return nil
}

// OnFree claims addr's registered object and, if this call won the claim
// (spec.md §8 property 5: a second concurrent free is silently dropped),
// runs diagnosis and folds the result into the call site's bounded queue.
func (e *Engine) OnFree(addr uintptr) error {
	obj, ok, err := e.objects.TakeForFree(addr)
	if err != nil {
		return errors.Wrap(err, "engine: free")
	}
	if !ok {
		return nil
	}
	diag := diagnosis.Diagnose(obj, e.pages, e.lines, e.cfg)
	e.sites.Record(diag)
	return nil
}

// OnFirstTouch records the OS-reported first-touch thread for addr's page,
// if no access has already raced it there (spec.md §4.5: whichever signal
// arrives first wins, via shadow.Map.InsertIfAbsent's own construction
// guarantee).
func (e *Engine) OnFirstTouch(threadID uint32, addr uintptr) error {
	_, err := e.ensurePage(threadID, addr)
	return err
}

// OnAccess is the hot path of spec.md §4.7: record the access against its
// page, and if that pushes the cache line over its sharing threshold (or
// the line was already escalated by an earlier access), record it against
// the per-cache-line detail too.
func (e *Engine) OnAccess(threadID uint32, addr uintptr, kind AccessKind) error {
	pInfo, err := e.ensurePage(threadID, addr)
	if err != nil {
		return err
	}

	lineIdx := addrspace.CacheLineIndexInPage(addr)
	isWrite := kind == Write
	_, lineCrossed := pInfo.RecordAccess(threadID, lineIdx, isWrite, e.cfg.PageSharingThreshold, e.cfg.CacheSharingThreshold, e.cfg.RetryBudget)

	if !lineCrossed && !pInfo.IsEscalated(lineIdx) {
		return nil
	}

	lineBase := addrspace.CacheLineBase(addr)
	if !pInfo.IsEscalated(lineIdx) {
		partiallyOccupied := pInfo.IsPartiallyOccupied(lineIdx)
		if _, err := e.lines.InsertIfAbsent(lineBase, func() cacheline.Detail {
			return *cacheline.New(lineBase, partiallyOccupied)
		}); err != nil {
			return errors.Wrap(err, "engine: escalate cache line")
		}
		pInfo.MarkEscalated(lineIdx, e.cfg.RetryBudget)
	}

	detail, ok, err := e.lines.Find(lineBase)
	if err != nil {
		return errors.Wrap(err, "engine: find cache line detail")
	}
	if !ok {
		return nil
	}

	wordIdx := addrspace.WordIndexInCacheLine(addr)
	if isWrite {
		detail.RecordWrite(threadID, pInfo.FirstTouchThreadID, wordIdx, e.cfg.RetryBudget)
	} else {
		detail.RecordRead(threadID, pInfo.FirstTouchThreadID, wordIdx, e.cfg.RetryBudget)
	}
	return nil
}

// ensurePage returns the page record for addr's page, constructing it with
// threadID as first-touch if no access or first-touch signal has reached
// this page before (spec.md §4.5).
func (e *Engine) ensurePage(threadID uint32, addr uintptr) (*page.AccessInfo, error) {
	pageBase := addrspace.PageBase(addr)
	p, err := e.pages.InsertIfAbsent(pageBase, func() page.AccessInfo { return page.New(threadID) })
	if err != nil {
		return nil, errors.Wrap(err, "engine: page shadow")
	}
	return p, nil
}

// PageFragmentCount reports how many page-shadow fragments are mmap'd.
// The page shadow is single-fragment, so this is always 1 once New has
// succeeded; exposed for package metrics' introspection gauges.
func (e *Engine) PageFragmentCount() int {
	return e.pages.FragmentCount()
}

// LineFragmentCount reports how many of the cache-line shadow's lazily
// mmap'd fragments have been touched so far.
func (e *Engine) LineFragmentCount() int {
	return e.lines.FragmentCount()
}

// CallSiteCount reports how many distinct allocation call sites have had
// at least one freed object diagnosed.
func (e *Engine) CallSiteCount() int {
	return len(e.sites.Sites())
}

// ObjectsDiagnosedTotal reports how many objects have ever been diagnosed,
// regardless of whether they survived their call site's bounded queue.
func (e *Engine) ObjectsDiagnosedTotal() uint64 {
	return e.sites.RecordedTotal()
}

// Sites returns the final, bounded per-call-site diagnosis, called once at
// OnExit to feed package report.
func (e *Engine) Sites() []diagnosis.CallSiteDiagnosis {
	return e.sites.Sites()
}

// Close releases the shadow maps' mmap'd backing memory. Called once after
// Sites has been consumed at process exit.
func (e *Engine) Close() error {
	if err := e.lines.Close(); err != nil {
		return errors.Wrap(err, "engine: close cache-line shadow")
	}
	if err := e.pages.Close(); err != nil {
		return errors.Wrap(err, "engine: close page shadow")
	}
	return nil
}
