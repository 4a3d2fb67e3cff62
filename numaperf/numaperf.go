// Package numaperf is the external interface spec.md §6 defines: the seven
// hooks an instrumentation pass, malloc/free shim, and first-touch signal
// handler call directly, as free functions over one process-wide engine
// (spec.md §9's "process-wide mutable state"). It is a thin façade; all
// behavior lives in package engine.
package numaperf

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/common/log"

	"github.com/OneTokens/NumaPerf/config"
	"github.com/OneTokens/NumaPerf/engine"
	"github.com/OneTokens/NumaPerf/report"
)

var (
	mu  sync.Mutex
	eng *engine.Engine

	warnUninitialized sync.Once
)

// Init reads configuration from the environment (spec.md §6, since the
// engine's hooks run inside an instrumented target process with no argv of
// its own) and builds the process-wide engine. Calling Init twice replaces
// the previous engine without closing it; callers are expected to call
// Init exactly once, at process start.
func Init() error {
	cfg := config.FromEnv()
	e, err := engine.New(cfg, log.Base())
	if err != nil {
		return errors.Wrap(err, "numaperf: init")
	}

	mu.Lock()
	eng = e
	mu.Unlock()
	return nil
}

// OnThreadStart allocates a logical thread ID for the calling OS thread
// (spec.md §6 hook table). Returns 0 if called before a successful Init.
func OnThreadStart() uint32 {
	e := current()
	if e == nil {
		return 0
	}
	return e.OnThreadStart()
}

// OnMalloc registers a newly allocated object at addr spanning size bytes,
// attributed to callSite.
func OnMalloc(threadID uint32, addr, size uintptr, callSite uint32) error {
	e := current()
	if e == nil {
		return nil
	}
	return e.OnMalloc(threadID, addr, size, callSite)
}

// OnFree runs free-time diagnosis for the object at addr, if any is still
// registered there.
func OnFree(addr uintptr) error {
	e := current()
	if e == nil {
		return nil
	}
	return e.OnFree(addr)
}

// OnAccess records one read or write by threadID at addr.
func OnAccess(threadID uint32, addr uintptr, kind engine.AccessKind) error {
	e := current()
	if e == nil {
		return nil
	}
	return e.OnAccess(threadID, addr, kind)
}

// OnFirstTouch records the OS-reported first-touch thread for addr's page.
func OnFirstTouch(threadID uint32, addr uintptr) error {
	e := current()
	if e == nil {
		return nil
	}
	return e.OnFirstTouch(threadID, addr)
}

// OnExit renders the final report to the configured NUMAPERF_REPORT_PATH
// (or stderr) and releases the engine's shadow-map memory. Call exactly
// once, at process shutdown. A no-op if Init never succeeded.
func OnExit() error {
	e := current()
	if e == nil {
		return nil
	}
	sites := e.Sites()

	w, closeFn, err := openReportWriter(config.FromEnv().ReportPath)
	if err != nil {
		return errors.Wrap(err, "numaperf: open report output")
	}
	defer closeFn()

	if err := report.Write(w, sites); err != nil {
		return errors.Wrap(err, "numaperf: write report")
	}
	return errors.Wrap(e.Close(), "numaperf: close engine")
}

func openReportWriter(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// current returns the process-wide engine, or nil if Init was never called
// (or never succeeded). Every hook above treats a nil result as a dropped
// call rather than dereferencing it: spec.md §4.7 requires hooks to stay
// safe "before/after the core is initialized (calls made during
// dynamic-loader setup are dropped)". Init failure itself is the one fatal
// path spec.md §7 describes ("cannot mmap shadow: fatal; abort with a
// diagnostic") — that failure is surfaced as Init's returned error, for the
// caller to abort on, not papered over here with a fallback engine.
func current() *engine.Engine {
	mu.Lock()
	defer mu.Unlock()
	if eng == nil {
		warnUninitialized.Do(func() {
			log.Base().Warnf("numaperf: hook called before a successful Init; calls are dropped")
		})
	}
	return eng
}
