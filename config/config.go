// Package config reads the NUMAPERF_* environment variables spec.md §6
// documents. The engine's hooks run inside an instrumented target process
// with no argv of its own, so configuration is environment-only here; the
// companion cmd/numaperf-report binary layers kingpin flags with
// Envar bindings on top of the same variable names for a free-standing
// process.
package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/OneTokens/NumaPerf/cacheline"
)

// Config holds every tunable spec.md leaves as "configuration, not
// critical to correctness" (§9).
type Config struct {
	// PageSharingThreshold is the accesses_by_other_threads count at which
	// page.AccessInfo.RecordAccess reports a page as crossed (§4.5). The
	// engine does not act on that report: no page is flagged, and free-time
	// diagnosis sweeps every page an object spans whatever its count.
	PageSharingThreshold uint64

	// CacheSharingThreshold is the writes_per_cache_line count a line must
	// exceed before it escalates to a CacheLineDetail (§4.5).
	CacheSharingThreshold uint64

	// TopK bounds every bounded priority queue: per-call-site object
	// diagnoses, and per-object cache-line/page diagnoses (§3, §4.8).
	TopK int

	// ReportPath is where C9 writes its report. Empty means stderr.
	ReportPath string

	// MaxThreadNum bounds the dense per-thread tables (§5).
	MaxThreadNum int

	// AllocatorRatioThreshold is the ratio spec.md §4.8 step 3 uses to
	// decide allocator-caused vs application-caused page sharing.
	AllocatorRatioThreshold float64

	// MetricsListen, if non-empty, is the address the live introspection
	// metrics server (DOMAIN STACK) listens on. Empty disables it.
	MetricsListen string

	// RetryBudget bounds atomics.FetchAddBounded calls across the engine;
	// -1 retries forever.
	RetryBudget int
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		PageSharingThreshold:    1024,
		CacheSharingThreshold:   64,
		TopK:                    8,
		ReportPath:              "",
		MaxThreadNum:            256,
		AllocatorRatioThreshold: 10,
		MetricsListen:           "",
		RetryBudget:             16,
	}
}

const (
	envPageSharingThreshold    = "NUMAPERF_PAGE_SHARING_THRESHOLD"
	envCacheSharingThreshold   = "NUMAPERF_CACHE_SHARING_THRESHOLD"
	envTopK                    = "NUMAPERF_TOP_K"
	envReportPath              = "NUMAPERF_REPORT_PATH"
	envMaxThreadNum            = "NUMAPERF_MAX_THREAD_NUM"
	envAllocatorRatioThreshold = "NUMAPERF_ALLOCATOR_RATIO_THRESHOLD"
	envMetricsListen           = "NUMAPERF_METRICS_LISTEN"
	envRetryBudget             = "NUMAPERF_RETRY_BUDGET"
)

// FromEnv layers the NUMAPERF_* environment variables over Default(),
// leaving any unset or malformed variable at its default rather than
// failing — per spec.md §7 the profiler degrades, it does not abort, on
// anything short of init failure.
func FromEnv() Config {
	c := Default()

	if v, ok := lookupUint(envPageSharingThreshold); ok {
		c.PageSharingThreshold = v
	}
	if v, ok := lookupUint(envCacheSharingThreshold); ok {
		c.CacheSharingThreshold = v
	}
	if v, ok := lookupInt(envTopK); ok {
		c.TopK = v
	}
	if v, ok := os.LookupEnv(envReportPath); ok {
		c.ReportPath = v
	}
	if v, ok := lookupInt(envMaxThreadNum); ok {
		c.MaxThreadNum = v
	}
	if v, ok := lookupFloat(envAllocatorRatioThreshold); ok {
		c.AllocatorRatioThreshold = v
	}
	if v, ok := os.LookupEnv(envMetricsListen); ok {
		c.MetricsListen = v
	}
	if v, ok := lookupInt(envRetryBudget); ok {
		c.RetryBudget = v
	}

	return c
}

// Validate reports whether c is internally consistent enough to run. It
// does not reject unusual-but-legal values (e.g. TopK == 0 just means
// every queue stays empty).
func Validate(c Config) error {
	if c.MaxThreadNum <= 0 {
		return errors.Errorf("config: max thread num must be positive, got %d", c.MaxThreadNum)
	}
	if c.MaxThreadNum > cacheline.MaxThreadNum {
		return errors.Errorf("config: max thread num %d exceeds compile-time bound %d", c.MaxThreadNum, cacheline.MaxThreadNum)
	}
	if c.TopK < 0 {
		return errors.Errorf("config: top-k must be non-negative, got %d", c.TopK)
	}
	return nil
}

func lookupUint(name string) (uint64, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func lookupInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func lookupFloat(name string) (float64, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
