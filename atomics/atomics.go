// Package atomics provides the compare-and-set and bounded-retry
// read-modify-write primitives the hot path builds on. Every operation here
// is sequentially consistent, matching the ordering guarantees spec.md §5
// promises for counters without an explicit CAS.
package atomics

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrRetriesExhausted is returned by the bounded variants when max_retries
// read-modify-write attempts all lost a race. Callers are expected to drop
// the update rather than propagate the error (spec.md §7): the profiler is
// statistical, not exact.
var ErrRetriesExhausted = errors.New("atomics: retry budget exhausted")

// CASUint32 performs a sequentially-consistent compare-and-swap.
func CASUint32(addr *uint32, expected, newVal uint32) bool {
	return atomic.CompareAndSwapUint32(addr, expected, newVal)
}

// CASUint64 performs a sequentially-consistent compare-and-swap.
func CASUint64(addr *uint64, expected, newVal uint64) bool {
	return atomic.CompareAndSwapUint64(addr, expected, newVal)
}

// FetchAddBoundedUint64 atomically adds delta to *addr, retrying the
// read-modify-write up to maxRetries times. A negative maxRetries retries
// forever. On success it returns the value after the add. On exhaustion it
// returns (0, ErrRetriesExhausted) and leaves *addr untouched by this call.
func FetchAddBoundedUint64(addr *uint64, delta uint64, maxRetries int) (uint64, error) {
	for attempt := 0; maxRetries < 0 || attempt <= maxRetries; attempt++ {
		old := atomic.LoadUint64(addr)
		newVal := old + delta
		if atomic.CompareAndSwapUint64(addr, old, newVal) {
			return newVal, nil
		}
	}
	return 0, ErrRetriesExhausted
}

// FetchAddBoundedUint32 is the 32-bit counterpart of FetchAddBoundedUint64,
// used for the per-thread tables where a narrower counter suffices.
func FetchAddBoundedUint32(addr *uint32, delta uint32, maxRetries int) (uint32, error) {
	for attempt := 0; maxRetries < 0 || attempt <= maxRetries; attempt++ {
		old := atomic.LoadUint32(addr)
		newVal := old + delta
		if atomic.CompareAndSwapUint32(addr, old, newVal) {
			return newVal, nil
		}
	}
	return 0, ErrRetriesExhausted
}

// SetBitUint64 sets bit in *addr via bounded CAS retry, returning whether
// the bit was newly set (false if it was already set, or retries ran out).
func SetBitUint64(addr *uint64, bit uint, maxRetries int) (changed bool, err error) {
	mask := uint64(1) << bit
	for attempt := 0; maxRetries < 0 || attempt <= maxRetries; attempt++ {
		old := atomic.LoadUint64(addr)
		if old&mask != 0 {
			return false, nil
		}
		newVal := old | mask
		if atomic.CompareAndSwapUint64(addr, old, newVal) {
			return true, nil
		}
	}
	return false, ErrRetriesExhausted
}
