// Package shadow implements the address-keyed lazy table described in
// spec.md §4.3: a sparse, paged map from a virtual address to a fixed-size
// value, realized as mmap-backed fragments so that sizing for the whole
// 48-bit address space costs virtual memory, not physical memory.
package shadow

import (
	"sync"

	"github.com/OneTokens/NumaPerf/addrspace"
)

// MaxFragments bounds the multi-fragment flavor's partition count. Each
// fragment is allocated lazily, so this only bounds how finely the address
// space is sliced, not how much memory is committed.
const MaxFragments = 4096

// Map is the generic {insert_if_absent, insert, find, remove} container
// spec.md §9 calls for ("Polymorphism across shadow maps... represent as a
// generic container"). One Map instance owns either a single eagerly
// mmap'd arena (useSingleFragment == true) or up to MaxFragments lazily
// mmap'd arenas, each keyed by granularity-sized units of address space.
type Map[V any] struct {
	granularity uint64 // bytes per key unit: PageSize or CacheLineSize
	single      bool

	mu sync.Mutex

	// Single-fragment flavor.
	singleArena *arena[V]
	singleSlots uint64

	// Multi-fragment flavor.
	fragmentSpan uint64 // address-space bytes covered per fragment
	slotsPerFrag uint64
	fragments    []*arena[V] // guarded by mu for writes; reads check the nil slot first
}

// NewSingleFragment builds the single-fragment flavor spec.md §4.3
// describes for "one contiguous region": the whole supported address range
// is mmap'd once, up front, at key granularity granularityBytes (typically
// addrspace.PageSize for the per-page shadow).
func NewSingleFragment[V any](granularityBytes uint64) (*Map[V], error) {
	nSlots := addrspace.MaxAddress / granularityBytes
	a, err := newArena[V](nSlots)
	if err != nil {
		return nil, err
	}
	return &Map[V]{
		granularity: granularityBytes,
		single:      true,
		singleArena: a,
		singleSlots: nSlots,
	}, nil
}

// NewMultiFragment builds the multi-fragment flavor used for the
// fine-grained cache-line shadow: the address space is partitioned into
// MaxFragments equally sized segments, each mmap'd lazily on first touch.
func NewMultiFragment[V any](granularityBytes uint64) *Map[V] {
	fragmentSpan := addrspace.MaxAddress / MaxFragments
	return &Map[V]{
		granularity:  granularityBytes,
		single:       false,
		fragmentSpan: fragmentSpan,
		slotsPerFrag: fragmentSpan / granularityBytes,
		fragments:    make([]*arena[V], MaxFragments),
	}
}

func (m *Map[V]) key(addr uintptr) uint64 {
	return uint64(addr) / m.granularity
}

// locate resolves addr to the arena that holds its slot and the slot's
// index within that arena, lazily mmap'ing the owning fragment for the
// multi-fragment flavor. It returns ErrFragmentExhausted if addr falls
// outside the supported range.
func (m *Map[V]) locate(addr uintptr) (*arena[V], uint64, error) {
	if !addrspace.InSupportedRange(addr) {
		return nil, 0, ErrFragmentExhausted
	}
	k := m.key(addr)

	if m.single {
		if k >= m.singleSlots {
			return nil, 0, ErrFragmentExhausted
		}
		return m.singleArena, k, nil
	}

	fragIdx := (uint64(addr) / m.fragmentSpan)
	if fragIdx >= MaxFragments {
		return nil, 0, ErrFragmentExhausted
	}
	slotIdx := k - (fragIdx * m.fragmentSpan / m.granularity)

	a := m.fragments[fragIdx]
	if a != nil {
		return a, slotIdx, nil
	}

	// Cold path: allocate the fragment under the map's single lock, with a
	// second check once inside to avoid double-mapping (spec.md §4.3).
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.fragments[fragIdx]; a != nil {
		return a, slotIdx, nil
	}
	newA, err := newArena[V](m.slotsPerFrag)
	if err != nil {
		return nil, 0, err
	}
	m.fragments[fragIdx] = newA
	return newA, slotIdx, nil
}

// Find returns a pointer into the slot stored at addr and true if it exists
// and has finished construction (tag == Inserted). A slot mid-construction
// (Inserting) is treated as absent rather than awaited, since Find is a
// read-only query, not an insert. The returned pointer aliases the map's
// own storage: callers use it to keep mutating shared per-page/per-line
// counters in place, exactly as they would a value looked up in a regular
// map of pointers.
func (m *Map[V]) Find(addr uintptr) (*V, bool, error) {
	a, idx, err := m.locate(addr)
	if err != nil {
		return nil, false, err
	}
	s := &a.slots[idx]
	if tagOf(s) != Inserted {
		return nil, false, nil
	}
	return &s.value, true, nil
}

// InsertIfAbsent returns a pointer to the existing slot if addr already has
// one, otherwise constructs it from construct() and returns a pointer to
// the new slot. Concurrent callers racing to construct the same slot: the
// CAS winner builds the value, losers busy-wait until the slot leaves
// Inserting and re-check it, returning the same pointer the winner built.
func (m *Map[V]) InsertIfAbsent(addr uintptr, construct func() V) (*V, error) {
	a, idx, err := m.locate(addr)
	if err != nil {
		return nil, err
	}
	s := &a.slots[idx]

	for {
		switch tagOf(s) {
		case Inserted:
			return &s.value, nil
		case Inserting:
			// Re-check after the wait: a TakeIfPresent claim ends NotInserted.
			spinWhileInserting(&s.tag)
		default: // NotInserted
			if casTag(s, NotInserted, Inserting) {
				s.value = construct()
				storeTag(s, Inserted)
				return &s.value, nil
			}
			// Lost the race to another writer; loop and re-check its tag.
		}
	}
}

// Insert unconditionally (re)writes addr's slot. Used by callers that have
// already decided, outside the map, that this value should win (none of
// the current call sites need this; it is kept to complete the contract in
// spec.md §4.3).
func (m *Map[V]) Insert(addr uintptr, value V) error {
	a, idx, err := m.locate(addr)
	if err != nil {
		return err
	}
	s := &a.slots[idx]
	storeTag(s, NotInserted)
	s.value = value
	storeTag(s, Inserted)
	return nil
}

// TakeIfPresent atomically claims and removes addr's slot, returning a copy
// of its value and true only to the single caller that wins the claim.
// Concurrent callers (e.g. two racing frees of the same address, spec.md §8
// property 5) see at most one winner; the rest observe ok == false exactly
// as if the slot had never been inserted. The claim briefly parks the slot
// in the Inserting state so no reader observes a half-copied value, then
// releases it to NotInserted so the address can be reused by a later
// allocation.
func (m *Map[V]) TakeIfPresent(addr uintptr) (V, bool, error) {
	var zero V
	a, idx, err := m.locate(addr)
	if err != nil {
		return zero, false, err
	}
	s := &a.slots[idx]
	if !casTag(s, Inserted, Inserting) {
		return zero, false, nil
	}
	v := s.value
	storeTag(s, NotInserted)
	return v, true, nil
}

// Remove resets addr's slot back to NotInserted. The backing arena is not
// unmapped: per spec.md §4.8, shadow state deliberately outlives the
// object that touched it.
func (m *Map[V]) Remove(addr uintptr) error {
	a, idx, err := m.locate(addr)
	if err != nil {
		return err
	}
	storeTag(&a.slots[idx], NotInserted)
	return nil
}

// FragmentCount reports how many fragments this map has actually mmap'd so
// far — 1 for the single-fragment flavor (mmap'd eagerly at construction),
// or the count of lazily-mmap'd fragments touched so far for the
// multi-fragment flavor. Used by package metrics as a live introspection
// gauge, not on any hot path.
func (m *Map[V]) FragmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.single {
		return 1
	}
	n := 0
	for _, a := range m.fragments {
		if a != nil {
			n++
		}
	}
	return n
}

// Close unmaps every arena the map has allocated. Called once at process
// teardown alongside report emission.
func (m *Map[V]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.single {
		return m.singleArena.unmap()
	}
	for _, a := range m.fragments {
		if a != nil {
			if err := a.unmap(); err != nil {
				return err
			}
		}
	}
	return nil
}
