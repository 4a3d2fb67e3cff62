// Package registry implements the allocation-site-keyed live object table
// (spec.md §4.4): a lookup from a heap object's base address to its
// ObjectInfo, populated on malloc and consulted (then cleared) on free.
package registry

import (
	"github.com/pkg/errors"

	"github.com/OneTokens/NumaPerf/addrspace"
	"github.com/OneTokens/NumaPerf/shadow"
)

// ErrNotFound is returned by LookupByStartAddress when addr has no live
// ObjectInfo, e.g. a free() for an allocation that predates instrumentation
// (spec.md §7).
var ErrNotFound = errors.New("registry: object not found")

// ObjectInfo is one record per live heap object (spec.md §3).
type ObjectInfo struct {
	StartAddress uintptr
	Size         uintptr
	CallSite     uint32
}

// Registry is keyed by the object's base address, reusing the same
// three-state-tagged shadow map that backs the page and cache-line
// shadows, sized one slot per 8-byte word so any word-aligned base address
// is a key without collision; two addresses inside the same word share a
// slot (spec.md §4.4: "No range search is required").
type Registry struct {
	table *shadow.Map[ObjectInfo]
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{table: shadow.NewMultiFragment[ObjectInfo](addrspace.WordSize)}
}

// Register inserts info, keyed by info.StartAddress. If a live object is
// already registered at that address (the allocator reusing an address
// before the prior free was observed, which should not happen but is not
// assumed impossible), the existing record is kept and Register reports
// it via the bool return.
func (r *Registry) Register(info ObjectInfo) (inserted bool, err error) {
	got, err := r.table.InsertIfAbsent(info.StartAddress, func() ObjectInfo { return info })
	if err != nil {
		return false, errors.Wrap(err, "registry: register")
	}
	return got.StartAddress == info.StartAddress && got.CallSite == info.CallSite && got.Size == info.Size, nil
}

// LookupByStartAddress returns the ObjectInfo registered at addr, or
// ErrNotFound.
func (r *Registry) LookupByStartAddress(addr uintptr) (ObjectInfo, error) {
	v, ok, err := r.table.Find(addr)
	if err != nil {
		return ObjectInfo{}, errors.Wrap(err, "registry: lookup")
	}
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return *v, nil
}

// Unregister removes addr's record. Safe to call on an address with no
// record (spec.md §8 property 5: a second free is dropped, not an error,
// by the caller checking LookupByStartAddress first).
func (r *Registry) Unregister(addr uintptr) error {
	return errors.Wrap(r.table.Remove(addr), "registry: unregister")
}

// TakeForFree atomically claims and clears addr's record, so that two
// concurrent frees of the same address (spec.md §8 property 5) produce
// exactly one winner: the loser sees ok == false and must silently drop the
// free, never running diagnosis twice for one object.
func (r *Registry) TakeForFree(addr uintptr) (info ObjectInfo, ok bool, err error) {
	info, ok, err = r.table.TakeIfPresent(addr)
	if err != nil {
		return ObjectInfo{}, false, errors.Wrap(err, "registry: take for free")
	}
	return info, ok, nil
}
