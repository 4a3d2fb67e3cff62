package shadow

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrFragmentExhausted is returned when an address falls outside the
// range the shadow map was configured to support (spec.md §7,
// "shadow-fragment exhaustion").
var ErrFragmentExhausted = errors.New("shadow: address outside supported range")

// slot is the physical layout of one shadow entry: a three-state tag
// followed by the caller's value. V must not contain Go pointers, since the
// backing storage is anonymous mmap'd memory the garbage collector does not
// scan — exactly like the mmap-backed ring buffers this pattern is borrowed
// from.
type slot[V any] struct {
	tag   uint32
	_pad  uint32
	value V
}

// arena is one mmap'd block of slots. It is never resized; a shadow.Map
// allocates a new arena per fragment the first time that fragment is
// touched.
type arena[V any] struct {
	raw   []byte
	slots []slot[V]
}

// newArena reserves nSlots worth of shadow storage via an anonymous,
// private mapping with MAP_NORESERVE so that sizing a fragment for the
// worst case costs address space, not physical memory, and advises the
// kernel away from transparent huge pages so first-touch attribution stays
// precise at 4 KiB granularity (spec.md §5).
func newArena[V any](nSlots uint64) (*arena[V], error) {
	var zero V
	slotSize := uint64(unsafe.Sizeof(slot[V]{}))
	_ = zero
	length := slotSize * nSlots
	if length == 0 {
		length = uint64(unsafe.Sizeof(slot[V]{}))
	}

	raw, err := unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrap(err, "shadow: mmap fragment")
	}
	if err := unix.Madvise(raw, unix.MADV_NOHUGEPAGE); err != nil {
		// Best effort: some kernels/configs reject this advice. The
		// profiler still functions, just with coarser first-touch
		// attribution, so this is not fatal.
		_ = err
	}

	slots := unsafe.Slice((*slot[V])(unsafe.Pointer(&raw[0])), nSlots)
	return &arena[V]{raw: raw, slots: slots}, nil
}

func (a *arena[V]) unmap() error {
	if a == nil || a.raw == nil {
		return nil
	}
	return unix.Munmap(a.raw)
}
