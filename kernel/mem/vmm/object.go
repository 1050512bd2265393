package vmm

import (
	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/mem"
	"github.com/lifelessPixels/con64os/kernel/mem/pmm"
)

// VM object access flags.
const (
	FlagWritable     uint8 = 1 << 0
	FlagExecutable   uint8 = 1 << 1
	FlagCacheable    uint8 = 1 << 2
	FlagUserMappable uint8 = 1 << 3
)

// objectKind tags which VMObject variant owns a given instance. Destruction
// is the only operation that differs between variants, so a tagged union is
// sufficient; no virtual dispatch is needed.
type objectKind uint8

const (
	kindMMIO objectKind = iota
	kindMemoryBacked
	kindUncacheablePage
)

// allocateFn and freeFn are overridden by tests.
var (
	allocateFn = pmm.Allocate
	freeFn     = pmm.Free
)

// VMObject is the sole mapping unit accepted by VAS.MapObject: an ordered
// sequence of physical page addresses plus the access flags and alignment
// preference with which they should be mapped. The three constructors below
// (MMIO, MemoryBacked, UncacheablePage) are the only ways to build one.
type VMObject struct {
	kind      objectKind
	pages     []uintptr
	flags     uint8
	size      uint64
	largePage bool
	pid       uint32
}

// Flags returns the object's access flags.
func (o *VMObject) Flags() uint8 { return o.flags }

// Size returns the object's total byte length.
func (o *VMObject) Size() uint64 { return o.size }

// LargePageAligned reports whether this object must be mapped using 2MiB
// pages.
func (o *VMObject) LargePageAligned() bool { return o.largePage }

// Pages returns the ordered physical page addresses backing this object.
func (o *VMObject) Pages() []uintptr { return o.pages }

// pageSize returns the granularity (4KiB or 2MiB) at which this object's
// pages are laid out.
func (o *VMObject) pageSize() uint64 {
	if o.largePage {
		return uint64(mem.LargePageSize)
	}
	return uint64(mem.PageSize)
}

// NewMMIO builds a VMObject describing a range of device MMIO. physAddr must
// already be page aligned; no frames are allocated or owned by the returned
// object. Large pages are used automatically when length exceeds 2MiB.
func NewMMIO(physAddr uintptr, length uint64) *VMObject {
	large := length > uint64(mem.LargePageSize)
	pageSize := uint64(mem.PageSize)
	if large {
		pageSize = uint64(mem.LargePageSize)
	}
	count := (length + pageSize - 1) / pageSize

	pages := make([]uintptr, count)
	for i := uint64(0); i < count; i++ {
		pages[i] = physAddr + uintptr(i*pageSize)
	}

	return &VMObject{
		kind:      kindMMIO,
		pages:     pages,
		flags:     FlagWritable,
		size:      count * pageSize,
		largePage: large,
	}
}

// MemoryBackedOptions configures NewMemoryBacked.
type MemoryBackedOptions struct {
	DisallowLargePages bool
	Writable           bool
	Executable         bool
	Cacheable          bool
	PID                uint32
}

// NewMemoryBacked builds a VMObject backed by freshly allocated physical
// frames, freed when Destroy is called. Large pages are used whenever they
// are not disallowed and the requested length is at least 2MiB.
func NewMemoryBacked(length uint64, opts MemoryBackedOptions) (*VMObject, error) {
	large := !opts.DisallowLargePages && length >= uint64(mem.LargePageSize)
	pageSize := uint64(mem.PageSize)
	if large {
		pageSize = uint64(mem.LargePageSize)
	}
	count := (length + pageSize - 1) / pageSize

	pages := make([]uintptr, 0, count)
	for i := uint64(0); i < count; i++ {
		frame, err := allocateFn(opts.PID, large)
		if err != nil {
			for _, p := range pages {
				freeFn(p)
			}
			return nil, err
		}
		pages = append(pages, frame)
	}

	var flags uint8
	if opts.Writable {
		flags |= FlagWritable
	}
	if opts.Executable {
		flags |= FlagExecutable
	}
	if opts.Cacheable {
		flags |= FlagCacheable
	}

	return &VMObject{
		kind:      kindMemoryBacked,
		pages:     pages,
		flags:     flags,
		size:      count * pageSize,
		largePage: large,
		pid:       opts.PID,
	}, nil
}

// NewUncacheablePage builds a VMObject describing a single non-cacheable
// frame allocated from the kernel PID, freed when Destroy is called.
func NewUncacheablePage(large bool) (*VMObject, error) {
	frame, err := allocateFn(pmm.KernelPID, large)
	if err != nil {
		return nil, err
	}

	size := uint64(mem.PageSize)
	if large {
		size = uint64(mem.LargePageSize)
	}

	return &VMObject{
		kind:      kindUncacheablePage,
		pages:     []uintptr{frame},
		flags:     FlagWritable,
		size:      size,
		largePage: large,
	}, nil
}

// PhysicalAddress returns the single physical frame backing an
// UncacheablePage object. Calling it on another variant returns 0.
func (o *VMObject) PhysicalAddress() uintptr {
	if o.kind != kindUncacheablePage || len(o.pages) == 0 {
		return 0
	}
	return o.pages[0]
}

// Destroy releases the physical frames owned by this object, if any. MMIO
// objects own nothing and Destroy is a no-op for them.
func (o *VMObject) Destroy() {
	switch o.kind {
	case kindMemoryBacked, kindUncacheablePage:
		for _, p := range o.pages {
			freeFn(p)
		}
	}
}

var panicFn = func(e *kernel.Error) { kernel.Panic(e) }
