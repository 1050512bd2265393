// Package pmm implements the kernel's physical page allocator: a two-level
// bitmap tracking ownership and freeness of 4KiB and 2MiB frames within a
// 16GiB physical window.
package pmm

import (
	"reflect"
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/boot"
	"github.com/lifelessPixels/con64os/kernel/cpu"
	"github.com/lifelessPixels/con64os/kernel/errors"
	"github.com/lifelessPixels/con64os/kernel/mem"
	"github.com/lifelessPixels/con64os/kernel/sync"
)

// KernelPID is the PID that owns every frame allocated on the kernel's
// behalf.
const KernelPID uint32 = 0

// ReservedPID marks a frame as owned by firmware/unusable memory rather
// than any process. PID 0 denotes the kernel.
const ReservedPID uint32 = 0xffffff

// briefEntryType is the 2-bit per-large-frame summary state.
type briefEntryType uint8

const (
	fullyFree            briefEntryType = 0b00
	fullySingleAllocated briefEntryType = 0b01
	partiallyFree        briefEntryType = 0b10
	fullyPageAllocated   briefEntryType = 0b11
)

// Allocation entry flags, packed into the top 8 bits of an allocationEntry.
const (
	flagAllocated uint8 = 0x01
	flagReserved  uint8 = 0x02
)

// allocationEntry packs a 24-bit PID and an 8-bit flags field into a single
// 32-bit word, the layout of each large-frame table entry.
type allocationEntry uint32

func makeAllocationEntry(pid uint32, flags uint8) allocationEntry {
	return allocationEntry(pid&0xffffff) | allocationEntry(flags)<<24
}

func (e allocationEntry) pid() uint32  { return uint32(e) & 0xffffff }
func (e allocationEntry) flags() uint8 { return uint8(e >> 24) }

// smallPageBitmap is the self-hosted allocation bitmap stored in the first
// 4KiB sub-page of any large frame that is PartiallyFree or
// FullyPageAllocated.
type smallPageBitmap struct {
	FreePages uint32
	Entries   [511]allocationEntry
}

const largeFrameTableEntries = int(mem.MaxLargeFrame)

var (
	briefBitmap     []byte
	largeFrameTable []allocationEntry

	freeSmallPages  uint64
	freeLargeFrames uint64

	lock sync.Spinlock

	// panicFn and physToVirt are overridden by tests.
	panicFn    = func(e *kernel.Error) { kernel.Panic(e) }
	physToVirt = func(addr uintptr) uintptr { return addr + cpu.PagingBase }
)

func overlayBytes(addr uintptr, length int) []byte {
	var b []byte
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	hdr.Data = addr
	hdr.Len = length
	hdr.Cap = length
	return b
}

func overlayEntries(addr uintptr, count int) []allocationEntry {
	var e []allocationEntry
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&e))
	hdr.Data = addr
	hdr.Len = count
	hdr.Cap = count
	return e
}

// Initialize scans the supplied memory map, reserves a slab for its own
// bitmaps, marks the whole 16GiB window reserved/allocated, and then frees
// every large-frame-aligned span covered by a usable memory map entry.
func Initialize(memoryMap []boot.MemoryMapEntry) {
	neededSize := uint64(1+16) * uint64(mem.PageSize)

	var found *boot.MemoryMapEntry
	for i := range memoryMap {
		e := &memoryMap[i]
		if e.Address() < 0x100000 {
			continue
		}
		if !e.IsFree() {
			continue
		}
		if e.Size() < neededSize {
			continue
		}
		found = e
		break
	}

	if found == nil {
		panicFn(&kernel.Error{Module: "pmm", Message: "no suitable memory map entry for allocator bitmaps"})
		return
	}

	briefBitmap = overlayBytes(physToVirt(uintptr(found.Address())), largeFrameTableEntries/4)
	largeFrameTable = overlayEntries(physToVirt(uintptr(found.Address())+uintptr(mem.PageSize)), largeFrameTableEntries)

	if found.Size() == neededSize {
		found.SetType(boot.MemoryUsed)
	} else {
		found.SetAddress(found.Address() + neededSize)
		found.SetSize(found.Size() - neededSize)
	}

	for i := 0; i < largeFrameTableEntries; i++ {
		setBriefEntry(uint64(i), fullySingleAllocated)
		setLargeFrameEntry(uint64(i), ReservedPID, flagAllocated|flagReserved)
	}

	for i := range memoryMap {
		e := &memoryMap[i]
		if e.Type() != boot.MemoryFree {
			continue
		}
		if e.Address() < 0x100000 {
			continue
		}
		if e.Size() < uint64(mem.LargePageSize) {
			continue
		}

		address := e.Address()
		size := e.Size()

		toAlign := uint64(mem.LargePageSize) - (address % uint64(mem.LargePageSize))
		if toAlign != uint64(mem.LargePageSize) {
			if size < toAlign {
				continue
			}
			size -= toAlign
			if size < uint64(mem.LargePageSize) {
				continue
			}
			size -= size % uint64(mem.LargePageSize)
			address += toAlign
		}

		pageCount := size / uint64(mem.LargePageSize)
		firstPage := address / uint64(mem.LargePageSize)
		for j := uint64(0); j < pageCount; j++ {
			if firstPage+j >= uint64(largeFrameTableEntries) {
				break
			}
			setBriefEntry(firstPage+j, fullyFree)
			setLargeFrameEntry(firstPage+j, 0, 0)
		}

		freeSmallPages += (size / uint64(mem.PageSize)) - pageCount
		freeLargeFrames += pageCount
	}
}

// Allocate reserves a physical frame for the given process id, returning its
// physical address. If large is true, a 2MiB frame is returned; otherwise a
// 4KiB frame.
func Allocate(pid uint32, large bool) (uintptr, error) {
	lock.Acquire()
	defer lock.Release()

	if large {
		return allocateLargeLocked(pid)
	}
	return allocateSmallLocked(pid)
}

func allocateSmallLocked(pid uint32) (uintptr, error) {
	if freeSmallPages == 0 {
		return 0, errors.ErrOutOfMemory
	}

	var firstFreeFrame uint64
	var partiallyFreeFrame uint64
	foundPartial := false

	for i := uint64(1); i < uint64(largeFrameTableEntries); i++ {
		t := getBriefEntry(i)
		if t == fullyFree && firstFreeFrame == 0 {
			firstFreeFrame = i
		}
		if t == partiallyFree {
			partiallyFreeFrame = i
			foundPartial = true
			break
		}
	}

	if foundPartial {
		base := physToVirt(uintptr(partiallyFreeFrame * uint64(mem.LargePageSize)))
		bm := (*smallPageBitmap)(unsafe.Pointer(base))

		for i := 0; i < 511; i++ {
			if bm.Entries[i].flags()&flagAllocated == 0 {
				bm.Entries[i] = makeAllocationEntry(pid, flagAllocated)
				bm.FreePages--
				freeSmallPages--

				if bm.FreePages == 0 {
					setBriefEntry(partiallyFreeFrame, fullyPageAllocated)
				}

				return uintptr(partiallyFreeFrame*uint64(mem.LargePageSize)) + uintptr(i+1)*uintptr(mem.PageSize), nil
			}
		}

		panicFn(&kernel.Error{Module: "pmm", Message: "partially free large frame had no free sub-page"})
		return 0, nil
	}

	if firstFreeFrame == 0 {
		return 0, errors.ErrOutOfMemory
	}

	base := physToVirt(uintptr(firstFreeFrame * uint64(mem.LargePageSize)))
	bm := (*smallPageBitmap)(unsafe.Pointer(base))
	for i := 1; i < 511; i++ {
		bm.Entries[i] = 0
	}
	bm.FreePages = 510
	bm.Entries[0] = makeAllocationEntry(pid, flagAllocated)

	setBriefEntry(firstFreeFrame, partiallyFree)
	freeSmallPages--
	freeLargeFrames--

	return uintptr(firstFreeFrame*uint64(mem.LargePageSize)) + uintptr(mem.PageSize), nil
}

func allocateLargeLocked(pid uint32) (uintptr, error) {
	if freeLargeFrames == 0 {
		return 0, errors.ErrOutOfMemory
	}

	for i := uint64(1); i < uint64(largeFrameTableEntries); i++ {
		if getBriefEntry(i) == fullyFree {
			setBriefEntry(i, fullySingleAllocated)
			setLargeFrameEntry(i, pid, flagAllocated)
			freeLargeFrames--
			return uintptr(i * uint64(mem.LargePageSize)), nil
		}
	}

	panicFn(&kernel.Error{Module: "pmm", Message: "large frame accounting inconsistent"})
	return 0, nil
}

// Free releases a physical frame previously returned by Allocate.
func Free(addr uintptr) {
	lock.Acquire()
	defer lock.Release()

	address := uint64(addr)
	if address >= uint64(largeFrameTableEntries)*uint64(mem.LargePageSize) {
		return
	}

	index := address / uint64(mem.LargePageSize)

	if address%uint64(mem.LargePageSize) == 0 {
		flags := getLargeFrameEntry(index).flags()
		if flags&flagAllocated != 0 && flags&flagReserved == 0 {
			if getBriefEntry(index) != fullySingleAllocated {
				return
			}
			setBriefEntry(index, fullyFree)
			setLargeFrameEntry(index, 0, 0)
			freeLargeFrames++
		}
		return
	}

	t := getBriefEntry(index)
	if t != fullyPageAllocated && t != partiallyFree {
		return
	}

	base := physToVirt(uintptr(index * uint64(mem.LargePageSize)))
	bm := (*smallPageBitmap)(unsafe.Pointer(base))
	// Entries[i] backs frame page i+1 (page 0 holds this bitmap itself).
	offset := (address-index*uint64(mem.LargePageSize))/uint64(mem.PageSize) - 1
	bm.Entries[offset] = 0
	bm.FreePages++
	freeSmallPages++

	switch bm.FreePages {
	case 1:
		setBriefEntry(index, partiallyFree)
	case 511:
		setBriefEntry(index, fullyFree)
		freeLargeFrames++
	}
}

func setBriefEntry(frameIndex uint64, t briefEntryType) {
	if frameIndex >= uint64(largeFrameTableEntries) {
		panicFn(&kernel.Error{Module: "pmm", Message: "brief bitmap index out of range"})
	}
	idx := frameIndex / 4
	shift := (frameIndex % 4) * 2
	briefBitmap[idx] &^= 0b11 << shift
	briefBitmap[idx] |= byte(t) << shift
}

func getBriefEntry(frameIndex uint64) briefEntryType {
	if frameIndex >= uint64(largeFrameTableEntries) {
		panicFn(&kernel.Error{Module: "pmm", Message: "brief bitmap index out of range"})
	}
	idx := frameIndex / 4
	shift := (frameIndex % 4) * 2
	return briefEntryType((briefBitmap[idx] >> shift) & 0b11)
}

func setLargeFrameEntry(frameIndex uint64, pid uint32, flags uint8) {
	if frameIndex >= uint64(largeFrameTableEntries) {
		panicFn(&kernel.Error{Module: "pmm", Message: "large-frame table index out of range"})
	}
	largeFrameTable[frameIndex] = makeAllocationEntry(pid, flags)
}

func getLargeFrameEntry(frameIndex uint64) allocationEntry {
	if frameIndex >= uint64(largeFrameTableEntries) {
		panicFn(&kernel.Error{Module: "pmm", Message: "large-frame table index out of range"})
	}
	return largeFrameTable[frameIndex]
}

// FreeCounts returns the current free small-page and free large-frame
// counts, for diagnostics and tests.
func FreeCounts() (freeSmall, freeLarge uint64) {
	return freeSmallPages, freeLargeFrames
}
