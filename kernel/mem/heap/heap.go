// Package heap implements the kernel's dynamic memory allocator: a chain of
// 2MiB chunks, each carved by a first-fit descriptor list with immediate
// left/right coalescing on free. It exists so the rest of the kernel has
// something to allocate from once kfmt and the physical allocator are up but
// before any general-purpose Go allocator is available.
package heap

import (
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/cpu"
	"github.com/lifelessPixels/con64os/kernel/kfmt"
	"github.com/lifelessPixels/con64os/kernel/mem"
	"github.com/lifelessPixels/con64os/kernel/mem/pmm"
	"github.com/lifelessPixels/con64os/kernel/sync"
)

// allocationType distinguishes a free descriptor from an allocated one.
type allocationType uintptr

const (
	typeFree allocationType = iota
	typeAllocated
)

// allocationDescriptor precedes every allocation (and every free gap) inside
// a chunk, forming a doubly-linked list ordered by address.
type allocationDescriptor struct {
	previous *allocationDescriptor
	next     *allocationDescriptor
	kind     allocationType
	size     uintptr
}

// chunkInfoBlock sits at the base of every 2MiB chunk and anchors that
// chunk's allocation list.
type chunkInfoBlock struct {
	previous            *chunkInfoBlock
	next                *chunkInfoBlock
	allocationListFirst *allocationDescriptor
	reservedAlignment   uintptr
}

const (
	allocationAlignment = unsafe.Sizeof(allocationDescriptor{})

	// fullPageAllocationSize is how much of a 2MiB chunk is usable for
	// allocations once the chunk header and the first descriptor have
	// claimed their space.
	fullPageAllocationSize = uint64(mem.LargePageSize) - uint64(unsafe.Sizeof(chunkInfoBlock{})) - uint64(unsafe.Sizeof(allocationDescriptor{}))
)

var (
	chunkListFirst  *chunkInfoBlock
	chunkListLast   *chunkInfoBlock
	chunkListLength uint64

	lock sync.Spinlock

	// allocateFn, freeFn, physToVirt, virtToPhys and panicFn are overridden
	// by tests.
	allocateFn = pmm.Allocate
	freeFn     = pmm.Free
	physToVirt = func(addr uintptr) uintptr { return addr + cpu.PagingBase }
	virtToPhys = func(addr uintptr) uintptr { return addr - cpu.PagingBase }
	panicFn    = func(e *kernel.Error) { kernel.Panic(e) }
)

// Initialize allocates the heap's first chunk so the first Allocate call
// always has somewhere to look.
func Initialize() {
	allocateAndAppendNewChunk()
	kfmt.Printf("[heap] initialized with 2MiB chunk\n")
}

// Allocate reserves size bytes from the heap, rounded up to a multiple of
// allocationAlignment, and returns its address. A single allocation may
// never exceed what a single chunk can hold.
func Allocate(size uintptr) uintptr {
	lock.Acquire()
	defer lock.Release()

	adjusted := ((size + (allocationAlignment - 1)) / allocationAlignment) * allocationAlignment

	if adjusted > uintptr(fullPageAllocationSize) {
		panicFn(&kernel.Error{Module: "heap", Message: "allocation size too big for a single chunk"})
		return 0
	}

	for chunk := chunkListFirst; chunk != nil; chunk = chunk.next {
		if addr := findAllocation(chunk, adjusted); addr != 0 {
			return addr
		}
	}

	newChunk := allocateAndAppendNewChunk()
	addr := findAllocation(newChunk, adjusted)
	if addr == 0 {
		panicFn(&kernel.Error{Module: "heap", Message: "allocation failed in freshly allocated chunk"})
		return 0
	}
	return addr
}

// Free releases a previous allocation, coalescing it with its
// neighbors and, if the whole chunk becomes free, returning it to the
// physical allocator.
func Free(address uintptr) {
	lock.Acquire()
	defer lock.Release()

	chunk := (*chunkInfoBlock)(unsafe.Pointer(address &^ (uintptr(mem.LargePageSize) - 1)))
	descriptor := (*allocationDescriptor)(unsafe.Pointer(address - allocationAlignment))

	descriptor.kind = typeFree

	previous := descriptor.previous
	next := descriptor.next

	if previous != nil && previous.kind == typeFree {
		previous.size += descriptor.size + allocationAlignment
		previous.next = next
		if next != nil {
			next.previous = previous
		}
		descriptor = previous
	}

	if next := descriptor.next; next != nil && next.kind == typeFree {
		descriptor.size += next.size + allocationAlignment
		descriptor.next = next.next
		if next.next != nil {
			next.next.previous = descriptor
		}
	}

	first := chunk.allocationListFirst
	if first.kind == typeFree && first.size == uintptr(fullPageAllocationSize) {
		freeAndRemoveChunk(chunk)
	}
}

func allocateAndAppendNewChunk() *chunkInfoBlock {
	frame, err := allocateFn(pmm.KernelPID, true)
	if err != nil {
		panicFn(&kernel.Error{Module: "heap", Message: "out of memory allocating heap chunk"})
		return nil
	}

	address := physToVirt(frame)
	newChunk := (*chunkInfoBlock)(unsafe.Pointer(address))

	wholeAlloc := (*allocationDescriptor)(unsafe.Pointer(address + unsafe.Sizeof(chunkInfoBlock{})))
	wholeAlloc.previous = nil
	wholeAlloc.next = nil
	wholeAlloc.size = uintptr(fullPageAllocationSize)
	wholeAlloc.kind = typeFree
	newChunk.allocationListFirst = wholeAlloc

	if chunkListLength == 0 {
		newChunk.previous = nil
		newChunk.next = nil
		chunkListFirst = newChunk
		chunkListLast = newChunk
	} else {
		newChunk.next = nil
		newChunk.previous = chunkListLast
		chunkListLast.next = newChunk
		chunkListLast = newChunk
	}
	chunkListLength++

	kfmt.Printf("[heap] new chunk for dynamic allocations created\n")
	return newChunk
}

func freeAndRemoveChunk(chunk *chunkInfoBlock) {
	if chunkListLength == 1 {
		chunkListFirst = nil
		chunkListLast = nil
	} else {
		if chunk.previous != nil {
			chunk.previous.next = chunk.next
		} else {
			chunkListFirst = chunk.next
		}
		if chunk.next != nil {
			chunk.next.previous = chunk.previous
		} else {
			chunkListLast = chunk.previous
		}
	}

	freeFn(virtToPhys(uintptr(unsafe.Pointer(chunk))))
	chunkListLength--

	kfmt.Printf("[heap] existing chunk for dynamic allocations removed\n")
}

// findAllocation implements first-fit with a trailing split: the first free
// descriptor at least size bytes long is used, splitting off a new free
// descriptor for the remainder when the split itself is worth the overhead.
func findAllocation(chunk *chunkInfoBlock, size uintptr) uintptr {
	current := chunk.allocationListFirst
	for current != nil {
		if current.kind == typeFree && current.size >= size {
			if difference := current.size - size; difference >= allocationAlignment*2 {
				newDescriptor := (*allocationDescriptor)(unsafe.Pointer(uintptr(unsafe.Pointer(current)) + allocationAlignment + size))
				newDescriptor.size = current.size - allocationAlignment - size
				newDescriptor.kind = typeFree
				newDescriptor.previous = current
				newDescriptor.next = current.next
				if current.next != nil {
					current.next.previous = newDescriptor
				}

				current.size = size
				current.next = newDescriptor
			}

			current.kind = typeAllocated
			return uintptr(unsafe.Pointer(current)) + allocationAlignment
		}

		current = current.next
	}

	return 0
}
