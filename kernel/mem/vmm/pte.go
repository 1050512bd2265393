// Package vmm implements the kernel's virtual-address-space manager: a
// four-level paging walk, a per-address-space region list, and the virtual
// memory object abstraction (MMIO, memory-backed, uncacheable page) that is
// the sole mapping unit accepted by VAS.MapObject.
package vmm

import "github.com/lifelessPixels/con64os/kernel/mem"

// tableEntry is the entry layout shared by every paging level:
// present/writable/cacheDisable in the low bits, pageSize at bit 7 (set on a
// page-directory entry that maps a large page), a 40-bit physical frame
// address at bits 12-51, and executeDisable at bit 63. It is an opaque uint64
// with explicit shift/mask accessors; bit-field structs have no defined
// layout in Go.
type tableEntry uint64

const (
	entryPresent        tableEntry = 1 << 0
	entryWritable       tableEntry = 1 << 1
	entryCacheDisable   tableEntry = 1 << 4
	entryPageSize       tableEntry = 1 << 7
	entryAddressMask    tableEntry = 0x000ffffffffff000
	entryExecuteDisable tableEntry = 1 << 63
)

func (e tableEntry) present() bool { return e&entryPresent != 0 }

func (e tableEntry) address() uintptr { return uintptr(e & entryAddressMask) }

func makeTableEntry(addr uintptr, flags tableEntry) tableEntry {
	return tableEntry(addr)&entryAddressMask | flags | entryPresent
}

// leafFlags projects VMObject access flags onto the page-table-entry bits
// used for both 4KiB and 2MiB leaves.
func leafFlags(flags uint8) tableEntry {
	var e tableEntry
	if flags&FlagWritable != 0 {
		e |= entryWritable
	}
	if flags&FlagExecutable == 0 {
		e |= entryExecuteDisable
	}
	if flags&FlagCacheable == 0 {
		e |= entryCacheDisable
	}
	return e
}

// splitAddress decomposes a canonical 48-bit virtual address into its four
// 9-bit paging indices: pml4, pdpt, pd, pt.
func splitAddress(addr uintptr) (pml4, pdpt, pd, pt uint64) {
	a := uint64(addr) >> mem.PageShift
	pt = a & 0x1ff
	a >>= 9
	pd = a & 0x1ff
	a >>= 9
	pdpt = a & 0x1ff
	a >>= 9
	pml4 = a & 0x1ff
	return
}
