package vmm

import (
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/cpu"
	"github.com/lifelessPixels/con64os/kernel/list"
	"github.com/lifelessPixels/con64os/kernel/mem"
	"github.com/lifelessPixels/con64os/kernel/mem/pmm"
	"github.com/lifelessPixels/con64os/kernel/sync"
)

// kernelAllocStart is where the kernel address space's region list begins:
// pagingBase + 512GiB, past the identity-mapped physical window rooted at
// pagingBase.
const kernelAllocStart = uintptr(cpu.PagingBase) + uintptr(512)*uintptr(mem.Gb)

// kernelAllocEnd is the exclusive end of the kernel region list: the base of
// the last PML4 slot (511), which the list does not cover.
const kernelAllocEnd = uintptr(0xffffff8000000000)

// userAllocStart/userAllocEnd bound a user address space's allocatable range.
const (
	userAllocStart = uintptr(2) * uintptr(mem.Mb)
	userAllocEnd   = uintptr(0x0000800000000000)
)

// regionType distinguishes a free gap in the region list from one backing a
// mapped VMObject.
type regionType uint8

const (
	regionFree regionType = iota
	regionAllocated
)

// region is one entry in a VAS's ordered, address-tiling region list.
type region struct {
	kind    regionType
	object  *VMObject
	address uintptr
	size    uint64
}

var (
	kernelAddressSpace            *VAS
	kernelAddressSpaceInitialized bool
)

// physToVirt maps a physical address in the identity-mapped window to its
// accessible virtual address. Overridden by tests, which have no real
// identity map to rely on.
var physToVirt = func(addr uintptr) uintptr { return addr + cpu.PagingBase }

// cpuActivePDTFn and cpuSwitchPDTFn wrap the matching cpu package primitives;
// mocked by tests.
var (
	cpuActivePDTFn = cpu.ActivePDT
	cpuSwitchPDTFn = cpu.SwitchPDT
)

// VAS is a single virtual address space: its own PML4 root, an ordered list
// of regions tiling its allocatable range, and the lock that serializes
// paging-structure updates against it.
type VAS struct {
	cr3     uintptr
	pml4    *[512]tableEntry
	regions list.List[*region]
	lock    sync.Spinlock
}

// NewAddressSpace constructs a fresh address space. The very first call
// becomes the kernel address space (adopting whatever CR3 the boot protocol
// left active); every subsequent call produces a user address space whose
// upper half (PML4 indices 256..511) is copied from the kernel's.
func NewAddressSpace() *VAS {
	vas := &VAS{}

	if kernelAddressSpaceInitialized {
		frame, err := allocateFn(pmm.KernelPID, false)
		if err != nil {
			panicFn(&kernel.Error{Module: "vmm", Message: "out of memory creating address space"})
			return nil
		}
		mem.Memset(physToVirt(frame), 0, mem.PageSize)

		vas.cr3 = frame
		vas.pml4 = (*[512]tableEntry)(unsafe.Pointer(physToVirt(frame)))

		for i := 256; i < 512; i++ {
			if kernelAddressSpace.pml4[i].present() {
				vas.pml4[i] = kernelAddressSpace.pml4[i]
			}
		}

		vas.regions.AppendBack(&region{
			kind:    regionFree,
			address: userAllocStart,
			size:    uint64(userAllocEnd - userAllocStart),
		})

		return vas
	}

	vas.cr3 = cpuActivePDTFn()
	vas.pml4 = (*[512]tableEntry)(unsafe.Pointer(physToVirt(vas.cr3)))
	vas.pml4[256] |= entryExecuteDisable

	vas.regions.AppendBack(&region{
		kind:    regionFree,
		address: kernelAllocStart,
		size:    uint64(kernelAllocEnd - kernelAllocStart),
	})

	kernelAddressSpace = vas
	kernelAddressSpaceInitialized = true
	return vas
}

// KernelAddressSpace returns the distinguished kernel address space created
// by the first call to NewAddressSpace.
func KernelAddressSpace() *VAS {
	return kernelAddressSpace
}

// CR3 returns the physical address of this address space's PML4, suitable
// for loading into CR3.
func (v *VAS) CR3() uintptr {
	return v.cr3
}

// AdjustKernelMemory completes the boot protocol's higher-half transition:
// the low-half mirror the boot protocol leaves at PML4[0] is moved to
// PML4[256] (matching the kernelAllocStart .. mapping convention) and the
// low half is cleared, then CR3 is reloaded.
func AdjustKernelMemory() {
	cr3 := cpuActivePDTFn()
	pml4 := (*[512]tableEntry)(unsafe.Pointer(physToVirt(cr3)))
	pml4[256] = pml4[0]
	pml4[0] = 0
	cpuSwitchPDTFn(cr3)
}

// allocateZeroedPage reserves a kernel-owned 4KiB frame and zeroes it,
// for use as a freshly created intermediate paging structure.
func allocateZeroedPage() uintptr {
	frame, err := allocateFn(pmm.KernelPID, false)
	if err != nil {
		panicFn(&kernel.Error{Module: "vmm", Message: "out of memory allocating page table"})
		return 0
	}
	mem.Memset(physToVirt(frame), 0, mem.PageSize)
	return frame
}

// getEntry descends PML4 -> PDPT -> PD -> (PT) for addr, lazily allocating
// zeroed intermediate tables when create is true. With large set, descent
// stops at the PD level and that slot is returned directly. Returns nil if
// the path is not present and create is false.
func (v *VAS) getEntry(addr uintptr, large, create bool) *tableEntry {
	pml4Idx, pdptIdx, pdIdx, ptIdx := splitAddress(addr)

	pml4Entry := &v.pml4[pml4Idx]
	if !pml4Entry.present() {
		if !create {
			return nil
		}
		*pml4Entry = makeTableEntry(allocateZeroedPage(), entryWritable)
	}

	pdpt := (*[512]tableEntry)(unsafe.Pointer(physToVirt(pml4Entry.address())))
	pdptEntry := &pdpt[pdptIdx]
	if !pdptEntry.present() {
		if !create {
			return nil
		}
		*pdptEntry = makeTableEntry(allocateZeroedPage(), entryWritable)
	}

	pd := (*[512]tableEntry)(unsafe.Pointer(physToVirt(pdptEntry.address())))
	pdEntry := &pd[pdIdx]
	if large {
		return pdEntry
	}
	if !pdEntry.present() {
		if !create {
			return nil
		}
		*pdEntry = makeTableEntry(allocateZeroedPage(), entryWritable)
	}

	pt := (*[512]tableEntry)(unsafe.Pointer(physToVirt(pdEntry.address())))
	return &pt[ptIdx]
}

// GetEntry exposes getEntry for callers outside the package (page-fault
// analysis, diagnostics, tests) that need to inspect a mapping without
// going through MapObject.
func (v *VAS) GetEntry(addr uintptr, large, create bool) *uint64 {
	e := v.getEntry(addr, large, create)
	if e == nil {
		return nil
	}
	return (*uint64)(unsafe.Pointer(e))
}

// MapObject finds a free region large enough for obj, maps its pages into
// this address space and returns the chosen virtual address. It returns
// (0, false) when no free region fits. Preferred addresses are not
// supported; placement is always first-fit.
func (v *VAS) MapObject(obj *VMObject) (uintptr, bool) {
	v.lock.Acquire()
	defer v.lock.Release()

	objSize := obj.Size()

	foundIndex := -1
	var alignPad uint64
	var allocAddr uintptr
	var remainder uint64

	v.regions.ForEach(func(i int, r *region) bool {
		if r.kind != regionFree {
			return true
		}

		addr, size := r.address, r.size

		var pad uint64
		if obj.LargePageAligned() {
			alignment := uint64(mem.LargePageSize)
			if misalign := uint64(addr) % alignment; misalign != 0 {
				pad = alignment - misalign
				if size < pad {
					return true
				}
				size -= pad
				addr += uintptr(pad)
			}
		}

		if size < objSize {
			return true
		}

		foundIndex = i
		alignPad = pad
		allocAddr = addr
		remainder = size - objSize
		return false
	})

	if foundIndex == -1 {
		return 0, false
	}

	current := v.regions.Get(foundIndex)
	originalAddr := current.address

	current.address = allocAddr
	current.size = objSize
	current.kind = regionAllocated
	current.object = obj
	v.regions.Set(foundIndex, current)

	insertAt := foundIndex + 1
	if remainder > 0 {
		v.regions.InsertAt(&region{
			kind:    regionFree,
			address: allocAddr + uintptr(objSize),
			size:    remainder,
		}, insertAt)
		insertAt++
	}
	if alignPad > 0 {
		v.regions.InsertAt(&region{
			kind:    regionFree,
			address: originalAddr,
			size:    alignPad,
		}, foundIndex)
	}

	v.mapRegion(current)
	return current.address, true
}

// mapRegion writes the leaf page-table entries for every page backing a
// newly allocated region. region.size must equal len(object.Pages()) *
// pageSize.
func (v *VAS) mapRegion(r *region) {
	obj := r.object
	large := obj.LargePageAligned()
	pageSize := obj.pageSize()
	pages := obj.Pages()

	expected := uint64(len(pages))
	if r.size/pageSize != expected {
		panicFn(&kernel.Error{Module: "vmm", Message: "object page count does not match region size"})
		return
	}

	flags := leafFlags(obj.Flags())
	if large {
		flags |= entryPageSize
	}

	for i, page := range pages {
		addr := r.address + uintptr(uint64(i)*pageSize)
		entry := v.getEntry(addr, large, true)
		*entry = makeTableEntry(page, flags)
	}
}
