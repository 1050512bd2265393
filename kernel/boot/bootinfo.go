// Package boot exposes the fixed-layout record handed to the kernel by the
// bootloader: a pre-paged higher-half environment, the system memory map, a
// framebuffer, and the physical address of the ACPI root table. Parsing the
// handoff protocol itself is out of scope; this package only describes the
// record's shape and the few adjustments Kmain must perform on it.
package boot

import (
	"reflect"
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel/cpu"
)

// FramebufferType identifies the pixel layout of the framebuffer described
// by Info.
type FramebufferType uint8

// Supported framebuffer pixel layouts.
const (
	FramebufferARGB FramebufferType = 0
	FramebufferRGBA FramebufferType = 1
	FramebufferABGR FramebufferType = 2
	FramebufferBGRA FramebufferType = 3
)

// MemoryMapEntryType classifies a MemoryMapEntry.
type MemoryMapEntryType uint8

// Memory map entry classifications, packed into the low 4 bits of
// MemoryMapEntry.sizeAndType.
const (
	MemoryUsed MemoryMapEntryType = 0
	MemoryFree MemoryMapEntryType = 1
	MemoryACPI MemoryMapEntryType = 2
	MemoryMMIO MemoryMapEntryType = 3
)

// MemoryMapEntry describes one range of physical memory. Size and type are
// packed together: the low 4 bits of sizeAndType hold the MemoryMapEntryType,
// the rest (masked off) hold the size.
type MemoryMapEntry struct {
	address     uint64
	sizeAndType uint64
}

// Address returns the physical base address of this entry.
func (e *MemoryMapEntry) Address() uint64 { return e.address }

// Size returns the byte length of this entry.
func (e *MemoryMapEntry) Size() uint64 { return e.sizeAndType &^ 0xf }

// Type returns the classification of this entry.
func (e *MemoryMapEntry) Type() MemoryMapEntryType { return MemoryMapEntryType(e.sizeAndType & 0xf) }

// IsFree reports whether this entry is available for general allocation.
func (e *MemoryMapEntry) IsFree() bool { return e.Type() == MemoryFree }

// SetAddress overwrites the entry's address, used when the physical
// allocator shrinks an entry it consumed for its bitmaps.
func (e *MemoryMapEntry) SetAddress(addr uint64) { e.address = addr }

// SetSize overwrites the entry's size, preserving its type.
func (e *MemoryMapEntry) SetSize(size uint64) {
	e.sizeAndType = (size &^ 0xf) | uint64(e.Type())
}

// SetType overwrites the entry's type, preserving its size.
func (e *MemoryMapEntry) SetType(t MemoryMapEntryType) {
	e.sizeAndType = (e.sizeAndType &^ 0xf) | uint64(t)
}

// Info is the fixed-layout record handed to the kernel at entry. Its
// address and field order are dictated by the boot protocol and must not be
// reordered. The variable-length MemoryMap trails the struct in memory;
// MemoryMap() overlays a slice on top of it using Size to compute the entry
// count.
type Info struct {
	Magic               [4]byte
	Size                uint32
	Protocol            uint8
	FramebufferKind     FramebufferType
	CoreCount           uint16
	BSPID               uint16
	Timezone            int16
	DateTime            [8]byte
	InitrdPointer       uint64
	InitrdSize          uint64
	FramebufferPointer  uint64
	FramebufferSize     uint32
	FramebufferWidth    uint32
	FramebufferHeight   uint32
	FramebufferScanline uint32
	ACPIPointer         uint64
	SMBIOSPointer       uint64
	EFIPointer          uint64
	MPPointer           uint64
	reserved            [4]uint64
}

const headerSize = 128

var global *Info

// RegisterStructure adopts the bootloader-supplied Info record as the
// kernel's global bootinfo, rebasing the pointer fields the bootloader
// supplied as low-half physical addresses into the higher-half direct
// mapping used by the rest of the kernel.
func RegisterStructure(info *Info) {
	global = info
	global.InitrdPointer += uint64(cpu.PagingBase)
	global.FramebufferPointer += uint64(cpu.PagingBase)
	global.ACPIPointer += uint64(cpu.PagingBase)
	global.SMBIOSPointer += uint64(cpu.PagingBase)
	global.EFIPointer += uint64(cpu.PagingBase)
	global.MPPointer += uint64(cpu.PagingBase)
}

// Structure returns the registered bootinfo record. Callers must not invoke
// this before RegisterStructure.
func Structure() *Info {
	return global
}

// MemoryMap overlays a slice of MemoryMapEntry on top of the variable-length
// tail of the Info record.
func (i *Info) MemoryMap() []MemoryMapEntry {
	count := (int(i.Size) - headerSize) / int(unsafe.Sizeof(MemoryMapEntry{}))
	base := uintptr(unsafe.Pointer(i)) + headerSize

	var entries []MemoryMapEntry
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&entries))
	hdr.Data = base
	hdr.Len = count
	hdr.Cap = count
	return entries
}
