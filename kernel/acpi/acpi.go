// Package acpi walks the firmware-supplied ACPI table set: it locates and
// validates the root system description table (XSDT, falling back to the
// older 32-bit RSDT when the root pointer's signature says so), checksums
// and indexes every table it points to, and exposes them to the rest of the
// kernel by signature.
package acpi

import (
	"reflect"
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/boot"
	"github.com/lifelessPixels/con64os/kernel/cpu"
	"github.com/lifelessPixels/con64os/kernel/kfmt"
	"github.com/lifelessPixels/con64os/kernel/list"
)

// TableHeader is the fixed-size prefix shared by every ACPI table.
type TableHeader struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

var tableHeaderSize = unsafe.Sizeof(TableHeader{})

// GenericAddressStructure is the ACPI-defined register location format used
// by HPET and similar tables.
type GenericAddressStructure struct {
	AddressSpaceID    uint8
	RegisterBitWidth  uint8
	RegisterBitOffset uint8
	Reserved          uint8
	Address           uint64
}

var (
	tables list.List[*TableHeader]

	// panicFn and physToVirt are overridden by tests.
	panicFn    = func(e *kernel.Error) { kernel.Panic(e) }
	physToVirt = func(addr uintptr) uintptr { return addr + cpu.PagingBase }
)

// Initialize locates the root table (XSDT, or RSDT if the root pointer is a
// 32-bit table), validates it, and walks its entry list, keeping every
// table whose checksum validates. boot.RegisterStructure has already rebased
// ACPIPointer into the identity-mapped window.
func Initialize() {
	root := (*TableHeader)(unsafe.Pointer(uintptr(boot.Structure().ACPIPointer)))
	if root == nil {
		panicFn(&kernel.Error{Module: "acpi", Message: "root system description table not found"})
		return
	}

	kfmt.Printf("[acpi] root table found, verifying...\n")
	if !validate(root) {
		panicFn(&kernel.Error{Module: "acpi", Message: "root system description table checksum invalid"})
		return
	}

	entrySize := uintptr(8)
	if root.Signature[0] != 'X' {
		entrySize = 4
	}

	entryCount := (uintptr(root.Length) - tableHeaderSize) / entrySize
	pointerBase := uintptr(unsafe.Pointer(root)) + tableHeaderSize

	kfmt.Printf("[acpi] listing all entries in root table: \n")
	found := 0
	for i := uintptr(0); i < entryCount; i++ {
		var physAddr uint64
		if entrySize == 8 {
			physAddr = *(*uint64)(unsafe.Pointer(pointerBase + i*8))
		} else {
			physAddr = uint64(*(*uint32)(unsafe.Pointer(pointerBase + i*4)))
		}

		header := (*TableHeader)(unsafe.Pointer(physToVirt(uintptr(physAddr))))
		if !validate(header) {
			kfmt.Printf("[acpi] found invalid table with signature: %s\n", signatureString(header))
			continue
		}

		kfmt.Printf("[acpi]   - %s at %x\n", signatureString(header), uintptr(unsafe.Pointer(header)))
		found++
		tables.AppendBack(header)
	}

	if found == 0 {
		kfmt.Printf("[acpi] no tables found...\n")
	}
}

func signatureString(t *TableHeader) string {
	return string(t.Signature[:])
}

func validate(t *TableHeader) bool {
	length := int(t.Length)
	var bytes []byte
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&bytes))
	hdr.Data = uintptr(unsafe.Pointer(t))
	hdr.Len = length
	hdr.Cap = length

	var sum uint8
	for _, b := range bytes {
		sum += b
	}
	return sum == 0
}

// GetTableBySignature returns the table matching the given 4-character
// signature, or nil if none was found.
func GetTableBySignature(signature string) *TableHeader {
	var result *TableHeader
	tables.ForEach(func(_ int, t *TableHeader) bool {
		if string(t.Signature[:]) == signature {
			result = t
			return false
		}
		return true
	})
	return result
}
