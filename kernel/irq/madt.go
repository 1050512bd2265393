package irq

import (
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/acpi"
	"github.com/lifelessPixels/con64os/kernel/kfmt"
	"github.com/lifelessPixels/con64os/kernel/mem/vmm"
)

// madtEntryType tags one variable-length entry in the MADT's flexible tail.
type madtEntryType uint8

const (
	madtLAPIC                madtEntryType = 0
	madtIOAPIC               madtEntryType = 1
	madtIOAPICSourceOverride madtEntryType = 2
	madtIOAPICNMISource      madtEntryType = 3
	madtLAPICNMI             madtEntryType = 4
	madtLAPICAddressOverride madtEntryType = 5
	madtLAPICx2              madtEntryType = 9
)

type madtEntryHeader struct {
	EntryType madtEntryType
	Length    uint8
}

type madtLAPICEntry struct {
	madtEntryHeader
	ACPIProcessorID uint8
	APICID          uint8
	Flags           uint32
}

type madtIOAPICEntry struct {
	madtEntryHeader
	APICID                uint8
	reserved              uint8
	Address               uint32
	GlobalSystemInterrupt uint32
}

// mapObjectFn is overridden by tests, which have no real kernel address
// space to map into.
var mapObjectFn = func(obj *vmm.VMObject) (uintptr, bool) {
	return vmm.KernelAddressSpace().MapObject(obj)
}

// getMADTFn is overridden by tests, which cannot route through the real
// ACPI table index without a physical identity mapping.
var getMADTFn = func() *acpi.TableHeader { return acpi.GetTableBySignature("APIC") }

// InitializeAPIC walks the MADT, maps the LAPIC (and any IOAPIC it finds)
// into the kernel address space, and records their addresses for lapic.go /
// ioapic.go to use. It does not bring up this core's LAPIC;
// InitializeCoreLAPIC does that.
func InitializeAPIC() {
	table := getMADTFn()
	if table == nil {
		panicFn(&kernel.Error{Module: "irq", Message: "MADT table not found"})
		return
	}

	base := uintptr(unsafe.Pointer(table))
	lapicAddress := uint64(*(*uint32)(unsafe.Pointer(base + unsafe.Sizeof(acpi.TableHeader{}))))
	flagsOffset := base + unsafe.Sizeof(acpi.TableHeader{}) + 4

	dataOffset := flagsOffset + 4
	size := uintptr(table.Length) - unsafe.Sizeof(acpi.TableHeader{}) - 8

	kfmt.Printf("[irq] listing all entries in MADT:\n")

	addressOverridden := false
	var offset uintptr
	for offset < size {
		entry := (*madtEntryHeader)(unsafe.Pointer(dataOffset + offset))

		switch entry.EntryType {
		case madtLAPIC:
			l := (*madtLAPICEntry)(unsafe.Pointer(entry))
			kfmt.Printf("[irq]   - LAPIC: acpi ID: %d, apic ID: %d, processor enabled? %t\n",
				l.ACPIProcessorID, l.APICID, (l.Flags&1) == 1)

		case madtIOAPIC:
			io := (*madtIOAPICEntry)(unsafe.Pointer(entry))
			kfmt.Printf("[irq]   - IOAPIC: apic ID: %d, address: 0x%x, global interrupt base: %d\n",
				io.APICID, io.Address, io.GlobalSystemInterrupt)

			obj := vmm.NewMMIO(uintptr(io.Address), uint64(4096))
			mapped, ok := mapObjectFn(obj)
			if !ok {
				panicFn(&kernel.Error{Module: "irq", Message: "could not map IOAPIC"})
				return
			}
			kfmt.Printf("[irq]             mapped at: 0x%x\n", mapped)
			initializeIOAPIC(mapped, io.GlobalSystemInterrupt)

		case madtIOAPICSourceOverride, madtIOAPICNMISource, madtLAPICNMI:
			// skipped without logging; this kernel does not perform legacy
			// ISA IRQ routing.
			break

		case madtLAPICAddressOverride:
			if addressOverridden {
				kfmt.Printf("[irq]   - LAPIC Address Override: ignoring, multiple entries...\n")
			} else {
				entryBase := uintptr(unsafe.Pointer(entry))
				low := uint64(*(*uint32)(unsafe.Pointer(entryBase + 4)))
				high := uint64(*(*uint32)(unsafe.Pointer(entryBase + 8)))
				overrideAddress := low | (high << 32)
				kfmt.Printf("[irq]   - LAPIC Address Override: address: 0x%x\n", overrideAddress)
				lapicAddress = overrideAddress
				addressOverridden = true
			}

		case madtLAPICx2:
			panicFn(&kernel.Error{Module: "irq", Message: "x2APIC is not supported"})
			return
		}

		offset += uintptr(entry.Length)
	}

	lapicObj := vmm.NewMMIO(uintptr(lapicAddress), 4096)
	mappedLAPIC, ok := mapObjectFn(lapicObj)
	if !ok {
		panicFn(&kernel.Error{Module: "irq", Message: "could not map LAPIC"})
		return
	}
	setLAPICBase(mappedLAPIC)
	kfmt.Printf("[irq] local APIC at address 0x%x (mapped at 0x%x)\n", lapicAddress, mappedLAPIC)
}
