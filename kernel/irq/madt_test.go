package irq

import (
	"testing"
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/acpi"
	"github.com/lifelessPixels/con64os/kernel/mem/vmm"
)

func resetMADTState(t *testing.T) {
	t.Helper()
	origMap, origGetMADT, origPanic, origLAPICBase := mapObjectFn, getMADTFn, panicFn, lapicBase
	origIOAPICReady, origIOAPICAvailable := ioapicReady, ioapicAvailable
	t.Cleanup(func() {
		mapObjectFn, getMADTFn, panicFn, lapicBase = origMap, origGetMADT, origPanic, origLAPICBase
		ioapicReady, ioapicAvailable = origIOAPICReady, origIOAPICAvailable
	})
	ioapicReady = false
}

// buildMADT assembles a MADT table in a plain Go byte slice: header, the
// fixed lapicAddress/flags pair, one LAPIC entry and one IOAPIC entry.
func buildMADT(lapicAddress uint32, ioapicAddress uint32, gsiBase uint32) []byte {
	headerSize := int(unsafe.Sizeof(acpi.TableHeader{}))
	lapicEntrySize := 8
	ioapicEntrySize := 12
	total := headerSize + 8 + lapicEntrySize + ioapicEntrySize

	buf := make([]byte, total)
	hdr := (*acpi.TableHeader)(unsafe.Pointer(&buf[0]))
	copy(hdr.Signature[:], "APIC")
	hdr.Length = uint32(total)

	*(*uint32)(unsafe.Pointer(&buf[headerSize])) = lapicAddress
	*(*uint32)(unsafe.Pointer(&buf[headerSize+4])) = 0 // flags

	entryOffset := headerSize + 8
	buf[entryOffset+0] = 0 // madtLAPIC
	buf[entryOffset+1] = uint8(lapicEntrySize)
	buf[entryOffset+2] = 1                              // ACPIProcessorID
	buf[entryOffset+3] = 1                              // APICID
	*(*uint32)(unsafe.Pointer(&buf[entryOffset+4])) = 1 // processor enabled

	entryOffset += lapicEntrySize
	buf[entryOffset+0] = 1 // madtIOAPIC
	buf[entryOffset+1] = uint8(ioapicEntrySize)
	buf[entryOffset+2] = 2 // APICID
	buf[entryOffset+3] = 0 // reserved
	*(*uint32)(unsafe.Pointer(&buf[entryOffset+4])) = ioapicAddress
	*(*uint32)(unsafe.Pointer(&buf[entryOffset+8])) = gsiBase

	return buf
}

func TestInitializeAPICMapsLAPICAndIOAPIC(t *testing.T) {
	resetMADTState(t)
	panicFn = func(e *kernel.Error) { t.Fatalf("unexpected panic: %s", e.Message) }

	madt := buildMADT(0xfee00000, 0xfec00000, 0)
	getMADTFn = func() *acpi.TableHeader { return (*acpi.TableHeader)(unsafe.Pointer(&madt[0])) }

	fakeIOAPIC := make([]byte, 4096)
	fakeLAPICPage := make([]byte, 4096)
	mapObjectFn = func(obj *vmm.VMObject) (uintptr, bool) {
		if obj.Pages()[0] == 0xfec00000 {
			return uintptr(unsafe.Pointer(&fakeIOAPIC[0])), true
		}
		return uintptr(unsafe.Pointer(&fakeLAPICPage[0])), true
	}

	InitializeAPIC()

	if lapicBase != uintptr(unsafe.Pointer(&fakeLAPICPage[0])) {
		t.Fatal("expected InitializeAPIC to record the mapped LAPIC base")
	}
	if !ioapicReady {
		t.Fatal("expected the IOAPIC entry to be initialized")
	}
}

func TestInitializeAPICPanicsWhenTableMissing(t *testing.T) {
	resetMADTState(t)

	var captured *kernel.Error
	panicFn = func(e *kernel.Error) { captured = e }
	getMADTFn = func() *acpi.TableHeader { return nil }

	InitializeAPIC()

	if captured == nil || captured.Module != "irq" {
		t.Fatal("expected a missing MADT table to panic")
	}
}

func TestInitializeAPICPanicsOnX2APICEntry(t *testing.T) {
	resetMADTState(t)

	headerSize := int(unsafe.Sizeof(acpi.TableHeader{}))
	buf := make([]byte, headerSize+8+2)
	hdr := (*acpi.TableHeader)(unsafe.Pointer(&buf[0]))
	copy(hdr.Signature[:], "APIC")
	hdr.Length = uint32(len(buf))
	buf[headerSize+8+0] = 9 // madtLAPICx2
	buf[headerSize+8+1] = 2

	getMADTFn = func() *acpi.TableHeader { return (*acpi.TableHeader)(unsafe.Pointer(&buf[0])) }

	var captured *kernel.Error
	panicFn = func(e *kernel.Error) { captured = e }

	InitializeAPIC()

	if captured == nil || captured.Module != "irq" {
		t.Fatal("expected an x2APIC MADT entry to panic")
	}
}
