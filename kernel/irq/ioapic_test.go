package irq

import (
	"testing"
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/boot"
)

// newFakeIOAPICRegisters returns an ioapicReadFn/ioapicWriteFn pair backed by
// a plain map, modeling the indexed register file a real IOAPIC exposes.
func newFakeIOAPICRegisters(version uint32) (func(uint32) uint32, func(uint32, uint32)) {
	regs := map[uint32]uint32{ioapicVersionIndex: version}
	read := func(index uint32) uint32 { return regs[index] }
	write := func(index uint32, value uint32) { regs[index] = value }
	return read, write
}

func resetIOAPICState(t *testing.T) {
	t.Helper()
	origRead, origWrite := ioapicReadFn, ioapicWriteFn
	origRegisters, origGSI, origCount, origReady, origAvailable := ioapicRegisters, ioapicGSIBase, ioapicEntryCount, ioapicReady, ioapicAvailable
	origPanic := panicFn
	t.Cleanup(func() {
		ioapicReadFn, ioapicWriteFn = origRead, origWrite
		ioapicRegisters, ioapicGSIBase, ioapicEntryCount, ioapicReady, ioapicAvailable = origRegisters, origGSI, origCount, origReady, origAvailable
		panicFn = origPanic
	})
	ioapicReady = false
	ioapicAvailable = nil
}

func TestInitializeIOAPICMasksAllEntriesAndExposesHighPins(t *testing.T) {
	resetIOAPICState(t)
	panicFn = func(e *kernel.Error) { t.Fatalf("unexpected panic: %s", e.Message) }

	// version register: bits 16-23 encode (maxRedirectionEntry), 23 -> 24 entries.
	read, write := newFakeIOAPICRegisters(23 << 16)
	ioapicReadFn, ioapicWriteFn = read, write

	initializeIOAPIC(0x1000, 2)

	if !ioapicReady {
		t.Fatal("expected initializeIOAPIC to mark the IOAPIC ready")
	}
	if ioapicEntryCount != 24 {
		t.Fatalf("expected 24 redirection entries, got %d", ioapicEntryCount)
	}
	if len(ioapicAvailable) != 8 { // pins 16..23
		t.Fatalf("expected 8 available pins above the legacy ISA range, got %d", len(ioapicAvailable))
	}

	for i := uint32(0); i < ioapicEntryCount; i++ {
		entry := read(ioapicRedirectionBaseIndex + i*2 + 0)
		if entry&(1<<16) == 0 {
			t.Fatalf("expected redirection entry %d to be masked", i)
		}
	}
}

func TestInitializeIOAPICRejectsSecondController(t *testing.T) {
	resetIOAPICState(t)

	var captured *kernel.Error
	panicFn = func(e *kernel.Error) { captured = e }

	ioapicReady = true
	initializeIOAPIC(0x2000, 0)

	if captured == nil || captured.Module != "irq" {
		t.Fatal("expected initializing a second IOAPIC to panic")
	}
}

func TestTryRegisterEntrySucceedsOnAvailablePin(t *testing.T) {
	resetIOAPICState(t)
	resetVectorState(t)
	panicFn = func(e *kernel.Error) { t.Fatalf("unexpected panic: %s", e.Message) }

	boot.RegisterStructure(&boot.Info{BSPID: 0x01})

	read, write := newFakeIOAPICRegisters(23 << 16)
	ioapicReadFn, ioapicWriteFn = read, write
	initializeIOAPIC(0x1000, 0)

	ok := TryRegisterEntry(16, func(unsafe.Pointer, uint8) {}, nil)
	if !ok {
		t.Fatal("expected registering an available pin to succeed")
	}

	entry := uint64(read(ioapicRedirectionBaseIndex+16*2+0)) | uint64(read(ioapicRedirectionBaseIndex+16*2+1))<<32
	if entry&0xff != 0x20 {
		t.Fatalf("expected the redirection entry to carry vector 0x20, got 0x%x", entry&0xff)
	}
}

func TestTryRegisterEntryRejectsUnavailablePin(t *testing.T) {
	resetIOAPICState(t)
	resetVectorState(t)
	panicFn = func(e *kernel.Error) { t.Fatalf("unexpected panic: %s", e.Message) }

	read, write := newFakeIOAPICRegisters(23 << 16)
	ioapicReadFn, ioapicWriteFn = read, write
	initializeIOAPIC(0x1000, 0)

	if ok := TryRegisterEntry(3, func(unsafe.Pointer, uint8) {}, nil); ok {
		t.Fatal("expected registering a reserved legacy pin (3) to fail")
	}
	if ok := TryRegisterEntry(16, func(unsafe.Pointer, uint8) {}, nil); !ok {
		t.Fatal("expected first registration of pin 16 to succeed")
	}
	if ok := TryRegisterEntry(16, func(unsafe.Pointer, uint8) {}, nil); ok {
		t.Fatal("expected the second registration of the same pin to fail")
	}
}
