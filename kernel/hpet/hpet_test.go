package hpet

import (
	"testing"
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/acpi"
	"github.com/lifelessPixels/con64os/kernel/irq"
	"github.com/lifelessPixels/con64os/kernel/mem/vmm"
)

func resetHPETState(t *testing.T) {
	t.Helper()
	origRegisters, origClockPeriod, origTimerCount := registers, clockPeriod, timerCount
	origPeriodic, origOneShot, origRouting := periodicTimer, oneShotTimer, oneShotRouting
	origMap, origGetTable, origRegisterEntry, origPanic := mapHPETFn, getHPETTableFn, registerIOAPICEntryFn, panicFn
	t.Cleanup(func() {
		registers, clockPeriod, timerCount = origRegisters, origClockPeriod, origTimerCount
		periodicTimer, oneShotTimer, oneShotRouting = origPeriodic, origOneShot, origRouting
		mapHPETFn, getHPETTableFn, registerIOAPICEntryFn, panicFn = origMap, origGetTable, origRegisterEntry, origPanic
	})
}

// newFakeHPET allocates a registerSpace plus two timer quadruples: timer 0
// advertises periodic support, timer 1 is one-shot only with IOAPIC routing
// pin 4 available.
func newFakeHPET(clockPeriodFs uint32) *registerSpace {
	buf := make([]byte, unsafe.Sizeof(registerSpace{})+2*timerStride)
	regs := (*registerSpace)(unsafe.Pointer(&buf[0]))
	regs.GeneralCapabilities = (uint64(clockPeriodFs) << 32) | (1 << 8) // timerCount-1 = 1 -> 2 timers

	base := uintptr(unsafe.Pointer(regs)) + unsafe.Sizeof(registerSpace{})
	*(*uint64)(unsafe.Pointer(base)) = 1 << 4                           // timer 0: periodic capable
	*(*uint64)(unsafe.Pointer(base + timerStride)) = uint64(1<<4) << 32 // timer 1: routing pin 4, not periodic
	return regs
}

func buildHPETTable(address uint64) []byte {
	headerSize := int(unsafe.Sizeof(acpi.TableHeader{}))
	total := headerSize + int(hpetTableBaseAddressOffset) + 8
	buf := make([]byte, total)
	hdr := (*acpi.TableHeader)(unsafe.Pointer(&buf[0]))
	copy(hdr.Signature[:], "HPET")
	hdr.Length = uint32(total)

	addrOffset := headerSize + int(hpetTableBaseAddressOffset)
	*(*uint64)(unsafe.Pointer(&buf[addrOffset])) = address
	return buf
}

func TestInitializeSelectsPeriodicAndOneShotTimers(t *testing.T) {
	resetHPETState(t)
	panicFn = func(e *kernel.Error) { t.Fatalf("unexpected panic: %s", e.Message) }

	table := buildHPETTable(0xfed00000)
	getHPETTableFn = func() *acpi.TableHeader { return (*acpi.TableHeader)(unsafe.Pointer(&table[0])) }

	fakeRegs := newFakeHPET(100000)
	mapHPETFn = func(obj *vmm.VMObject) (uintptr, bool) {
		return uintptr(unsafe.Pointer(fakeRegs)), true
	}

	var registeredPin uint8 = 0xff
	registerIOAPICEntryFn = func(pin uint8, handler irq.Handler, data unsafe.Pointer) bool {
		registeredPin = pin
		return true
	}

	Initialize()

	if periodicTimer != 0 {
		t.Fatalf("expected timer 0 to be chosen for periodic mode, got %d", periodicTimer)
	}
	if oneShotTimer != 1 {
		t.Fatalf("expected timer 1 to be chosen for one-shot mode, got %d", oneShotTimer)
	}
	if registeredPin != 4 {
		t.Fatalf("expected IOAPIC pin 4 to be registered for the one-shot timer, got %d", registeredPin)
	}
	if registers.GeneralConfiguration&(1<<0) == 0 {
		t.Fatal("expected the main counter to be re-enabled after arming the one-shot timer")
	}
}

func TestInitializePanicsWhenTableMissing(t *testing.T) {
	resetHPETState(t)

	var captured *kernel.Error
	panicFn = func(e *kernel.Error) { captured = e }
	getHPETTableFn = func() *acpi.TableHeader { return nil }

	Initialize()

	if captured == nil || captured.Module != "hpet" {
		t.Fatal("expected a missing HPET table to panic")
	}
}

func TestInitializePanicsWhenNoPeriodicTimerExists(t *testing.T) {
	resetHPETState(t)

	var captured *kernel.Error
	panicFn = func(e *kernel.Error) { captured = e }

	table := buildHPETTable(0xfed00000)
	getHPETTableFn = func() *acpi.TableHeader { return (*acpi.TableHeader)(unsafe.Pointer(&table[0])) }

	buf := make([]byte, unsafe.Sizeof(registerSpace{})+timerStride)
	regs := (*registerSpace)(unsafe.Pointer(&buf[0]))
	regs.GeneralCapabilities = (uint64(100000) << 32) // timerCount-1 = 0 -> 1 timer, no periodic bit set
	mapHPETFn = func(obj *vmm.VMObject) (uintptr, bool) { return uintptr(unsafe.Pointer(regs)), true }

	Initialize()

	if captured == nil || captured.Module != "hpet" {
		t.Fatal("expected the absence of any periodic-capable timer to panic")
	}
}

func TestSetupOneShotMillisecondProgramsComparator(t *testing.T) {
	resetHPETState(t)

	fakeRegs := newFakeHPET(100000)
	registers = fakeRegs
	clockPeriod = 100000
	oneShotTimer = 1
	oneShotRouting = 4
	registers.MainCounterValue = 50

	setupOneShotMillisecond()

	expectedTicks := uint64(femtosecondsPerMillisecond) / uint64(clockPeriod)
	got := *(*uint64)(unsafe.Pointer(timerComparatorAddress(1)))
	if got != 50+expectedTicks {
		t.Fatalf("expected comparator to be mainCounter+ticks (%d), got %d", 50+expectedTicks, got)
	}
	if registers.GeneralConfiguration&(1<<0) == 0 {
		t.Fatal("expected the main counter to be re-enabled")
	}
	if registers.GeneralInterruptStatus != 0xffffffffffffffff {
		t.Fatal("expected interrupt status to be cleared")
	}
}
