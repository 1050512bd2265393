// Package hpet drives the High Precision Event Timer: it locates the
// hardware block through ACPI, splits its timers into one periodic (logged,
// reserved for future use) and one one-shot timer, and uses the one-shot
// timer to drive a millisecond-granularity queue of timed events (see
// queue.go).
package hpet

import (
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/acpi"
	"github.com/lifelessPixels/con64os/kernel/irq"
	"github.com/lifelessPixels/con64os/kernel/kfmt"
	"github.com/lifelessPixels/con64os/kernel/mem/vmm"
)

// femtosecondsPerMillisecond converts the HPET's femtosecond clock period
// into the tick count for one millisecond.
const femtosecondsPerMillisecond = 1000000000000

// registerSpace mirrors the fixed-size prefix of the HPET MMIO block. The
// variable-length timer array that follows is addressed by hand through
// timerConfigAddress, since Go has no flexible array member equivalent.
type registerSpace struct {
	GeneralCapabilities    uint64
	reserved1              uint64
	GeneralConfiguration   uint64
	reserved2              uint64
	GeneralInterruptStatus uint64
	reserved3              uint64
	reserved4              [24]uint64
	MainCounterValue       uint64
	reserved5              uint64
}

const timerStride = 32 // bytes per (config, comparator, fsbRoute, padding) quadruple

var (
	registers   *registerSpace
	clockPeriod uint32
	timerCount  uint8

	periodicTimer  uint8 = 0xff
	oneShotTimer   uint8 = 0xff
	oneShotRouting uint8 = 0xff

	// mapHPETFn, getHPETTableFn, registerIOAPICEntryFn and panicFn are
	// overridden by tests.
	mapHPETFn = func(obj *vmm.VMObject) (uintptr, bool) {
		return vmm.KernelAddressSpace().MapObject(obj)
	}
	getHPETTableFn        = func() *acpi.TableHeader { return acpi.GetTableBySignature("HPET") }
	registerIOAPICEntryFn = irq.TryRegisterEntry
	panicFn               = func(e *kernel.Error) { kernel.Panic(e) }
)

func timerConfigAddress(i uint8) uintptr {
	base := uintptr(unsafe.Pointer(registers)) + unsafe.Sizeof(registerSpace{})
	return base + uintptr(i)*timerStride
}

func timerComparatorAddress(i uint8) uintptr {
	return timerConfigAddress(i) + 8
}

func readTimerConfig(i uint8) uint64 {
	return *(*uint64)(unsafe.Pointer(timerConfigAddress(i)))
}

func writeTimerConfig(i uint8, value uint64) {
	*(*uint64)(unsafe.Pointer(timerConfigAddress(i))) = value
}

func writeTimerComparator(i uint8, value uint64) {
	*(*uint64)(unsafe.Pointer(timerComparatorAddress(i))) = value
}

// hpetTableBaseAddressOffset gives the byte offset, from the start of the
// HPET ACPI table, of the 8-byte MMIO base address field embedded in its
// generic address structure. Computed by hand rather than through an
// overlaid Go struct: the generic address structure's leading four single
// byte fields leave its 64-bit address field 4-byte (not 8-byte) aligned in
// the real table, and Go would silently insert padding an overlay doesn't
// have.
const hpetTableBaseAddressOffset = 4 /* eventTimerBlockID */ + 4 /* GAS header bytes */

// Initialize locates the HPET ACPI table, maps its register block, chooses
// a periodic and a one-shot timer, and arms the one-shot timer for its
// first millisecond tick.
func Initialize() {
	table := getHPETTableFn()
	if table == nil {
		panicFn(&kernel.Error{Module: "hpet", Message: "HPET table not found"})
		return
	}

	headerSize := unsafe.Sizeof(acpi.TableHeader{})
	addrFieldOffset := uintptr(unsafe.Pointer(table)) + headerSize + hpetTableBaseAddressOffset
	address := *(*uint64)(unsafe.Pointer(addrFieldOffset))

	kfmt.Printf("[hpet] found HPET at address 0x%x\n", address)

	obj := vmm.NewMMIO(uintptr(address), 4096)
	mapped, ok := mapHPETFn(obj)
	if !ok {
		panicFn(&kernel.Error{Module: "hpet", Message: "could not map HPET registers"})
		return
	}
	registers = (*registerSpace)(unsafe.Pointer(mapped))

	clockPeriod = uint32(registers.GeneralCapabilities >> 32)
	timerCount = uint8(((registers.GeneralCapabilities >> 8) & 0b11111) + 1)
	kfmt.Printf("[hpet] timers: %d, clock period: 0x%x femtoseconds\n", timerCount, clockPeriod)

	periodicSupported := false
	periodicTimer = 0xff
	oneShotTimer = 0xff
	for i := uint8(0); i < timerCount; i++ {
		capabilities := readTimerConfig(i)
		routing := uint32(capabilities >> 32)
		periodic := capabilities&(1<<4) != 0
		fsbRouting := capabilities&(1<<15) != 0
		kfmt.Printf("[hpet]   - timer %d - capabilities: 0x%x, routing: 0x%x, periodic?: %t, fsb?: %t\n",
			i, capabilities, routing, periodic, fsbRouting)

		if !periodicSupported && periodic {
			periodicSupported = true
			periodicTimer = i
		} else if oneShotTimer == 0xff {
			oneShotTimer = i
		}
	}

	if !periodicSupported {
		panicFn(&kernel.Error{Module: "hpet", Message: "HPET has no timer capable of periodic mode"})
		return
	}
	kfmt.Printf("[hpet] timer %d will be used in periodic mode\n", periodicTimer)

	if oneShotTimer == 0xff {
		panicFn(&kernel.Error{Module: "hpet", Message: "HPET has no timer available for one-shot mode"})
		return
	}
	kfmt.Printf("[hpet] timer %d will be used in one-shot mode\n", oneShotTimer)

	// disable legacy replacement routing
	registers.GeneralConfiguration &^= 1 << 1

	capabilities := readTimerConfig(oneShotTimer)
	routing := uint32(capabilities >> 32)
	oneShotRouting = 0
	assigned := false
	for i := uint8(0); i < 32; i++ {
		if routing&(1<<i) == 0 {
			continue
		}
		if registerIOAPICEntryFn(i, oneShotInterruptHandler, nil) {
			oneShotRouting = i
			assigned = true
			break
		}
	}
	if !assigned {
		panicFn(&kernel.Error{Module: "hpet", Message: "could not assign IOAPIC input for one-shot timer"})
		return
	}

	setupOneShotMillisecond()
	kfmt.Printf("[hpet] one-shot timer initialized\n")
}

// setupOneShotMillisecond arms the one-shot timer to fire exactly one
// millisecond (in HPET ticks) from the current main counter value.
func setupOneShotMillisecond() {
	registers.GeneralConfiguration &^= 1 << 0 // disable main counter

	ticks := uint64(femtosecondsPerMillisecond) / uint64(clockPeriod)
	target := registers.MainCounterValue + ticks

	writeTimerConfig(oneShotTimer, (uint64(oneShotRouting)&0b11111)<<9|(1<<2))
	writeTimerComparator(oneShotTimer, target)
	registers.GeneralInterruptStatus = 0xffffffffffffffff

	registers.GeneralConfiguration |= 1 << 0 // re-enable main counter
}
