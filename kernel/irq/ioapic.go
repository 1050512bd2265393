package irq

import (
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/boot"
)

// IOAPIC register indices, addressed indirectly through the index/data
// register pair at offsets 0x00/0x10.
const (
	ioapicVersionIndex         = 0x01
	ioapicRedirectionBaseIndex = 0x10
)

var (
	ioapicRegisters  uintptr
	ioapicGSIBase    uint32
	ioapicEntryCount uint32
	ioapicReady      bool
	ioapicAvailable  []uint8
)

// ioapicReadFn/ioapicWriteFn are broken out as package vars (rather than
// plain functions) so tests can swap in a software register file; real
// IOAPIC hardware aliases every indexed register onto the same two MMIO
// words, which a raw byte-slice backed test page cannot reproduce.
var (
	ioapicReadFn = func(index uint32) uint32 {
		idxPtr := (*uint32)(unsafe.Pointer(ioapicRegisters))
		dataPtr := (*uint32)(unsafe.Pointer(ioapicRegisters + 0x10))
		*idxPtr = index
		return *dataPtr
	}

	ioapicWriteFn = func(index uint32, value uint32) {
		idxPtr := (*uint32)(unsafe.Pointer(ioapicRegisters))
		dataPtr := (*uint32)(unsafe.Pointer(ioapicRegisters + 0x10))
		*idxPtr = index
		*dataPtr = value
	}
)

func ioapicRead(index uint32) uint32 {
	return ioapicReadFn(index)
}

func ioapicWrite(index uint32, value uint32) {
	ioapicWriteFn(index, value)
}

// initializeIOAPIC configures the single supported IOAPIC: reads its
// redirection-table size, masks every
// entry, and makes pins 16..N available for registration (pins 0-15 are
// reserved for legacy ISA IRQ routing, which this kernel does not perform).
func initializeIOAPIC(mappedAddr uintptr, globalSystemInterruptBase uint32) {
	if ioapicReady {
		panicFn(&kernel.Error{Module: "irq", Message: "multiple IOAPICs are not supported"})
		return
	}

	ioapicRegisters = mappedAddr
	ioapicGSIBase = globalSystemInterruptBase

	version := ioapicRead(ioapicVersionIndex)
	ioapicEntryCount = ((version >> 16) & 0xff) + 1

	ioapicAvailable = nil
	for i := uint32(0); i < ioapicEntryCount; i++ {
		ioapicWrite(ioapicRedirectionBaseIndex+i*2+0, 0xff|(1<<16))
		ioapicWrite(ioapicRedirectionBaseIndex+i*2+1, 0)
		if i > 15 {
			ioapicAvailable = append(ioapicAvailable, uint8(i))
		}
	}

	ioapicReady = true
}

// TryRegisterEntry allocates an IOAPIC input pin and routes it to a freshly
// reserved CPU vector, invoking handler when it fires. Returns false if the
// pin is already taken or out of range; a CPU vector pool exhaustion at this
// point is fatal (the pin has already been committed).
func TryRegisterEntry(pin uint8, handler Handler, data unsafe.Pointer) bool {
	index := -1
	for i, p := range ioapicAvailable {
		if p == pin {
			index = i
			break
		}
	}
	if index == -1 {
		return false
	}
	ioapicAvailable = append(ioapicAvailable[:index], ioapicAvailable[index+1:]...)

	vector := ReserveVector(handler, data)
	if vector == 0 {
		panicFn(&kernel.Error{Module: "irq", Message: "could not reserve interrupt vector for IOAPIC pin"})
		return false
	}

	entry := uint64(vector) | (uint64(uint8(boot.Structure().BSPID)) << 56)
	ioapicWrite(ioapicRedirectionBaseIndex+uint32(pin)*2+0, uint32(entry&0xffffffff))
	ioapicWrite(ioapicRedirectionBaseIndex+uint32(pin)*2+1, uint32((entry>>32)&0xffffffff))
	return true
}
