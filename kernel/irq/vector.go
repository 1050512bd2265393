// Package irq implements the kernel's interrupt core: the IDT and its
// allocatable vector pool, MSI address/data computation, and the LAPIC/IOAPIC
// wrappers used to route and acknowledge interrupts. Exceptions are dealt
// with by the same dispatch path as device interrupts: every
// vector other than the general-protection fault (13), whether raised by a CPU exception or an external device, looks up
// the in-service vector from the LAPIC and fires whatever handler was
// registered for it.
package irq

import (
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/boot"
	"github.com/lifelessPixels/con64os/kernel/sync"
)

// Handler is the signature every vector's registered callback must match.
// vector is the IDT slot that fired; most callers ignore it.
type Handler func(data unsafe.Pointer, vector uint8)

// minVector/maxVector bound the allocatable range; 0x00-0x1f are reserved
// for CPU exceptions and 0xff is the spurious slot.
const (
	minVector      uint16 = 0x20
	maxVector      uint16 = 0xfe
	spuriousVector uint8  = 0xff
)

var (
	handlers     [256]Handler
	handlersData [256]unsafe.Pointer

	nextFreeVector = minVector

	lock sync.Spinlock

	// panicFn is overridden by tests.
	panicFn = func(e *kernel.Error) { kernel.Panic(e) }
)

// ReserveVector reserves the next free vector in [0x20, 0xfe] and registers
// handler/data to be invoked when it fires. Returns 0 on pool exhaustion.
func ReserveVector(handler Handler, data unsafe.Pointer) uint8 {
	lock.Acquire()
	defer lock.Release()

	if nextFreeVector > maxVector {
		return 0
	}

	vector := uint8(nextFreeVector)
	handlers[vector] = handler
	handlersData[vector] = data
	nextFreeVector++
	return vector
}

// ReserveMSIVector reserves a vector for Message Signaled Interrupt use. It
// draws from the same pool as ReserveVector.
func ReserveMSIVector(handler Handler, data unsafe.Pointer) uint8 {
	return ReserveVector(handler, data)
}

// MSIAddress returns the platform-specific address MSI writes should target.
// All MSIs are routed to the bootstrap processor.
func MSIAddress() uint64 {
	bspID := uint64(boot.Structure().BSPID)
	return 0xfee00000 | (bspID << 12)
}

// MSIData returns the platform-specific data word for an MSI write
// targeting vector. Edge-triggered mode is used exclusively, so the data
// word is simply the vector byte.
func MSIData(vector uint8) uint16 {
	return uint16(vector)
}

// fireHandler invokes the handler registered for vector, if any. Called by
// the shared interrupt dispatch path once the in-service vector has been
// read back from the LAPIC.
func fireHandler(vector uint8) {
	if h := handlers[vector]; h != nil {
		h(handlersData[vector], vector)
	}
}
