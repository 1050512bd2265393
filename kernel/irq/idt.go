package irq

import (
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/cpu"
	"github.com/lifelessPixels/con64os/kernel/kfmt"
	"github.com/lifelessPixels/con64os/kernel/mem/pmm"
)

// kernelCodeSelector is the fixed long-mode GDT kernel code segment
// selector.
const kernelCodeSelector = uint16(0x08)

// gateAttributes matches the Intel SDM's interrupt-gate type/attribute
// encoding: type 0xe (32/64-bit interrupt gate), DPL 0,
// present bit set.
const gateAttributes = uint8(0x8e)

// idtEntry is one packed IDT gate descriptor: a 64-bit handler address
// split across three fields, plus selector/ist/attributes.
type idtEntry struct {
	offsetLow    uint16
	selector     uint16
	ist          uint8
	attributes   uint8
	offsetMedium uint16
	offsetHigh   uint32
	zero         uint32
}

// errorCodeVectors lists the x86 exception vectors that push an error code
// onto the stack before entering their handler.
var errorCodeVectors = map[uint8]bool{
	8: true, 10: true, 11: true, 12: true, 13: true, 14: true, 17: true, 21: true, 29: true, 30: true,
}

var (
	idt         *[256]idtEntry
	idtPhysAddr uintptr

	// physToVirt, allocateFn and cpuLoadIDTFn are overridden by tests.
	physToVirt   = func(addr uintptr) uintptr { return addr + cpu.PagingBase }
	allocateFn   = pmm.Allocate
	cpuLoadIDTFn = cpu.LoadIDT
)

// Initialize builds a 256-entry IDT, one page in size; LoadIDT loads it. Every
// vector is populated with the shared dispatch stub (error-code variant for
// the ten x86 exceptions that push one), except the general-protection-fault
// vector (13) which gets its own logging-and-halt stub.
func Initialize() {
	frame, err := allocateFn(pmm.KernelPID, false)
	if err != nil {
		panicFn(&kernel.Error{Module: "irq", Message: "out of memory allocating IDT page"})
		return
	}
	idtPhysAddr = frame

	addr := physToVirt(frame)
	idt = (*[256]idtEntry)(unsafe.Pointer(addr))
	for i := range idt {
		idt[i] = idtEntry{}
	}

	for vector := 0; vector < 256; vector++ {
		switch uint8(vector) {
		case 13:
			setEntry(idt, 13, generalProtectionFaultStubAddress())
		default:
			if errorCodeVectors[uint8(vector)] {
				setEntry(idt, uint8(vector), errorCodeStubAddress())
			} else {
				setEntry(idt, uint8(vector), genericStubAddress())
			}
		}
	}

	kfmt.Printf("[irq] IDT built at physical 0x%x\n", frame)
}

// LoadIDT loads the currently executing core's IDTR register to point at
// the IDT built by Initialize.
func LoadIDT() {
	cpuLoadIDTFn(cpu.TablePointer{
		Limit: uint16(unsafe.Sizeof(idtEntry{})*256 - 1),
		Base:  uint64(physToVirt(idtPhysAddr)),
	})
}

func setEntry(table *[256]idtEntry, entry uint8, routineAddress uintptr) {
	addr := uint64(routineAddress)
	table[entry] = idtEntry{
		offsetLow:    uint16(addr & 0xffff),
		selector:     kernelCodeSelector,
		ist:          0,
		attributes:   gateAttributes,
		offsetMedium: uint16((addr >> 16) & 0xffff),
		offsetHigh:   uint32((addr >> 32) & 0xffffffff),
	}
}

// dispatchGeneric is invoked by the generic interrupt stub (no error code)
// once it has saved registers and read back the in-service vector from the
// LAPIC. A zero vector means no ISR bit was set: the interrupt was spurious.
func dispatchGeneric() {
	dispatchVector()
}

// dispatchErrorCode is invoked by the error-code interrupt stub the same
// way, for the x86 exceptions that push an error code. The code itself is
// only consumed by the dedicated GPF stub; other error-code exceptions are
// otherwise dispatched identically.
func dispatchErrorCode(code uint64) {
	_ = code
	dispatchVector()
}

func dispatchVector() {
	vector := lapicServicedVectorFn()
	if vector == 0 {
		spuriousCount++
		kfmt.Printf("[irq] spurious interrupt, %d so far\n", spuriousCount)
		return
	}

	fireHandler(vector)
	lapicSendEOIFn()
}

// dispatchGeneralProtectionFault is invoked by the dedicated GPF stub; a
// general-protection fault always logs and halts rather than dispatching to
// a registered handler.
func dispatchGeneralProtectionFault(code uint64) {
	kfmt.Printf("[irq] general protection fault, code: 0x%x\n", code)
	panicFn(&kernel.Error{Module: "irq", Message: "general protection fault"})
}

var spuriousCount uint64

// lapicServicedVectorFn and lapicSendEOIFn are indirections onto the lapic.go
// functions, broken out so idt_test.go can drive dispatchVector without a
// real LAPIC mapped.
var (
	lapicServicedVectorFn = ServicedVector
	lapicSendEOIFn        = SendEOI
)

// genericStubAddress, errorCodeStubAddress and generalProtectionFaultStubAddress
// return the entry addresses of the three asm-linked low-level interrupt
// trampolines: each saves registers, reads the in-service vector (or error
// code, where applicable) and calls back into the matching dispatch*
// function above before IRETQ. The trampolines themselves are hand-written
// assembly, declared here only by the body-less-function convention
// kernel/cpu uses throughout for anything CPU-instruction-level.
func genericStubAddress() uintptr

func errorCodeStubAddress() uintptr

func generalProtectionFaultStubAddress() uintptr
