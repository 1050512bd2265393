// Package kmain wires together every subsystem package into the kernel's
// boot sequence. It is kept separate from the root kernel package (which
// only holds the Error/Panic fatal-error convention) so that it alone
// depends on the full subsystem graph; every subsystem package depends on
// kernel for Error/Panic, so kmain importing them back from kernel itself
// would be a cycle.
package kmain

import (
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel/acpi"
	"github.com/lifelessPixels/con64os/kernel/ahci"
	"github.com/lifelessPixels/con64os/kernel/boot"
	"github.com/lifelessPixels/con64os/kernel/cpu"
	"github.com/lifelessPixels/con64os/kernel/hpet"
	"github.com/lifelessPixels/con64os/kernel/irq"
	"github.com/lifelessPixels/con64os/kernel/kfmt"
	"github.com/lifelessPixels/con64os/kernel/mem/heap"
	"github.com/lifelessPixels/con64os/kernel/mem/pmm"
	"github.com/lifelessPixels/con64os/kernel/mem/vmm"
	"github.com/lifelessPixels/con64os/kernel/pcie"
)

// bootInfoSymbol returns the virtual address of the bootloader's
// fixed-layout handoff record. Implemented in rt0's assembly, which places
// it at the link-time address the boot protocol guarantees, the same way
// cpu's arch primitives are implemented outside of Go.
func bootInfoSymbol() uintptr

// initializationStage gates application processors parked by rt0 in a spin
// loop: stage 0 means "BSP is still running its initialization sequence",
// stage 1 (set once the BSP has finished it) means "safe to bring up this
// core's LAPIC". No scheduler exists
// yet, so APs never progress past that point.
var initializationStage uint32

// Kmain is the kernel's sole entrypoint, called once per core by the rt0
// trampoline in boot.go. Every core other than the BSP parks here until the
// BSP has finished its whole initialization sequence, then brings up just enough of
// its own state (CR3, IDT, LAPIC) to receive interrupts and parks again.
//
//go:noinline
func Kmain() {
	cpu.EnableNXBit()
	cpu.EnableSyscallExtensions()

	if cpu.CoreAPICID() != bspID() {
		for initializationStage == 0 {
		}

		cpu.SwitchPDT(vmm.KernelAddressSpace().CR3())
		irq.LoadIDT()
		irq.InitializeCoreLAPIC()

		for initializationStage == 1 {
		}
		for {
		}
	}

	kfmt.Printf("[main] con64OS is booting...\n")

	info := (*boot.Info)(unsafe.Pointer(bootInfoSymbol()))
	kfmt.Printf("[main] bootstrap processor id: %d\n", info.BSPID)
	kfmt.Printf("[main] core count: %d\n", info.CoreCount)

	vmm.AdjustKernelMemory()
	boot.RegisterStructure(info)

	pmm.Initialize(boot.Structure().MemoryMap())
	heap.Initialize()
	vmm.NewAddressSpace()

	acpi.Initialize()

	irq.InitializeAPIC()
	irq.InitializeCoreLAPIC()
	irq.Initialize()
	irq.LoadIDT()
	cpu.EnableInterrupts()

	hpet.Initialize()

	pcie.Initialize()

	ahci.Initialize()
	for _, dev := range ahci.GetBlockDevices() {
		kfmt.Printf("[main] found block device of size 0x%x sectors, writeable?: %t\n", dev.SectorCount(), dev.IsWriteable())
	}

	kfmt.Printf("[main] progressing cores other than BSP...\n")
	initializationStage = 1

	kfmt.Printf("[main] welcome to con64OS\n")
	kfmt.Printf("[main] kernel initialized successfully...\n")

	for {
		cpu.Halt()
	}
}

func bspID() uint8 {
	return uint8((*boot.Info)(unsafe.Pointer(bootInfoSymbol())).BSPID)
}
