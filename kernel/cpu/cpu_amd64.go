package cpu

// PagingBase is the virtual base address of the higher-half direct mapping
// established by the bootloader before Kmain runs.
const PagingBase = uintptr(0xffff800000000000)

// CPUID holds the four result registers of a CPUID query alongside the leaf
// that produced them.
type CPUID struct {
	Leaf, A, B, C, D uint32
}

// TablePointer mirrors the CPU's native [limit:base] descriptor format used
// by LGDT/LIDT.
type TablePointer struct {
	Limit uint16
	Base  uint64
}

// EnableInterrupts enables interrupt servicing (sti).
func EnableInterrupts()

// DisableInterrupts disables interrupt servicing (cli).
func DisableInterrupts()

// InterruptsEnabled reports whether interrupt servicing is currently enabled.
func InterruptsEnabled() bool

// Halt stops instruction execution (hlt). Does not return.
func Halt()

// FlushTLBEntry invalidates the TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT loads the given physical address into CR3 and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address currently loaded into CR3.
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uintptr

// ReadRFLAGS returns the contents of the flags register.
func ReadRFLAGS() uint64

// CoreAPICID returns the LAPIC ID of the currently executing core, as
// reported via CPUID leaf 1.
func CoreAPICID() uint8

// ReadMSR reads a model specific register.
func ReadMSR(msr uint32) uint64

// WriteMSR writes a model specific register.
func WriteMSR(msr uint32, value uint64)

// EnableNXBit sets the no-execute enable bit in IA32_EFER.
func EnableNXBit()

// EnableSyscallExtensions sets the syscall-enable bit in IA32_EFER, required
// before SYSCALL/SYSRET may be used.
func EnableSyscallExtensions()

// LoadGDT loads the GDTR register.
func LoadGDT(ptr TablePointer)

// LoadIDT loads the IDTR register.
func LoadIDT(ptr TablePointer)

// GetCPUID executes CPUID for the given leaf and returns the result.
func GetCPUID(leaf uint32) CPUID
