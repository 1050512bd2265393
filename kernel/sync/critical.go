package sync

import "github.com/lifelessPixels/con64os/kernel/cpu"

// CriticalSection disables interrupts for a short span of code that must not
// be preempted by an interrupt handler but does not otherwise need mutual
// exclusion against another core (the kernel only ever runs one core past
// boot). EnterCritical/ExitCritical nest correctly via the returned token.
type CriticalSection struct {
	wereInterruptsEnabled bool
}

// EnterCritical disables interrupts and returns a CriticalSection recording
// the prior interrupt state, to be passed to ExitCritical.
func EnterCritical() CriticalSection {
	wereEnabled := cpu.InterruptsEnabled()
	cpu.DisableInterrupts()
	return CriticalSection{wereInterruptsEnabled: wereEnabled}
}

// ExitCritical restores the interrupt state recorded by EnterCritical.
func ExitCritical(section CriticalSection) {
	if section.wereInterruptsEnabled {
		cpu.EnableInterrupts()
	}
}
