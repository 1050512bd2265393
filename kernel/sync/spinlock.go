// Package sync provides the synchronization primitives used by the kernel
// core. Unlike the standard library's sync package, these are safe to use
// before the Go scheduler is backed by real OS threads: locking never parks
// a goroutine, it busy-waits.
package sync

import (
	"sync/atomic"

	"github.com/lifelessPixels/con64os/kernel/cpu"
)

// Spinlock is a busy-wait mutex that also disables interrupts for the
// duration of the critical section and restores the prior interrupt state on
// release. This matters on a single-core kernel with interrupt-driven
// completions (HPET, AHCI, MSI): without disabling interrupts, an interrupt
// handler could re-enter a lock already held by the code it interrupted and
// deadlock forever since nothing else will ever run to release it.
type Spinlock struct {
	locked                uint32
	interruptsWereEnabled bool
}

// Acquire blocks until the lock is held. Re-acquiring a lock already held by
// the calling context deadlocks, since nothing can release it once interrupts
// are disabled.
func (l *Spinlock) Acquire() {
	wereEnabled := cpu.InterruptsEnabled()
	cpu.DisableInterrupts()

	for !atomic.CompareAndSwapUint32(&l.locked, 0, 1) {
	}

	l.interruptsWereEnabled = wereEnabled
}

// TryToAcquire attempts to acquire the lock without blocking. On success it
// also disables interrupts exactly as Acquire does; the caller must still
// call Release.
func (l *Spinlock) TryToAcquire() bool {
	wereEnabled := cpu.InterruptsEnabled()
	cpu.DisableInterrupts()

	if atomic.CompareAndSwapUint32(&l.locked, 0, 1) {
		l.interruptsWereEnabled = wereEnabled
		return true
	}

	if wereEnabled {
		cpu.EnableInterrupts()
	}
	return false
}

// IsLocked reports whether the lock is currently held.
func (l *Spinlock) IsLocked() bool {
	return atomic.LoadUint32(&l.locked) == 1
}

// Release relinquishes a held lock and restores the interrupt state recorded
// at acquisition time. Calling Release on an already-free lock has no effect.
func (l *Spinlock) Release() {
	if !l.IsLocked() {
		return
	}

	wereEnabled := l.interruptsWereEnabled
	atomic.StoreUint32(&l.locked, 0)
	if wereEnabled {
		cpu.EnableInterrupts()
	}
}
