// Package timer provides a simple per-use timer built on top of an hpet
// timed event.
package timer

import (
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel/hpet"
)

// createEventFn and removeEventFn are overridden by tests.
var (
	createEventFn = hpet.CreateTimedEvent
	removeEventFn = hpet.RemoveTimedEvent
)

// Timer is a single-shot wait primitive. The zero value is ready to use.
type Timer struct {
	fired   bool
	running bool
	eventID uint64
}

// Wait blocks the caller until milliseconds have elapsed. Calling Wait while
// the timer is already running is a no-op.
func (t *Timer) Wait(milliseconds uint64) {
	if t.running {
		return
	}

	t.fired = false
	t.running = true
	t.eventID = createEventFn(milliseconds, t.eventHandler, unsafe.Pointer(t))

	for !t.fired {
	}

	t.fired = false
	t.running = false
}

// NonBlockingWait arms the timer without blocking; call WasFired to poll
// for completion.
func (t *Timer) NonBlockingWait(milliseconds uint64) {
	if t.running {
		return
	}

	t.fired = false
	t.running = true
	t.eventID = createEventFn(milliseconds, t.eventHandler, unsafe.Pointer(t))
}

// DisableNonBlockingWait cancels a timer armed with NonBlockingWait.
func (t *Timer) DisableNonBlockingWait() {
	t.running = false
	t.fired = false
	removeEventFn(t.eventID)
}

// WasFired reports whether the timer has fired since it was last armed.
func (t *Timer) WasFired() bool {
	return t.fired
}

func (t *Timer) eventHandler(_ unsafe.Pointer) {
	if !t.running {
		return
	}
	t.fired = true
	t.running = false
}
