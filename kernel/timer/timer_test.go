package timer

import (
	"testing"
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel/hpet"
)

func resetTimerState(t *testing.T) {
	t.Helper()
	origCreate, origRemove := createEventFn, removeEventFn
	t.Cleanup(func() {
		createEventFn, removeEventFn = origCreate, origRemove
	})
}

func TestWaitBlocksUntilHandlerFires(t *testing.T) {
	resetTimerState(t)

	// createEventFn stands in for the HPET IRQ firing synchronously, as it
	// would on real hardware before Wait's spin loop ever gets scheduled.
	createEventFn = func(ms uint64, handler hpet.Handler, data unsafe.Pointer) uint64 {
		if ms != 10 {
			t.Fatalf("expected 10ms request, got %d", ms)
		}
		handler(data)
		return 7
	}

	var tm Timer
	tm.Wait(10)

	if tm.running {
		t.Fatal("expected Wait to clear running once the timer fires")
	}
}

func TestWaitIsNoOpWhileAlreadyRunning(t *testing.T) {
	resetTimerState(t)

	calls := 0
	createEventFn = func(ms uint64, handler hpet.Handler, data unsafe.Pointer) uint64 {
		calls++
		return 1
	}

	var tm Timer
	tm.running = true
	tm.Wait(10)

	if calls != 0 {
		t.Fatal("expected Wait to do nothing while already running")
	}
}

func TestNonBlockingWaitAndWasFired(t *testing.T) {
	resetTimerState(t)

	var captured hpet.Handler
	var capturedData unsafe.Pointer
	createEventFn = func(ms uint64, handler hpet.Handler, data unsafe.Pointer) uint64 {
		captured = handler
		capturedData = data
		return 3
	}

	var tm Timer
	tm.NonBlockingWait(5)

	if tm.WasFired() {
		t.Fatal("expected WasFired to be false before the event fires")
	}

	captured(capturedData)

	if !tm.WasFired() {
		t.Fatal("expected WasFired to be true after the event fires")
	}
	if tm.running {
		t.Fatal("expected running to clear once fired")
	}
}

func TestDisableNonBlockingWaitRemovesEvent(t *testing.T) {
	resetTimerState(t)

	createEventFn = func(ms uint64, handler hpet.Handler, data unsafe.Pointer) uint64 { return 42 }

	var removedID uint64
	removeEventFn = func(id uint64) { removedID = id }

	var tm Timer
	tm.NonBlockingWait(5)
	tm.DisableNonBlockingWait()

	if removedID != 42 {
		t.Fatalf("expected the armed event id (42) to be removed, got %d", removedID)
	}
	if tm.running || tm.WasFired() {
		t.Fatal("expected DisableNonBlockingWait to clear running/fired")
	}
}

func TestEventHandlerIgnoresStaleFire(t *testing.T) {
	resetTimerState(t)

	var tm Timer // never started: running == false

	tm.eventHandler(unsafe.Pointer(&tm))

	if tm.WasFired() {
		t.Fatal("expected a stale (not-running) fire to be ignored")
	}
}
