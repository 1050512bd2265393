package hpet

import (
	"testing"
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel/list"
)

func resetQueueState(t *testing.T) {
	t.Helper()
	origQueue, origTick, origNextID := eventQueue, currentTickCount, nextEventID
	origSetup := setupOneShotFn
	t.Cleanup(func() {
		eventQueue, currentTickCount, nextEventID = origQueue, origTick, origNextID
		setupOneShotFn = origSetup
	})
	eventQueue = list.List[*timedEvent]{}
	currentTickCount = 0
	nextEventID = 1
	setupOneShotFn = func() {}
}

func TestCreateTimedEventRejectsZeroMilliseconds(t *testing.T) {
	resetQueueState(t)

	if id := CreateTimedEvent(0, func(unsafe.Pointer) {}, nil); id != 0 {
		t.Fatalf("expected id 0 for a zero-millisecond request, got %d", id)
	}
}

func TestCreateTimedEventOrdersByDeadline(t *testing.T) {
	resetQueueState(t)

	var order []string
	h := func(name string) Handler {
		return func(unsafe.Pointer) { order = append(order, name) }
	}

	CreateTimedEvent(100, h("H1"), nil)
	CreateTimedEvent(50, h("H2"), nil)
	CreateTimedEvent(75, h("H3"), nil)

	var got []uint64
	for i := 0; i < eventQueue.Size(); i++ {
		got = append(got, eventQueue.Get(i).deadlineTicks)
	}
	if len(got) != 3 || got[0] != 50 || got[1] != 75 || got[2] != 100 {
		t.Fatalf("expected deadlines sorted [50 75 100], got %v", got)
	}

	// Drive the one-shot handler tick-by-tick and confirm fire order H2, H3, H1.
	for tick := uint64(1); tick <= 100; tick++ {
		oneShotInterruptHandler(nil, 0)
	}

	if len(order) != 3 || order[0] != "H2" || order[1] != "H3" || order[2] != "H1" {
		t.Fatalf("expected fire order [H2 H3 H1], got %v", order)
	}
}

func TestRemoveTimedEventCancelsPendingEvent(t *testing.T) {
	resetQueueState(t)

	fired := false
	id := CreateTimedEvent(50, func(unsafe.Pointer) { fired = true }, nil)
	RemoveTimedEvent(id)

	if eventQueue.Size() != 0 {
		t.Fatalf("expected the queue to be empty after removal, got %d", eventQueue.Size())
	}

	for tick := 0; tick < 100; tick++ {
		oneShotInterruptHandler(nil, 0)
	}
	if fired {
		t.Fatal("expected a removed event to never fire")
	}
}

func TestRemoveTimedEventIsNoOpForUnknownID(t *testing.T) {
	resetQueueState(t)
	RemoveTimedEvent(12345) // must not panic or affect anything
}

func TestOneShotInterruptHandlerRebasesQueueAfterFiring(t *testing.T) {
	resetQueueState(t)

	var fired []uint64
	CreateTimedEvent(10, func(unsafe.Pointer) { fired = append(fired, 10) }, nil)

	for tick := 0; tick < 10; tick++ {
		oneShotInterruptHandler(nil, 0)
	}
	if len(fired) != 1 {
		t.Fatalf("expected the event to have fired once, got %d", len(fired))
	}
	if currentTickCount != 0 {
		t.Fatalf("expected currentTickCount to be rebased to 0 after firing, got %d", currentTickCount)
	}

	// Scheduling a new event after the queue has drained must start counting
	// from a clean slate.
	CreateTimedEvent(5, func(unsafe.Pointer) { fired = append(fired, 5) }, nil)
	for tick := 0; tick < 5; tick++ {
		oneShotInterruptHandler(nil, 0)
	}
	if len(fired) != 2 || fired[1] != 5 {
		t.Fatalf("expected the second event to fire after rebase, got %v", fired)
	}
}
