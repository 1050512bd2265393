package hpet

import (
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel/list"
	"github.com/lifelessPixels/con64os/kernel/sync"
)

// Handler is the callback signature for a timed event.
type Handler func(data unsafe.Pointer)

// timedEvent is one entry in eventQueue, kept sorted by ascending
// deadlineTicks (ticks remaining relative to currentTickCount).
type timedEvent struct {
	deadlineTicks uint64
	handler       Handler
	data          unsafe.Pointer
	id            uint64
}

var (
	eventQueue       list.List[*timedEvent]
	eventQueueLock   sync.Spinlock
	currentTickCount uint64
	nextEventID      uint64 = 1
)

// CreateTimedEvent schedules handler to fire milliseconds from now, and
// returns an id usable with RemoveTimedEvent. A request for 0 milliseconds
// is rejected, returning id 0.
func CreateTimedEvent(milliseconds uint64, handler Handler, data unsafe.Pointer) uint64 {
	if milliseconds == 0 {
		return 0
	}

	eventQueueLock.Acquire()
	defer eventQueueLock.Release()

	rebase()

	position := eventQueue.Size()
	for i := 0; i < eventQueue.Size(); i++ {
		if milliseconds <= eventQueue.Get(i).deadlineTicks {
			position = i
			break
		}
	}

	id := nextEventID
	nextEventID++

	eventQueue.InsertAt(&timedEvent{
		deadlineTicks: milliseconds,
		handler:       handler,
		data:          data,
		id:            id,
	}, position)

	return id
}

// RemoveTimedEvent cancels a previously created event. Removing an id that
// is no longer queued (already fired, or never existed) is a silent no-op.
func RemoveTimedEvent(id uint64) {
	eventQueueLock.Acquire()
	defer eventQueueLock.Release()

	for i := 0; i < eventQueue.Size(); i++ {
		if eventQueue.Get(i).id == id {
			eventQueue.Remove(i)
			return
		}
	}
}

// rebase subtracts currentTickCount from every queued event's deadline and
// zeroes the counter. Must be called with eventQueueLock held.
func rebase() {
	for i := 0; i < eventQueue.Size(); i++ {
		event := eventQueue.Get(i)
		event.deadlineTicks -= currentTickCount
	}
	currentTickCount = 0
}

// oneShotInterruptHandler is the one-shot timer's IRQ handler (registered
// through irq.TryRegisterEntry). It runs with interrupts disabled.
func oneShotInterruptHandler(_ unsafe.Pointer, _ uint8) {
	eventQueueLock.Acquire()

	if eventQueue.Size() == 0 {
		currentTickCount = 0
		eventQueueLock.Release()
		setupOneShotFn()
		return
	}

	currentTickCount++

	head := eventQueue.Get(0)
	if currentTickCount >= head.deadlineTicks {
		for i := 0; i < eventQueue.Size(); i++ {
			event := eventQueue.Get(i)
			if currentTickCount > event.deadlineTicks {
				event.deadlineTicks = 0
			} else {
				event.deadlineTicks -= currentTickCount
			}
		}

		for eventQueue.Size() > 0 && eventQueue.Get(0).deadlineTicks == 0 {
			fired := eventQueue.Get(0)
			eventQueue.Remove(0)
			fired.handler(fired.data)
		}

		currentTickCount = 0
	}

	eventQueueLock.Release()

	setupOneShotFn()
}

// setupOneShotFn is overridden by tests, which have no mapped HPET
// registers to re-arm.
var setupOneShotFn = setupOneShotMillisecond
