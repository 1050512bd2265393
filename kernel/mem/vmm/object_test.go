package vmm

import (
	"errors"
	"testing"

	"github.com/lifelessPixels/con64os/kernel/mem"
)

func TestNewMMIOSmall(t *testing.T) {
	obj := NewMMIO(0x1000, uint64(mem.PageSize))
	if obj.LargePageAligned() {
		t.Fatal("expected small-page MMIO object")
	}
	if got := len(obj.Pages()); got != 1 {
		t.Fatalf("expected 1 page, got %d", got)
	}
	if obj.Pages()[0] != 0x1000 {
		t.Fatalf("unexpected page address: %x", obj.Pages()[0])
	}
	if obj.Flags()&FlagWritable == 0 {
		t.Fatal("expected MMIO object to default to writable")
	}
}

func TestNewMMIOLarge(t *testing.T) {
	length := uint64(mem.LargePageSize) + 1
	obj := NewMMIO(0x200000, length)
	if !obj.LargePageAligned() {
		t.Fatal("expected large-page MMIO object")
	}
	if got := len(obj.Pages()); got != 2 {
		t.Fatalf("expected 2 large pages, got %d", got)
	}
	if obj.Pages()[1] != 0x200000+uintptr(mem.LargePageSize) {
		t.Fatalf("unexpected second page address: %x", obj.Pages()[1])
	}
}

func TestNewMemoryBackedAllocatesEachPage(t *testing.T) {
	defer func(orig func(uint32, bool) (uintptr, error)) { allocateFn = orig }(allocateFn)

	var allocated []uintptr
	next := uintptr(0x3000)
	allocateFn = func(pid uint32, large bool) (uintptr, error) {
		addr := next
		next += uintptr(mem.PageSize)
		allocated = append(allocated, addr)
		return addr, nil
	}

	obj, err := NewMemoryBacked(2*uint64(mem.PageSize), MemoryBackedOptions{
		DisallowLargePages: true,
		Writable:           true,
		PID:                42,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj.LargePageAligned() {
		t.Fatal("DisallowLargePages should force small pages")
	}
	if len(obj.Pages()) != 2 || len(allocated) != 2 {
		t.Fatalf("expected 2 allocated pages, got %d/%d", len(obj.Pages()), len(allocated))
	}
	if obj.Flags()&FlagWritable == 0 {
		t.Fatal("expected writable flag to be set")
	}
}

func TestNewMemoryBackedRollsBackOnFailure(t *testing.T) {
	defer func(orig func(uint32, bool) (uintptr, error)) { allocateFn = orig }(allocateFn)
	defer func(orig func(uintptr)) { freeFn = orig }(freeFn)

	var freed []uintptr
	calls := 0
	allocateFn = func(pid uint32, large bool) (uintptr, error) {
		calls++
		if calls == 2 {
			return 0, errors.New("out of memory")
		}
		return uintptr(calls) * uintptr(mem.PageSize), nil
	}
	freeFn = func(addr uintptr) { freed = append(freed, addr) }

	obj, err := NewMemoryBacked(3*uint64(mem.PageSize), MemoryBackedOptions{DisallowLargePages: true})
	if err == nil {
		t.Fatal("expected allocation failure to propagate")
	}
	if obj != nil {
		t.Fatal("expected nil object on failure")
	}
	if len(freed) != 1 {
		t.Fatalf("expected the single successfully allocated page to be freed, got %d", len(freed))
	}
}

func TestNewUncacheablePage(t *testing.T) {
	defer func(orig func(uint32, bool) (uintptr, error)) { allocateFn = orig }(allocateFn)
	allocateFn = func(pid uint32, large bool) (uintptr, error) {
		if pid != 0 {
			t.Fatalf("expected kernel PID, got %d", pid)
		}
		return 0x5000, nil
	}

	obj, err := NewUncacheablePage(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj.PhysicalAddress() != 0x5000 {
		t.Fatalf("unexpected physical address: %x", obj.PhysicalAddress())
	}
	if obj.Size() != uint64(mem.PageSize) {
		t.Fatalf("unexpected size: %d", obj.Size())
	}
}

func TestPhysicalAddressOnlyForUncacheablePage(t *testing.T) {
	obj := NewMMIO(0x1000, uint64(mem.PageSize))
	if addr := obj.PhysicalAddress(); addr != 0 {
		t.Fatalf("expected 0 for non-uncacheable-page object, got %x", addr)
	}
}

func TestDestroyFreesOwnedPages(t *testing.T) {
	defer func(orig func(uint32, bool) (uintptr, error)) { allocateFn = orig }(allocateFn)
	defer func(orig func(uintptr)) { freeFn = orig }(freeFn)

	allocateFn = func(pid uint32, large bool) (uintptr, error) { return 0x7000, nil }
	var freed []uintptr
	freeFn = func(addr uintptr) { freed = append(freed, addr) }

	obj, err := NewUncacheablePage(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	obj.Destroy()
	if len(freed) != 1 || freed[0] != 0x7000 {
		t.Fatalf("expected Destroy to free the owned frame, got %v", freed)
	}

	// MMIO objects own nothing; Destroy must not call freeFn.
	freed = nil
	mmio := NewMMIO(0x9000, uint64(mem.PageSize))
	mmio.Destroy()
	if len(freed) != 0 {
		t.Fatalf("expected Destroy on an MMIO object to free nothing, got %v", freed)
	}
}
