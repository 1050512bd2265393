package ahci

import (
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/kfmt"
	"github.com/lifelessPixels/con64os/kernel/mem"
	"github.com/lifelessPixels/con64os/kernel/mem/vmm"
	"github.com/lifelessPixels/con64os/kernel/timer"
)

// sataSignatureATA is the only device signature this driver accepts.
const sataSignatureATA = 0x00000101

// initializePort allocates the three uncacheable-page memory regions a port
// needs (received-FIS, command list, one command table per slot), wires
// them into the port's registers, and performs COMRESET. Returns ok=false
// (without tearing anything down) if any step fails; the rest of the
// controller keeps initializing.
func (c *Controller) initializePort(number uint8) (*port, bool) {
	p := &port{number: number, sectorSize: 512}

	p.receivedFIS = mustUncacheablePage()
	receivedFISVA, ok := mapObjectFn(p.receivedFIS)
	if !ok {
		kfmt.Printf("[ahci]   - could not allocate address space for received FIS page, aborting...\n")
		return nil, false
	}
	p.receivedFISVA = receivedFISVA
	mem.Memset(receivedFISVA, 0, mem.PageSize)

	p.commandList = mustUncacheablePage()
	commandListVA, ok := mapObjectFn(p.commandList)
	if !ok {
		kfmt.Printf("[ahci]   - could not allocate address space for command list page, aborting...\n")
		return nil, false
	}
	p.commandListVA = commandListVA
	mem.Memset(commandListVA, 0, mem.PageSize)

	for i := uint8(0); i < c.numSlots; i++ {
		obj := mustUncacheablePage()
		va, ok := mapObjectFn(obj)
		if !ok {
			kfmt.Printf("[ahci]   - could not allocate address space for command table page, aborting...\n")
			return nil, false
		}
		mem.Memset(va, 0, mem.PageSize)
		p.commandTables[i] = obj
		p.commandTablesVA[i] = va
	}

	headers := p.commandHeaders()
	for i := uint8(0); i < c.numSlots; i++ {
		tableAddr := uint64(p.commandTables[i].PhysicalAddress())
		headers[i].PRDTLength = 128
		headers[i].CommandTableBaseLow = uint32(tableAddr & 0xffffffff)
		headers[i].CommandTableBaseHigh = uint32(tableAddr >> 32)
	}

	commandListPhys := uint64(p.commandList.PhysicalAddress())
	c.abar.Ports[number].CommandListBase = uint32(commandListPhys & 0xffffffff)
	c.abar.Ports[number].CommandListBaseUpper = uint32(commandListPhys >> 32)

	receivedFISPhys := uint64(p.receivedFIS.PhysicalAddress())
	c.abar.Ports[number].FISBase = uint32(receivedFISPhys & 0xffffffff)
	c.abar.Ports[number].FISBaseUpper = uint32(receivedFISPhys >> 32)

	c.abar.Ports[number].CommandAndStatus = c.abar.Ports[number].CommandAndStatus | (1 << 4)

	// COMRESET: assert DET, hold at least 1ms, then deassert and wait for
	// link establishment.
	t := &timer.Timer{}
	c.abar.Ports[number].SATAControl = c.abar.Ports[number].SATAControl | 1
	t.Wait(2)
	c.abar.Ports[number].SATAControl = c.abar.Ports[number].SATAControl &^ 1

	t.NonBlockingWait(100)
	for c.abar.Ports[number].SATAStatus&0x0f != 3 && !t.WasFired() {
	}
	if c.abar.Ports[number].SATAStatus&0x0f != 3 {
		kfmt.Printf("[ahci]   - no device to establish port communication\n")
		t.DisableNonBlockingWait()
		return nil, false
	}
	kfmt.Printf("[ahci]   - communication on port %d established\n", number)
	t.DisableNonBlockingWait()

	c.abar.Ports[number].SATAError = 0xffffffff

	signature := c.abar.Ports[number].Signature
	kfmt.Printf("[ahci]   - attached device signature: 0x%x\n", signature)
	if signature != sataSignatureATA {
		kfmt.Printf("[ahci]   - device type not supported...\n")
		return nil, false
	}

	c.abar.Ports[number].InterruptStatus = 0xffffffff
	c.abar.Ports[number].InterruptEnable = 0xffffffff
	c.abar.Ports[number].CommandAndStatus = c.abar.Ports[number].CommandAndStatus | 1

	var busy uint32
	for i := uint8(0); i < maxCommandSlots; i++ {
		if i >= c.numSlots {
			busy |= 1 << i
		}
	}
	p.commandsInUse = busy

	kfmt.Printf("[ahci]   - command list:  0x%x (0x%x)\n", commandListVA, commandListPhys)
	kfmt.Printf("[ahci]   - command table: 0x%x (0x%x)\n", p.commandTablesVA[0], uint64(p.commandTables[0].PhysicalAddress()))

	return p, true
}

// identifyDevices issues an IDENTIFY DEVICE command against every live port;
// the result is consumed by handleInterrupt once it completes, not by a
// registered handler. Identify completion is a port-level event, not a
// per-request callback.
func (c *Controller) identifyDevices() {
	for _, p := range c.ports {
		obj, err := vmm.NewMemoryBacked(uint64(mem.PageSize), vmm.MemoryBackedOptions{
			DisallowLargePages: true,
			Writable:           true,
		})
		if err != nil {
			panicFn(&kernel.Error{Module: "ahci", Message: "could not allocate identify buffer"})
			return
		}
		p.identifyObject = obj

		va, ok := mapObjectFn(obj)
		if !ok {
			kfmt.Printf("[ahci]   - could not map identify data, aborting...\n")
			panicFn(&kernel.Error{Module: "ahci", Message: "could not map AHCI identify buffer"})
			return
		}
		p.identifyVA = va

		kfmt.Printf("[ahci]   - identifying port %d\n", p.number)
		c.issueCommand(p.number, ataCommandIdentify, 1, 0, false, false, obj, nil, nil)
	}
}

// mustUncacheablePage allocates a single 4KiB uncacheable VM object, as
// every per-command AHCI memory region requires.
func mustUncacheablePage() *vmm.VMObject {
	obj, err := vmm.NewUncacheablePage(false)
	if err != nil {
		panicFn(&kernel.Error{Module: "ahci", Message: "out of memory allocating AHCI command memory"})
		return nil
	}
	return obj
}

// commandHeaders overlays the port's command list page as a 32-entry array
// of command headers.
func (p *port) commandHeaders() *[maxCommandSlots]commandHeader {
	return (*[maxCommandSlots]commandHeader)(unsafe.Pointer(p.commandListVA))
}

// commandTable returns the mapped command table for slot.
func (p *port) commandTable(slot uint8) *commandTable {
	return (*commandTable)(unsafe.Pointer(p.commandTablesVA[slot]))
}
