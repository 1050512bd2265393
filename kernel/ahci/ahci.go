// Package ahci implements the kernel's AHCI controller driver: ABAR
// bring-up, per-port command list/FIS/PRDT memory layout, command-slot
// issuing, and MSI-driven completion demultiplexing. It is the principal
// consumer of kernel/mem/vmm, kernel/irq and kernel/pcie.
package ahci

import (
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/irq"
	"github.com/lifelessPixels/con64os/kernel/kfmt"
	"github.com/lifelessPixels/con64os/kernel/list"
	"github.com/lifelessPixels/con64os/kernel/mem/vmm"
	"github.com/lifelessPixels/con64os/kernel/pcie"
	"github.com/lifelessPixels/con64os/kernel/sync"
)

const (
	ataCommandIdentify  = 0xec
	ataCommandReadDMAEx = 0x25

	maxCommandSlots = 32
	abarLength      = 8192
)

// portControl mirrors the AHCI 1.3 per-port register block (32 dwords,
// 128 bytes).
type portControl struct {
	CommandListBase      uint32
	CommandListBaseUpper uint32
	FISBase              uint32
	FISBaseUpper         uint32
	InterruptStatus      uint32
	InterruptEnable      uint32
	CommandAndStatus     uint32
	reserved1            uint32
	TaskFileData         uint32
	Signature            uint32
	SATAStatus           uint32
	SATAControl          uint32
	SATAError            uint32
	SATAActive           uint32
	CommandIssue         uint32
	SATANotification     uint32
	FISBasedSwitching    uint32
	DeviceSleep          uint32
	reserved2            [10]uint32
	VendorSpecific       [4]uint32
}

// abar mirrors the AHCI 1.3 generic host control block followed by the
// 32-entry port array.
type abar struct {
	HostCapabilities         uint32
	GlobalHostControl        uint32
	InterruptStatus          uint32
	PortsImplemented         uint32
	Version                  uint32
	CCCControl               uint32
	CCCPorts                 uint32
	EnclosureManagementLoc   uint32
	EnclosureManagementCtrl  uint32
	HostCapabilitiesExtended uint32
	BIOSHandoff              uint32
	reserved                 [13]uint32
	reservedForNVMHCI        [16]uint32
	VendorSpecific           [24]uint32
	Ports                    [32]portControl
}

// Request records an in-flight command's completion state, kept per slot.
type Request struct {
	sector  uint64
	count   uint16
	write   bool
	handler EventHandler
	data    unsafe.Pointer
}

// EventHandler is invoked once a command completes. Completion carries no
// status word; a caller that needs one has to encode it into data itself.
type EventHandler func(data unsafe.Pointer)

// port holds everything needed to drive a single implemented AHCI port.
type port struct {
	number uint8

	receivedFIS   *vmm.VMObject
	receivedFISVA uintptr

	commandList   *vmm.VMObject
	commandListVA uintptr

	commandTables   [maxCommandSlots]*vmm.VMObject
	commandTablesVA [maxCommandSlots]uintptr

	identifyObject *vmm.VMObject
	identifyVA     uintptr
	identified     bool

	commandsInUse   uint32
	currentRequests [maxCommandSlots]Request

	sectorSize  uint64
	sectorCount uint64

	lock sync.Spinlock
}

// Controller manages a single AHCI host bus adapter.
type Controller struct {
	pciDevice *pcie.Device

	mmioObject *vmm.VMObject
	abar       *abar

	ports    []*port
	numPorts uint8
	numSlots uint8

	supports64Bit bool
	staggered     bool
	initialized   bool
}

var (
	controllers  list.List[*Controller]
	blockDevices list.List[*BlockDevice]

	// mapObjectFn, reserveMSIVectorFn and panicFn are overridden by tests.
	mapObjectFn = func(obj *vmm.VMObject) (uintptr, bool) {
		return vmm.KernelAddressSpace().MapObject(obj)
	}
	reserveMSIVectorFn = irq.ReserveMSIVector
	panicFn            = func(e *kernel.Error) { kernel.Panic(e) }
)

// Initialize discovers every AHCI-class PCIe device, brings each one up,
// and populates the global list of usable SATA block devices.
func Initialize() {
	controllers = list.List[*Controller]{}
	blockDevices = list.List[*BlockDevice]{}

	candidates := pcie.GetDevicesByClassCodes(0x01, 0x06, 0x01)
	if len(candidates) == 0 {
		kfmt.Printf("[ahci] no AHCI devices were found\n")
		return
	}
	kfmt.Printf("[ahci] AHCI devices count: %d\n", len(candidates))

	for i, dev := range candidates {
		if !dev.SupportsMSI() {
			kfmt.Printf("[ahci] found device without MSI support, ignoring...\n")
			continue
		}

		kfmt.Printf("[ahci] trying to initialize AHCI number %d\n", i)
		ctrl := newController(dev)
		if ctrl.initialized {
			controllers.AppendBack(ctrl)
			for _, p := range ctrl.ports {
				blockDevices.AppendBack(&BlockDevice{ahci: ctrl, port: p.number})
			}
		}
	}
}

// GetBlockDevices returns every SATA block device found across every
// initialized AHCI controller.
func GetBlockDevices() []*BlockDevice {
	var out []*BlockDevice
	blockDevices.ForEach(func(_ int, d *BlockDevice) bool {
		out = append(out, d)
		return true
	})
	return out
}

// newController brings up a single AHCI HBA behind a PCI device that is
// already known to be AHCI-class and MSI-capable.
func newController(device *pcie.Device) *Controller {
	c := &Controller{pciDevice: device}

	device.EnableBusMastering()
	device.DisablePICInterrupts()

	physAddr := uintptr(device.BAR(5) &^ 0x1fff)
	c.mmioObject = vmm.NewMMIO(physAddr, abarLength)
	mapped, ok := mapObjectFn(c.mmioObject)
	if !ok {
		kfmt.Printf("[ahci] could not map AHCI's ABAR to kernel address space, aborting...\n")
		return c
	}
	c.abar = (*abar)(unsafe.Pointer(mapped))

	if c.abar.HostCapabilitiesExtended&1 != 0 {
		kfmt.Printf("[ahci]   - BIOS/OS handoff procedure started...\n")
		c.abar.BIOSHandoff = c.abar.BIOSHandoff | (1 << 1)
		for c.abar.BIOSHandoff&1 != 0 {
		}
		kfmt.Printf("[ahci]   - BIOS/OS handoff procedure ended successfully\n")
	} else {
		kfmt.Printf("[ahci]   - AHCI does not support BIOS/OS handoff procedure, skipping...\n")
	}

	capabilities := c.abar.HostCapabilities
	c.numPorts = uint8((capabilities & 0x1f) + 1)
	c.numSlots = uint8(((capabilities >> 8) & 0x1f) + 1)
	c.supports64Bit = capabilities&(1<<31) != 0
	c.staggered = capabilities&(1<<27) != 0

	kfmt.Printf("[ahci]   - initializing AHCI (version: 0x%x) - no of ports: %d, 64-bit?: %t, staggered spin-up: %t, command slots: %d\n",
		c.abar.Version, c.numPorts, c.supports64Bit, c.staggered, c.numSlots)

	if !c.supports64Bit {
		kfmt.Printf("[ahci]   - AHCI does not support 64-bit addressing, could not initialize...\n")
		return c
	}
	if c.staggered {
		kfmt.Printf("[ahci]   - AHCI requires manual spin-up of devices which is not yet supported, could not initialize...\n")
		return c
	}

	c.abar.GlobalHostControl = 1 << 0
	for c.abar.GlobalHostControl&1 != 0 {
	}
	kfmt.Printf("[ahci]   - controller reset successfully\n")

	vector := reserveMSIVectorFn(func(data unsafe.Pointer, _ uint8) {
		(*Controller)(data).handleInterrupt()
	}, unsafe.Pointer(c))
	if vector == 0 {
		kfmt.Printf("[ahci]   - could not allocate interrupt vector, aborting...\n")
		panicFn(&kernel.Error{Module: "ahci", Message: "could not reserve AHCI MSI vector"})
		return c
	}
	device.EnableMSI(vector)

	c.abar.GlobalHostControl = c.abar.GlobalHostControl | (1 << 1) | (1 << 31)

	for i := uint8(0); i < c.numPorts; i++ {
		if c.abar.PortsImplemented&(1<<i) == 0 {
			continue
		}
		kfmt.Printf("[ahci]   - port %d is implemented, creating memory spaces...\n", i)

		p, ok := c.initializePort(i)
		if !ok {
			continue
		}
		c.ports = append(c.ports, p)
	}

	c.identifyDevices()
	c.initialized = true
	return c
}

// GetSectorCount returns the identified sector count of the device attached
// to portNumber, or 0 if it has not yet (or never) identified.
func (c *Controller) GetSectorCount(portNumber uint8) uint64 {
	p := c.portByNumber(portNumber)
	if p == nil || !p.identified {
		return 0
	}
	return p.sectorCount
}

// ReadSectors issues a DMA read of count sectors starting at sector from
// the device on portNumber into buffer, invoking handler on completion.
// Returns false if the command could not be issued.
func (c *Controller) ReadSectors(portNumber uint8, sector, count uint64, buffer *vmm.VMObject, handler EventHandler, data unsafe.Pointer) bool {
	return c.issueCommand(portNumber, ataCommandReadDMAEx, uint16(count), sector, true, false, buffer, handler, data)
}

func (c *Controller) portByNumber(number uint8) *port {
	for _, p := range c.ports {
		if p.number == number {
			return p
		}
	}
	return nil
}

// BlockDevice is a SATA drive exposed through a single AHCI port.
type BlockDevice struct {
	ahci *Controller
	port uint8
}

// IsWriteable always reports false: AHCI writes are out of scope.
func (b *BlockDevice) IsWriteable() bool { return false }

// SectorCount returns the identified sector count of the underlying device.
func (b *BlockDevice) SectorCount() uint64 { return b.ahci.GetSectorCount(b.port) }

// Read issues a DMA read through the underlying controller.
func (b *BlockDevice) Read(sector, count uint64, buffer *vmm.VMObject, handler EventHandler, data unsafe.Pointer) bool {
	return b.ahci.ReadSectors(b.port, sector, count, buffer, handler, data)
}

// Write always fails: there is no AHCI write path.
func (b *BlockDevice) Write(uint64, uint64, *vmm.VMObject, EventHandler, unsafe.Pointer) bool {
	return false
}
