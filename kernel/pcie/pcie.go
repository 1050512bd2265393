// Package pcie implements the kernel's PCIe config-space enumerator: it maps
// every segment described by the firmware MCFG table as a memory-mapped
// configuration space window, brute-force walks every bus/device/function
// looking for a responding vendor ID, and exposes the discovered devices by
// class code.
package pcie

import (
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/acpi"
	"github.com/lifelessPixels/con64os/kernel/kfmt"
	"github.com/lifelessPixels/con64os/kernel/list"
	"github.com/lifelessPixels/con64os/kernel/mem/vmm"
)

// ecamSegmentSize is the byte length of a single PCIe segment's ECAM
// window: 256 buses * 32 devices * 8 functions * 4KiB of config space.
const ecamSegmentSize = 256 * 1024 * 1024

// segmentDescriptor mirrors one entry of the MCFG table's flexible tail.
type segmentDescriptor struct {
	Address     uint64
	GroupNumber uint16
	BusStart    uint8
	BusEnd      uint8
	reserved    uint32
}

// Segment is a single PCIe bus segment's mapped ECAM configuration space.
type Segment struct {
	physicalAddress uintptr
	virtualAddress  uintptr
	groupNumber     uint16
	busStart        uint8
	busEnd          uint8
}

var (
	segments []*Segment
	devices  list.List[*Device]

	// panicFn, mapObjectFn and getMCFGFn are overridden by tests.
	panicFn     = func(e *kernel.Error) { kernel.Panic(e) }
	mapObjectFn = func(obj *vmm.VMObject) (uintptr, bool) {
		return vmm.KernelAddressSpace().MapObject(obj)
	}
	getMCFGFn = func() *acpi.TableHeader { return acpi.GetTableBySignature("MCFG") }
)

// Initialize walks the MCFG table, maps every described segment into the
// kernel address space, and enumerates every device on every segment.
func Initialize() {
	segments = nil
	devices = list.List[*Device]{}

	table := getMCFGFn()
	if table == nil {
		kfmt.Printf("[pcie] MCFG table not found...\n")
		return
	}

	headerSize := unsafe.Sizeof(acpi.TableHeader{})
	descriptorSize := unsafe.Sizeof(segmentDescriptor{})
	entryCount := (uintptr(table.Length) - headerSize - 8) / descriptorSize
	kfmt.Printf("[pcie] MCFG found, entry count: %d\n", entryCount)

	base := uintptr(unsafe.Pointer(table)) + headerSize + 8
	for i := uintptr(0); i < entryCount; i++ {
		d := (*segmentDescriptor)(unsafe.Pointer(base + i*descriptorSize))
		kfmt.Printf("[pcie]   - address: 0x%x, group number: %d, bus start: %d, bus end: %d\n",
			d.Address, d.GroupNumber, d.BusStart, d.BusEnd)

		obj := vmm.NewMMIO(uintptr(d.Address), uint64(ecamSegmentSize))
		mapped, ok := mapObjectFn(obj)
		if !ok {
			panicFn(&kernel.Error{Module: "pcie", Message: "could not map PCIe configuration space"})
			return
		}

		segments = append(segments, &Segment{
			physicalAddress: uintptr(d.Address),
			virtualAddress:  mapped,
			groupNumber:     d.GroupNumber,
			busStart:        d.BusStart,
			busEnd:          d.BusEnd,
		})
	}

	kfmt.Printf("[pcie] enumerating all devices...\n")
	enumerateDevices()
}

// GetDevicesByClassCodes returns every enumerated device matching the given
// class code, subclass code and programming interface.
func GetDevicesByClassCodes(classCode, subclassCode, progIf uint8) []*Device {
	var matches []*Device
	devices.ForEach(func(_ int, d *Device) bool {
		if d.classCode == classCode && d.subclassCode == subclassCode && d.programmingInterface == progIf {
			matches = append(matches, d)
		}
		return true
	})
	return matches
}

// enumerateDevices brute-force walks every bus/device/function of every
// mapped segment, creating a Device for everything that answers with a
// vendor ID other than 0xffff.
func enumerateDevices() {
	kfmt.Printf("[pcie] segments count: %d\n", len(segments))

	for _, segment := range segments {
		for bus := uint16(segment.busStart); bus <= uint16(segment.busEnd); bus++ {
			for device := uint8(0); device < 32; device++ {
				for function := uint8(0); function < 8; function++ {
					identification := segment.Read(uint8(bus), device, function, 0)
					if identification&0xffff == 0xffff {
						continue
					}

					found := newDevice(segment, uint8(bus), device, function)
					kfmt.Printf("[pcie]   - at %d:%d:%d:%d - 0x%x:0x%x, class: %d, subclass: %d, prog if: %d (header type: %d)\n",
						segment.groupNumber, bus, device, function,
						found.vendorID, found.deviceID,
						found.classCode, found.subclassCode, found.programmingInterface, found.headerType)

					found.logCapabilities()
					devices.AppendBack(found)
				}
			}
		}
	}
}

// configReadFn and configWriteFn are overridden by tests, which have no
// real ECAM window to back a Segment's virtual address.
var (
	configReadFn = func(addr uintptr) uint32 {
		return *(*uint32)(unsafe.Pointer(addr))
	}
	configWriteFn = func(addr uintptr, value uint32) {
		*(*uint32)(unsafe.Pointer(addr)) = value
	}
)

func (s *Segment) configAddress(bus, device, function uint8, offset uint16) uintptr {
	return s.virtualAddress + (uintptr(bus-s.busStart)<<20 | uintptr(device)<<15 | uintptr(function)<<12) + uintptr(offset)
}

// Read reads a 32-bit dword from this segment's configuration space. Out of
// bounds bus/device/function/offset values read back as zero.
func (s *Segment) Read(bus, device, function uint8, offset uint16) uint32 {
	if bus < s.busStart || bus > s.busEnd || device > 31 || function > 7 || offset >= 4096-4 {
		return 0
	}
	return configReadFn(s.configAddress(bus, device, function, offset))
}

// Write writes a 32-bit dword to this segment's configuration space. Out of
// bounds bus/device/function/offset values are silently ignored.
func (s *Segment) Write(bus, device, function uint8, offset uint16, value uint32) {
	if bus < s.busStart || bus > s.busEnd || device > 31 || function > 7 || offset >= 4096-4 {
		return
	}
	configWriteFn(s.configAddress(bus, device, function, offset), value)
}
