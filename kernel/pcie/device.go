package pcie

import (
	"github.com/lifelessPixels/con64os/kernel/irq"
	"github.com/lifelessPixels/con64os/kernel/kfmt"
)

// Config-space dword offsets used by Device, matching the PCI/PCIe
// configuration header layout.
const (
	identificationOffset   uint16 = 0x00
	statusAndCommandOffset uint16 = 0x04
	classCodesOffset       uint16 = 0x08
	miscellaneousOffset    uint16 = 0x0c
	barOffset              uint16 = 0x10
	capabilityOffset       uint16 = 0x34

	msiCapabilityID uint8 = 0x05
)

// capability records one entry walked off a device's capability linked
// list: its byte offset in configuration space and its capability ID.
type capability struct {
	address uint8
	kind    uint8
}

// Device is a single PCIe function discovered during enumeration.
type Device struct {
	segment               *Segment
	bus, device, function uint8

	vendorID, deviceID                                        uint16
	classCode, subclassCode, programmingInterface, revisionID uint8
	headerType                                                uint8

	capabilities  []capability
	msiSupported  bool
	msiCapability capability
}

// newDevice reads the basic identification, class code and capability list
// (when present) of the device at bus:device:function on segment.
func newDevice(segment *Segment, bus, device, function uint8) *Device {
	d := &Device{segment: segment, bus: bus, device: device, function: function}

	identification := d.read(identificationOffset)
	d.vendorID = uint16(identification & 0xffff)
	d.deviceID = uint16(identification >> 16)

	classCodes := d.read(classCodesOffset)
	d.revisionID = uint8(classCodes)
	d.programmingInterface = uint8(classCodes >> 8)
	d.subclassCode = uint8(classCodes >> 16)
	d.classCode = uint8(classCodes >> 24)

	misc := d.read(miscellaneousOffset)
	d.headerType = uint8((misc >> 16) & 0x0f)

	statusAndCommand := d.read(statusAndCommandOffset)
	if d.headerType == 0x00 && statusAndCommand&(1<<20) != 0 {
		pointer := uint8(d.read(capabilityOffset)) & 0xfc
		for pointer != 0x00 {
			header := d.read(uint16(pointer))

			cap := capability{address: pointer, kind: uint8(header & 0xff)}
			d.capabilities = append(d.capabilities, cap)
			if cap.kind == msiCapabilityID {
				d.msiSupported = true
				d.msiCapability = cap
			}

			pointer = uint8((header >> 8) & 0xfc)
		}
	}

	return d
}

func (d *Device) read(offset uint16) uint32 {
	return d.segment.Read(d.bus, d.device, d.function, offset)
}

func (d *Device) write(offset uint16, value uint32) {
	d.segment.Write(d.bus, d.device, d.function, offset, value)
}

// VendorID returns the device's vendor ID.
func (d *Device) VendorID() uint16 { return d.vendorID }

// DeviceID returns the device's device ID.
func (d *Device) DeviceID() uint16 { return d.deviceID }

// ClassCode returns the device's class code.
func (d *Device) ClassCode() uint8 { return d.classCode }

// SubclassCode returns the device's subclass code.
func (d *Device) SubclassCode() uint8 { return d.subclassCode }

// ProgrammingInterface returns the device's programming interface byte.
func (d *Device) ProgrammingInterface() uint8 { return d.programmingInterface }

// RevisionID returns the device's revision ID.
func (d *Device) RevisionID() uint8 { return d.revisionID }

// HeaderType returns the device's configuration header type.
func (d *Device) HeaderType() uint8 { return d.headerType }

// Bus, DeviceNumber and Function return the device's location.
func (d *Device) Bus() uint8          { return d.bus }
func (d *Device) DeviceNumber() uint8 { return d.device }
func (d *Device) Function() uint8     { return d.function }

// BAR returns the raw value of base address register n (0-5). Returns 0 for
// a non-type-0 header or an out of range register number.
func (d *Device) BAR(n uint8) uint32 {
	if d.headerType != 0x00 || n > 5 {
		return 0
	}
	return d.read(barOffset + uint16(n)*4)
}

// SupportsMSI reports whether this device's capability list includes an MSI
// capability.
func (d *Device) SupportsMSI() bool { return d.msiSupported }

// EnableMSI programs this device's MSI capability to deliver interrupts to
// vector, handling both the 32-bit and 64-bit address capability layouts.
// A no-op on devices without MSI support.
func (d *Device) EnableMSI(vector uint8) {
	if !d.msiSupported {
		return
	}

	header := d.read(uint16(d.msiCapability.address)) >> 16
	longAddress := header&(1<<7) != 0

	address := irq.MSIAddress()
	data := irq.MSIData(vector)

	if longAddress {
		d.write(uint16(d.msiCapability.address)+0x04, uint32(address&0xffffffff))
		d.write(uint16(d.msiCapability.address)+0x08, uint32((address>>32)&0xffffffff))
		d.write(uint16(d.msiCapability.address)+0x0c, uint32(data))
	} else {
		d.write(uint16(d.msiCapability.address)+0x04, uint32(address&0xffffffff))
		d.write(uint16(d.msiCapability.address)+0x08, uint32(data))
	}

	d.write(uint16(d.msiCapability.address), uint32(1)<<16)
	kfmt.Printf("[pcie] enabled MSI on vector 0x%x\n", vector)
}

// EnableBusMastering sets the memory-space (bit 1), bus-master (bit 2) and
// memory-write-and-invalidate (bit 4) bits of the command register.
func (d *Device) EnableBusMastering() {
	d.write(statusAndCommandOffset, d.read(statusAndCommandOffset)|(1<<1)|(1<<2)|(1<<4))
}

// DisablePICInterrupts sets the interrupt-disable bit of the command
// register, masking this device's legacy INTx line.
func (d *Device) DisablePICInterrupts() {
	d.write(statusAndCommandOffset, d.read(statusAndCommandOffset)|(uint32(1)<<10))
}

// logCapabilities prints every capability this device's linked list walk
// discovered, once, at enumeration time.
func (d *Device) logCapabilities() {
	if len(d.capabilities) == 0 {
		return
	}

	kfmt.Printf("[pcie]     dumping PCI device capabilities:\n")
	for _, cap := range d.capabilities {
		kfmt.Printf("[pcie]        * at 0x%x - %s (0x%x)\n", cap.address, capabilityName(cap.kind), cap.kind)
	}
}

// capabilityName maps a capability ID to its PCI-SIG readable name.
func capabilityName(id uint8) string {
	switch id {
	case 0x00:
		return "null capability"
	case 0x01:
		return "PCIPM"
	case 0x02:
		return "AGP"
	case 0x03:
		return "VPD"
	case 0x04:
		return "slot ID"
	case 0x05:
		return "MSI"
	case 0x06:
		return "CompactPCI hot swap"
	case 0x07:
		return "PCI-X"
	case 0x08:
		return "HyperTransport"
	case 0x09:
		return "vendor specific"
	case 0x0a:
		return "debug port"
	case 0x0b:
		return "CompactPCI central resource control"
	case 0x0c:
		return "PCI hot-plug"
	case 0x0d:
		return "PCI bridge subsystem vendor ID"
	case 0x0e:
		return "AGP 8x"
	case 0x0f:
		return "secure device"
	case 0x10:
		return "PCIe"
	case 0x11:
		return "MSI-X"
	case 0x12:
		return "SATA data/index configuration"
	case 0x13:
		return "AF"
	case 0x14:
		return "enhanced allocation"
	case 0x15:
		return "flattening portal bridge"
	default:
		return "reserved/undefined"
	}
}
