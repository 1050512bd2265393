package ahci

import (
	"unsafe"

	"github.com/lifelessPixels/con64os/kernel"
	"github.com/lifelessPixels/con64os/kernel/kfmt"
	"github.com/lifelessPixels/con64os/kernel/mem"
	"github.com/lifelessPixels/con64os/kernel/mem/vmm"
)

// commandHeader mirrors one 32-byte entry of a port's command list. The
// first byte packs command-FIS length (bits 4:0), ATAPI (5), write (6) and
// prefetchable (7); the second packs reset/BIST/clear-busy/port-multiplier.
// Kept as explicit byte fields with accessor methods, since Go has no
// bitfields and the HBA reads this memory by DMA at exact byte offsets.
type commandHeader struct {
	flags0               uint8
	flags1               uint8
	PRDTLength           uint16
	ByteCount            uint32
	CommandTableBaseLow  uint32
	CommandTableBaseHigh uint32
	reserved             [4]uint32
}

func (h *commandHeader) setCommandFISLength(dwords uint8) {
	h.flags0 = (h.flags0 &^ 0x1f) | (dwords & 0x1f)
}

func (h *commandHeader) setWrite(write bool) {
	if write {
		h.flags0 |= 1 << 6
	} else {
		h.flags0 &^= 1 << 6
	}
}

// registerH2DFIS is a 20-byte Register FIS, host-to-device direction (type
// 0x27), matching the AHCI/SATA specification byte layout exactly.
type registerH2DFIS struct {
	FISType     uint8
	flags       uint8 // bits[3:0] port multiplier, bit7 is-command
	Command     uint8
	FeatureLow  uint8
	LBA0        uint8
	LBA1        uint8
	LBA2        uint8
	Device      uint8
	LBA3        uint8
	LBA4        uint8
	LBA5        uint8
	FeatureHigh uint8
	CountLow    uint8
	CountHigh   uint8
	ICC         uint8
	Control     uint8
	reserved    uint32
}

func (f *registerH2DFIS) setIsCommand() {
	f.flags |= 1 << 7
}

// physicalRegionDescriptor is one 16-byte PRDT entry: a 64-bit data base
// address, a 22-bit byte count and the completion-interrupt bit.
type physicalRegionDescriptor struct {
	DataBaseLow       uint32
	DataBaseHigh      uint32
	reserved          uint32
	byteCountAndFlags uint32
}

func (d *physicalRegionDescriptor) setByteCount(count uint32) {
	d.byteCountAndFlags = (d.byteCountAndFlags &^ 0x3fffff) | (count & 0x3fffff)
}

func (d *physicalRegionDescriptor) setInterrupt(on bool) {
	if on {
		d.byteCountAndFlags |= 1 << 31
	} else {
		d.byteCountAndFlags &^= 1 << 31
	}
}

// maxPRDTEntries bounds a single command table's PRDT to what the command
// header's PRDT-length field is programmed for.
const maxPRDTEntries = 128

// commandTable is the per-slot memory region holding the command FIS, an
// (unused) ATAPI command block, and the PRDT.
type commandTable struct {
	CommandFIS   [64]byte
	ATAPICommand [16]byte
	reserved     [48]byte
	PRDT         [maxPRDTEntries]physicalRegionDescriptor
}

func (t *commandTable) fis() *registerH2DFIS {
	return (*registerH2DFIS)(unsafe.Pointer(&t.CommandFIS[0]))
}

// issueCommand fills a free command slot's header/FIS/PRDT and rings the
// doorbell. Returns false if no slot is free or the transfer exceeds the
// 128-PRDT single-command window.
func (c *Controller) issueCommand(portNumber uint8, command uint8, transferSectors uint16, accessSector uint64, mediaAccess, write bool, data *vmm.VMObject, handler EventHandler, handlerData unsafe.Pointer) bool {
	p := c.portByNumber(portNumber)
	if p == nil {
		return false
	}

	p.lock.Acquire()
	defer p.lock.Release()

	if p.commandsInUse == 0xffffffff {
		// TODO: queue the request instead of rejecting it outright.
		return false
	}

	sectorSize := p.sectorSize
	if uint64(transferSectors)*sectorSize > uint64(maxPRDTEntries)*uint64(mem.PageSize) {
		return false
	}

	slot := -1
	for i := uint8(0); i < c.numSlots; i++ {
		if p.commandsInUse&(1<<i) == 0 {
			slot = int(i)
			break
		}
	}
	if slot == -1 {
		panicFn(&kernel.Error{Module: "ahci", Message: "no free command slot after availability check"})
		return false
	}

	header := &p.commandHeaders()[slot]
	header.setCommandFISLength(uint8(unsafe.Sizeof(registerH2DFIS{}) / 4))
	header.setWrite(write)

	transferBytes := uint64(transferSectors) * sectorSize
	prdtLength := uint32((transferBytes + uint64(mem.PageSize) - 1) / uint64(mem.PageSize))
	header.PRDTLength = uint16(prdtLength)

	table := p.commandTable(uint8(slot))
	fis := table.fis()
	*fis = registerH2DFIS{}
	fis.FISType = 0x27
	fis.Command = command
	fis.setIsCommand()

	if mediaAccess {
		fis.LBA0 = uint8(accessSector)
		fis.LBA1 = uint8(accessSector >> 8)
		fis.LBA2 = uint8(accessSector >> 16)
		fis.LBA3 = uint8(accessSector >> 24)
		fis.LBA4 = uint8(accessSector >> 32)
		fis.LBA5 = uint8(accessSector >> 40)
		fis.Device = 1 << 6
		fis.CountLow = uint8(transferSectors)
		fis.CountHigh = uint8(transferSectors >> 8)
	}

	pages := data.Pages()
	for i := uint32(0); i < prdtLength; i++ {
		prd := &table.PRDT[i]
		pageAddr := uint64(pages[i])
		prd.DataBaseLow = uint32(pageAddr & 0xffffffff)
		prd.DataBaseHigh = uint32(pageAddr >> 32)
		prd.setByteCount(uint32(mem.PageSize) - 1)
		prd.setInterrupt(true)
	}

	p.currentRequests[slot] = Request{
		sector:  accessSector,
		count:   transferSectors,
		write:   write,
		handler: handler,
		data:    handlerData,
	}
	p.commandsInUse |= 1 << slot

	c.abar.Ports[portNumber].CommandIssue = 1 << slot
	kfmt.Printf("[ahci] issued 0x%x command to port %d, to slot %d\n", command, portNumber, slot)

	return true
}

// handleInterrupt is the AHCI MSI completion handler: for every port with a
// pending interrupt, it either completes the implicit identify event or
// fires every finished command's registered handler.
func (c *Controller) handleInterrupt() {
	for i := uint8(0); i < c.numPorts; i++ {
		if c.abar.InterruptStatus&(1<<i) == 0 {
			continue
		}

		p := c.portByNumber(i)
		if p != nil {
			p.lock.Acquire()

			if !p.identified {
				identify := (*[256]uint16)(unsafe.Pointer(p.identifyVA))
				sectorCount := uint64(identify[100]) |
					uint64(identify[101])<<16 |
					uint64(identify[102])<<32 |
					uint64(identify[103])<<48
				p.sectorCount = sectorCount
				p.identified = true
				kfmt.Printf("[ahci] identified device has %d sectors\n", sectorCount)
			} else {
				issue := c.abar.Ports[i].CommandIssue
				for slot := uint8(0); slot < maxCommandSlots; slot++ {
					if issue&(1<<slot) != 0 || p.commandsInUse&(1<<slot) == 0 {
						continue
					}
					p.commandsInUse &^= 1 << slot
					req := p.currentRequests[slot]
					if req.handler != nil {
						req.handler(req.data)
					}
				}
			}

			p.lock.Release()
		}

		c.abar.Ports[i].InterruptStatus = 0xffffffff
	}

	c.abar.InterruptStatus = 0xffffffff
}
