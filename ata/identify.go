package ata

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
	"github.com/ardnew/softata/xfer"
)

// IDENTIFY data words.
const (
	idConfig     = 0
	idSerial     = 10
	idFirmware   = 23
	idModel      = 27
	idMaxMulti   = 47
	idCapability = 49
	idFieldValid = 53
	idMulti      = 59
	idLBACap     = 60
	idMWDMA      = 63
	idPIO        = 64
	idQueueDepth = 75
	idSATACap    = 76
	idMajorVer   = 80
	idCmdSet1    = 82
	idCmdSet2    = 83
	idUDMA       = 88
	idLBACap48   = 100
)

func idString(id *[256]uint16, start, words int) string {
	b := make([]byte, 0, 2*words)
	for _, w := range id[start : start+words] {
		b = append(b, byte(w>>8), byte(w))
	}
	return strings.TrimSpace(string(b))
}

func idIsATA(id *[256]uint16) bool { return id[idConfig]&(1<<15) == 0 }

func idHasLBA(id *[256]uint16) bool { return id[idCapability]&(1<<9) != 0 }

func idHasLBA48(id *[256]uint16) bool {
	w := id[idCmdSet2]
	return w&0xc000 == 0x4000 && w&(1<<10) != 0
}

func idHasHPA(id *[256]uint16) bool { return id[idCmdSet1]&(1<<10) != 0 }

func idHasNCQ(id *[256]uint16) bool {
	w := id[idSATACap]
	return w != 0xffff && w&(1<<8) != 0
}

func idQueueDepthOf(id *[256]uint16) int { return int(id[idQueueDepth]&0x1f) + 1 }

func idIsSATA(id *[256]uint16) bool {
	w := id[idSATACap]
	return w != 0 && w != 0xffff
}

func idHasIORDY(id *[256]uint16) bool { return id[idCapability]&(1<<11) != 0 }

func idMajorVersion(id *[256]uint16) int {
	w := id[idMajorVer]
	if w == 0 || w == 0xffff {
		return 0
	}
	for v := 14; v >= 1; v-- {
		if w&(1<<uint(v)) != 0 {
			return v
		}
	}
	return 0
}

func idSectors(id *[256]uint16) uint64 {
	if !idHasLBA(id) {
		return 0
	}
	if idHasLBA48(id) {
		var n uint64
		for i := 3; i >= 0; i-- {
			n = n<<16 | uint64(id[idLBACap48+i])
		}
		return n
	}
	return uint64(id[idLBACap+1])<<16 | uint64(id[idLBACap])
}

// idXferMask returns the transfer modes the device claims to support.
func idXferMask(id *[256]uint16) xfer.Mask {
	pio := uint32(1)
	if id[idFieldValid]&(1<<1) != 0 {
		pio = uint32(id[idPIO]&0x03)<<3 | 0x07
	}
	mwdma := uint32(id[idMWDMA] & 0x07)
	var udma uint32
	if id[idFieldValid]&(1<<2) != 0 {
		udma = uint32(id[idUDMA] & 0xff)
	}
	return xfer.Pack(pio, mwdma, udma)
}

// readID issues IDENTIFY (PACKET) DEVICE. A device that aborts the
// command for the expected class is retried once as the other class. The
// class the device answered as is returned.
func (p *Port) readID(ctx context.Context, dev *Device, class transport.Class) (transport.Class, [256]uint16, error) {
	var id [256]uint16
	mayFallback := true
	for {
		var cmd uint8
		switch class {
		case transport.ClassATA:
			cmd = transport.CmdIDATA
		case transport.ClassATAPI:
			cmd = transport.CmdIDPacket
		default:
			return class, id, pkg.ErrNoDevice
		}
		buf := make([]byte, 512)
		tf := transport.Taskfile{Protocol: transport.ProtoPIO, Flags: transport.TFDevice, Command: cmd}
		res, mask := p.execInternal(ctx, dev, tf, nil, buf, 0)
		if mask != 0 {
			if mask&transport.ErrNoDevHint != 0 {
				pkg.LogDebug(pkg.ComponentDevice, "no device after identify", "dev", dev)
				return class, id, pkg.ErrNotPresent
			}
			if mask == transport.ErrDev && res.Error&transport.ErrorABRT != 0 {
				if mayFallback {
					mayFallback = false
					if class == transport.ClassATA {
						class = transport.ClassATAPI
					} else {
						class = transport.ClassATA
					}
					continue
				}
				pkg.LogDebug(pkg.ComponentDevice, "identify aborted, no device?", "dev", dev)
				return class, id, pkg.ErrNotPresent
			}
			pkg.LogWarn(pkg.ComponentDevice, "failed to IDENTIFY",
				"dev", dev, "mask", mask.Names(), "res", res.ResultString())
			return class, id, fmt.Errorf("identify %s: %w", dev, pkg.ErrIO)
		}
		for i := range id {
			id[i] = binary.LittleEndian.Uint16(buf[2*i:])
		}
		if (class == transport.ClassATA) != idIsATA(&id) {
			pkg.LogWarn(pkg.ComponentDevice, "device reports invalid type", "dev", dev, "class", class)
			return class, id, fmt.Errorf("identify %s: %w", dev, pkg.ErrInvalid)
		}
		return class, id, nil
	}
}

// rereadID reads IDENTIFY data again and checks it still describes the
// same device.
func (p *Port) rereadID(ctx context.Context, dev *Device) error {
	class, id, err := p.readID(ctx, dev, dev.class)
	if err != nil {
		return err
	}
	if !dev.sameDevice(class, &id) {
		return pkg.ErrNoDevice
	}
	p.mutex.Lock()
	dev.id = id
	p.mutex.Unlock()
	return nil
}

func (d *Device) sameDevice(class transport.Class, id *[256]uint16) bool {
	if class != d.class {
		pkg.LogInfo(pkg.ComponentDevice, "class mismatch", "dev", d, "old", d.class, "new", class)
		return false
	}
	if m := idString(id, idModel, 20); m != idString(&d.id, idModel, 20) {
		pkg.LogInfo(pkg.ComponentDevice, "model number mismatch", "dev", d, "old", d.model, "new", m)
		return false
	}
	if s := idString(id, idSerial, 10); s != idString(&d.id, idSerial, 10) {
		pkg.LogInfo(pkg.ComponentDevice, "serial number mismatch", "dev", d, "old", d.serial, "new", s)
		return false
	}
	return true
}

// configure derives the device configuration from its IDENTIFY data.
func (p *Port) configure(ctx context.Context, dev *Device, printInfo bool) error {
	if !dev.enabled() {
		return nil
	}
	id := &dev.id
	model := idString(id, idModel, 20)
	firmware := idString(id, idFirmware, 4)

	horkage := p.cfg.quirksFor(model, firmware)
	for _, f := range p.cfg.forcedFor(p.index, dev.index) {
		horkage |= f.horkage
		if f.NoNCQ {
			horkage |= HorkageNoNCQ
		}
	}

	p.mutex.Lock()
	dev.horkage |= horkage
	dev.model = model
	dev.serial = idString(id, idSerial, 10)
	dev.firmware = firmware
	dev.flags &^= devLBA | devLBA48 | devHPA | devNCQ
	dev.multiCount = 0
	p.mutex.Unlock()

	if dev.horkage&HorkageDisable != 0 {
		pkg.LogInfo(pkg.ComponentDevice, "unsupported device, disabling", "dev", dev, "model", model)
		dev.disable()
		return nil
	}

	if dev.class == transport.ClassATAPI {
		if printInfo {
			pkg.LogInfo(pkg.ComponentDevice, "ATAPI",
				"dev", dev, "model", model, "firmware", firmware, "max", idXferMask(id).Highest())
		}
		return nil
	}

	var flags devFlag
	if idHasLBA(id) {
		flags |= devLBA
		if idHasLBA48(id) {
			flags |= devLBA48
		}
	}
	if idHasHPA(id) {
		flags |= devHPA
	}
	var multi uint16
	if id[idMulti]&0x100 != 0 {
		multi = id[idMulti] & 0xff
	}
	p.mutex.Lock()
	dev.flags |= flags
	dev.sectors = idSectors(id)
	dev.multiCount = multi
	p.mutex.Unlock()

	if err := p.hpaResize(ctx, dev, printInfo); err != nil {
		return err
	}

	ncqDesc := p.configureNCQ(dev)

	if printInfo {
		pkg.LogInfo(pkg.ComponentDevice, fmt.Sprintf("ATA-%d", idMajorVersion(id)),
			"dev", dev, "model", model, "firmware", firmware, "max", idXferMask(id).Highest())
		pkg.LogInfo(pkg.ComponentDevice, "capacity",
			"dev", dev, "sectors", dev.sectors, "lba48", flags&devLBA48 != 0, "ncq", ncqDesc)
	}
	return nil
}

func (p *Port) configureNCQ(dev *Device) string {
	id := &dev.id
	if !idHasNCQ(id) {
		return ""
	}
	if dev.horkage&HorkageNoNCQ != 0 {
		return "not used"
	}
	if p.info.Flags&transport.PortNCQ == 0 {
		return "not supported by host"
	}
	depth := idQueueDepthOf(id)
	if depth > p.info.QueueDepth {
		depth = p.info.QueueDepth
	}
	p.mutex.Lock()
	dev.flags |= devNCQ
	dev.queueDepth = depth
	p.mutex.Unlock()
	return fmt.Sprintf("depth %d/%d", depth, idQueueDepthOf(id))
}

// readNativeMax returns the capacity of the device without a hidden
// area. ErrNotSupported means the device aborted the command.
func (p *Port) readNativeMax(ctx context.Context, dev *Device) (uint64, error) {
	tf := transport.Taskfile{Command: transport.CmdReadNativeMax, Device: 0x40}
	if dev.flags&devLBA48 != 0 {
		tf.Command = transport.CmdReadNativeMaxExt
		tf.Flags |= transport.TFLBA48
	}
	res, mask := p.execNoData(ctx, dev, tf)
	if mask != 0 {
		pkg.LogWarn(pkg.ComponentDevice, "failed to read native max address", "dev", dev, "mask", mask.Names())
		if mask == transport.ErrDev && res.Error&transport.ErrorABRT != 0 {
			return 0, pkg.ErrNotSupported
		}
		return 0, pkg.ErrIO
	}
	lba := res.LBA
	if dev.flags&devLBA48 == 0 {
		lba &= 0x0fffffff
	}
	return lba + 1, nil
}

// setMax sets the addressable capacity. ErrNotSupported means the device
// refused.
func (p *Port) setMax(ctx context.Context, dev *Device, sectors uint64) error {
	tf := transport.Taskfile{Command: transport.CmdSetMax, LBA: sectors - 1, Device: 0x40}
	if dev.flags&devLBA48 != 0 {
		tf.Command = transport.CmdSetMaxExt
		tf.Flags |= transport.TFLBA48
	}
	res, mask := p.execNoData(ctx, dev, tf)
	if mask != 0 {
		pkg.LogWarn(pkg.ComponentDevice, "failed to set max address", "dev", dev, "mask", mask.Names())
		if mask == transport.ErrDev && res.Error&(transport.ErrorABRT|transport.ErrorIDNF) != 0 {
			return pkg.ErrNotSupported
		}
		return pkg.ErrIO
	}
	return nil
}

// hpaResize records the native capacity and, when unlocking is enabled,
// removes the hidden area.
func (p *Port) hpaResize(ctx context.Context, dev *Device, printInfo bool) error {
	unlock := p.cfg.UnlockHPA || dev.flags&devUnlockHPA != 0
	if dev.class != transport.ClassATA || dev.flags&devLBA == 0 || dev.flags&devHPA == 0 ||
		dev.horkage&HorkageBrokenHPA != 0 {
		return nil
	}
	sectors := dev.sectors

	native, err := p.readNativeMax(ctx, dev)
	if err != nil {
		if errors.Is(err, pkg.ErrNotSupported) || !unlock {
			pkg.LogWarn(pkg.ComponentDevice, "HPA support seems broken, skipping HPA handling", "dev", dev)
			p.mutex.Lock()
			dev.horkage |= HorkageBrokenHPA
			p.mutex.Unlock()
			if errors.Is(err, pkg.ErrNotSupported) {
				return nil
			}
		}
		return err
	}
	p.mutex.Lock()
	dev.nativeSectors = native
	p.mutex.Unlock()

	if native <= sectors || !unlock {
		switch {
		case !printInfo || native == sectors:
		case native > sectors:
			pkg.LogInfo(pkg.ComponentDevice, "HPA detected", "dev", dev, "current", sectors, "native", native)
		default:
			pkg.LogWarn(pkg.ComponentDevice, "native sectors is smaller than sectors",
				"dev", dev, "native", native, "sectors", sectors)
		}
		return nil
	}

	if err := p.setMax(ctx, dev, native); err != nil {
		if errors.Is(err, pkg.ErrNotSupported) {
			pkg.LogWarn(pkg.ComponentDevice, "device aborted resize, skipping HPA handling",
				"dev", dev, "from", sectors, "to", native)
			p.mutex.Lock()
			dev.horkage |= HorkageBrokenHPA
			p.mutex.Unlock()
			return nil
		}
		return err
	}
	if err := p.rereadID(ctx, dev); err != nil {
		pkg.LogError(pkg.ComponentDevice, "failed to re-read IDENTIFY data after HPA resizing", "dev", dev, "error", err)
		return err
	}
	p.mutex.Lock()
	dev.sectors = idSectors(&dev.id)
	dev.flags &^= devUnlockHPA
	p.mutex.Unlock()
	if printInfo {
		pkg.LogInfo(pkg.ComponentDevice, "HPA unlocked", "dev", dev, "from", sectors, "to", dev.sectors, "native", native)
	}
	return nil
}

// revalidate checks that dev is still the device that was configured and
// refreshes its configuration. A capacity change explained by the hidden
// area is accepted; any other change is reported as ErrNoDevice.
func (p *Port) revalidate(ctx context.Context, dev *Device, newClass transport.Class) error {
	if !dev.enabled() {
		return pkg.ErrNoDevice
	}
	if newClass.IsEnabled() && newClass != dev.class {
		pkg.LogInfo(pkg.ComponentDevice, "class mismatch", "dev", dev, "old", dev.class, "new", newClass)
		return p.revalidateFailed(dev, pkg.ErrNoDevice)
	}
	oldSectors, oldNative := dev.sectors, dev.nativeSectors

	if err := p.rereadID(ctx, dev); err != nil {
		return p.revalidateFailed(dev, err)
	}
	if err := p.configure(ctx, dev, false); err != nil {
		return p.revalidateFailed(dev, err)
	}
	if dev.class != transport.ClassATA || oldSectors == 0 || dev.sectors == oldSectors {
		return nil
	}

	pkg.LogWarn(pkg.ComponentDevice, "sector count mismatch", "dev", dev, "old", oldSectors, "new", dev.sectors)

	if dev.nativeSectors == oldNative && dev.sectors > oldSectors && dev.sectors == oldNative {
		pkg.LogWarn(pkg.ComponentDevice, "new sector count matches native, probably late HPA unlock", "dev", dev)
		return nil
	}

	if dev.nativeSectors == oldNative && dev.sectors < oldSectors && oldSectors == oldNative &&
		dev.horkage&HorkageBrokenHPA == 0 {
		pkg.LogWarn(pkg.ComponentDevice, "old sector count matches native, probably late HPA lock, unlocking", "dev", dev)
		p.mutex.Lock()
		dev.flags |= devUnlockHPA
		p.mutex.Unlock()
		if err := p.hpaResize(ctx, dev, false); err == nil && dev.sectors == oldSectors {
			return nil
		}
	}

	p.mutex.Lock()
	dev.sectors, dev.nativeSectors = oldSectors, oldNative
	p.mutex.Unlock()
	return p.revalidateFailed(dev, pkg.ErrNoDevice)
}

func (p *Port) revalidateFailed(dev *Device, err error) error {
	pkg.LogError(pkg.ComponentDevice, "revalidation failed", "dev", dev, "error", err)
	return err
}
