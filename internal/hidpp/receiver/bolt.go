package receiver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-fwupd/fwupd-core/internal/fwdevice"
	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
	"github.com/go-fwupd/fwupd-core/internal/hidpp"
)

// Bolt receiver long registers.
const (
	boltRegisterReceiverFWInfo uint8 = 0xF1
	boltRegisterPairingInfo    uint8 = 0xB5
	boltRegisterDFUControl     uint8 = 0xC5
)

// PAIRING_INFORMATION sub-entry selectors: 0x50|slot carries the
// pairing flags and PID, 0x60|slot the UTF-8 device name with its
// length byte at offset 2 (spec §4.8 "Bolt").
const (
	boltPairingFlagsBase uint8 = 0x50
	boltPairingNameBase  uint8 = 0x60
)

// setupBolt reads RECEIVER_FW_INFORMATION[0..2] for the main and
// bootloader version plus pairing-slot count, then walks every slot's
// PAIRING_INFORMATION entries to create C6 children for reachable
// peripherals (spec §4.8 "Bolt").
func (d *Device) setupBolt(ctx context.Context, dev *fwdevice.Device) error {
	for i := uint8(0); i <= 2; i++ {
		req := hidpp.NewLong(hidpp.DeviceIndexReceiver, subIDGetLongRegister, boltRegisterReceiverFWInfo, i)
		resp, err := d.dispatcher.Exchange(ctx, req, 2*time.Second)
		if err != nil {
			return fwerrors.Wrapf(fwerrors.Read, err, "receiver fw information entry %d failed", i)
		}
		p := resp.Params
		switch i {
		case 0:
			d.runtimeVersion = hidpp.FormatVersion("MPR", p[1], p[2], uint16(p[3])<<8|uint16(p[4]))
			dev.SetVersion(d.runtimeVersion)
		case 1:
			d.bootloaderVer = hidpp.FormatVersion("BOT", p[1], p[2], uint16(p[3])<<8|uint16(p[4]))
			dev.SetVersionBootloader(d.bootloaderVer)
			if hidpp.SignedBootloaderVersion(p[1], p[2]) {
				dev.AddFlag(fwdevice.FlagSignedPayload)
			}
		case 2:
			d.pairingSlotCount = int(p[1])
		}
	}
	dev.AddFlag(fwdevice.FlagUpdatable)

	if d.pairingSlotCount > maxPairingSlots {
		d.pairingSlotCount = maxPairingSlots
	}
	for slot := 1; slot <= d.pairingSlotCount; slot++ {
		d.probePairingSlot(ctx, uint8(slot))
	}
	return nil
}

// probePairingSlot reads a slot's pairing flags/PID and device name,
// creating a peripheral child when the slot is reachable.
func (d *Device) probePairingSlot(ctx context.Context, slot uint8) {
	flagsReq := hidpp.NewLong(hidpp.DeviceIndexReceiver, subIDGetLongRegister, boltRegisterPairingInfo,
		boltPairingFlagsBase|slot)
	flagsResp, err := d.dispatcher.Exchange(ctx, flagsReq, 2*time.Second)
	if err != nil {
		log.WithError(err).WithField("slot", slot).Debug("pairing info read failed")
		return
	}
	flags := flagsResp.Params[1]
	pid := uint16(flagsResp.Params[2])<<8 | uint16(flagsResp.Params[3])
	if flags&unreachableBit != 0 {
		return
	}

	name := d.readPairedDeviceName(ctx, slot)

	if err := d.createChild(slot); err != nil {
		log.WithError(err).WithField("slot", slot).Debug("paired device setup failed")
	}
	child, ok := d.Child(slot)
	if !ok {
		return
	}
	if name != "" {
		child.SetName(name)
	}
	child.SetPID(pid)
	child.SetMetadata("hidpp_pid", fmt.Sprintf("%04X", pid))
}

// readPairedDeviceName fetches a slot's UTF-8 name; the length byte
// sits at offset 2 of the reply's data.
func (d *Device) readPairedDeviceName(ctx context.Context, slot uint8) string {
	req := hidpp.NewLong(hidpp.DeviceIndexReceiver, subIDGetLongRegister, boltRegisterPairingInfo,
		boltPairingNameBase|slot)
	resp, err := d.dispatcher.Exchange(ctx, req, 2*time.Second)
	if err != nil {
		log.WithError(err).WithField("slot", slot).Debug("pairing name read failed")
		return ""
	}
	length := int(resp.Params[2])
	if length <= 0 || 3+length > len(resp.Params) {
		return ""
	}
	return string(resp.Params[3 : 3+length])
}
