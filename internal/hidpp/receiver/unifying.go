package receiver

import (
	"context"
	"time"

	"github.com/go-fwupd/fwupd-core/internal/fwdevice"
	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
	"github.com/go-fwupd/fwupd-core/internal/hidpp"
)

// Unifying receiver registers.
const (
	unifyingRegisterFirmwareInfo uint8 = 0xF1
	unifyingRegisterDFUMode      uint8 = 0xF0
)

// setupUnifying reads the 10-byte firmware-information register in
// 2-byte windows and assembles the runtime (RQRxx.yy_Bbbbb) and
// bootloader (BOTxx.yy_Bbbbb) version strings (spec §4.8 "Unifying").
// The MCU1_HW_VERSION window at index 0x03 fails with INVALID_VALUE on
// 12.01 firmware; the read is still attempted and the failure
// tolerated rather than skipped outright.
func (d *Device) setupUnifying(ctx context.Context, dev *fwdevice.Device) error {
	var config [10]byte
	for i := uint8(0x01); i < 0x05; i++ {
		req := hidpp.NewShort(hidpp.DeviceIndexReceiver, subIDGetRegister, unifyingRegisterFirmwareInfo, i)
		resp, err := d.dispatcher.Exchange(ctx, req, 2*time.Second)
		if err != nil {
			if kind, ok := fwerrors.KindOf(err); ok && kind == fwerrors.InvalidData {
				log.WithField("window", i).Debug("firmware info window rejected, tolerating")
				continue
			}
			return fwerrors.Wrapf(fwerrors.Read, err, "firmware info window %d failed", i)
		}
		config[2*i] = resp.Params[1]
		config[2*i+1] = resp.Params[2]
	}

	d.runtimeVersion = hidpp.FormatVersion("RQR", config[2], config[3], uint16(config[4])<<8|uint16(config[5]))
	d.bootloaderVer = hidpp.FormatVersion("BOT", config[6], config[7], uint16(config[8])<<8|uint16(config[9]))
	dev.SetVersion(d.runtimeVersion)
	dev.SetVersionBootloader(d.bootloaderVer)

	if hidpp.SignedBootloaderVersion(config[6], config[7]) {
		dev.AddFlag(fwdevice.FlagSignedPayload)
		dev.SetMetadata("protocol", "com.logitech.unifyingsigned")
	} else {
		dev.AddFlag(fwdevice.FlagUnsignedPayload)
	}
	dev.AddFlag(fwdevice.FlagUpdatable)
	return nil
}
