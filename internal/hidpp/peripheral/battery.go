package peripheral

import (
	"context"

	"github.com/go-fwupd/fwupd-core/internal/fwdevice"
	"github.com/go-fwupd/fwupd-core/internal/hidpp"
)

// coarseBatteryLevel maps a coarse battery reading to an approximate
// percentage (spec §4.6 "Battery": "a coarse level mapped to
// {5,20,55,90}"). The unified-battery feature reports the level as a
// bit (1/2/4/8), the legacy status register as an odd step (1/3/5/7).
func coarseBatteryLevel(raw uint8) (int, bool) {
	switch raw {
	case 1:
		return 5, true
	case 2, 3:
		return 20, true
	case 4, 5:
		return 55, true
	case 7, 8:
		return 90, true
	default:
		return 0, false
	}
}

// unifiedBatteryCapPercentage is the capabilities bit advertising exact
// state-of-charge percentages.
const unifiedBatteryCapPercentage = 0x02

// HID++1.0 battery registers read when no 2.0 battery feature exists.
const (
	registerBatteryMileage uint8 = 0x0D
	registerBatteryStatus  uint8 = 0x07
	subIDGetRegister       uint8 = 0x81
)

// detectBattery resolves the HID++2.0 battery features, preferring the
// unified battery over the legacy level-status one; HID++1.0 devices
// read the battery registers from Setup directly instead.
func (d *Device) detectBattery(ctx context.Context, dev *fwdevice.Device) error {
	if err := d.detectUnifiedBattery(ctx, dev); err == nil {
		return nil
	}
	return d.detectBatteryLevelStatus(ctx, dev)
}

func (d *Device) detectUnifiedBattery(ctx context.Context, dev *fwdevice.Device) error {
	capsResp, err := d.features.Call(ctx, hidpp.FeatureUnifiedBattery, 0)
	if err != nil {
		return err
	}
	caps := capsResp.Params[1]

	statusResp, err := d.features.Call(ctx, hidpp.FeatureUnifiedBattery, 1)
	if err != nil {
		return err
	}
	if caps&unifiedBatteryCapPercentage != 0 {
		dev.SetBatteryLevel(int(statusResp.Params[0]))
	} else if pct, ok := coarseBatteryLevel(statusResp.Params[1]); ok {
		dev.SetBatteryLevel(pct)
	} else {
		log.WithField("level", statusResp.Params[1]).Warn("unknown battery level")
	}
	return nil
}

func (d *Device) detectBatteryLevelStatus(ctx context.Context, dev *fwdevice.Device) error {
	resp, err := d.features.Call(ctx, hidpp.FeatureBatteryLevel, 0)
	if err != nil {
		return err
	}
	dev.SetBatteryLevel(int(resp.Params[0]))
	return nil
}

// detectLegacyBatteryRegister falls back to the HID++1.0 battery
// mileage register (a direct percentage, 0x7F meaning unknown), then
// the battery status register's coarse steps.
func (d *Device) detectLegacyBatteryRegister(ctx context.Context, dev *fwdevice.Device) error {
	req := hidpp.NewShort(d.deviceIndex, subIDGetRegister, registerBatteryMileage)
	resp, err := d.dispatcher.Exchange(ctx, req, hidppTimeout)
	if err == nil && resp.Params[0] != 0x7F {
		dev.SetBatteryLevel(int(resp.Params[0]))
		return nil
	}

	req = hidpp.NewShort(d.deviceIndex, subIDGetRegister, registerBatteryStatus)
	resp, err = d.dispatcher.Exchange(ctx, req, hidppTimeout)
	if err != nil {
		return err
	}
	if pct, ok := coarseBatteryLevel(resp.Params[0]); ok {
		dev.SetBatteryLevel(pct)
	}
	return nil
}
