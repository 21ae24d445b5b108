// Package peripheral implements the HID++ peripheral device: a
// Unifying/Bolt paired keyboard, mouse, or similar, driven through a
// receiver's proxy channel or its own chardev when wired.
package peripheral

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-fwupd/fwupd-core/internal/fwdevice"
	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
	"github.com/go-fwupd/fwupd-core/internal/hidpp"
)

var log = logrus.WithField("subsystem", "hidpp-peripheral")

const hidppTimeout = hidpp.DefaultTimeout

// SetLogger merges extra fields into the package logger.
func SetLogger(logger *logrus.Entry) {
	log = log.WithFields(logger.Data)
}

// EntityKind names a firmware slot kind reported by IFirmwareInfo.
type EntityKind uint8

const (
	EntityApplication EntityKind = 0
	EntityBootloader  EntityKind = 1
	EntityHardware    EntityKind = 2
)

// Entity is one firmware slot on the peripheral (application, bootloader,
// or hardware revision), as reported by IFirmwareInfo.GetInfo.
type Entity struct {
	Index   uint8
	Kind    EntityKind
	Name    string
	Version string
	Active  bool
}

// Device is the DeviceOps implementation for a single HID++ peripheral.
// It is installed on a *fwdevice.Device via fwdevice.Arena.New as the
// device's primary ops, which is how Incorporate/String dispatch
// reaches it.
type Device struct {
	fwdevice.BaseOps

	dispatcher  *hidpp.Dispatcher
	features    *hidpp.FeatureMap
	deviceIndex uint8
	ble         bool

	hidppVersion  int
	entities      []Entity
	cachedEntity  int
	modelID       string
	modelPID      string
	rdfuSupported bool
	signedDFU     bool

	rdfu *rdfuState
}

// NewDevice wires a Device to the given dispatcher and pairing-slot (or
// wired receiver 0xFF) device index.
func NewDevice(dispatcher *hidpp.Dispatcher, deviceIndex uint8) *Device {
	d := &Device{
		dispatcher:   dispatcher,
		deviceIndex:  deviceIndex,
		cachedEntity: -1,
	}
	d.features = hidpp.NewFeatureMap(dispatcher, deviceIndex)
	return d
}

// SetBLE marks the peripheral as connected over the BLE dialect, which
// needs a settle delay before the first exchange (spec §4.6 "Setup"
// step 1).
func (d *Device) SetBLE(ble bool) { d.ble = ble }

// Ping sends root.ping(0xAA) and reports the HID++ protocol major
// version from the reply's first payload byte. A not-supported error
// frame means the device is HID++1.0-only. An unset device index (0)
// goes out as the wired wildcard so the reply matches, and the slot
// the device answers from is adopted (spec §4.6 "ping").
func (d *Device) Ping(ctx context.Context) (int, error) {
	wireIndex := d.deviceIndex
	if wireIndex == 0 {
		wireIndex = hidpp.DeviceIndexReceiver
	}
	req := hidpp.NewShort(wireIndex, 0x00, 0x00, 0x00, 0x00, 0xAA)
	req.SetFunction(0x1, 0x00)
	resp, err := d.dispatcher.Exchange20(ctx, req, hidppTimeout)
	if err != nil {
		if kind, ok := fwerrors.KindOf(err); ok && kind == fwerrors.NotSupported {
			return 1, nil
		}
		return 0, err
	}
	if d.deviceIndex == 0 && resp.DeviceIndex != hidpp.DeviceIndexReceiver {
		d.SetDeviceIndex(resp.DeviceIndex)
	}
	return int(resp.Params[0]), nil
}

// Setup implements fwdevice.DeviceOps.Setup: pings, rebuilds the feature
// map, enumerates firmware entities, reads model identifiers, detects
// DFU capability, and probes battery state (spec §4.6 "Setup").
func (d *Device) Setup(dev *fwdevice.Device) error {
	ctx := context.Background()

	if d.ble {
		if err := dev.Sleep(time.Second); err != nil {
			return err
		}
	}
	if d.deviceIndex == hidpp.DeviceIndexReceiver {
		// settle guard against racing the kernel's own enumeration
		if err := dev.Sleep(50 * time.Millisecond); err != nil {
			return err
		}
	}

	version, err := d.Ping(ctx)
	if err != nil {
		if kind, ok := fwerrors.KindOf(err); ok && kind == fwerrors.NotFound {
			dev.AddFlag(fwdevice.FlagUnreachable)
			return nil
		}
		return err
	}
	d.hidppVersion = version
	d.features.Reset()
	dev.RemoveFlag(fwdevice.FlagUnreachable)
	dev.SetMetadata("device_idx", fmt.Sprintf("%d", d.deviceIndex))

	if version < 2 {
		if err := d.detectLegacyBatteryRegister(ctx, dev); err != nil {
			log.WithError(err).Debug("hidpp 1.0 battery register read failed")
		}
		dev.SetPollInterval(30 * time.Second)
		return nil
	}
	d.features.Discover(ctx)

	if err := d.detectEntities(ctx, dev); err != nil {
		log.WithError(err).Debug("firmware entity enumeration failed")
	}
	if err := d.detectModelID(ctx, dev); err != nil {
		log.WithError(err).Debug("model id read failed")
	}
	if err := d.detectDFUCapabilities(ctx, dev); err != nil {
		log.WithError(err).Debug("dfu capability detection failed")
	}
	if err := d.detectBattery(ctx, dev); err != nil {
		log.WithError(err).Debug("battery detection failed")
	}

	dev.SetPollInterval(30 * time.Second)
	return nil
}

// Poll implements fwdevice.DeviceOps.Poll: a ping keeps the
// reachability state fresh between notifications.
func (d *Device) Poll(dev *fwdevice.Device) error {
	ctx := context.Background()
	if _, err := d.Ping(ctx); err != nil {
		if kind, ok := fwerrors.KindOf(err); ok && kind == fwerrors.NotFound {
			dev.AddFlag(fwdevice.FlagUnreachable)
			return nil
		}
		return err
	}
	dev.RemoveFlag(fwdevice.FlagUnreachable)
	return nil
}

func (d *Device) detectEntities(ctx context.Context, dev *fwdevice.Device) error {
	countResp, err := d.features.Call(ctx, hidpp.FeatureIFirmwareInfo, 0)
	if err != nil {
		return err
	}
	entityCount := countResp.Params[0]

	d.entities = d.entities[:0]
	activeApps := 0
	activeEntity := -1
	nonActiveApp := -1
	for i := uint8(0); i < entityCount; i++ {
		resp, err := d.features.Call(ctx, hidpp.FeatureIFirmwareInfo, 1, i)
		if err != nil {
			continue
		}
		p := resp.Params
		kind := EntityKind(p[0])
		name := string(p[1:4])
		version := hidpp.FormatVersion(name, p[4], p[5], uint16(p[6])<<8|uint16(p[7]))
		active := p[8]&0x01 != 0
		entity := Entity{Index: i, Kind: kind, Name: name, Version: version, Active: active}
		d.entities = append(d.entities, entity)

		switch kind {
		case EntityApplication:
			if active {
				activeApps++
				dev.SetVersion(version)
				activeEntity = int(i)
			} else if nonActiveApp < 0 {
				nonActiveApp = int(i)
			}
		case EntityBootloader:
			dev.SetVersionBootloader(version)
		case EntityHardware:
			dev.SetMetadata("version-hw", version)
		}
	}
	// the cached entity drives DFU targeting: the single active
	// application when there is exactly one, else the dormant slot
	// (spec §4.6 step 3)
	if activeApps == 1 {
		d.cachedEntity = activeEntity
	} else if nonActiveApp >= 0 {
		d.cachedEntity = nonActiveApp
	}
	return nil
}

func (d *Device) detectModelID(ctx context.Context, dev *fwdevice.Device) error {
	resp, err := d.features.Call(ctx, hidpp.FeatureIFirmwareInfo, 2)
	if err != nil {
		return err
	}
	modelID := fmt.Sprintf("%02X%02X%02X%02X%02X%02X",
		resp.Params[0], resp.Params[1], resp.Params[2],
		resp.Params[3], resp.Params[4], resp.Params[5])
	d.modelID = modelID
	d.modelPID = modelID[:4]
	dev.SetMetadata("model_id", d.modelID)
	dev.SetMetadata("model_pid", d.modelPID)
	return nil
}

func (d *Device) detectDFUCapabilities(ctx context.Context, dev *fwdevice.Device) error {
	hasDFUControl := false
	for _, id := range []hidpp.FeatureID{
		hidpp.FeatureDFUControl, hidpp.FeatureDFUControlBolt, hidpp.FeatureDFUControlSigned,
	} {
		if d.features.Has(ctx, id) {
			hasDFUControl = true
			if id == hidpp.FeatureDFUControlSigned {
				d.signedDFU = true
				dev.AddFlag(fwdevice.FlagSignedPayload)
			}
			break
		}
	}

	switch {
	case hasDFUControl:
		dev.AddFlag(fwdevice.FlagUpdatable)
		dev.RemoveFlag(fwdevice.FlagIsBootloader)
	case d.features.Has(ctx, hidpp.FeatureDFU):
		dev.AddFlag(fwdevice.FlagIsBootloader)
	}
	if d.features.Has(ctx, hidpp.FeatureRDFU) {
		d.rdfuSupported = true
		dev.SetMetadata("protocol", "com.logitech.rdfu")
	}
	return nil
}

// Detach implements fwdevice.DeviceOps.Detach: switches the peripheral
// into bootloader mode, unless RDFU makes detach unnecessary (spec
// §4.6 "Detach").
func (d *Device) Detach(dev *fwdevice.Device) error {
	if d.rdfuSupported {
		return nil
	}
	ctx := context.Background()

	if d.signedDFU {
		// signed DFU control reboots autonomously; re-read state once
		// the device has settled
		idx, err := d.features.Index(ctx, hidpp.FeatureDFUControlSigned)
		if err != nil {
			return err
		}
		req := hidpp.NewFeatureCall(d.deviceIndex, idx, 0x1, 0x00, 'D', 'F', 'U')
		if _, err := d.dispatcher.Exchange20(ctx, req, hidppTimeout); err != nil {
			return err
		}
		if err := dev.Sleep(200 * time.Millisecond); err != nil {
			return err
		}
		dev.Invalidate()
		return dev.Setup(ctx)
	}

	idx, err := d.featureForDFUControl(ctx)
	if err != nil {
		return err
	}
	req := hidpp.NewFeatureCall(d.deviceIndex, idx, 0x1, 0x01, 0x00, 'D', 'F', 'U')
	if _, err := d.dispatcher.Exchange20(ctx, req, hidppTimeout); err != nil {
		return err
	}
	if err := dev.EmitRequest(&fwdevice.Request{
		Kind:    fwdevice.RequestImmediate,
		ID:      fwdevice.RequestIDRemoveReplug,
		Message: "Unplug and replug the device to apply the firmware update",
	}); err != nil {
		return err
	}
	dev.AddFlag(fwdevice.FlagWaitForReplug)
	return nil
}

func (d *Device) featureForDFUControl(ctx context.Context) (uint8, error) {
	for _, id := range []hidpp.FeatureID{hidpp.FeatureDFUControl, hidpp.FeatureDFUControlBolt} {
		if idx, err := d.features.Index(ctx, id); err == nil {
			return idx, nil
		}
	}
	return 0, fwerrors.New(fwerrors.NotSupported, "no DFU control feature present")
}

// Attach implements fwdevice.DeviceOps.Attach: asks the bootloader to
// restart into runtime mode, tolerating read/write/not-found on the
// reply because the device resets before acknowledging (spec §4.6
// "Attach"). RDFU devices need no explicit attach.
func (d *Device) Attach(dev *fwdevice.Device) error {
	if d.rdfuSupported {
		return nil
	}
	ctx := context.Background()
	idx, err := d.features.Index(ctx, hidpp.FeatureDFU)
	if err != nil {
		return err
	}
	entity := uint8(0)
	if d.cachedEntity >= 0 {
		entity = uint8(d.cachedEntity)
	}
	req := hidpp.NewFeatureCall(d.deviceIndex, idx, 0x5, entity)
	req.Flags = hidpp.FlagIgnoreSWID | hidpp.FlagIgnoreFnctID
	if _, err := d.dispatcher.Exchange20(ctx, req, hidppTimeout); err != nil {
		kind, ok := fwerrors.KindOf(err)
		if !ok || (kind != fwerrors.Read && kind != fwerrors.Write && kind != fwerrors.NotFound) {
			return err
		}
	}

	if dev.HasPrivateFlag(fwdevice.PrivateFlagRebindAttach) {
		dev.StopPoll()
		dev.AddFlag(fwdevice.FlagWaitForReplug)
		return nil
	}
	return dev.RetryFull(ctx, "reprobe", 10, 500*time.Millisecond, 5*time.Second, func() error {
		dev.Invalidate()
		return dev.Setup(ctx)
	})
}

// String implements fwdevice.DeviceOps.String.
func (d *Device) String(dev *fwdevice.Device) string {
	return fmt.Sprintf("hidpp-peripheral(idx=%#x hidpp=%d)", d.deviceIndex, d.hidppVersion)
}

// Incorporate implements fwdevice.DeviceOps.Incorporate. The feature
// index cache and entity table are rediscovered on every Setup rather
// than copied, since a replug can change the device's firmware and
// stale indices would silently address the wrong feature.
func (d *Device) Incorporate(dev *fwdevice.Device, source *fwdevice.Device) {}

// DeviceIndex returns the pairing-slot or wired index this peripheral
// was opened with.
func (d *Device) DeviceIndex() uint8 { return d.deviceIndex }

// SetDeviceIndex reassigns the pairing slot, e.g. when the receiver
// re-pairs the peripheral into a different slot.
func (d *Device) SetDeviceIndex(idx uint8) {
	d.deviceIndex = idx
	d.features = hidpp.NewFeatureMap(d.dispatcher, idx)
}

// HIDPPVersion returns the protocol major version detected by Ping.
func (d *Device) HIDPPVersion() int { return d.hidppVersion }

// Entities returns the firmware slots enumerated at Setup.
func (d *Device) Entities() []Entity { return append([]Entity{}, d.entities...) }
