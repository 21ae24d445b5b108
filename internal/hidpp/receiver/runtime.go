// Package receiver implements the HID++ receiver runtime (component
// C8): a Unifying or Bolt USB dongle that multiplexes several paired
// peripherals over one chardev and hot-plugs C6 children as they pair,
// unpair, or change reachability.
package receiver

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/go-fwupd/fwupd-core/internal/fwdevice"
	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
	"github.com/go-fwupd/fwupd-core/internal/hidpp"
	"github.com/go-fwupd/fwupd-core/internal/hidpp/peripheral"
)

var log = logrus.WithField("subsystem", "hidpp-receiver")

// SetLogger merges extra fields into the package logger.
func SetLogger(logger *logrus.Entry) {
	log = log.WithFields(logger.Data)
}

// Kind names which receiver dialect Device speaks: Unifying's 10-byte
// firmware-information register, or Bolt's RECEIVER_FW_INFORMATION and
// per-slot PAIRING_INFORMATION table (spec §4.8).
type Kind int

const (
	KindUnifying Kind = iota
	KindBolt
)

// HID++1.0 register-access sub-IDs shared by both dialects.
const (
	subIDSetRegister     uint8 = 0x80
	subIDGetRegister     uint8 = 0x81
	subIDSetLongRegister uint8 = 0x82
	subIDGetLongRegister uint8 = 0x83
)

// Notification sub-IDs carried by unsolicited short reports (spec §4.4
// "Notifications", §4.8 "Notification loop").
const (
	notifDeviceConnection    uint8 = 0x40
	notifDeviceDisconnection uint8 = 0x41
	notifLinkQuality         uint8 = 0x49
	notifDeviceLocking       uint8 = 0x4B
	notifErrorMsg            uint8 = 0x8F
)

// unreachableBit in a connection notification's first parameter byte:
// set means the peripheral is out of range or asleep (spec §4.8:
// "flags bit 0x40=0 means reachable").
const unreachableBit uint8 = 0x40

const (
	maxPairingSlots = 6
	batchInterval   = time.Second
	maxBatchDrain   = 50
)

// Device is the DeviceOps implementation for the receiver itself. It
// owns the shared dispatcher every paired peripheral's hidpp.FeatureMap
// and hidpp.Dispatcher calls route through.
type Device struct {
	fwdevice.BaseOps

	arena      *fwdevice.Arena
	transport  hidpp.Transport
	dispatcher *hidpp.Dispatcher
	kind       Kind

	mu       sync.Mutex
	children map[uint8]fwdevice.Handle
	self     fwdevice.Handle

	notifications chan *hidpp.Message
	stopBatcher   chan struct{}

	runtimeVersion   string
	bootloaderVer    string
	pairingSlotCount int
}

// NewDevice wires a receiver Device to an already-open transport.
func NewDevice(arena *fwdevice.Arena, transport hidpp.Transport, kind Kind) *Device {
	d := &Device{
		arena:         arena,
		transport:     transport,
		kind:          kind,
		children:      make(map[uint8]fwdevice.Handle),
		notifications: make(chan *hidpp.Message, 128),
		stopBatcher:   make(chan struct{}),
	}
	d.dispatcher = hidpp.NewDispatcher(transport, d.onNotification)
	return d
}

// Dispatcher exposes the shared request/response multiplexer so the
// plugin shell can hand it to transient bootloader devices.
func (d *Device) Dispatcher() *hidpp.Dispatcher { return d.dispatcher }

// Setup implements fwdevice.DeviceOps.Setup: reads receiver firmware
// identity, starts the notification batcher, and enumerates pairing
// slots (spec §4.8).
func (d *Device) Setup(dev *fwdevice.Device) error {
	d.mu.Lock()
	d.self = dev.Handle()
	d.mu.Unlock()

	ctx := context.Background()
	var err error
	switch d.kind {
	case KindUnifying:
		err = d.setupUnifying(ctx, dev)
	case KindBolt:
		err = d.setupBolt(ctx, dev)
	default:
		err = fwerrors.New(fwerrors.NotSupported, "unknown receiver dialect")
	}
	if err != nil {
		return err
	}

	go d.batchNotifications()
	return nil
}

// Detach implements fwdevice.DeviceOps.Detach: asks the receiver to
// reboot into its bootloader. Write and not-found errors are tolerated
// because the receiver resets before acknowledging, and the user is
// asked to replug it (spec §4.8 "Detach").
func (d *Device) Detach(dev *fwdevice.Device) error {
	var req *hidpp.Message
	switch d.kind {
	case KindBolt:
		req = hidpp.NewLong(hidpp.DeviceIndexReceiver, subIDSetLongRegister, boltRegisterDFUControl,
			0x01, 0x00, 0x00, 0x00, 'P', 'R', 'E')
	default:
		req = hidpp.NewShort(hidpp.DeviceIndexReceiver, subIDSetRegister, unifyingRegisterDFUMode,
			'I', 'C', 'P')
	}
	if err := d.dispatcher.Write(req.Encode()); err != nil {
		if kind, ok := fwerrors.KindOf(err); !ok ||
			(kind != fwerrors.Write && kind != fwerrors.Read && kind != fwerrors.NotFound) {
			return fwerrors.Wrap(fwerrors.Write, err, "failed to detach to bootloader")
		}
		log.WithError(err).Debug("tolerating detach error, device is resetting")
	}
	if err := dev.EmitRequest(&fwdevice.Request{
		Kind:    fwdevice.RequestImmediate,
		ID:      fwdevice.RequestIDRemoveReplug,
		Message: "Unplug and replug the receiver to apply the firmware update",
	}); err != nil {
		return err
	}
	dev.AddFlag(fwdevice.FlagWaitForReplug)
	return nil
}

// Close implements fwdevice.DeviceOps.Close: stops the notification
// batcher and closes the dispatcher's transport.
func (d *Device) Close(dev *fwdevice.Device) error {
	close(d.stopBatcher)
	return d.dispatcher.Close()
}

// String implements fwdevice.DeviceOps.String.
func (d *Device) String(dev *fwdevice.Device) string {
	if d.kind == KindBolt {
		return "hidpp-receiver(bolt)"
	}
	return "hidpp-receiver(unifying)"
}

func (d *Device) onNotification(msg *hidpp.Message) {
	select {
	case d.notifications <- msg:
	default:
		log.Warn("notification channel full, dropping report")
	}
}

// batchNotifications drains up to 50 queued notifications once a
// second, keeping only the most recent connection/disconnection/
// locking-changed report per device index within the batch before
// dispatching, so a rapid disconnect/reconnect bounce on the same slot
// resolves to whichever happened last regardless of which of the three
// notification types carried it (spec §4.8 "Notification loop",
// scenario 5: a DISCONNECTION followed by a later CONNECTION for the
// same slot leaves the slot reachable — only the CONNECTION is
// processed).
func (d *Device) batchNotifications() {
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopBatcher:
			return
		case <-ticker.C:
			latest := make(map[uint8]*hidpp.Message)
			order := make([]uint8, 0, 8)

		drain:
			for i := 0; i < maxBatchDrain; i++ {
				select {
				case msg := <-d.notifications:
					if msg.ReportID != hidpp.ReportIDShort {
						continue
					}
					switch msg.SubID() {
					case notifLinkQuality, notifErrorMsg:
						continue
					case notifDeviceConnection, notifDeviceDisconnection, notifDeviceLocking:
						k := msg.DeviceIndex
						if _, seen := latest[k]; !seen {
							order = append(order, k)
						}
						latest[k] = msg
					}
				default:
					break drain
				}
			}
			var batchErr *multierror.Error
			for _, k := range order {
				if err := d.updatePairedDevice(latest[k]); err != nil {
					batchErr = multierror.Append(batchErr, err)
				}
			}
			if batchErr != nil {
				log.WithError(batchErr.ErrorOrNil()).Debug("paired device updates reported errors this batch")
			}
		}
	}
}

// updatePairedDevice routes a collapsed connection/disconnection/
// locking-changed notification to child creation, invalidation, or
// reachability update (spec §4.8 "update_paired_device"). Re-probe and
// re-setup run synchronously within the batch tick so their errors can
// be folded into the batch's aggregated error via go-multierror rather
// than silently dropped in a detached goroutine.
func (d *Device) updatePairedDevice(msg *hidpp.Message) error {
	deviceIndex := msg.DeviceIndex
	reachable := msg.Params[0]&unreachableBit == 0

	d.mu.Lock()
	childHandle, exists := d.children[deviceIndex]
	d.mu.Unlock()

	if exists {
		child, ok := d.arena.Get(childHandle)
		if !ok {
			d.mu.Lock()
			delete(d.children, deviceIndex)
			d.mu.Unlock()
			exists = false
		} else {
			if reachable {
				child.RemoveFlag(fwdevice.FlagUnreachable)
				ctx := context.Background()
				var result *multierror.Error
				child.Invalidate()
				if err := child.Probe(ctx); err != nil {
					result = multierror.Append(result, fwerrors.Wrapf(fwerrors.Internal, err, "re-probing device index %d", deviceIndex))
				}
				if err := child.Setup(ctx); err != nil {
					result = multierror.Append(result, fwerrors.Wrapf(fwerrors.Internal, err, "re-setting up device index %d", deviceIndex))
				}
				return result.ErrorOrNil()
			}
			child.AddFlag(fwdevice.FlagUnreachable)
			return nil
		}
	}

	if !exists && reachable {
		return d.createChild(deviceIndex)
	}
	return nil
}

// createChild instantiates a peripheral for a newly reachable pairing
// slot, parents it under the receiver, and runs its probe/setup before
// it becomes visible to observers (spec §5: "a child is only emitted
// to observers after its setup() completes").
func (d *Device) createChild(deviceIndex uint8) error {
	p := peripheral.NewDevice(d.dispatcher, deviceIndex)
	child := d.arena.New(p)

	d.mu.Lock()
	selfHandle := d.self
	d.children[deviceIndex] = child.Handle()
	d.mu.Unlock()

	ctx := context.Background()
	if err := child.Probe(ctx); err != nil {
		return fwerrors.Wrapf(fwerrors.Internal, err, "probing paired device index %d", deviceIndex)
	}
	if err := child.Setup(ctx); err != nil {
		return fwerrors.Wrapf(fwerrors.Internal, err, "setting up paired device index %d", deviceIndex)
	}
	child.SetProxy(selfHandle, false)
	child.SetParent(selfHandle)
	return nil
}

// Child resolves the peripheral currently bound to a pairing slot.
func (d *Device) Child(deviceIndex uint8) (*fwdevice.Device, bool) {
	d.mu.Lock()
	h, ok := d.children[deviceIndex]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	return d.arena.Get(h)
}

// RuntimeVersion returns the receiver's main firmware version string.
func (d *Device) RuntimeVersion() string { return d.runtimeVersion }

// BootloaderVersion returns the receiver's bootloader version string.
func (d *Device) BootloaderVersion() string { return d.bootloaderVer }

// PairingSlotCount returns how many pairing slots the receiver
// advertises.
func (d *Device) PairingSlotCount() int { return d.pairingSlotCount }
