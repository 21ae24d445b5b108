package receiver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-fwupd/fwupd-core/internal/fwdevice"
	"github.com/go-fwupd/fwupd-core/internal/hidpp"
)

// boltTransport answers RECEIVER_FW_INFORMATION and PAIRING_INFORMATION
// long-register reads from fixed tables, answers peripheral pings so
// hot-plugged children can complete Setup, and lets a test push
// unsolicited connection notifications into the dispatcher's stream.
type boltTransport struct {
	mu       sync.Mutex
	fwInfo   map[uint8][]byte // keyed by entry index
	pairing  map[uint8][]byte // keyed by 0x50|slot / 0x60|slot selector
	incoming chan []byte
	closed   chan struct{}
}

func newBoltTransport() *boltTransport {
	return &boltTransport{
		fwInfo:   make(map[uint8][]byte),
		pairing:  make(map[uint8][]byte),
		incoming: make(chan []byte, 32),
		closed:   make(chan struct{}),
	}
}

func (b *boltTransport) Write(report []byte) error {
	msg, err := hidpp.Decode(report)
	if err != nil {
		return err
	}
	resp := make([]byte, len(report))
	copy(resp, report)

	// peripheral ping: root feature, function 1
	if msg.FeatureIndex == 0x00 && msg.FunctionID() == 0x1 {
		resp[4] = 0x02
		b.incoming <- resp
		return nil
	}
	// root feature lookup: nothing else is present, keeping child setup
	// cheap
	if msg.FeatureIndex == 0x00 && msg.FunctionID() == 0x0 {
		resp[4] = 0x00
		b.incoming <- resp
		return nil
	}

	if msg.FeatureIndex == subIDGetLongRegister {
		selector := msg.Params[0]
		var payload []byte
		b.mu.Lock()
		switch msg.Function {
		case boltRegisterReceiverFWInfo:
			payload = b.fwInfo[selector]
		case boltRegisterPairingInfo:
			payload = b.pairing[selector]
		}
		b.mu.Unlock()
		// reply keeps the selector echo at data[0], payload follows
		copy(resp[5:], payload)
		b.incoming <- resp
	}
	return nil
}

func (b *boltTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case r := <-b.incoming:
		return r, nil
	case <-b.closed:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *boltTransport) Close() error {
	close(b.closed)
	return nil
}

func (b *boltTransport) pushNotification(deviceIndex, subID, flagByte uint8) {
	report := []byte{byte(hidpp.ReportIDShort), deviceIndex, subID, 0x00, flagByte, 0, 0}
	b.incoming <- report
}

func TestBoltSetupEnumeratesReachableSlot(t *testing.T) {
	transport := newBoltTransport()
	transport.fwInfo[0] = []byte{0x01, 0x02, 0x00, 0x03} // MPR01.02_B0003
	transport.fwInfo[1] = []byte{0x03, 0x02, 0x00, 0x01} // BOT03.02_B0001
	transport.fwInfo[2] = []byte{0x01}                   // one pairing slot

	transport.pairing[boltPairingFlagsBase|1] = []byte{0x00, 0x04, 0x06} // reachable, pid 0x0406
	transport.pairing[boltPairingNameBase|1] = []byte{0x00, 5, 'M', 'o', 'u', 's', 'e'}

	arena := fwdevice.NewArena()
	d := NewDevice(arena, transport, KindBolt)
	dev := arena.New(d)

	require.NoError(t, dev.Setup(context.Background()))

	assert.Equal(t, 1, d.PairingSlotCount())
	children := dev.Children()
	require.Len(t, children, 1)
	assert.Equal(t, "Mouse", children[0].Name())
	assert.Equal(t, uint16(0x0406), children[0].PID())
	assert.True(t, dev.HasFlag(fwdevice.FlagUpdatable))
	assert.Equal(t, "BOT03.02_B0001", d.BootloaderVersion())
	assert.True(t, dev.HasFlag(fwdevice.FlagSignedPayload), "BOT03.02 requires signed payloads")
}

func TestBoltSkipsUnreachableSlot(t *testing.T) {
	transport := newBoltTransport()
	transport.fwInfo[0] = []byte{0x01, 0x00, 0x00, 0x00}
	transport.fwInfo[1] = []byte{0x02, 0x00, 0x00, 0x00}
	transport.fwInfo[2] = []byte{0x01}
	transport.pairing[boltPairingFlagsBase|1] = []byte{unreachableBit, 0, 0}

	arena := fwdevice.NewArena()
	d := NewDevice(arena, transport, KindBolt)
	dev := arena.New(d)

	require.NoError(t, dev.Setup(context.Background()))
	assert.Empty(t, dev.Children())
}

func TestBatchCollapsesDuplicateNotifications(t *testing.T) {
	transport := newBoltTransport()
	transport.fwInfo[0] = []byte{0x01, 0x00, 0x00, 0x00}
	transport.fwInfo[1] = []byte{0x02, 0x00, 0x00, 0x00}
	transport.fwInfo[2] = []byte{0x00}

	arena := fwdevice.NewArena()
	d := NewDevice(arena, transport, KindBolt)
	dev := arena.New(d)
	require.NoError(t, dev.Setup(context.Background()))

	// Disconnection followed by a later connection for the same slot;
	// only the connection should be acted on (spec §8 scenario 5).
	transport.pushNotification(2, notifDeviceDisconnection, unreachableBit)
	transport.pushNotification(2, notifDeviceConnection, 0x00)

	require.Eventually(t, func() bool {
		child, ok := d.Child(2)
		return ok && !child.HasFlag(fwdevice.FlagUnreachable)
	}, 3*time.Second, 50*time.Millisecond)
}

// unifyingTransport answers the short-register firmware-information
// window reads, failing window 0x03 with INVALID_VALUE the way 12.01
// firmware does.
type unifyingTransport struct {
	incoming    chan []byte
	closed      chan struct{}
	windowReads []uint8
	mu          sync.Mutex
}

func newUnifyingTransport() *unifyingTransport {
	return &unifyingTransport{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (u *unifyingTransport) Write(report []byte) error {
	msg, err := hidpp.Decode(report)
	if err != nil {
		return err
	}
	if msg.FeatureIndex != subIDGetRegister || msg.Function != unifyingRegisterFirmwareInfo {
		return nil
	}
	window := msg.Params[0]
	u.mu.Lock()
	u.windowReads = append(u.windowReads, window)
	u.mu.Unlock()

	if window == 0x03 {
		errFrame := hidpp.NewShort(msg.DeviceIndex, hidpp.SubIDError10,
			msg.FeatureIndex, msg.Function, byte(hidpp.ErrInvalidValue))
		u.incoming <- errFrame.Encode()
		return nil
	}

	resp := make([]byte, len(report))
	copy(resp, report)
	// window echo at data[0], two register bytes follow
	switch window {
	case 0x01:
		resp[5], resp[6] = 0x24, 0x01 // RQR24.01
	case 0x02:
		resp[5], resp[6] = 0x00, 0x36 // build 0x0036
	case 0x04:
		resp[5], resp[6] = 0x00, 0x15 // BL build 0x0015
	}
	u.incoming <- resp
	return nil
}

func (u *unifyingTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case r := <-u.incoming:
		return r, nil
	case <-u.closed:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *unifyingTransport) Close() error {
	close(u.closed)
	return nil
}

func TestUnifyingSetupToleratesWindow3Failure(t *testing.T) {
	transport := newUnifyingTransport()
	arena := fwdevice.NewArena()
	d := NewDevice(arena, transport, KindUnifying)
	dev := arena.New(d)

	require.NoError(t, dev.Setup(context.Background()))

	transport.mu.Lock()
	assert.Contains(t, transport.windowReads, uint8(0x03), "window 0x03 is attempted, not skipped")
	transport.mu.Unlock()

	assert.Equal(t, "RQR24.01_B0036", d.RuntimeVersion())
	assert.True(t, dev.HasFlag(fwdevice.FlagUpdatable))
}
