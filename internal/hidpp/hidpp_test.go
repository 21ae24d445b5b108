package hidpp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	m := NewLong(0x01, 0x02, 0x10, 0xAA, 0xBB)
	encoded := m.Encode()
	require.Len(t, encoded, 20)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, m.ReportID, decoded.ReportID)
	assert.Equal(t, m.DeviceIndex, decoded.DeviceIndex)
	assert.Equal(t, m.FeatureIndex, decoded.FeatureIndex)
	assert.Equal(t, m.Function, decoded.Function)
	assert.Equal(t, byte(0xAA), decoded.Params[0])
	assert.Equal(t, byte(0xBB), decoded.Params[1])
}

func TestPayloadLengths(t *testing.T) {
	assert.Equal(t, 7, ReportIDShort.PayloadLength())
	assert.Equal(t, 20, ReportIDLong.PayloadLength())
	assert.Equal(t, 47, ReportIDVeryLong.PayloadLength())
	assert.Equal(t, 8, ReportIDNotification.PayloadLength())
	assert.Equal(t, 0, ReportID(0x55).PayloadLength())
}

func TestFunctionSoftwareIDPacking(t *testing.T) {
	m := &Message{}
	m.SetFunction(0x3, 0x5)
	assert.Equal(t, uint8(0x3), m.FunctionID())
	assert.Equal(t, uint8(0x5), m.SoftwareID())
}

func TestIsReplyMatching(t *testing.T) {
	req := NewShort(0x02, 0x00, 0x17)
	rsp := NewShort(0x02, 0x00, 0x17)
	assert.True(t, IsReply(req, rsp))

	// wired-receiver index matches either side
	rsp.DeviceIndex = DeviceIndexReceiver
	assert.True(t, IsReply(req, rsp))
	rsp.DeviceIndex = 0x03
	assert.False(t, IsReply(req, rsp))

	rsp.DeviceIndex = 0x02
	rsp.FeatureIndex = 0x05
	assert.False(t, IsReply(req, rsp))
	req.Flags = FlagIgnoreSubID
	assert.True(t, IsReply(req, rsp))

	// the flags are independent: waiving the sub-id check does not
	// waive the function-id one
	rsp.Function = 0x27
	assert.False(t, IsReply(req, rsp))
	rsp.Function = 0x17

	req.Flags = 0
	rsp.FeatureIndex = 0x00
	rsp.Function = 0x27
	assert.False(t, IsReply(req, rsp))
	req.Flags = FlagIgnoreFnctID
	assert.True(t, IsReply(req, rsp))

	// and the converse: waiving the function-id check leaves the
	// sub-id comparison in force
	rsp.FeatureIndex = 0x05
	assert.False(t, IsReply(req, rsp))
}

func TestIsReplyMatchesErrorFrames(t *testing.T) {
	req := NewShort(0x02, 0x05, 0x10)
	errFrame := NewShort(0x02, SubIDError10, 0x05, 0x10, byte(ErrBusy))
	assert.True(t, IsReply(req, errFrame))

	wrongSub := NewShort(0x02, SubIDError10, 0x07, 0x10, byte(ErrBusy))
	assert.False(t, IsReply(req, wrongSub))
}

func TestDecodeErrorTaxonomy(t *testing.T) {
	cases := []struct {
		code ErrorCode
		kind fwerrors.Kind
	}{
		{ErrInvalidSubID, fwerrors.NotSupported},
		{ErrRequestUnavail, fwerrors.NotSupported},
		{ErrInvalidAddress, fwerrors.InvalidData},
		{ErrBusy, fwerrors.Busy},
		{ErrUnknownDevice, fwerrors.NotFound},
		{ErrWrongPinCode, fwerrors.AuthFailed},
		{ErrConnectFail, fwerrors.Internal},
	}
	for _, tc := range cases {
		frame := NewShort(0x01, SubIDError10, 0x00, 0x00, byte(tc.code))
		err := frame.DecodeError()
		require.Error(t, err, "code %s", tc.code)
		kind, ok := fwerrors.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, tc.kind, kind, "code %s", tc.code)
	}
}

func TestDecodeError20(t *testing.T) {
	frame := NewLong(0x01, SubIDError20, 0x05, 0x12, byte(Err2Busy))
	err := frame.DecodeError()
	require.Error(t, err)
	kind, ok := fwerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, fwerrors.Busy, kind)
}

func TestHidpp10CompatFilter(t *testing.T) {
	for _, sub := range []uint8{0x40, 0x41, 0x49, 0x4B, 0x8F} {
		m := NewShort(0x01, sub, 0x00)
		assert.True(t, m.IsHidpp10Compat(), "sub %02x", sub)
	}
	m := NewShort(0x01, 0x05, 0x00)
	assert.False(t, m.IsHidpp10Compat())
}

// loopbackTransport is an in-memory Transport: writes to it are echoed
// back through a canned responder, modeling a fake HID++ device for
// Dispatcher/FeatureMap tests without any real hardware.
type loopbackTransport struct {
	incoming chan []byte
	respond  func(req []byte) []byte
	closed   chan struct{}
}

func newLoopbackTransport(respond func(req []byte) []byte) *loopbackTransport {
	return &loopbackTransport{
		incoming: make(chan []byte, 8),
		respond:  respond,
		closed:   make(chan struct{}),
	}
}

func (l *loopbackTransport) Write(report []byte) error {
	if resp := l.respond(report); resp != nil {
		l.incoming <- resp
	}
	return nil
}

func (l *loopbackTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-l.incoming:
		return b, nil
	case <-l.closed:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *loopbackTransport) Close() error {
	close(l.closed)
	return nil
}

func TestDispatcherExchange(t *testing.T) {
	transport := newLoopbackTransport(func(req []byte) []byte {
		resp := make([]byte, len(req))
		copy(resp, req)
		resp[4] = 0x42 // first param byte of the response
		return resp
	})
	d := NewDispatcher(transport, nil)
	defer d.Close()

	req := NewLong(0x01, 0x00, 0x00)
	resp, err := d.Exchange20(context.Background(), req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), resp.Params[0])
	assert.Equal(t, uint8(SoftwareID), req.SoftwareID(), "software ID OR-ed into the request")
}

func TestDispatcherDecodesErrorReplies(t *testing.T) {
	transport := newLoopbackTransport(func(req []byte) []byte {
		m, err := Decode(req)
		if err != nil {
			return nil
		}
		errFrame := NewShort(m.DeviceIndex, SubIDError10, m.FeatureIndex, m.Function, byte(ErrBusy))
		return errFrame.Encode()
	})
	d := NewDispatcher(transport, nil)
	defer d.Close()

	req := NewShort(0x01, 0x05, 0x00)
	_, err := d.Exchange(context.Background(), req, time.Second)
	require.Error(t, err)
	kind, ok := fwerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, fwerrors.Busy, kind)
}

func TestDispatcherExchangeTimesOut(t *testing.T) {
	transport := newLoopbackTransport(func(req []byte) []byte { return nil })
	d := NewDispatcher(transport, nil)
	defer d.Close()

	req := NewLong(0x01, 0x00, 0x00)
	_, err := d.Exchange(context.Background(), req, 20*time.Millisecond)
	assert.Error(t, err)
}

func TestDispatcherGivesUpAfterIgnoredReplies(t *testing.T) {
	transport := newLoopbackTransport(func(req []byte) []byte { return nil })
	d := NewDispatcher(transport, nil)
	defer d.Close()

	req := NewLong(0x01, 0x04, 0x00)
	done := make(chan error, 1)
	go func() {
		_, err := d.Exchange(context.Background(), req, 5*time.Second)
		done <- err
	}()

	// flood with unrelated frames; after 10 the exchange fails rather
	// than waiting out its timeout
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 12; i++ {
		transport.incoming <- NewLong(0x09, 0x09, 0x00).Encode()
	}

	select {
	case err := <-done:
		require.Error(t, err)
		kind, ok := fwerrors.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, fwerrors.TimedOut, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("exchange did not give up on ignored replies")
	}
}

func TestDispatcherFiltersHidpp10RepliesFor20Exchanges(t *testing.T) {
	transport := newLoopbackTransport(func(req []byte) []byte { return nil })
	var notified []*Message
	notifyCh := make(chan struct{}, 8)
	d := NewDispatcher(transport, func(m *Message) {
		notified = append(notified, m)
		notifyCh <- struct{}{}
	})
	defer d.Close()

	req := NewLong(0x01, 0x40, 0x00)
	done := make(chan struct{})
	go func() {
		d.Exchange20(context.Background(), req, 200*time.Millisecond)
		close(done)
	}()

	// a DEVICE_CONNECTION notification shares the sub-ID byte 0x40 but
	// must never satisfy a 2.0 exchange
	time.Sleep(20 * time.Millisecond)
	transport.incoming <- NewShort(0x01, 0x40, 0x00).Encode()

	select {
	case <-notifyCh:
	case <-time.After(time.Second):
		t.Fatal("notification was not routed to notify")
	}
	<-done
	require.Len(t, notified, 1)
}

func TestDispatcherDeliversUnsolicitedToNotify(t *testing.T) {
	var notified *Message
	notifyCh := make(chan struct{})
	transport := newLoopbackTransport(func(req []byte) []byte { return nil })
	d := NewDispatcher(transport, func(m *Message) {
		notified = m
		close(notifyCh)
	})
	defer d.Close()

	unsolicited := NewLong(0x01, 0x03, 0x00, 0x55)
	transport.incoming <- unsolicited.Encode()

	select {
	case <-notifyCh:
	case <-time.After(time.Second):
		t.Fatal("notify callback never fired")
	}
	require.NotNil(t, notified)
	assert.Equal(t, byte(0x55), notified.Params[0])
}

func TestFeatureMapIndexAndCache(t *testing.T) {
	calls := 0
	transport := newLoopbackTransport(func(req []byte) []byte {
		calls++
		resp := make([]byte, len(req))
		copy(resp, req)
		resp[4] = 0x07 // feature index
		return resp
	})
	d := NewDispatcher(transport, nil)
	defer d.Close()

	fm := NewFeatureMap(d, 0x01)
	idx, err := fm.Index(context.Background(), FeatureBatteryLevel)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x07), idx)

	idx2, err := fm.Index(context.Background(), FeatureBatteryLevel)
	require.NoError(t, err)
	assert.Equal(t, idx, idx2)
	assert.Equal(t, 1, calls, "second Index call should hit the cache")
}

func TestFeatureMapAbsentFeature(t *testing.T) {
	transport := newLoopbackTransport(func(req []byte) []byte {
		resp := make([]byte, len(req))
		copy(resp, req)
		resp[4] = 0x00 // not present
		return resp
	})
	d := NewDispatcher(transport, nil)
	defer d.Close()

	fm := NewFeatureMap(d, 0x01)
	_, err := fm.Index(context.Background(), FeatureDFU)
	require.Error(t, err)
	kind, ok := fwerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, fwerrors.NotSupported, kind)
	assert.False(t, fm.Has(context.Background(), FeatureDFU))
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "RQR24.01_B0036", FormatVersion("RQR", 0x24, 0x01, 0x0036))
	assert.Equal(t, "BOT03.02_B0015", FormatVersion("BOT", 0x03, 0x02, 0x0015))
}

func TestSignedBootloaderVersion(t *testing.T) {
	assert.True(t, SignedBootloaderVersion(0x01, 0x04))
	assert.True(t, SignedBootloaderVersion(0x03, 0x02))
	assert.False(t, SignedBootloaderVersion(0x01, 0x03))
	assert.False(t, SignedBootloaderVersion(0x02, 0x09))
}
