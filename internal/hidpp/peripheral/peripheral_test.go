package peripheral

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-fwupd/fwupd-core/internal/fwdevice"
	"github.com/go-fwupd/fwupd-core/internal/hidpp"
)

// scriptedTransport answers HID++ root-feature lookups from a
// FeatureID->index table and feature calls from a (index,function)
// keyed response table, modeling enough of a real peripheral's wire
// behavior to exercise Ping/Setup/battery/DFU without hardware.
type scriptedTransport struct {
	mu             sync.Mutex
	featureIndices map[hidpp.FeatureID]uint8
	responses      map[[2]uint8][]byte

	dfuIndex       uint8
	dfuCounter     uint32
	dfuCmds        []uint8
	pingReplyIndex uint8

	incoming chan []byte
	closed   chan struct{}
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		featureIndices: make(map[hidpp.FeatureID]uint8),
		responses:      make(map[[2]uint8][]byte),
		incoming:       make(chan []byte, 16),
		closed:         make(chan struct{}),
	}
}

func (s *scriptedTransport) Write(report []byte) error {
	msg, err := hidpp.Decode(report)
	if err != nil {
		return err
	}
	resp := make([]byte, len(report))
	copy(resp, report)

	if msg.FeatureIndex == 0x00 && msg.FunctionID() == 0x0 {
		featureID := hidpp.FeatureID(uint16(msg.Params[0])<<8 | uint16(msg.Params[1]))
		s.mu.Lock()
		idx := s.featureIndices[featureID]
		s.mu.Unlock()
		resp[4] = idx
		s.incoming <- resp
		return nil
	}
	if msg.FeatureIndex == 0x00 && msg.FunctionID() == 0x1 {
		s.mu.Lock()
		if s.pingReplyIndex != 0 {
			resp[1] = s.pingReplyIndex
		}
		s.mu.Unlock()
		resp[4] = 0x02 // ping reply: HID++2.0
		s.incoming <- resp
		return nil
	}

	s.mu.Lock()
	isDFU := s.dfuIndex != 0 && msg.FeatureIndex == s.dfuIndex
	s.mu.Unlock()
	if isDFU {
		s.mu.Lock()
		counter := s.dfuCounter
		s.dfuCounter++
		s.dfuCmds = append(s.dfuCmds, msg.FunctionID())
		s.mu.Unlock()
		resp[4] = byte(counter >> 24)
		resp[5] = byte(counter >> 16)
		resp[6] = byte(counter >> 8)
		resp[7] = byte(counter)
		resp[8] = byte(dfuStatusPacketOK)
		s.incoming <- resp
		return nil
	}

	key := [2]uint8{msg.FeatureIndex, msg.FunctionID()}
	s.mu.Lock()
	payload, ok := s.responses[key]
	s.mu.Unlock()
	if ok {
		copy(resp[4:], payload)
		s.incoming <- resp
	}
	return nil
}

func (s *scriptedTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.incoming:
		return b, nil
	case <-s.closed:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptedTransport) Close() error {
	close(s.closed)
	return nil
}

func TestPingReportsVersion(t *testing.T) {
	transport := newScriptedTransport()
	d := hidpp.NewDispatcher(transport, nil)
	defer d.Close()

	p := NewDevice(d, 0x02)
	version, err := p.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestPingAdoptsDeviceIndexFromReply(t *testing.T) {
	transport := newScriptedTransport()
	transport.pingReplyIndex = 0x02
	d := hidpp.NewDispatcher(transport, nil)
	defer d.Close()

	// an unset index goes out as the wired wildcard; the reply names
	// the real slot, which the device adopts
	p := NewDevice(d, 0x00)
	version, err := p.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, uint8(0x02), p.DeviceIndex())
}

func TestDetectUnifiedBatteryPercentage(t *testing.T) {
	transport := newScriptedTransport()
	transport.featureIndices[hidpp.FeatureUnifiedBattery] = 0x05
	transport.responses[[2]uint8{0x05, 0}] = []byte{0x00, 0x02} // capabilities: percentage bit
	transport.responses[[2]uint8{0x05, 1}] = []byte{73}         // status: 73%

	d := hidpp.NewDispatcher(transport, nil)
	defer d.Close()

	a := fwdevice.NewArena()
	p := NewDevice(d, 0x02)
	dev := a.New(p)

	require.NoError(t, p.detectUnifiedBattery(context.Background(), dev))
	assert.Equal(t, 73, dev.BatteryLevel())
	assert.False(t, dev.IsInhibited(), "73% is above the default 20%% threshold")
}

func TestDetectUnifiedBatteryCoarseLevel(t *testing.T) {
	transport := newScriptedTransport()
	transport.featureIndices[hidpp.FeatureUnifiedBattery] = 0x05
	transport.responses[[2]uint8{0x05, 0}] = []byte{0x00, 0x00} // no percentage bit
	transport.responses[[2]uint8{0x05, 1}] = []byte{0x00, 4}    // coarse "good" -> 55%

	d := hidpp.NewDispatcher(transport, nil)
	defer d.Close()

	a := fwdevice.NewArena()
	p := NewDevice(d, 0x02)
	dev := a.New(p)

	require.NoError(t, p.detectUnifiedBattery(context.Background(), dev))
	assert.Equal(t, 55, dev.BatteryLevel())
}

func TestDFUWriteSlidingWindow(t *testing.T) {
	transport := newScriptedTransport()
	transport.featureIndices[hidpp.FeatureDFU] = 0x03
	transport.dfuIndex = 0x03

	d := hidpp.NewDispatcher(transport, nil)
	defer d.Close()

	a := fwdevice.NewArena()
	p := NewDevice(d, 0x02)
	dev := a.New(p)

	// 64 bytes starting with the entity byte: exactly four 16-byte
	// packets with the command window 4,5,6,7 and counters 0..3
	firmware := make([]byte, 64)
	firmware[0] = 0x01
	progress := fwdevice.NewProgress()
	progress.SetSteps([]fwdevice.ProgressStep{{Name: "write", Weight: 100}})

	err := p.WriteFirmware(dev, firmware, progress)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), transport.dfuCounter)
	assert.Equal(t, []uint8{4, 5, 6, 7}, transport.dfuCmds)
	assert.Equal(t, 100, progress.Percentage())
}

func TestDFUWriteRejectsEmptyFirmware(t *testing.T) {
	transport := newScriptedTransport()
	d := hidpp.NewDispatcher(transport, nil)
	defer d.Close()

	a := fwdevice.NewArena()
	p := NewDevice(d, 0x02)
	dev := a.New(p)

	err := p.WriteFirmware(dev, nil, nil)
	require.Error(t, err)
}

func TestParseRDFUFirmware(t *testing.T) {
	doc := []byte(`{
	  "fileVersion": "1",
	  "contents": [
	    {"entity": "0", "magicStr": "0x0102030405060708090A", "payload": "app",
	     "modelId": "B02A00000000", "name": "MX", "revision": "1", "build": "0012"}
	  ],
	  "payloads": {
	    "app": {"blocks": [
	      {"data": "00112233445566778899AABBCCDDEEFF"},
	      {"data": "FFEEDDCCBBAA99887766554433221100"}
	    ]}
	  }
	}`)
	fw, err := ParseRDFUFirmware(doc)
	require.NoError(t, err)

	magic, blocks, err := fw.EntityImage(0)
	require.NoError(t, err)
	assert.Len(t, magic, 10)
	require.Len(t, blocks, 2)
	assert.Equal(t, byte(0x00), blocks[0][0])
	assert.Equal(t, byte(0xFF), blocks[1][0])

	_, _, err = fw.EntityImage(3)
	assert.Error(t, err)
}

func TestParseRDFUFirmwareRejectsBadDocuments(t *testing.T) {
	_, err := ParseRDFUFirmware([]byte(`{"fileVersion":"2","contents":[{"entity":"0","payload":"x"}],"payloads":{"x":{}}}`))
	assert.Error(t, err, "unsupported fileVersion")

	_, err = ParseRDFUFirmware([]byte(`{"fileVersion":"1","contents":[{"entity":"0","payload":"missing"}],"payloads":{}}`))
	assert.Error(t, err, "dangling payload reference")

	_, err = ParseRDFUFirmware([]byte(`not json`))
	assert.Error(t, err)
}

// rdfuScriptTransport drives the happy-path RDFU state machine: a
// getDfuStatus with no state, a start returning DATA_TRANSFER_READY,
// packet ACKs counting up, and TRANSFER_COMPLETE once the single block
// has been streamed.
type rdfuScriptTransport struct {
	mu        sync.Mutex
	pktsSeen  int
	applied   bool
	blockPkts int

	incoming chan []byte
	closed   chan struct{}
}

func (s *rdfuScriptTransport) Write(report []byte) error {
	msg, err := hidpp.Decode(report)
	if err != nil {
		return err
	}
	resp := make([]byte, len(report))
	copy(resp, report)

	// root feature lookup: RDFU lives at index 0x08
	if msg.FeatureIndex == 0x00 && msg.FunctionID() == 0x0 {
		resp[4] = 0x08
		s.incoming <- resp
		return nil
	}
	if msg.FeatureIndex != 0x08 {
		return nil
	}
	switch msg.FunctionID() {
	case rdfuFnGetStatus:
		resp[4] = byte(rdfuNotStartedCode)
		s.incoming <- resp
	case rdfuFnStartDfu:
		resp[4] = byte(rdfuDataTransferReady)
		resp[5], resp[6] = 0x00, 0x00 // block 0
		s.incoming <- resp
	case rdfuFnTransfer:
		s.mu.Lock()
		s.pktsSeen++
		n := s.pktsSeen
		done := n >= s.blockPkts
		s.mu.Unlock()
		if done {
			resp[4] = byte(rdfuTransferComplete)
		} else {
			resp[4] = byte(rdfuTransferPktAck)
			resp[5], resp[6], resp[7] = 0, 0, 0
			resp[8] = byte(n)
		}
		s.incoming <- resp
	case rdfuFnApply:
		s.mu.Lock()
		s.applied = true
		s.mu.Unlock()
		// fire-and-forget: no reply
	}
	return nil
}

func (s *rdfuScriptTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.incoming:
		return b, nil
	case <-s.closed:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *rdfuScriptTransport) Close() error {
	close(s.closed)
	return nil
}

func TestRDFUWriteStreamsBlocksAndApplies(t *testing.T) {
	transport := &rdfuScriptTransport{
		blockPkts: 2,
		incoming:  make(chan []byte, 16),
		closed:    make(chan struct{}),
	}
	d := hidpp.NewDispatcher(transport, nil)
	defer d.Close()

	a := fwdevice.NewArena()
	p := NewDevice(d, 0x02)
	p.rdfuSupported = true
	dev := a.New(p)

	doc := []byte(`{
	  "fileVersion": "1",
	  "contents": [{"entity": "0", "magicStr": "0x00000000000000000000", "payload": "app"}],
	  "payloads": {"app": {"blocks": [
	    {"data": "00112233445566778899AABBCCDDEEFF00112233445566778899AABBCCDDEEFF"}
	  ]}}
	}`)

	err := p.writeRDFU(dev, doc, nil)
	require.NoError(t, err)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 2, transport.pktsSeen, "32-byte block streams as two 16-byte packets")
	assert.True(t, transport.applied, "applyDfu fired without expecting a reply")
}
