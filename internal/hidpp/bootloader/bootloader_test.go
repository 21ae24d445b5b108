package bootloader

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-fwupd/fwupd-core/internal/fwdevice"
	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
)

func buildHexLine(addr uint16, rtype byte, data []byte) string {
	count := byte(len(data))
	sum := count
	sum += byte(addr >> 8)
	sum += byte(addr)
	sum += rtype
	for _, b := range data {
		sum += b
	}
	checksum := byte(0) - sum

	var sb strings.Builder
	sb.WriteByte(':')
	sb.WriteString(hexByte(count))
	sb.WriteString(hexByte(byte(addr >> 8)))
	sb.WriteString(hexByte(byte(addr)))
	sb.WriteString(hexByte(rtype))
	for _, b := range data {
		sb.WriteString(hexByte(b))
	}
	sb.WriteString(hexByte(checksum))
	return sb.String()
}

func hexByte(b byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[b>>4], digits[b&0x0F]})
}

func TestParseIntelHexFiltersOutOfRangeAddresses(t *testing.T) {
	lines := []string{
		buildHexLine(0x0000, 0x00, []byte{1, 2, 3, 4}), // below flashLo, skipped
		buildHexLine(0x0100, 0x00, []byte{5, 6, 7, 8}), // in range
		buildHexLine(0x00C0, 0x00, []byte{9, 9}),       // decreasing, skipped
		buildHexLine(0x9000, 0x00, []byte{0xAA}),       // above flashHi, skipped
		":00000001FF",
	}
	src := []byte(strings.Join(lines, "\n") + "\n")

	records, err := ParseIntelHex(src, 0x0080, 0x8000)
	require.NoError(t, err)

	var dataRecords []Record
	for _, r := range records {
		if r.Kind == RecordData {
			dataRecords = append(dataRecords, r)
		}
	}
	require.Len(t, dataRecords, 1)
	assert.Equal(t, uint32(0x0100), dataRecords[0].Addr)
	assert.Equal(t, []byte{5, 6, 7, 8}, dataRecords[0].Data)
}

func TestParseIntelHexRejectsBadChecksum(t *testing.T) {
	src := []byte(":04000000010203049A\n:00000001FF\n")
	_, err := ParseIntelHex(src, 0, 0xFFFF)
	require.Error(t, err)
	kind, ok := fwerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, fwerrors.InvalidFile, kind)
}

func TestPacketRoundTrip(t *testing.T) {
	p := &Packet{Cmd: CmdWriteRAMBuffer, Addr: 0x0123, Data: []byte{0xDE, 0xAD}}
	raw := p.Encode()
	require.Len(t, raw, packetSize)

	decoded, err := ParsePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, p.Cmd, decoded.Cmd)
	assert.Equal(t, p.Addr, decoded.Addr)
	assert.Equal(t, p.Data, decoded.Data)
}

// packetTransport scripts the raw bootloader packet exchange: each
// request is answered by respond, and every request is recorded in
// order so write sequencing can be asserted.
type packetTransport struct {
	mu       sync.Mutex
	requests []*Packet
	respond  func(req *Packet) *Packet

	incoming chan []byte
	closed   chan struct{}
}

func newPacketTransport(respond func(req *Packet) *Packet) *packetTransport {
	return &packetTransport{
		respond:  respond,
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (p *packetTransport) Write(report []byte) error {
	req, err := ParsePacket(report)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if rsp := p.respond(req); rsp != nil {
		p.incoming <- rsp.Encode()
	}
	return nil
}

func (p *packetTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.incoming:
		return b, nil
	case <-p.closed:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *packetTransport) Close() error {
	close(p.closed)
	return nil
}

// echoOK answers every request with its own opcode, plus canned
// meminfo and version payloads for Setup.
func echoOK(req *Packet) *Packet {
	switch req.Cmd {
	case CmdGetMemInfo:
		return &Packet{Cmd: CmdGetMemInfo, Data: []byte{0x04, 0x00, 0x67, 0xFF, 0x00, 0x80}}
	case CmdGetBLVersion:
		return &Packet{Cmd: CmdGetBLVersion, Data: []byte("BOT03.02_B0015")}
	default:
		return &Packet{Cmd: req.Cmd}
	}
}

func TestBootloaderSetupReadsMemInfoAndVersion(t *testing.T) {
	transport := newPacketTransport(echoOK)
	arena := fwdevice.NewArena()
	d := NewDevice(transport, KindNordic)
	dev := arena.New(d)

	require.NoError(t, d.Setup(dev))
	lo, hi, block := d.FlashRange()
	assert.Equal(t, uint16(0x0400), lo)
	assert.Equal(t, uint16(0x67FF), hi)
	assert.Equal(t, uint16(0x0080), block)
	assert.Equal(t, "BOT03.02_B0015", dev.VersionBootloader())
	assert.True(t, dev.HasFlag(fwdevice.FlagSignedPayload), "BL 03.02 advertises signed firmware")
	assert.True(t, dev.HasFlag(fwdevice.FlagIsBootloader))
}

func TestNordicWriteSendsResetVectorLast(t *testing.T) {
	transport := newPacketTransport(echoOK)
	arena := fwdevice.NewArena()
	d := NewDevice(transport, KindNordic)
	dev := arena.New(d)
	require.NoError(t, d.Setup(dev))

	records := []Record{
		{Addr: 0x0000, Kind: RecordData, Data: []byte{0xC3, 0x01, 0x02, 0x03}},
		{Addr: 0x0400, Kind: RecordData, Data: []byte{0x10, 0x11}},
		{Kind: RecordEOF},
	}
	require.NoError(t, d.writeNordic(dev, records, nil))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	var writes []*Packet
	for _, req := range transport.requests {
		if req.Cmd == CmdWriteRAMBuffer {
			writes = append(writes, req)
		}
	}
	require.Len(t, writes, 3)
	assert.Equal(t, uint16(0x0400), writes[0].Addr, "non-zero packets stream first")
	assert.Equal(t, uint16(0x0001), writes[1].Addr, "packet 0 resumes past the reset vector")
	assert.Equal(t, uint16(0x0000), writes[2].Addr, "reset vector byte goes last")
	assert.Equal(t, []byte{0xC3}, writes[2].Data)
}

func TestNordicWriteErrorMapping(t *testing.T) {
	err := nordicWriteError(CmdWriteInvalidCRC)
	kind, ok := fwerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, fwerrors.InvalidData, kind)
}

func TestTexasWrongCRCFailsWithoutApply(t *testing.T) {
	transport := newPacketTransport(func(req *Packet) *Packet {
		if req.Cmd == CmdFlashRAM && len(req.Data) > 0 && req.Data[0] == FlashRAMComputeCRC {
			return &Packet{Cmd: CmdFlashRAMWrongCRC}
		}
		return echoOK(req)
	})
	arena := fwdevice.NewArena()
	d := NewDevice(transport, KindTexas)
	dev := arena.New(d)
	require.NoError(t, d.Setup(dev))

	records := []Record{
		{Addr: 0x0400, Kind: RecordData, Data: []byte{0x01, 0x02}},
		{Kind: RecordEOF},
	}
	err := d.writeTexas(dev, records, nil)
	require.Error(t, err)
	kind, ok := fwerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, fwerrors.InvalidData, kind)
	assert.Contains(t, err.Error(), "CRC is incorrect")

	transport.mu.Lock()
	defer transport.mu.Unlock()
	for _, req := range transport.requests {
		assert.NotEqual(t, CmdReboot, req.Cmd, "a CRC failure must never reach attach")
	}
}

func TestTexasFlushesCompletedPagesAtPageStart(t *testing.T) {
	transport := newPacketTransport(echoOK)
	arena := fwdevice.NewArena()
	d := NewDevice(transport, KindTexas)
	dev := arena.New(d)
	require.NoError(t, d.Setup(dev))

	// two full 0x80 pages of 16-byte packets starting at 0x0400: the
	// packet at 0x0470 completes the first page, the one at 0x04F0 the
	// second
	var records []Record
	for addr := uint32(0x0400); addr < 0x0500; addr += 0x10 {
		records = append(records, Record{Addr: addr, Kind: RecordData, Data: make([]byte, 0x10)})
	}
	records = append(records, Record{Kind: RecordEOF})
	require.NoError(t, d.writeTexas(dev, records, nil))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	var flushes []uint16
	var lastWriteAddr uint16
	flushAfter := map[uint16]uint16{}
	for _, req := range transport.requests {
		switch {
		case req.Cmd == CmdWriteRAMBuffer:
			lastWriteAddr = req.Addr
		case req.Cmd == CmdFlashRAM && len(req.Data) > 0 && req.Data[0] == FlashRAMFlashRAMBuffer:
			flushes = append(flushes, req.Addr)
			flushAfter[req.Addr] = lastWriteAddr
		}
	}
	require.Equal(t, []uint16{0x0400, 0x0480}, flushes, "each completed page flushes at its own start address")
	assert.Equal(t, uint16(0x0470%texasPageSize), flushAfter[0x0400], "the flush follows the packet that completed the page")
	assert.Equal(t, uint16(0x04F0%texasPageSize), flushAfter[0x0480])
}

func TestAttachRebootsAndWaitsForReplug(t *testing.T) {
	transport := newPacketTransport(echoOK)
	arena := fwdevice.NewArena()
	d := NewDevice(transport, KindNordic)
	dev := arena.New(d)

	require.NoError(t, d.Attach(dev))
	assert.True(t, dev.HasFlag(fwdevice.FlagWaitForReplug))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.requests, 1)
	assert.Equal(t, CmdReboot, transport.requests[0].Cmd)
}
