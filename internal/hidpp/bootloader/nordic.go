package bootloader

import (
	"context"

	"github.com/go-fwupd/fwupd-core/internal/fwdevice"
	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
)

func nordicWriteError(cmd Cmd) error {
	switch cmd {
	case CmdWriteInvalidAddr:
		return fwerrors.New(fwerrors.InvalidData, "invalid flash address")
	case CmdWriteVerifyFail:
		return fwerrors.New(fwerrors.InvalidData, "flash verification failed")
	case CmdWriteNonzeroStart:
		return fwerrors.New(fwerrors.InvalidData, "firmware does not start at address zero")
	case CmdWriteInvalidCRC:
		return fwerrors.New(fwerrors.InvalidData, "invalid CRC")
	default:
		return fwerrors.Newf(fwerrors.Write, "unexpected bootloader status %#02x", uint8(cmd))
	}
}

// writeNordic erases the full flash range, streams every packet except
// packet 0, then sends packet 0's payload from offset 1 and the
// single-byte reset vector at address 0 last, so the device cannot
// boot into a half-flashed image if power is lost mid-write (spec
// §4.7 "Nordic write").
func (d *Device) writeNordic(dev *fwdevice.Device, records []Record, progress *fwdevice.Progress) error {
	ctx := context.Background()

	for addr := uint32(d.flashLo); addr <= uint32(d.flashHi); addr += uint32(d.blockSize) {
		req := &Packet{Cmd: CmdErasePage, Addr: uint16(addr)}
		rsp, err := d.request(ctx, req)
		if err != nil {
			return fwerrors.Wrap(fwerrors.Write, err, "erase page failed")
		}
		if rsp.Cmd != CmdErasePage {
			return fwerrors.Newf(fwerrors.Write, "erase page @%04x failed with %#02x", addr, uint8(rsp.Cmd))
		}
	}

	var packet0 *Record
	rest := make([]Record, 0, len(records))
	for i := range records {
		r := records[i]
		if r.Kind == RecordEOF {
			continue
		}
		if r.Kind == RecordData && r.Addr == 0 && packet0 == nil {
			packet0 = &records[i]
			continue
		}
		rest = append(rest, r)
	}

	total := len(rest)
	if packet0 != nil {
		total++
	}
	done := 0

	for _, r := range rest {
		if err := d.sendNordicPacket(ctx, r); err != nil {
			return err
		}
		done++
		if progress != nil && total > 0 {
			progress.SetPercentage(done * 100 / total)
		}
	}

	if packet0 != nil && len(packet0.Data) > 1 {
		if err := d.sendNordicPacket(ctx, Record{Addr: packet0.Addr + 1, Kind: packet0.Kind, Data: packet0.Data[1:]}); err != nil {
			return err
		}
		if err := d.sendNordicPacket(ctx, Record{Addr: 0, Kind: RecordData, Data: packet0.Data[:1]}); err != nil {
			return err
		}
		if progress != nil {
			progress.SetPercentage(100)
		}
	}
	return nil
}

func (d *Device) sendNordicPacket(ctx context.Context, r Record) error {
	cmd := CmdWriteRAMBuffer
	if r.Kind == RecordSignature {
		cmd = CmdWriteSignature
	}
	req := &Packet{Cmd: cmd, Addr: uint16(r.Addr), Data: r.Data}
	rsp, err := d.request(ctx, req)
	if err != nil {
		return fwerrors.Wrap(fwerrors.Write, err, "flash write failed")
	}
	if rsp.Cmd != cmd {
		return nordicWriteError(Cmd(byte(rsp.Cmd)&0x0F) | CmdWrite)
	}
	return nil
}
