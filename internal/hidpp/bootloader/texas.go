package bootloader

import (
	"context"

	"github.com/go-fwupd/fwupd-core/internal/fwdevice"
	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
)

const texasPageSize = 0x80

// writeTexas erases the whole flash range, clears the device's RAM
// staging buffer, then streams packets addressed modulo the page size;
// the packet that completes a 0x80 page flushes the staged buffer with
// FLASH_RAM_BUFFER(base = page start) right after it is written, and a
// final COMPUTE_AND_TEST_CRC call verifies the write (spec §4.7
// "Texas write").
func (d *Device) writeTexas(dev *fwdevice.Device, records []Record, progress *fwdevice.Progress) error {
	ctx := context.Background()

	if err := d.flashRAM(ctx, FlashRAMEraseAll, 0); err != nil {
		return fwerrors.Wrap(fwerrors.Write, err, "erase-all failed")
	}
	if err := d.flashRAM(ctx, FlashRAMClearRAMBuffer, 0); err != nil {
		return fwerrors.Wrap(fwerrors.Write, err, "clear ram buffer failed")
	}

	total := 0
	for _, r := range records {
		if r.Kind != RecordEOF {
			total++
		}
	}
	done := 0

	for _, r := range records {
		if r.Kind == RecordEOF {
			continue
		}
		addrOld := r.Addr
		addr := addrOld
		cmd := CmdWriteRAMBuffer
		if r.Kind == RecordSignature {
			cmd = CmdWriteSignature
		} else {
			addr = addrOld % texasPageSize
		}

		req := &Packet{Cmd: cmd, Addr: uint16(addr), Data: r.Data}
		rsp, err := d.request(ctx, req)
		if err != nil {
			return fwerrors.Wrapf(fwerrors.Write, err, "failed to write ram buffer @0x%02x", addrOld)
		}
		if rsp.Cmd != cmd {
			return fwerrors.Newf(fwerrors.Write, "flash write @%04x failed with %#02x", addr, uint8(rsp.Cmd))
		}

		// the packet that fills the staged page flushes it to flash,
		// addressed by the page's own start
		if r.Kind != RecordSignature && (addrOld+0x10)%texasPageSize == 0 {
			base := uint16(addrOld - 7*0x10)
			if err := d.flashRAM(ctx, FlashRAMFlashRAMBuffer, base); err != nil {
				return fwerrors.Wrapf(fwerrors.Write, err, "failed to flash ram buffer @0x%04x", base)
			}
		}

		done++
		if progress != nil && total > 0 {
			progress.SetPercentage(done * 100 / total)
		}
	}

	rsp, err := d.request(ctx, &Packet{Cmd: CmdFlashRAM, Data: []byte{FlashRAMComputeCRC}})
	if err != nil {
		return fwerrors.Wrap(fwerrors.Write, err, "compute crc failed")
	}
	if rsp.Cmd == CmdFlashRAMWrongCRC {
		return fwerrors.New(fwerrors.InvalidData, "CRC is incorrect")
	}
	if rsp.Cmd != CmdFlashRAM {
		return fwerrors.Newf(fwerrors.Write, "crc check failed with %#02x", uint8(rsp.Cmd))
	}
	return nil
}

func (d *Device) flashRAM(ctx context.Context, subcommand uint8, base uint16) error {
	rsp, err := d.request(ctx, &Packet{Cmd: CmdFlashRAM, Addr: base, Data: []byte{subcommand}})
	if err != nil {
		return err
	}
	if rsp.Cmd != CmdFlashRAM {
		return fwerrors.Newf(fwerrors.Write, "flash ram subcommand %#02x failed with %#02x", subcommand, uint8(rsp.Cmd))
	}
	return nil
}
