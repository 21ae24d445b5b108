package peripheral

import (
	"context"
	"time"

	"github.com/go-fwupd/fwupd-core/internal/fwdevice"
	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
	"github.com/go-fwupd/fwupd-core/internal/hidpp"
)

// rdfuPhase is one state of the resumable-DFU state machine (spec §3
// "RDFU state", §4.6 "Write (RDFU)").
type rdfuPhase int

const (
	rdfuNotStarted rdfuPhase = iota
	rdfuTransfer
	rdfuWait
	rdfuApply
	rdfuResume
)

type rdfuState struct {
	phase   rdfuPhase
	blockID int    // -1 until the first DATA_TRANSFER_READY
	pkt     uint32 // last acknowledged counter; doubles as the next packet index
	waitMS  uint32
	retries int
}

const (
	rdfuMaxRetries  = 10
	rdfuPacketSize  = 16
	rdfuForceDFUBit = 0x01
)

// RDFU feature function IDs.
const (
	rdfuFnGetStatus  = 0x0
	rdfuFnStartDfu   = 0x1
	rdfuFnTransfer   = 0x2
	rdfuFnApply      = 0x4
)

// rdfuReplyCode is the first payload byte of a getDfuStatus/startDfu
// reply or transfer notification (spec §4.6).
type rdfuReplyCode uint8

const (
	rdfuNotStartedCode    rdfuReplyCode = 0x00
	rdfuDataTransferReady rdfuReplyCode = 0x01
	rdfuDataTransferWait  rdfuReplyCode = 0x02
	rdfuTransferPktAck    rdfuReplyCode = 0x03
	rdfuTransferComplete  rdfuReplyCode = 0x04
	rdfuInvalidBlock      rdfuReplyCode = 0x05
	rdfuStateError        rdfuReplyCode = 0x06
	rdfuApplyPending      rdfuReplyCode = 0x07
)

// writeRDFU drives the resumable-DFU state machine (spec §4.6 "Write
// (RDFU)"): the firmware blob is the JSON document from spec §6, the
// entity sub-image is selected by the cached firmware entity, and
// packet counters must advance by exactly one — a lower ACK counter is
// fatal, a higher one re-probes via RESUME_DFU.
func (d *Device) writeRDFU(dev *fwdevice.Device, blob []byte, progress *fwdevice.Progress) error {
	ctx := context.Background()
	idx, err := d.features.Index(ctx, hidpp.FeatureRDFU)
	if err != nil {
		return err
	}
	entity := uint8(0)
	if d.cachedEntity >= 0 {
		entity = uint8(d.cachedEntity)
	}

	fw, err := ParseRDFUFirmware(blob)
	if err != nil {
		return err
	}
	magic, blocks, err := fw.EntityImage(entity)
	if err != nil {
		return err
	}
	totalPkts := 0
	for _, b := range blocks {
		totalPkts += (len(b) + rdfuPacketSize - 1) / rdfuPacketSize
	}

	d.rdfu = &rdfuState{phase: rdfuNotStarted, blockID: -1}
	sentPkts := 0

	resp, err := d.rdfuCall(ctx, idx, rdfuFnGetStatus, entity)
	if err != nil {
		return err
	}
	if rdfuReplyCode(resp.Params[0]) == rdfuNotStartedCode {
		resp, err = d.rdfuStart(ctx, idx, entity, magic)
		if err != nil {
			return err
		}
	}

	for {
		code := rdfuReplyCode(resp.Params[0])
		switch code {
		case rdfuDataTransferReady:
			block := int(uint16(resp.Params[1])<<8 | uint16(resp.Params[2]))
			if d.rdfu.blockID >= 0 && block <= d.rdfu.blockID {
				resp, err = d.rdfuResume(ctx, idx, entity, uint16(block))
				if err != nil {
					return err
				}
				continue
			}
			d.rdfu.blockID = block
			d.rdfu.pkt = 0
			d.rdfu.phase = rdfuTransfer
			resp, err = d.rdfuSendPacket(ctx, idx, blocks)
			if err != nil {
				return err
			}
			sentPkts++

		case rdfuDataTransferWait:
			d.rdfu.phase = rdfuWait
			d.rdfu.waitMS = uint32(resp.Params[1])<<8 | uint32(resp.Params[2])
			resp, err = d.rdfuWaitLoop(ctx, idx)
			if err != nil {
				return err
			}

		case rdfuTransferPktAck:
			pkt := uint32(resp.Params[1])<<24 | uint32(resp.Params[2])<<16 |
				uint32(resp.Params[3])<<8 | uint32(resp.Params[4])
			switch {
			case pkt == d.rdfu.pkt+1:
				d.rdfu.pkt = pkt
			case pkt < d.rdfu.pkt+1:
				return fwerrors.Newf(fwerrors.InvalidData,
					"RDFU packet counter went backwards: got %d, want %d", pkt, d.rdfu.pkt+1)
			default:
				resp, err = d.rdfuResume(ctx, idx, entity, uint16(d.rdfu.blockID))
				if err != nil {
					return err
				}
				continue
			}
			if progress != nil && totalPkts > 0 {
				progress.SetPercentage(sentPkts * 100 / totalPkts)
			}
			resp, err = d.rdfuSendPacket(ctx, idx, blocks)
			if err != nil {
				return err
			}
			sentPkts++

		case rdfuTransferComplete:
			d.rdfu.phase = rdfuApply
			if progress != nil {
				progress.SetPercentage(100)
			}
			return d.rdfuApplyNoReply(ctx, idx, entity)

		case rdfuInvalidBlock, rdfuStateError:
			block := uint16(0)
			if d.rdfu.blockID > 0 {
				block = uint16(d.rdfu.blockID)
			}
			resp, err = d.rdfuResume(ctx, idx, entity, block)
			if err != nil {
				return err
			}

		case rdfuApplyPending, rdfuNotStartedCode:
			d.rdfu = &rdfuState{phase: rdfuNotStarted, blockID: -1}
			sentPkts = 0
			resp, err = d.rdfuStart(ctx, idx, entity, magic)
			if err != nil {
				return err
			}

		default:
			return fwerrors.Newf(fwerrors.Internal, "unexpected RDFU reply code %#02x", uint8(code))
		}
	}
}

func (d *Device) rdfuCall(ctx context.Context, idx uint8, fn uint8, params ...byte) (*hidpp.Message, error) {
	req := hidpp.NewFeatureCall(d.deviceIndex, idx, fn, params...)
	return d.dispatcher.Exchange20(ctx, req, hidppTimeout)
}

func (d *Device) rdfuStart(ctx context.Context, idx, entity uint8, magic []byte) (*hidpp.Message, error) {
	params := append([]byte{entity}, magic...)
	return d.rdfuCall(ctx, idx, rdfuFnStartDfu, params...)
}

// rdfuSendPacket transmits the next 16-byte packet of the current
// block. Once the block is exhausted it instead waits for the device's
// next state notification (the READY for the following block, or
// TRANSFER_COMPLETE).
func (d *Device) rdfuSendPacket(ctx context.Context, idx uint8, blocks [][]byte) (*hidpp.Message, error) {
	if d.rdfu.blockID < 0 || d.rdfu.blockID >= len(blocks) {
		return nil, fwerrors.Newf(fwerrors.Internal, "RDFU requested block %d beyond payload", d.rdfu.blockID)
	}
	block := blocks[d.rdfu.blockID]
	off := int(d.rdfu.pkt) * rdfuPacketSize
	if off >= len(block) {
		waitReq := hidpp.NewLong(d.deviceIndex, idx, 0x00)
		waitReq.Flags = hidpp.FlagIgnoreFnctID | hidpp.FlagIgnoreSWID
		return d.dispatcher.WaitFor(ctx, waitReq, hidppTimeout)
	}
	end := off + rdfuPacketSize
	if end > len(block) {
		end = len(block)
	}
	data := make([]byte, rdfuPacketSize)
	copy(data, block[off:end])
	return d.rdfuCall(ctx, idx, rdfuFnTransfer, data...)
}

// rdfuWaitLoop implements the WAIT phase as an explicit loop with a
// retry counter rather than recursion (spec §9): the device has asked
// for waitMS of quiet; further notifications are received for up to 3×
// the delay, and up to 10 waits chain before the update fails.
func (d *Device) rdfuWaitLoop(ctx context.Context, idx uint8) (*hidpp.Message, error) {
	waitReq := hidpp.NewLong(d.deviceIndex, idx, 0x00)
	waitReq.Flags = hidpp.FlagIgnoreFnctID | hidpp.FlagIgnoreSWID

	for d.rdfu.retries = 0; d.rdfu.retries < rdfuMaxRetries; d.rdfu.retries++ {
		deadline := time.Duration(d.rdfu.waitMS) * 3 * time.Millisecond
		if deadline <= 0 {
			deadline = hidppTimeout
		}
		resp, err := d.dispatcher.WaitFor(ctx, waitReq, deadline)
		if err != nil {
			if kind, ok := fwerrors.KindOf(err); ok && kind == fwerrors.TimedOut {
				continue
			}
			return nil, err
		}
		if rdfuReplyCode(resp.Params[0]) != rdfuDataTransferWait {
			return resp, nil
		}
		d.rdfu.waitMS = uint32(resp.Params[1])<<8 | uint32(resp.Params[2])
	}
	return nil, fwerrors.New(fwerrors.TimedOut, "RDFU wait loop exhausted retries")
}

func (d *Device) rdfuResume(ctx context.Context, idx, entity uint8, block uint16) (*hidpp.Message, error) {
	d.rdfu.phase = rdfuResume
	d.rdfu.pkt = 0
	return d.rdfuCall(ctx, idx, rdfuFnGetStatus, entity, byte(block>>8), byte(block))
}

// rdfuApplyNoReply issues applyDfu without expecting a reply; the
// device reboots into the new image (spec §4.6: "Apply issues
// applyDfu(entity, FORCE_DFU_BIT) without expecting a reply").
func (d *Device) rdfuApplyNoReply(ctx context.Context, idx, entity uint8) error {
	req := hidpp.NewFeatureCall(d.deviceIndex, idx, rdfuFnApply, entity, rdfuForceDFUBit)
	return d.dispatcher.Write(req.Encode())
}
