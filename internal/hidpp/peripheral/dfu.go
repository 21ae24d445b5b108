package peripheral

import (
	"context"
	"time"

	"github.com/go-fwupd/fwupd-core/internal/fwdevice"
	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
	"github.com/go-fwupd/fwupd-core/internal/hidpp"
)

const dfuChunkSize = 16

// dfuBusyPolls/dfuBusyPollInterval bound the wait for the out-of-band
// acknowledgement a busy device promises (spec §4.6 "Write (classic
// DFU)").
const (
	dfuBusyPolls        = 10
	dfuBusyPollInterval = 15 * time.Second
)

// dfuStatus is the single status byte carried in byte 4 of a DFU
// packet-ack reply.
type dfuStatus uint8

const (
	dfuStatusPacketOK       dfuStatus = 0x01
	dfuStatusSuccess        dfuStatus = 0x02
	dfuStatusWait           dfuStatus = 0x03
	dfuStatusGeneric        dfuStatus = 0x04
	dfuStatusSuccessLowBatt dfuStatus = 0x05
	dfuStatusSuccessUnknown dfuStatus = 0x06
	dfuStatusGeneric2       dfuStatus = 0x10
	dfuStatusBadVoltage     dfuStatus = 0x11
	dfuStatusUnsupportedFW  dfuStatus = 0x12
	dfuStatusBadCrypto      dfuStatus = 0x13
	dfuStatusUnsupportedFW2 dfuStatus = 0x14
	dfuStatusEraseFail      dfuStatus = 0x15
	dfuStatusNotStarted     dfuStatus = 0x16
	dfuStatusBadSeq         dfuStatus = 0x17
	dfuStatusUnsupportedCmd dfuStatus = 0x18
	dfuStatusInProgress     dfuStatus = 0x19
	dfuStatusBadAddress1    dfuStatus = 0x1A
	dfuStatusBadAddress2    dfuStatus = 0x1B
	dfuStatusBadSize        dfuStatus = 0x1C
	dfuStatusMissingData1   dfuStatus = 0x1D
	dfuStatusMissingData2   dfuStatus = 0x1E
	dfuStatusWriteFail      dfuStatus = 0x1F
	dfuStatusVerifyFail     dfuStatus = 0x20
	dfuStatusUnsupportedFW3 dfuStatus = 0x21
	dfuStatusFWCheckFail    dfuStatus = 0x22
	dfuStatusBlockedRestart dfuStatus = 0x23
)

func dfuSuccess(s dfuStatus) bool {
	switch s {
	case dfuStatusPacketOK, dfuStatusSuccess, dfuStatusSuccessLowBatt, dfuStatusSuccessUnknown:
		return true
	default:
		return false
	}
}

func dfuError(s dfuStatus) error {
	switch s {
	case dfuStatusGeneric, dfuStatusGeneric2:
		return fwerrors.New(fwerrors.Internal, "DFU generic failure")
	case dfuStatusBadVoltage:
		return fwerrors.New(fwerrors.Write, "bad voltage during DFU write")
	case dfuStatusUnsupportedFW, dfuStatusUnsupportedFW2, dfuStatusUnsupportedFW3:
		return fwerrors.New(fwerrors.InvalidData, "unsupported firmware")
	case dfuStatusBadCrypto:
		return fwerrors.New(fwerrors.InvalidData, "unsupported cryptography")
	case dfuStatusEraseFail:
		return fwerrors.New(fwerrors.Write, "flash erase failed")
	case dfuStatusNotStarted:
		return fwerrors.New(fwerrors.Internal, "DFU transfer not started")
	case dfuStatusBadSeq:
		return fwerrors.New(fwerrors.InvalidData, "bad packet sequence")
	case dfuStatusUnsupportedCmd:
		return fwerrors.New(fwerrors.NotSupported, "unsupported DFU command")
	case dfuStatusBadAddress1, dfuStatusBadAddress2:
		return fwerrors.New(fwerrors.InvalidData, "bad address")
	case dfuStatusBadSize:
		return fwerrors.New(fwerrors.InvalidData, "bad packet size")
	case dfuStatusMissingData1, dfuStatusMissingData2:
		return fwerrors.New(fwerrors.InvalidData, "missing data")
	case dfuStatusWriteFail:
		return fwerrors.New(fwerrors.Write, "write failed")
	case dfuStatusVerifyFail:
		return fwerrors.New(fwerrors.InvalidData, "verification failed")
	case dfuStatusFWCheckFail:
		return fwerrors.New(fwerrors.InvalidData, "firmware check failed")
	case dfuStatusBlockedRestart:
		return fwerrors.New(fwerrors.Busy, "DFU blocked, restart required")
	default:
		return fwerrors.Newf(fwerrors.Internal, "unexpected DFU status %#02x", uint8(s))
	}
}

// WriteFirmware implements fwdevice.DeviceOps.WriteFirmware for the
// classic DFU path: the firmware stream's first byte names the target
// entity, and the whole stream — entity byte included — is split into
// 16-byte chunks streamed with the sliding command window 4,5,6,7.
// Each acknowledgement carries the packet counter big-endian in its
// first four payload bytes and a status in byte 4 (spec §4.6 "Write
// (classic DFU)").
func (d *Device) WriteFirmware(dev *fwdevice.Device, firmware []byte, progress *fwdevice.Progress) error {
	if d.rdfuSupported {
		return d.writeRDFU(dev, firmware, progress)
	}
	if len(firmware) < 1 {
		return fwerrors.New(fwerrors.InvalidFile, "firmware blob is empty")
	}
	ctx := context.Background()
	idx, err := d.features.Index(ctx, hidpp.FeatureDFU)
	if err != nil {
		return err
	}

	chunks := chunk(firmware, dfuChunkSize)
	cmds := [4]uint8{4, 5, 6, 7}

	for i, data := range chunks {
		cmd := cmds[i%4]
		req := hidpp.NewFeatureCall(d.deviceIndex, idx, cmd, data...)
		if dev.HasFlag(fwdevice.FlagSignedPayload) {
			req.Flags |= hidpp.FlagLongerTimeout
		}

		resp, err := d.dfuExchange(ctx, idx, req, uint32(i))
		if err != nil {
			return err
		}
		counter := uint32(resp.Params[0])<<24 | uint32(resp.Params[1])<<16 |
			uint32(resp.Params[2])<<8 | uint32(resp.Params[3])
		if counter != uint32(i) {
			return fwerrors.Newf(fwerrors.InvalidData, "unexpected DFU packet counter %d, want %d", counter, i)
		}
		status := dfuStatus(resp.Params[4])
		if !dfuSuccess(status) && status != dfuStatusWait {
			return dfuError(status)
		}
		if progress != nil {
			progress.SetPercentage((i + 1) * 100 / len(chunks))
		}
	}
	return nil
}

// dfuExchange issues one DFU data packet. A busy reply means the device
// will acknowledge out-of-band later: wait for an event carrying the
// same packet counter, polling up to 10 times at 15 s before giving up
// as timed out (spec §4.6).
func (d *Device) dfuExchange(ctx context.Context, featureIdx uint8, req *hidpp.Message, counter uint32) (*hidpp.Message, error) {
	resp, err := d.dispatcher.Exchange20(ctx, req, hidppTimeout)
	if err == nil {
		return resp, nil
	}
	kind, ok := fwerrors.KindOf(err)
	if !ok || kind != fwerrors.Busy {
		return nil, err
	}

	waitReq := hidpp.NewLong(d.deviceIndex, featureIdx, 0x00)
	waitReq.Flags = hidpp.FlagIgnoreFnctID | hidpp.FlagIgnoreSWID
	for attempt := 0; attempt < dfuBusyPolls; attempt++ {
		event, err := d.dispatcher.WaitFor(ctx, waitReq, dfuBusyPollInterval)
		if err != nil {
			continue
		}
		got := uint32(event.Params[0])<<24 | uint32(event.Params[1])<<16 |
			uint32(event.Params[2])<<8 | uint32(event.Params[3])
		if got == counter {
			return event, nil
		}
	}
	return nil, fwerrors.New(fwerrors.TimedOut, "DFU packet stayed busy")
}

func chunk(data []byte, size int) [][]byte {
	var out [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		buf := make([]byte, size)
		copy(buf, data[i:end])
		out = append(out, buf)
	}
	return out
}
