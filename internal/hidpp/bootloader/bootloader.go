package bootloader

import (
	"context"
	"fmt"
	"time"

	"github.com/go-fwupd/fwupd-core/internal/fwdevice"
	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
	"github.com/go-fwupd/fwupd-core/internal/hidpp"
)

// Kind names which bootloader command dialect a device speaks. Both
// ride the same raw 32-byte packet format but disagree on how flash
// pages are addressed and flashed (spec §4.7).
type Kind int

const (
	KindNordic Kind = iota
	KindTexas
)

// Cmd is a bootloader opcode. Replies echo the request opcode in the
// high nibble; a nonzero low nibble signals the error variant (spec §6
// "Bootloader opcodes used by the core").
type Cmd uint8

const (
	CmdGeneralError     Cmd = 0x01
	CmdRead             Cmd = 0x10
	CmdWrite            Cmd = 0x20
	CmdWriteInvalidAddr Cmd = 0x21
	CmdWriteVerifyFail  Cmd = 0x22
	CmdWriteNonzeroStart Cmd = 0x23
	CmdWriteInvalidCRC  Cmd = 0x24
	CmdErasePage        Cmd = 0x30
	CmdErasePageInvalid Cmd = 0x31
	CmdGetHWPlatformID  Cmd = 0x40
	CmdGetFWVersion     Cmd = 0x50
	CmdGetChecksum      Cmd = 0x60
	CmdFlashRAM         Cmd = 0x70
	CmdFlashRAMWrongCRC Cmd = 0x73
	CmdGetMemInfo       Cmd = 0x80
	CmdGetBLVersion     Cmd = 0x90
	CmdReboot           Cmd = 0xA0
	CmdWriteRAMBuffer   Cmd = 0xC0
	CmdWriteRAMOverflow Cmd = 0xC2
	CmdWriteSignature   Cmd = 0xD0
)

// FLASH_RAM sub-commands, carried in the packet's first data byte
// (spec §6).
const (
	FlashRAMEraseAll       uint8 = 0x00
	FlashRAMFlashRAMBuffer uint8 = 0x01
	FlashRAMClearRAMBuffer uint8 = 0x02
	FlashRAMComputeCRC     uint8 = 0x03
)

// packetSize is the raw report size both bootloader dialects use.
const packetSize = 32

// packetDataMax bounds the data field: 32 bytes minus cmd, the 16-bit
// address, and the length byte.
const packetDataMax = packetSize - 4

const requestTimeout = 2 * time.Second

// Packet is one raw bootloader exchange: [cmd][addr_be16][len][data].
type Packet struct {
	Cmd  Cmd
	Addr uint16
	Data []byte
}

// Encode renders the fixed 32-byte report.
func (p *Packet) Encode() []byte {
	buf := make([]byte, packetSize)
	buf[0] = byte(p.Cmd)
	buf[1] = byte(p.Addr >> 8)
	buf[2] = byte(p.Addr)
	buf[3] = byte(len(p.Data))
	copy(buf[4:], p.Data)
	return buf
}

// ParsePacket decodes a raw report back into a Packet.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) < 4 {
		return nil, fwerrors.Newf(fwerrors.Read, "bootloader packet too short: %d bytes", len(buf))
	}
	n := int(buf[3])
	if n > len(buf)-4 {
		n = len(buf) - 4
	}
	data := make([]byte, n)
	copy(data, buf[4:4+n])
	return &Packet{
		Cmd:  Cmd(buf[0]),
		Addr: uint16(buf[1])<<8 | uint16(buf[2]),
		Data: data,
	}, nil
}

// Device is the transient DeviceOps implementation installed on a
// peripheral or receiver once it has Detach'd into bootloader mode and
// re-enumerated with its own HID endpoint.
type Device struct {
	fwdevice.BaseOps

	transport hidpp.Transport
	kind      Kind

	flashLo   uint16
	flashHi   uint16
	blockSize uint16
	blVersion string
	signed    bool
}

// NewDevice wires a bootloader Device of the given dialect to its raw
// HID transport.
func NewDevice(transport hidpp.Transport, kind Kind) *Device {
	return &Device{transport: transport, kind: kind}
}

// request sends one packet and reads the echoed reply, verifying the
// opcode round-trip. Reboot expects no reply: any read failure after it
// is ignored because the device re-enumerates immediately.
func (d *Device) request(ctx context.Context, req *Packet) (*Packet, error) {
	if err := d.transport.Write(req.Encode()); err != nil {
		return nil, fwerrors.Wrap(fwerrors.Write, err, "bootloader write failed")
	}
	if req.Cmd == CmdReboot {
		readCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		if _, err := d.transport.Read(readCtx); err != nil {
			log.WithError(err).Debug("no reboot acknowledgement, device is resetting")
		}
		return &Packet{Cmd: CmdReboot}, nil
	}

	readCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	raw, err := d.transport.Read(readCtx)
	if err != nil {
		return nil, fwerrors.Wrap(fwerrors.Read, err, "bootloader read failed")
	}
	rsp, err := ParsePacket(raw)
	if err != nil {
		return nil, err
	}
	if Cmd(byte(rsp.Cmd)&0xF0) != req.Cmd {
		return nil, fwerrors.Newf(fwerrors.InvalidData,
			"invalid command response of %02x, expected %02x", uint8(rsp.Cmd), uint8(req.Cmd))
	}
	return rsp, nil
}

// parseASCIIHex8/16 read fixed-width hex digits out of the ASCII
// version string the bootloader returns ("BOTxx.yy_Bzzzz").
func parseASCIIHex8(s []byte, off int) (uint8, error) {
	if off+2 > len(s) {
		return 0, fwerrors.New(fwerrors.InvalidData, "version string too short")
	}
	var v uint8
	if _, err := fmt.Sscanf(string(s[off:off+2]), "%02x", &v); err != nil {
		return 0, fwerrors.Wrap(fwerrors.InvalidData, err, "parsing version byte")
	}
	return v, nil
}

func parseASCIIHex16(s []byte, off int) (uint16, error) {
	if off+4 > len(s) {
		return 0, fwerrors.New(fwerrors.InvalidData, "version string too short")
	}
	var v uint16
	if _, err := fmt.Sscanf(string(s[off:off+4]), "%04x", &v); err != nil {
		return 0, fwerrors.Wrap(fwerrors.InvalidData, err, "parsing version build")
	}
	return v, nil
}

// Setup implements fwdevice.DeviceOps.Setup: reads the flash memory map
// (three big-endian 16-bit words) and the bootloader version string,
// flagging signed-payload bootloaders (spec §4.7 "Common setup").
func (d *Device) Setup(dev *fwdevice.Device) error {
	ctx := context.Background()

	rsp, err := d.request(ctx, &Packet{Cmd: CmdGetMemInfo})
	if err != nil {
		return fwerrors.Wrap(fwerrors.Read, err, "failed to get meminfo")
	}
	if len(rsp.Data) != 6 {
		return fwerrors.Newf(fwerrors.NotSupported, "failed to get meminfo: invalid size %02x", len(rsp.Data))
	}
	d.flashLo = uint16(rsp.Data[0])<<8 | uint16(rsp.Data[1])
	d.flashHi = uint16(rsp.Data[2])<<8 | uint16(rsp.Data[3])
	d.blockSize = uint16(rsp.Data[4])<<8 | uint16(rsp.Data[5])

	// BOTxx.yy_Bzzzz
	// 012345678901234
	verRsp, err := d.request(ctx, &Packet{Cmd: CmdGetBLVersion})
	if err != nil {
		return fwerrors.Wrap(fwerrors.Read, err, "failed to get bootloader version")
	}
	major, err := parseASCIIHex8(verRsp.Data, 3)
	if err != nil {
		return err
	}
	minor, err := parseASCIIHex8(verRsp.Data, 6)
	if err != nil {
		return err
	}
	build, err := parseASCIIHex16(verRsp.Data, 10)
	if err != nil {
		return err
	}
	d.blVersion = hidpp.FormatVersion("BOT", major, minor, build)
	dev.SetVersionBootloader(d.blVersion)

	if hidpp.SignedBootloaderVersion(major, minor) {
		d.signed = true
		dev.AddFlag(fwdevice.FlagSignedPayload)
		dev.SetMetadata("protocol", "com.logitech.unifyingsigned")
	} else {
		dev.SetMetadata("protocol", "com.logitech.unifying")
	}
	dev.AddFlag(fwdevice.FlagIsBootloader)
	dev.RemoveFlag(fwdevice.FlagNeedsBootloader)
	return nil
}

// PrepareFirmware implements fwdevice.DeviceOps.PrepareFirmware: the
// blob handed to WriteFirmware for a bootloader device is the raw
// Intel-HEX text, unpacked lazily by WriteFirmware itself so the flash
// bounds from Setup are available for the address filter.
func (d *Device) PrepareFirmware(dev *fwdevice.Device, blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fwerrors.New(fwerrors.InvalidFile, "firmware blob is empty")
	}
	return blob, nil
}

// WriteFirmware implements fwdevice.DeviceOps.WriteFirmware: parses the
// Intel-HEX blob against the flash bounds from Setup, then dispatches
// to the Nordic or Texas flashing sequence (spec §4.7).
func (d *Device) WriteFirmware(dev *fwdevice.Device, firmware []byte, progress *fwdevice.Progress) error {
	records, err := ParseIntelHex(firmware, uint32(d.flashLo), uint32(d.flashHi))
	if err != nil {
		return err
	}
	switch d.kind {
	case KindNordic:
		return d.writeNordic(dev, records, progress)
	case KindTexas:
		return d.writeTexas(dev, records, progress)
	default:
		return fwerrors.New(fwerrors.NotSupported, "unknown bootloader dialect")
	}
}

// Attach implements fwdevice.DeviceOps.Attach: issues REBOOT with no
// reply expected and waits for the device to replug into runtime mode
// (spec §4.7 "Attach").
func (d *Device) Attach(dev *fwdevice.Device) error {
	ctx := context.Background()
	if _, err := d.request(ctx, &Packet{Cmd: CmdReboot}); err != nil {
		return err
	}
	dev.AddFlag(fwdevice.FlagWaitForReplug)
	return nil
}

// String implements fwdevice.DeviceOps.String.
func (d *Device) String(dev *fwdevice.Device) string {
	return fmt.Sprintf("hidpp-bootloader(version=%s)", d.blVersion)
}

// FlashRange reports the writable flash window and erase block size
// from Setup.
func (d *Device) FlashRange() (lo, hi, blockSize uint16) {
	return d.flashLo, d.flashHi, d.blockSize
}
