// Package bootloader implements the transient HID++ bootloader device
// (component C7): Intel-HEX payload framing and the Nordic/Texas flash
// write sequences a peripheral or receiver hands off to after Detach.
package bootloader

import (
	"bufio"
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
)

var log = logrus.WithField("subsystem", "hidpp-bootloader")

// SetLogger merges extra fields into the package logger.
func SetLogger(logger *logrus.Entry) {
	log = log.WithFields(logger.Data)
}

// RecordKind classifies a parsed Intel-HEX record for the flash-write
// sequencers: normal data becomes a WRITE_RAM_BUFFER packet, signature
// data becomes WRITE_SIGNATURE (spec §4.7 "Intel-HEX preparation").
type RecordKind int

const (
	RecordData RecordKind = iota
	RecordSignature
	RecordEOF
)

// intelHexType is the Intel-HEX record type byte.
type intelHexType uint8

const (
	hexTypeData                  intelHexType = 0x00
	hexTypeEOF                   intelHexType = 0x01
	hexTypeExtendedSegmentAddr   intelHexType = 0x02
	hexTypeExtendedLinearAddr    intelHexType = 0x04
	hexTypeSignature             intelHexType = 0xE0 // vendor-specific, Logitech signature block
)

// Record is one parsed and range-filtered Intel-HEX line, ready to be
// sequenced into bootloader flash-write packets.
type Record struct {
	Addr uint32
	Kind RecordKind
	Data []byte
}

// ParseIntelHex streams src, producing one Record per in-range data or
// signature line. Records below flashLo or above flashHi are dropped
// (bootloader/header region); addresses are required to be
// non-decreasing, and any record that would go backwards is dropped
// too (spec §8 "HEX record with ... decreasing address skipped").
func ParseIntelHex(src []byte, flashLo, flashHi uint32) ([]Record, error) {
	scanner := bufio.NewScanner(bytes.NewReader(src))
	var records []Record
	var extendedLinear uint32
	var lastAddr uint32
	haveLast := false

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line[0] != ':' {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		switch rec.rtype {
		case hexTypeEOF:
			records = append(records, Record{Kind: RecordEOF})
			return records, nil
		case hexTypeExtendedLinearAddr:
			if len(rec.data) < 2 {
				return nil, fwerrors.New(fwerrors.InvalidFile, "malformed extended linear address record")
			}
			extendedLinear = uint32(rec.data[0])<<24 | uint32(rec.data[1])<<16
			continue
		case hexTypeExtendedSegmentAddr:
			if len(rec.data) < 2 {
				return nil, fwerrors.New(fwerrors.InvalidFile, "malformed extended segment address record")
			}
			extendedLinear = (uint32(rec.data[0])<<8 | uint32(rec.data[1])) << 4
			continue
		case hexTypeData, hexTypeSignature:
			addr := extendedLinear + uint32(rec.addr)
			if rec.rtype != hexTypeSignature {
				if addr < flashLo || addr > flashHi {
					continue
				}
				if haveLast && addr < lastAddr {
					continue
				}
				lastAddr = addr
				haveLast = true
			}
			kind := RecordData
			if rec.rtype == hexTypeSignature {
				kind = RecordSignature
			}
			records = append(records, Record{Addr: addr, Kind: kind, Data: rec.data})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fwerrors.Wrap(fwerrors.InvalidFile, err, "reading intel-hex stream")
	}
	return records, nil
}

type hexLine struct {
	addr  uint16
	rtype intelHexType
	data  []byte
}

func parseLine(line string) (hexLine, error) {
	if len(line) < 11 {
		return hexLine{}, fwerrors.Newf(fwerrors.InvalidFile, "intel-hex line too short: %q", line)
	}
	raw, err := hexDecode(line[1:])
	if err != nil {
		return hexLine{}, fwerrors.Wrapf(fwerrors.InvalidFile, err, "decoding intel-hex line %q", line)
	}
	if len(raw) < 5 {
		return hexLine{}, fwerrors.Newf(fwerrors.InvalidFile, "intel-hex line too short: %q", line)
	}
	count := raw[0]
	if len(raw) < int(count)+5 {
		return hexLine{}, fwerrors.Newf(fwerrors.InvalidFile, "intel-hex record length mismatch: %q", line)
	}
	sum := byte(0)
	for _, b := range raw[:4+count+1] {
		sum += b
	}
	if sum != 0 {
		return hexLine{}, fwerrors.Newf(fwerrors.InvalidFile, "intel-hex checksum mismatch: %q", line)
	}
	return hexLine{
		addr:  uint16(raw[1])<<8 | uint16(raw[2]),
		rtype: intelHexType(raw[3]),
		data:  raw[4 : 4+count],
	}, nil
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexNibble(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}
