package peripheral

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
)

// RDFUFirmware is the parsed resumable-DFU firmware document (spec §6
// "RDFU firmware format"): a JSON envelope with one content entry per
// target entity and payloads addressed by ID, each a list of blocks
// streamed in 16-byte packets.
type RDFUFirmware struct {
	FileVersion string                 `json:"fileVersion"`
	Contents    []RDFUContent          `json:"contents"`
	Payloads    map[string]RDFUPayload `json:"payloads"`
}

// RDFUContent describes one entity's update image.
type RDFUContent struct {
	Entity   string `json:"entity"`
	MagicStr string `json:"magicStr"`
	Payload  string `json:"payload"`
	ModelID  string `json:"modelId"`
	Name     string `json:"name"`
	Revision string `json:"revision"`
	Build    string `json:"build"`
}

// RDFUPayload is an ordered list of hex-encoded blocks.
type RDFUPayload struct {
	Blocks []RDFUPayloadBlock `json:"blocks"`
}

// RDFUPayloadBlock is one block's raw data, hex encoded.
type RDFUPayloadBlock struct {
	Data string `json:"data"`
}

// ParseRDFUFirmware validates and decodes blob as an RDFU JSON
// document.
func ParseRDFUFirmware(blob []byte) (*RDFUFirmware, error) {
	var fw RDFUFirmware
	if err := json.Unmarshal(blob, &fw); err != nil {
		return nil, fwerrors.Wrap(fwerrors.InvalidFile, err, "parsing RDFU firmware document")
	}
	if fw.FileVersion != "1" {
		return nil, fwerrors.Newf(fwerrors.InvalidFile, "unsupported RDFU fileVersion %q", fw.FileVersion)
	}
	if len(fw.Contents) == 0 {
		return nil, fwerrors.New(fwerrors.InvalidFile, "RDFU firmware has no contents")
	}
	for _, c := range fw.Contents {
		if _, ok := fw.Payloads[c.Payload]; !ok {
			return nil, fwerrors.Newf(fwerrors.InvalidFile, "RDFU content references unknown payload %q", c.Payload)
		}
	}
	return &fw, nil
}

// EntityImage resolves the content entry for a firmware entity index,
// returning the decoded 10-byte start magic and the payload's blocks as
// raw bytes.
func (fw *RDFUFirmware) EntityImage(entity uint8) (magic []byte, blocks [][]byte, err error) {
	for _, c := range fw.Contents {
		n, convErr := strconv.Atoi(c.Entity)
		if convErr != nil || n != int(entity) {
			continue
		}
		magicHex := strings.TrimPrefix(c.MagicStr, "0x")
		magic, err = hex.DecodeString(magicHex)
		if err != nil {
			return nil, nil, fwerrors.Wrapf(fwerrors.InvalidFile, err, "decoding magic for entity %d", entity)
		}
		payload := fw.Payloads[c.Payload]
		for i, b := range payload.Blocks {
			data, decErr := hex.DecodeString(b.Data)
			if decErr != nil {
				return nil, nil, fwerrors.Wrapf(fwerrors.InvalidFile, decErr, "decoding block %d", i)
			}
			blocks = append(blocks, data)
		}
		return magic, blocks, nil
	}
	return nil, nil, fwerrors.Newf(fwerrors.NotFound, "no RDFU content for entity %d", entity)
}
