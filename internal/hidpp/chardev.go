package hidpp

import (
	"context"
	"time"

	"github.com/karalabe/hid"

	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
)

// ChardevTransport carries HID++ reports over a USB HID character
// device via karalabe/hid (spec §5 "chardev transport"). Read polls the
// device with a short timeout rather than blocking the hidapi call
// forever, so Close can unblock a pending Read promptly.
type ChardevTransport struct {
	dev *hid.Device

	readSize int
}

// OpenChardev opens the first HID device matching vendorID/productID
// (and, when nonzero, usagePage -- Logitech receivers expose several
// HID interfaces on the same VID/PID and usagePage disambiguates the
// HID++ one).
func OpenChardev(vendorID, productID uint16, usagePage uint16) (*ChardevTransport, error) {
	for _, info := range hid.Enumerate(vendorID, productID) {
		if usagePage != 0 && info.UsagePage != usagePage {
			continue
		}
		dev, err := info.Open()
		if err != nil {
			continue
		}
		return &ChardevTransport{dev: dev, readSize: 64}, nil
	}
	return nil, fwerrors.Newf(fwerrors.NotFound, "no HID device for %04x:%04x usage page %#x", vendorID, productID, usagePage)
}

// Write sends a fully framed HID++ report.
func (c *ChardevTransport) Write(report []byte) error {
	_, err := c.dev.Write(report)
	if err != nil {
		return fwerrors.Wrap(fwerrors.Write, err, "hid write failed")
	}
	return nil
}

// Read polls the device for an input report, respecting ctx
// cancellation by re-checking it between short blocking reads.
func (c *ChardevTransport) Read(ctx context.Context) ([]byte, error) {
	buf := make([]byte, c.readSize)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		n, err := c.dev.Read(buf)
		if err != nil {
			return nil, fwerrors.Wrap(fwerrors.Read, err, "hid read failed")
		}
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			return out, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close releases the underlying HID handle.
func (c *ChardevTransport) Close() error {
	c.dev.Close()
	return nil
}
