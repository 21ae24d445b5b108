package hidpp

import (
	"context"
	"os"

	"golang.org/x/sys/unix"

	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
)

// HidrawTransport carries HID++ reports directly over a Linux
// /dev/hidrawN node, bypassing hidapi for receivers already known by
// device path (spec §5 "chardev transport": an alternative to the
// enumerate-by-VID/PID path in chardev.go when the caller already has
// a sysfs-resolved device node, e.g. from a udev rule).
type HidrawTransport struct {
	file *os.File
	fd   int
}

// OpenHidraw opens path non-blocking so Read can be interrupted by ctx
// cancellation via unix.Poll instead of blocking the read syscall
// forever.
func OpenHidraw(path string) (*HidrawTransport, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fwerrors.Wrapf(fwerrors.NotFound, err, "opening %s", path)
	}
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		f.Close()
		return nil, fwerrors.Wrap(fwerrors.Internal, err, "setting hidraw fd non-blocking")
	}
	return &HidrawTransport{file: f, fd: fd}, nil
}

// Write sends a fully framed HID++ report.
func (h *HidrawTransport) Write(report []byte) error {
	if _, err := h.file.Write(report); err != nil {
		return fwerrors.Wrap(fwerrors.Write, err, "hidraw write failed")
	}
	return nil
}

// Read polls fd for readability, honoring ctx cancellation between
// polls, then reads one input report.
func (h *HidrawTransport) Read(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		pfd := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fwerrors.Wrap(fwerrors.Read, err, "hidraw poll failed")
		}
		if n == 0 {
			continue
		}
		read, err := h.file.Read(buf)
		if err != nil {
			return nil, fwerrors.Wrap(fwerrors.Read, err, "hidraw read failed")
		}
		out := make([]byte, read)
		copy(out, buf[:read])
		return out, nil
	}
}

// Close releases the underlying file descriptor.
func (h *HidrawTransport) Close() error {
	return h.file.Close()
}
