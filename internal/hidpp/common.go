package hidpp

import (
	"fmt"
	"strings"
)

// FormatVersion renders the three-letter-prefixed version string
// Logitech firmware reports ("RQR24.01_B0036", "BOT01.04_B0015"): the
// prefix trimmed of padding, then BCD major/minor and a 16-bit build
// number, all lowercase hex.
func FormatVersion(name string, major, minor uint8, build uint16) string {
	prefix := strings.TrimSpace(name)
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	return fmt.Sprintf("%s%02x.%02x_B%04x", prefix, major, minor, build)
}

// SignedBootloaderVersion reports whether the bootloader version pair demands
// signed firmware payloads: majors 01 from minor 4, and 03 from minor
// 2 (spec §4.7/§4.8).
func SignedBootloaderVersion(major, minor uint8) bool {
	return (major == 0x01 && minor >= 0x04) || (major == 0x03 && minor >= 0x02)
}
