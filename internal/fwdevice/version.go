package fwdevice

import (
	"fmt"
	"strings"

	"github.com/blang/semver/v4"
)

// RenderVersion renders a raw 32-bit firmware version number under the
// given VersionFormat (spec §3 "version_format", §9 "raw integer
// versions are re-rendered on version_format changes"). Unrecognized
// formats fall back to decimal.
func RenderVersion(raw uint32, format VersionFormat) string {
	switch format {
	case VersionFormatQuad:
		return fmt.Sprintf("%d.%d.%d.%d", raw>>24&0xFF, raw>>16&0xFF, raw>>8&0xFF, raw&0xFF)
	case VersionFormatTriplet:
		return fmt.Sprintf("%d.%d.%d", raw>>16&0xFF, raw>>8&0xFF, raw&0xFF)
	case VersionFormatPair:
		return fmt.Sprintf("%d.%d", raw>>16&0xFFFF, raw&0xFFFF)
	case VersionFormatBCD:
		return fmt.Sprintf("%x.%x", raw>>8&0xFF, raw&0xFF)
	case VersionFormatHex:
		return fmt.Sprintf("0x%08x", raw)
	case VersionFormatNumber, VersionFormatPlain:
		return fmt.Sprintf("%d", raw)
	default:
		return fmt.Sprintf("%d", raw)
	}
}

// toSemver normalizes a rendered version string for semver.Parse by
// padding it with ".0" components out to major.minor.patch. A string
// semver.Parse still rejects (hex, device-specific strings like
// "RQR24.01_B2743") comes back as the parse error; CompareVersions then
// falls back to a plain string comparison.
func toSemver(v string) (semver.Version, error) {
	parts := strings.Split(v, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return semver.Parse(strings.Join(parts[:3], "."))
}

// CompareVersions orders two device version strings for the purposes
// of version_lowest enforcement and install-all-releases' implied
// version-check-required gate (spec §3 "Public device flags"). It
// returns -1/0/1 like strings.Compare, falling back to a plain string
// comparison when either side does not parse as a dotted version.
func CompareVersions(a, b string) int {
	va, errA := toSemver(a)
	vb, errB := toSemver(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}

// MeetsMinimumVersion reports whether d.Version() is at or above
// d.VersionLowest(), skipping the check when no lower bound is set
// (spec §3: version_lowest enforcement feeds into
// version-check-required installs).
func (d *Device) MeetsMinimumVersion() bool {
	lowest := d.VersionLowest()
	if lowest == "" {
		return true
	}
	return CompareVersions(d.Version(), lowest) >= 0
}

// SetVersionRaw stores raw as the device's canonical numeric version
// and renders it under the current VersionFormat. Subsequent
// SetVersionFormat calls re-render the same raw value, matching the
// teacher's re-render-on-format-change behavior.
func (d *Device) SetVersionRaw(raw uint32) {
	d.mu.Lock()
	d.rawVersion = raw
	d.hasRawVersion = true
	format := d.versionFormat
	d.mu.Unlock()
	d.SetVersion(RenderVersion(raw, format))
}
