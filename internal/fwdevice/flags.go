package fwdevice

import "fmt"

// Flag is one of the public device flags (spec §3 "Public device flags").
// It is a bitmask so a device's flag set is a single uint64.
type Flag uint64

const (
	FlagUpdatable Flag = 1 << iota
	FlagUpdatableHidden
	FlagIsBootloader
	FlagNeedsBootloader
	FlagNeedsActivation
	FlagWaitForReplug
	FlagSignedPayload
	FlagUnsignedPayload
	FlagEmulated
	FlagUnreachable
	FlagCanVerify
	FlagCanVerifyImage
	FlagInstallAllReleases
	FlagVersionCheckRequired
)

// mutuallyExclusive lists flag pairs that can never both be set (spec §3,
// §8 "Flag exclusivity").
var mutuallyExclusive = [][2]Flag{
	{FlagNeedsBootloader, FlagIsBootloader},
	{FlagSignedPayload, FlagUnsignedPayload},
}

// implies lists flags that, when set, force another flag on (spec §3:
// "can-verify-image ... implies the former"; "install-all-releases ...
// implies version-check-required").
var implies = map[Flag]Flag{
	FlagCanVerifyImage:     FlagCanVerify,
	FlagInstallAllReleases: FlagVersionCheckRequired,
}

// flagNames maps a quirk/AppStream flag name to its Flag value, shared
// by instance.go's quirk Flags= parser and appstream.go's DeviceFlags
// merge.
var flagNames = map[string]Flag{
	"updatable":              FlagUpdatable,
	"updatable-hidden":       FlagUpdatableHidden,
	"is-bootloader":          FlagIsBootloader,
	"needs-bootloader":       FlagNeedsBootloader,
	"needs-activation":       FlagNeedsActivation,
	"wait-for-replug":        FlagWaitForReplug,
	"signed-payload":         FlagSignedPayload,
	"unsigned-payload":       FlagUnsignedPayload,
	"unreachable":            FlagUnreachable,
	"can-verify":             FlagCanVerify,
	"can-verify-image":       FlagCanVerifyImage,
	"install-all-releases":   FlagInstallAllReleases,
	"version-check-required": FlagVersionCheckRequired,
}

func (f Flag) String() string {
	names := map[Flag]string{
		FlagUpdatable:            "updatable",
		FlagUpdatableHidden:      "updatable-hidden",
		FlagIsBootloader:         "is-bootloader",
		FlagNeedsBootloader:      "needs-bootloader",
		FlagNeedsActivation:      "needs-activation",
		FlagWaitForReplug:        "wait-for-replug",
		FlagSignedPayload:        "signed-payload",
		FlagUnsignedPayload:      "unsigned-payload",
		FlagEmulated:             "emulated",
		FlagUnreachable:          "unreachable",
		FlagCanVerify:            "can-verify",
		FlagCanVerifyImage:       "can-verify-image",
		FlagInstallAllReleases:   "install-all-releases",
		FlagVersionCheckRequired: "version-check-required",
	}
	if n, ok := names[f]; ok {
		return n
	}
	return fmt.Sprintf("flag(0x%x)", uint64(f))
}

// HasFlag reports whether f is set.
func (d *Device) HasFlag(f Flag) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags&f != 0
}

// AddFlag sets f, enforcing mutual exclusions (clearing the excluded
// flag) and the implication table, and running side effects for
// NeedsActivation/Unreachable (spec §4.3 "add_flag").
func (d *Device) AddFlag(f Flag) {
	d.mu.Lock()
	// the updatable ⇔ no-inhibits invariant holds no matter which side
	// moves first: granting updatable to an inhibited device lands on
	// the hidden variant until the inhibits clear
	if f == FlagUpdatable && len(d.inhibits) > 0 {
		f = FlagUpdatableHidden
	}
	for _, pair := range mutuallyExclusive {
		if pair[0] == f {
			d.flags &^= pair[1]
		} else if pair[1] == f {
			d.flags &^= pair[0]
		}
	}
	d.flags |= f
	if implied, ok := implies[f]; ok {
		d.flags |= implied
	}
	d.mu.Unlock()

	switch f {
	case FlagNeedsActivation:
		d.Inhibit("needs-activation", "Pending activation")
	case FlagUnreachable:
		d.AddProblem(ProblemUnreachable)
	case FlagEmulated:
		d.AddProblem(ProblemIsEmulated)
	}
	d.mirrorFlagToProxyUsers(f, true)
}

// RemoveFlag clears f, reversing AddFlag's inhibit side effects.
func (d *Device) RemoveFlag(f Flag) {
	d.mu.Lock()
	d.flags &^= f
	d.mu.Unlock()

	switch f {
	case FlagNeedsActivation:
		d.Uninhibit("needs-activation")
	case FlagUnreachable:
		d.RemoveProblem(ProblemUnreachable)
	case FlagEmulated:
		d.RemoveProblem(ProblemIsEmulated)
	}
	d.mirrorFlagToProxyUsers(f, false)
}

// mirrorFlagToProxyUsers reflects emulated/unreachable transitions onto
// every device that proxies its transport through d, so a vanished or
// emulated proxy immediately marks its dependents the same way (spec §3
// "proxy": "on proxy's emulated/unreachable flag changes, the current
// device mirrors them").
func (d *Device) mirrorFlagToProxyUsers(f Flag, set bool) {
	if f != FlagEmulated && f != FlagUnreachable {
		return
	}
	d.arena.forEach(func(other *Device) {
		if other == d {
			return
		}
		other.mu.Lock()
		usesProxy := other.proxy == d.handle
		other.mu.Unlock()
		if !usesProxy {
			return
		}
		if set {
			other.AddFlag(f)
		} else {
			other.RemoveFlag(f)
		}
	})
}

// Flags returns the full current flag bitmask.
func (d *Device) Flags() Flag {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags
}

// PrivateFlagRegistry is the per-subtype set of interned private flag
// names a device is allowed to carry (spec §3 "Private flags"). Passing
// an unregistered name to AddPrivateFlag is a programmer error: it panics
// when DebugAssertions is true and otherwise only warns (spec §9 "Unknown flags are a panic in debug, a warning in
// release").
type PrivateFlagRegistry struct {
	known map[string]bool
}

// NewPrivateFlagRegistry seeds a registry with the given known flag
// names.
func NewPrivateFlagRegistry(names ...string) *PrivateFlagRegistry {
	r := &PrivateFlagRegistry{known: make(map[string]bool, len(names))}
	for _, n := range names {
		r.known[n] = true
	}
	return r
}

// DebugAssertions toggles whether an unregistered private flag name
// panics (true) or only logs a warning (false). Production builds leave
// this false.
var DebugAssertions = false

// AddPrivateFlag sets the named private flag, validating it against the
// device's registered set.
func (d *Device) AddPrivateFlag(name string) {
	if d.privateFlagRegistry != nil && !d.privateFlagRegistry.known[name] {
		if DebugAssertions {
			panic(fmt.Sprintf("fwdevice: unregistered private flag %q", name))
		}
		fwdeviceLog.WithField("flag", name).Warn("setting unregistered private flag")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.privateFlags == nil {
		d.privateFlags = make(map[string]bool)
	}
	d.privateFlags[name] = true
}

// RemovePrivateFlag clears the named private flag.
func (d *Device) RemovePrivateFlag(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.privateFlags, name)
}

// HasPrivateFlag reports whether the named private flag is set.
func (d *Device) HasPrivateFlag(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.privateFlags[name]
}

// Well-known private flag names used by the base device and the HID++
// stack (spec §3); every concrete device type registers the subset it
// actually uses via SetPrivateFlagRegistry.
const (
	PrivateFlagRetryOpen          = "retry-open"
	PrivateFlagReplugMatchGUID    = "replug-match-guid"
	PrivateFlagIsOpen             = "is-open"
	PrivateFlagUseParentForOpen   = "use-parent-for-open"
	PrivateFlagUseProxyForOpen    = "use-proxy-for-open"
	PrivateFlagRefcountedProxy    = "refcounted-proxy"
	PrivateFlagInhibitChildren    = "inhibit-children"
	PrivateFlagAutoPausePolling   = "auto-pause-polling"
	PrivateFlagHostFirmware       = "host-firmware"
	PrivateFlagNoGenericGuids     = "no-generic-guids"
	PrivateFlagNoAutoInstanceIDs  = "no-auto-instance-ids"
	PrivateFlagUseParentForBatt   = "use-parent-for-battery"
	PrivateFlagRebindAttach       = "rebind-attach"
	PrivateFlagMDSetName          = "md-set-name"
	PrivateFlagMDSetVendor        = "md-set-vendor"
	PrivateFlagMDSetVersionFormat = "md-set-version-format"
	PrivateFlagMDSetSignedStatus  = "md-set-signed-status"
	PrivateFlagMDSetIcon          = "md-set-icon"
)

// AllBasePrivateFlags lists every private flag name declared above for
// the base device and the HID++ stack.
var AllBasePrivateFlags = []string{
	PrivateFlagRetryOpen, PrivateFlagReplugMatchGUID, PrivateFlagIsOpen,
	PrivateFlagUseParentForOpen, PrivateFlagUseProxyForOpen, PrivateFlagRefcountedProxy,
	PrivateFlagInhibitChildren, PrivateFlagAutoPausePolling, PrivateFlagHostFirmware,
	PrivateFlagNoGenericGuids, PrivateFlagNoAutoInstanceIDs, PrivateFlagUseParentForBatt,
	PrivateFlagRebindAttach, PrivateFlagMDSetName, PrivateFlagMDSetVendor,
	PrivateFlagMDSetVersionFormat, PrivateFlagMDSetSignedStatus, PrivateFlagMDSetIcon,
}

// SetPrivateFlagRegistry installs the registry used to validate future
// AddPrivateFlag calls.
func (d *Device) SetPrivateFlagRegistry(r *PrivateFlagRegistry) {
	d.privateFlagRegistry = r
}
