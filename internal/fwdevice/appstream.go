package fwdevice

import "strings"

// Component is the subset of an AppStream firmware metadata component
// relevant to matching and enriching a Device (spec §3 "EnsureFromComponent":
// releases are matched against a device's GUIDs and, once matched, fill
// in any identity field the device itself never reported).
type Component struct {
	ID            string
	Name          string
	Category      string // rendered to a human name and merged like Name
	Vendor        string
	DeveloperName string // merges into Vendor when Vendor is empty
	Summary       string
	Icon          string
	Integrity     string // "signed" or "unsigned"
	Flags         string // comma-separated flag-name hints
	VersionFormat VersionFormat
	RequireGUIDs  []string
}

// Matches reports whether comp applies to d: every GUID comp requires
// must be present on the device (spec §3: "a component with no
// requirements never matches implicitly").
func (comp *Component) Matches(d *Device) bool {
	if len(comp.RequireGUIDs) == 0 {
		return false
	}
	for _, g := range comp.RequireGUIDs {
		if !d.HasGUID(g) {
			return false
		}
	}
	return true
}

// EnsureFromComponent merges comp onto d, gated per field by the
// corresponding md-set-* private flag so a caller can request exactly
// which fields AppStream metadata is allowed to override (spec §3
// "ensure_from_component"): Name/Category (md-set-name), DeveloperName
// (md-set-vendor), Integrity (md-set-signed-status), Icon
// (md-set-icon), and VersionFormat (md-set-version-format, which also
// re-renders any raw numeric version already on the device). Each
// successful merge clears its own flag so a repeat call is a no-op.
func (d *Device) EnsureFromComponent(comp *Component) {
	if d.HasPrivateFlag(PrivateFlagMDSetName) {
		d.mu.Lock()
		if d.name == "" {
			if comp.Name != "" {
				d.name = comp.Name
			} else if comp.Category != "" {
				d.name = comp.Category
			}
		}
		if d.summary == "" {
			d.summary = comp.Summary
		}
		d.mu.Unlock()
		d.RemovePrivateFlag(PrivateFlagMDSetName)
	}

	if d.HasPrivateFlag(PrivateFlagMDSetVendor) {
		d.mu.Lock()
		if d.vendor == "" {
			if comp.Vendor != "" {
				d.vendor = comp.Vendor
			} else {
				d.vendor = comp.DeveloperName
			}
		}
		d.mu.Unlock()
		d.RemovePrivateFlag(PrivateFlagMDSetVendor)
	}

	if d.HasPrivateFlag(PrivateFlagMDSetIcon) && comp.Icon != "" {
		d.AddIcon(comp.Icon)
		d.RemovePrivateFlag(PrivateFlagMDSetIcon)
	}

	if d.HasPrivateFlag(PrivateFlagMDSetSignedStatus) && comp.Integrity != "" {
		switch comp.Integrity {
		case "signed":
			d.AddFlag(FlagSignedPayload)
			d.RemoveFlag(FlagUnsignedPayload)
		case "unsigned":
			d.AddFlag(FlagUnsignedPayload)
			d.RemoveFlag(FlagSignedPayload)
		}
		d.RemovePrivateFlag(PrivateFlagMDSetSignedStatus)
	}

	if comp.Flags != "" {
		for _, name := range strings.Split(comp.Flags, ",") {
			name = strings.TrimSpace(name)
			if f, ok := flagNames[name]; ok {
				d.AddFlag(f)
			}
		}
	}

	if d.HasPrivateFlag(PrivateFlagMDSetVersionFormat) && comp.VersionFormat != "" {
		d.SetVersionFormat(comp.VersionFormat)
		d.RemovePrivateFlag(PrivateFlagMDSetVersionFormat)
	}
}
