package fwdevice

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-fwupd/fwupd-core/internal/instanceid"
)

// AddInstanceID registers a visible, quirk-matching instance ID,
// hashing it into a GUID immediately and appending both to the device's
// public lists (spec §3 "Instance IDs and GUIDs").
func (d *Device) AddInstanceID(id string) {
	d.AddInstanceIDFlags(id, instanceid.Visible|instanceid.Quirks)
}

// AddInstanceIDFlags is AddInstanceID with explicit instanceid.Flag
// control: Quirks-only IDs are retained separately for debug and
// incorporation, and Generic IDs are suppressed from export when the
// device carries no-generic-guids (spec §3).
func (d *Device) AddInstanceIDFlags(id string, flags instanceid.Flag) {
	entry := instanceid.NewEntry(id, flags)
	guid := entry.GUID.String()

	visible := flags&instanceid.Visible != 0
	if visible && flags&instanceid.Generic != 0 && d.HasPrivateFlag(PrivateFlagNoGenericGuids) {
		visible = false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !visible {
		for _, e := range d.quirkOnlyInstanceIDs {
			if e.ID == id {
				return
			}
		}
		d.quirkOnlyInstanceIDs = append(d.quirkOnlyInstanceIDs, entry)
		return
	}
	for _, e := range d.instanceIDs {
		if e.ID == id {
			return
		}
	}
	d.instanceIDs = append(d.instanceIDs, entry)
	for _, g := range d.guids {
		if g == guid {
			return
		}
	}
	d.guids = append(d.guids, guid)
}

// InstanceIDs returns every visible instance ID string added so far.
func (d *Device) InstanceIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.instanceIDs))
	for i, e := range d.instanceIDs {
		out[i] = e.ID
	}
	return out
}

// GUIDs returns every GUID derived from a visible instance ID, in the
// order the instance IDs were added.
func (d *Device) GUIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.guids...)
}

// AddGUID registers a raw GUID directly, e.g. from a Guid= quirk line.
func (d *Device) AddGUID(guid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, g := range d.guids {
		if g == guid {
			return
		}
	}
	d.guids = append(d.guids, guid)
}

// HasGUID reports whether guid (already lower-cased canonical form)
// matches a visible instance ID or a quirk-only one.
func (d *Device) HasGUID(guid string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, g := range d.guids {
		if g == guid {
			return true
		}
	}
	for _, e := range d.quirkOnlyInstanceIDs {
		if e.GUID.String() == guid {
			return true
		}
	}
	return false
}

// LookupQuirk consults the wired quirk store for key against every
// quirk-participating GUID the device carries, most-recently-added
// first, returning the first hit (spec §4.3 "get_quirk"). Visible
// instance IDs added without the Quirks flag never cascade.
func (d *Device) LookupQuirk(key string) (string, bool) {
	d.mu.Lock()
	store := d.quirkStore
	guids := make([]string, 0, len(d.instanceIDs)+len(d.quirkOnlyInstanceIDs))
	for _, e := range d.instanceIDs {
		if e.Flags&instanceid.Quirks != 0 {
			guids = append(guids, e.GUID.String())
		}
	}
	for _, e := range d.quirkOnlyInstanceIDs {
		if e.Flags&instanceid.Quirks != 0 {
			guids = append(guids, e.GUID.String())
		}
	}
	d.mu.Unlock()

	if store == nil {
		return "", false
	}
	for i := len(guids) - 1; i >= 0; i-- {
		if v, ok := store.Lookup(guids[i], key); ok {
			return v, true
		}
	}
	return "", false
}

// Quirk keys the device core applies itself in ApplyQuirks; the full
// recognized set (spec §6 "Quirk file format") is exported as
// AllQuirkKeys so a Store can seed its possible-key registry.
var AllQuirkKeys = []string{
	"Plugin", "Flags", "Name", "Summary", "Vendor", "VendorId", "Protocol",
	"GType", "ProxyGType", "FirmwareGType", "Guid", "CounterpartGuid",
	"ParentGuid", "ProxyGuid", "Children", "FirmwareSizeMin",
	"FirmwareSizeMax", "InstallDuration", "Priority", "BatteryThreshold",
	"RemoveDelay", "AcquiesceDelay", "VersionFormat", "Inhibit", "Issue",
	"UpdateMessage", "UpdateImage", "UpdateRequestId", "Icon",
}

// ApplyQuirks runs the well-known quirk keys through LookupQuirk and
// applies each hit to the device (spec §4.3 "setup" step 3);
// plugin-specific keys (Plugin, GType, Children, CFI command keys) are
// left for the plugin shell to fetch individually via LookupQuirk.
func (d *Device) ApplyQuirks() {
	if v, ok := d.LookupQuirk("Name"); ok {
		d.SetName(v)
	}
	if v, ok := d.LookupQuirk("Summary"); ok {
		d.SetSummary(v)
	}
	if v, ok := d.LookupQuirk("Vendor"); ok {
		d.SetVendor(v)
	}
	if v, ok := d.LookupQuirk("VendorId"); ok {
		d.AddVendorID(v)
	}
	if v, ok := d.LookupQuirk("Protocol"); ok {
		d.SetMetadata("protocol", v)
	}
	if v, ok := d.LookupQuirk("Icon"); ok {
		d.AddIcon(v)
	}
	if v, ok := d.LookupQuirk("Guid"); ok {
		d.AddGUID(v)
	}
	if v, ok := d.LookupQuirk("CounterpartGuid"); ok {
		d.AddCounterpartGUID(v)
	}
	if v, ok := d.LookupQuirk("ParentGuid"); ok {
		d.AddParentGUID(v)
	}
	if v, ok := d.LookupQuirk("FirmwareSizeMin"); ok {
		if n, err := strconv.ParseUint(v, 0, 64); err == nil {
			d.SetFirmwareSizeMin(n)
		}
	}
	if v, ok := d.LookupQuirk("FirmwareSizeMax"); ok {
		if n, err := strconv.ParseUint(v, 0, 64); err == nil {
			d.SetFirmwareSizeMax(n)
		}
	}
	if v, ok := d.LookupQuirk("InstallDuration"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			d.SetInstallDuration(time.Duration(n) * time.Second)
		}
	}
	if v, ok := d.LookupQuirk("Priority"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.SetPriority(n)
		}
	}
	if v, ok := d.LookupQuirk("BatteryThreshold"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.SetBatteryThreshold(n)
		}
	}
	if v, ok := d.LookupQuirk("RemoveDelay"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			d.SetRemoveDelay(time.Duration(n) * time.Millisecond)
		}
	}
	if v, ok := d.LookupQuirk("AcquiesceDelay"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			d.SetAcquiesceDelay(time.Duration(n) * time.Millisecond)
		}
	}
	if v, ok := d.LookupQuirk("VersionFormat"); ok {
		d.SetVersionFormat(VersionFormat(v))
	}
	if v, ok := d.LookupQuirk("UpdateMessage"); ok {
		d.SetUpdateMessage(v)
	}
	if v, ok := d.LookupQuirk("UpdateImage"); ok {
		d.SetUpdateImage(v)
	}
	if v, ok := d.LookupQuirk("Inhibit"); ok {
		applyQuirkInhibit(d, v)
	}
	if v, ok := d.LookupQuirk("Flags"); ok {
		applyQuirkFlagsString(d, v)
	}
}

// applyQuirkInhibit parses a colon-separated "id:reason" Inhibit= value;
// an empty reason uninhibits instead (spec §6 "Quirk file format").
func applyQuirkInhibit(d *Device, raw string) {
	id, reason, found := strings.Cut(raw, ":")
	if id == "" {
		return
	}
	if !found || reason == "" {
		d.Uninhibit(id)
		return
	}
	d.Inhibit(id, reason)
}

func applyQuirkFlagsString(d *Device, raw string) {
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if remove := strings.HasPrefix(name, "~"); remove {
			if f, ok := flagNames[name[1:]]; ok {
				d.RemoveFlag(f)
			}
			continue
		}
		if f, ok := flagNames[name]; ok {
			d.AddFlag(f)
			continue
		}
		// unknown names become custom private flags, bypassing the
		// registry check the way quirk-sourced flags always have
		d.mu.Lock()
		if d.privateFlags == nil {
			d.privateFlags = make(map[string]bool)
		}
		d.privateFlags[name] = true
		d.mu.Unlock()
	}
}
