package fwdevice

import (
	"time"

	"github.com/go-fwupd/fwupd-core/internal/instanceid"
)

// IncorporateFlag selects which field groups Incorporate copies from
// the donor (spec §4.3 "incorporate": "bitmask-selected fields are
// copied from donor when the recipient's value is unset").
type IncorporateFlag uint32

const (
	IncorporateBaseclass IncorporateFlag = 1 << iota
	IncorporateVendor
	IncorporatePhysicalID
	IncorporateLogicalID
	IncorporateBackendID
	IncorporateVidPid
	IncorporateVendorIDs
	IncorporateDelays
	IncorporateIcons
	IncorporateEvents
	IncorporateUpdateState
	IncorporateUpdateMessage

	// IncorporateAll additionally copies private flags, timestamps,
	// equivalent ID, proxy, parent/counterpart GUID claims, metadata,
	// and the quirk-only instance IDs, cascading quirks per GUID.
	IncorporateAll IncorporateFlag = 0xFFFFFFFF
)

// AddOpsLayer registers an additional DeviceOps implementation that
// participates in Incorporate and String dispatch alongside the
// device's primary Ops (spec §9). Every other lifecycle method
// (Probe/Setup/Open/...) dispatches through the single primary Ops
// only -- GObject's class-chain-up semantics only matter for the two
// methods that are genuinely additive across a type hierarchy, so that
// is the only place this module reproduces chain dispatch instead of
// plain interface dispatch.
func (d *Device) AddOpsLayer(ops DeviceOps) {
	if ops == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.opsChain {
		if existing == ops {
			return
		}
	}
	d.opsChain = append(d.opsChain, ops)
}

func (d *Device) opsLayers() []DeviceOps {
	d.mu.Lock()
	defer d.mu.Unlock()
	layers := make([]DeviceOps, 0, len(d.opsChain)+1)
	layers = append(layers, d.ops)
	for _, l := range d.opsChain {
		if l != d.ops {
			layers = append(layers, l)
		}
	}
	return layers
}

// Incorporate copies state from donor onto d, selected by flags, when
// d's own value is unset, then runs Incorporate on every distinct ops
// layer in registration order so transport-specific state follows
// (spec §4.3 "incorporate": used when a replugged device reuses a
// still-live Device object instead of allocating a new one).
func (d *Device) Incorporate(donor *Device, flags IncorporateFlag) {
	donor.mu.Lock()
	snap := struct {
		vendor, physicalID, logicalID, backendID string
		vid, pid                                 uint16
		vendorIDs, icons, guids                  []string
		removeDelay, acquiesceDelay              int64
		events                                   []Event
		updateState                              UpdateState
		updateError, updateMessage, updateImage  string
		version, equivalentID                    string
		createdUsec                              int64
		privateFlags                             map[string]bool
		parentGUIDs, parentPhysIDs               []string
		parentBackIDs, counterpartGUIDs          []string
		metadata                                 map[string]string
		quirkOnly                                []string
	}{
		vendor: donor.vendor, physicalID: donor.physicalID,
		logicalID: donor.logicalID, backendID: donor.backendID,
		vid: donor.vid, pid: donor.pid,
		vendorIDs:   append([]string{}, donor.vendorIDs...),
		icons:       append([]string{}, donor.icons...),
		guids:       append([]string{}, donor.guids...),
		removeDelay: int64(donor.removeDelay), acquiesceDelay: int64(donor.acquiesceDelay),
		events:      append([]Event{}, donor.events...),
		updateState: donor.updateState, updateError: donor.updateError,
		updateMessage: donor.updateMessage, updateImage: donor.updateImage,
		version: donor.version, equivalentID: donor.equivalentID,
		createdUsec:  donor.createdUsec,
		privateFlags: make(map[string]bool, len(donor.privateFlags)),
		parentGUIDs:  append([]string{}, donor.parentGUIDs...),
		parentPhysIDs: append([]string{}, donor.parentPhysicalIDs...),
		parentBackIDs: append([]string{}, donor.parentBackendIDs...),
		counterpartGUIDs: append([]string{}, donor.counterpartGUIDs...),
		metadata:         make(map[string]string, len(donor.metadata)),
	}
	for k, v := range donor.privateFlags {
		snap.privateFlags[k] = v
	}
	for k, v := range donor.metadata {
		snap.metadata[k] = v
	}
	for _, e := range donor.quirkOnlyInstanceIDs {
		snap.quirkOnly = append(snap.quirkOnly, e.ID)
	}
	donorProxy := donor.handle
	donor.mu.Unlock()

	// events are never taken from the device we proxy through: those
	// exchanges belong to the proxy's own log (spec §4.3)
	d.mu.Lock()
	donorIsProxy := d.proxy == donorProxy
	if flags&IncorporateBaseclass != 0 {
		if d.version == "" {
			d.version = snap.version
		}
	}
	if flags&IncorporateVendor != 0 && d.vendor == "" {
		d.vendor = snap.vendor
	}
	if flags&IncorporatePhysicalID != 0 && d.physicalID == "" {
		d.physicalID = snap.physicalID
	}
	if flags&IncorporateLogicalID != 0 && d.logicalID == "" {
		d.logicalID = snap.logicalID
	}
	if flags&IncorporateBackendID != 0 && d.backendID == "" {
		d.backendID = snap.backendID
	}
	if flags&IncorporateVidPid != 0 {
		if d.vid == 0 {
			d.vid = snap.vid
		}
		if d.pid == 0 {
			d.pid = snap.pid
		}
	}
	if flags&IncorporateVendorIDs != 0 && len(d.vendorIDs) == 0 {
		d.vendorIDs = snap.vendorIDs
	}
	if flags&IncorporateDelays != 0 {
		if d.removeDelay == 0 {
			d.removeDelay = time.Duration(snap.removeDelay)
		}
		if d.acquiesceDelay == 0 {
			d.acquiesceDelay = time.Duration(snap.acquiesceDelay)
		}
	}
	if flags&IncorporateIcons != 0 && len(d.icons) == 0 {
		d.icons = snap.icons
	}
	if flags&IncorporateEvents != 0 && len(d.events) == 0 && !donorIsProxy {
		d.events = snap.events
		d.eventCursor = 0
	}
	if flags&IncorporateUpdateState != 0 && d.updateState == UpdateStateUnknown {
		d.updateState = snap.updateState
		if d.updateError == "" {
			d.updateError = snap.updateError
		}
	}
	if flags&IncorporateUpdateMessage != 0 {
		if d.updateMessage == "" {
			d.updateMessage = snap.updateMessage
		}
		if d.updateImage == "" {
			d.updateImage = snap.updateImage
		}
	}
	all := flags == IncorporateAll
	if all {
		for name := range snap.privateFlags {
			if d.privateFlags == nil {
				d.privateFlags = make(map[string]bool)
			}
			d.privateFlags[name] = true
		}
		if snap.createdUsec < d.createdUsec {
			d.createdUsec = snap.createdUsec
		}
		if d.equivalentID == "" {
			d.equivalentID = snap.equivalentID
		}
		d.parentGUIDs = mergeStrings(d.parentGUIDs, snap.parentGUIDs)
		d.parentPhysicalIDs = mergeStrings(d.parentPhysicalIDs, snap.parentPhysIDs)
		d.parentBackendIDs = mergeStrings(d.parentBackendIDs, snap.parentBackIDs)
		d.counterpartGUIDs = mergeStrings(d.counterpartGUIDs, snap.counterpartGUIDs)
		for k, v := range snap.metadata {
			if _, ok := d.metadata[k]; !ok {
				d.metadata[k] = v
			}
		}
		d.guids = mergeStrings(d.guids, snap.guids)
	}
	d.mu.Unlock()

	if all {
		for _, id := range snap.quirkOnly {
			d.AddInstanceIDFlags(id, instanceid.Quirks)
		}
		d.ApplyQuirks()
	}

	for _, layer := range d.opsLayers() {
		layer.Incorporate(d, donor)
	}
}

func mergeStrings(dst, src []string) []string {
	for _, s := range src {
		found := false
		for _, existing := range dst {
			if existing == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}

// chainString concatenates the String contribution of every distinct
// ops layer, space separated, skipping empty contributions.
func (d *Device) chainString() string {
	s := ""
	for _, layer := range d.opsLayers() {
		if extra := layer.String(d); extra != "" {
			if s != "" {
				s += " "
			}
			s += extra
		}
	}
	return s
}
