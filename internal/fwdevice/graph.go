package fwdevice

// SetParent registers parent as d's parent and adds d to parent's
// children (spec §3 "Relationships"). Passing a zero Handle clears the
// parent link.
func (d *Device) SetParent(parent Handle) {
	d.mu.Lock()
	old := d.parent
	d.parent = parent
	d.mu.Unlock()

	if old != 0 {
		if op, ok := d.arena.Get(old); ok {
			op.removeChild(d.handle)
		}
	}
	if parent != 0 {
		if p, ok := d.arena.Get(parent); ok {
			p.addChild(d)
		}
	}
}

// Parent resolves d's parent handle, returning (nil, false) if there is
// none or it has since been removed from the arena.
func (d *Device) Parent() (*Device, bool) {
	d.mu.Lock()
	h := d.parent
	d.mu.Unlock()
	if h == 0 {
		return nil, false
	}
	return d.arena.Get(h)
}

func (d *Device) addChild(child *Device) {
	d.mu.Lock()
	for _, c := range d.children {
		if c == child.handle {
			d.mu.Unlock()
			return
		}
	}
	d.children = append(d.children, child.handle)
	observers := append([]func(*Device){}, d.childAddedObservers...)
	d.mu.Unlock()

	d.propagateToChild(child)
	for _, obs := range observers {
		obs(child)
	}
}

func (d *Device) removeChild(h Handle) {
	d.mu.Lock()
	for i, c := range d.children {
		if c == h {
			d.children = append(d.children[:i], d.children[i+1:]...)
			break
		}
	}
	observers := append([]func(*Device){}, d.childRemovedObservers...)
	d.mu.Unlock()

	if child, ok := d.arena.Get(h); ok {
		for _, obs := range observers {
			obs(child)
		}
	}
}

// Children resolves every live child of d, silently dropping any handle
// that no longer resolves (spec §9: a vanished child is simply absent,
// never a crash).
func (d *Device) Children() []*Device {
	d.mu.Lock()
	handles := append([]Handle{}, d.children...)
	d.mu.Unlock()

	out := make([]*Device, 0, len(handles))
	for _, h := range handles {
		if c, ok := d.arena.Get(h); ok {
			out = append(out, c)
		}
	}
	return out
}

// propagateToChild copies parent-inherited fields onto a newly attached
// child (spec §3 "Relationships"): physical/backend IDs and vendor/
// icons/vendor-ids when the child has none of its own, the parent's
// device ID as the child's composite ID, and the remove/acquiesce
// delays leveled to the MAX of the two — both delays in both
// directions, so parent and child wait for the same time.
// The parent's active inhibits replay onto the child iff
// inhibit-children is set.
func (d *Device) propagateToChild(child *Device) {
	d.mu.Lock()
	vendor, icons := d.vendor, append([]string{}, d.icons...)
	vendorIDs := append([]string{}, d.vendorIDs...)
	physicalID := d.physicalID
	backendID := d.backendID
	parentID := d.id
	removeDelay := d.removeDelay
	acquiesceDelay := d.acquiesceDelay
	inhibits := make(map[string]string, len(d.inhibits))
	for id, e := range d.inhibits {
		inhibits[id] = e.reason
	}
	d.mu.Unlock()

	child.mu.Lock()
	if child.vendor == "" {
		child.vendor = vendor
	}
	if len(child.icons) == 0 {
		child.icons = icons
	}
	if len(child.vendorIDs) == 0 {
		child.vendorIDs = vendorIDs
	}
	if child.physicalID == "" {
		child.physicalID = physicalID
	}
	if child.backendID == "" {
		child.backendID = backendID
	}
	if parentID != "" {
		child.compositeID = parentID
	}
	if child.removeDelay < removeDelay {
		child.removeDelay = removeDelay
	}
	childRemove := child.removeDelay
	if child.acquiesceDelay < acquiesceDelay {
		child.acquiesceDelay = acquiesceDelay
	}
	childAcquiesce := child.acquiesceDelay
	child.mu.Unlock()

	d.mu.Lock()
	if d.removeDelay < childRemove {
		d.removeDelay = childRemove
	}
	if d.acquiesceDelay < childAcquiesce {
		d.acquiesceDelay = childAcquiesce
	}
	d.mu.Unlock()

	if d.HasPrivateFlag(PrivateFlagInhibitChildren) {
		for id, reason := range inhibits {
			child.Inhibit(id, reason)
		}
	}
}

// SetProxy wires d to use proxy's transport for I/O instead of opening
// its own (spec §3 "proxy device"). When refcounted is true, Open/Close
// on d increments/decrements the proxy's open refcount instead of d's
// own (spec §3 "refcounted proxy").
func (d *Device) SetProxy(proxy Handle, refcounted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proxy = proxy
	d.proxyRefcounted = refcounted
}

// Proxy resolves d's proxy device, if any and still live.
func (d *Device) Proxy() (*Device, bool) {
	d.mu.Lock()
	h := d.proxy
	d.mu.Unlock()
	if h == 0 {
		return nil, false
	}
	return d.arena.Get(h)
}

// AddParentGUID records a GUID d requires a parent device to carry for
// GUID-based parent matching at probe time (spec §3 "parent GUIDs").
func (d *Device) AddParentGUID(guid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, g := range d.parentGUIDs {
		if g == guid {
			return
		}
	}
	d.parentGUIDs = append(d.parentGUIDs, guid)
}

// ParentGUIDs returns the GUIDs registered via AddParentGUID.
func (d *Device) ParentGUIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.parentGUIDs...)
}

// AddCounterpartGUID records a GUID belonging to a sibling device that
// represents the same physical hardware through a different logical
// interface (spec §3 "counterpart GUIDs"), e.g. a receiver's HID and
// hidraw nodes.
func (d *Device) AddCounterpartGUID(guid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, g := range d.counterpartGUIDs {
		if g == guid {
			return
		}
	}
	d.counterpartGUIDs = append(d.counterpartGUIDs, guid)
}

// CounterpartGUIDs returns the GUIDs registered via AddCounterpartGUID.
func (d *Device) CounterpartGUIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.counterpartGUIDs...)
}

// OnChildAdded registers a callback run whenever a child is attached.
func (d *Device) OnChildAdded(fn func(*Device)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.childAddedObservers = append(d.childAddedObservers, fn)
}

// OnChildRemoved registers a callback run whenever a child is detached.
func (d *Device) OnChildRemoved(fn func(*Device)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.childRemovedObservers = append(d.childRemovedObservers, fn)
}

// AddParentPhysicalID records a deferred claim on a parent by physical
// ID, resolved by the runtime when a matching device appears (spec §3
// "parent_physical_ids").
func (d *Device) AddParentPhysicalID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.parentPhysicalIDs {
		if existing == id {
			return
		}
	}
	d.parentPhysicalIDs = append(d.parentPhysicalIDs, id)
}

// ParentPhysicalIDs returns the deferred parent claims by physical ID.
func (d *Device) ParentPhysicalIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.parentPhysicalIDs...)
}

// AddParentBackendID records a deferred claim on a parent by backend ID.
func (d *Device) AddParentBackendID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.parentBackendIDs {
		if existing == id {
			return
		}
	}
	d.parentBackendIDs = append(d.parentBackendIDs, id)
}

// ParentBackendIDs returns the deferred parent claims by backend ID.
func (d *Device) ParentBackendIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.parentBackendIDs...)
}
