package fwdevice

import "sync"

// Handle identifies a Device inside an Arena. The zero Handle never
// refers to a live device, so Handle{} doubles as "no parent"/"no proxy".
//
// This replaces the GObject weak-pointer parent/proxy pattern (spec §9):
// a Handle is checked against the Arena on every dereference instead of
// being a pointer that can dangle.
type Handle uint64

// Arena owns every Device created through it, and is the only way to
// resolve a Handle back to a *Device. A device disappearing (Arena.Remove)
// makes every Handle pointing at it resolve to (nil, false) from then on.
type Arena struct {
	mu      sync.RWMutex
	devices map[Handle]*Device
	next    Handle
}

// NewArena returns an empty device arena.
func NewArena() *Arena {
	return &Arena{devices: make(map[Handle]*Device)}
}

// New allocates a Handle and registers a fresh Device under it.
func (a *Arena) New(ops DeviceOps) *Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	h := a.next
	d := newDevice(a, h, ops)
	a.devices[h] = d
	return d
}

// Get resolves a Handle, returning (nil, false) if it names no live
// device (never allocated, or since Remove'd).
func (a *Arena) Get(h Handle) (*Device, bool) {
	if h == 0 {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.devices[h]
	return d, ok
}

// Remove deletes the device at h from the arena. Handles that referenced
// it (parent/proxy/children fields on other devices) become dangling and
// will resolve to (nil, false) on their next Get.
func (a *Arena) Remove(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.devices, h)
}

// forEach visits every live device. Callbacks run outside the arena
// lock so they can take per-device locks freely.
func (a *Arena) forEach(fn func(*Device)) {
	a.mu.RLock()
	devices := make([]*Device, 0, len(a.devices))
	for _, d := range a.devices {
		devices = append(devices, d)
	}
	a.mu.RUnlock()
	for _, d := range devices {
		fn(d)
	}
}

// Len reports how many devices are currently registered.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.devices)
}
