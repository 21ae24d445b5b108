package fwdevice

import (
	"time"

	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
)

// SetEventTarget redirects every event operation on d to the device at
// target (spec §3 "Events": "a device may have a target redirect").
// Pass the zero Handle to clear the redirect.
func (d *Device) SetEventTarget(target Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventTarget = target
}

// eventSink resolves the device whose event list an operation should
// touch: the redirect target when set and live, else d itself.
func (d *Device) eventSink() *Device {
	d.mu.Lock()
	target := d.eventTarget
	d.mu.Unlock()
	if target == 0 {
		return d
	}
	if t, ok := d.arena.Get(target); ok {
		return t
	}
	return d
}

// SaveEvent appends an entry to the event log. id is the typed envelope
// identifier, e.g. "usb:AA:AA:06"; kind and data carry the captured
// exchange for emulation replay.
func (d *Device) SaveEvent(id, kind string, data map[string]string) {
	sink := d.eventSink()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.events = append(sink.events, Event{ID: id, Timestamp: time.Now(), Kind: kind, Data: data})
}

// RecordEvent is SaveEvent without an envelope ID, for log entries that
// are never replayed by LoadEvent.
func (d *Device) RecordEvent(kind string, data map[string]string) {
	d.SaveEvent("", kind, data)
}

// LoadEvent returns the next event matching id, scanning forward from
// the replay cursor; on a miss it falls back to a full search from the
// start, and only when that also misses does it error (spec §3
// "Events": "Loading scans forward from a cursor; on miss, it falls
// back to a full search; on second miss, an error").
func (d *Device) LoadEvent(id string) (Event, error) {
	sink := d.eventSink()
	sink.mu.Lock()
	defer sink.mu.Unlock()

	for i := sink.eventCursor; i < len(sink.events); i++ {
		if sink.events[i].ID == id {
			sink.eventCursor = i + 1
			return sink.events[i], nil
		}
	}
	for i := 0; i < len(sink.events); i++ {
		if sink.events[i].ID == id {
			sink.eventCursor = i + 1
			return sink.events[i], nil
		}
	}
	return Event{}, fwerrors.Newf(fwerrors.NotFound, "no event with ID %s", id)
}

// Events returns a copy of the recorded event log.
func (d *Device) Events() []Event {
	sink := d.eventSink()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return append([]Event{}, sink.events...)
}

// ClearEvents drops the event log and resets the replay cursor.
func (d *Device) ClearEvents() {
	sink := d.eventSink()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.events = nil
	sink.eventCursor = 0
}
