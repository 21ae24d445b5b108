package fwdevice

import (
	"encoding/json"
	"time"

	"github.com/go-fwupd/fwupd-core/internal/instanceid"
)

// Snapshot is the JSON-serializable emulation capture of a device: its
// identity, flags, instance IDs and event log, enough to replay a
// recorded session against a fake transport (spec §3 "emulation").
type Snapshot struct {
	ID            string            `json:"id"`
	PhysicalID    string            `json:"physical_id,omitempty"`
	LogicalID     string            `json:"logical_id,omitempty"`
	Name          string            `json:"name,omitempty"`
	Vendor        string            `json:"vendor,omitempty"`
	Version       string            `json:"version,omitempty"`
	VersionFormat VersionFormat     `json:"version_format,omitempty"`
	Flags         uint64            `json:"flags"`
	GUIDs         []string          `json:"guids,omitempty"`
	InstanceIDs   []string          `json:"instance_ids,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Events        []snapshotEvent   `json:"events,omitempty"`
}

type snapshotEvent struct {
	ID            string            `json:"id,omitempty"`
	TimestampUsec int64             `json:"timestamp_usec"`
	Kind          string            `json:"kind"`
	Data          map[string]string `json:"data,omitempty"`
}

// ToSnapshot captures the device's current public state.
func (d *Device) ToSnapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	events := make([]snapshotEvent, len(d.events))
	for i, e := range d.events {
		events[i] = snapshotEvent{
			ID:            e.ID,
			TimestampUsec: e.Timestamp.UnixMicro(),
			Kind:          e.Kind,
			Data:          e.Data,
		}
	}
	meta := make(map[string]string, len(d.metadata))
	for k, v := range d.metadata {
		meta[k] = v
	}
	return Snapshot{
		ID:            d.id,
		PhysicalID:    d.physicalID,
		LogicalID:     d.logicalID,
		Name:          d.name,
		Vendor:        d.vendor,
		Version:       d.version,
		VersionFormat: d.versionFormat,
		Flags:         uint64(d.flags),
		GUIDs:         append([]string{}, d.guids...),
		InstanceIDs:   instanceIDStrings(d.instanceIDs),
		Metadata:      meta,
		Events:        events,
	}
}

func instanceIDStrings(entries []instanceid.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

// ToJSON marshals the device's snapshot.
func (d *Device) ToJSON() ([]byte, error) {
	return json.Marshal(d.ToSnapshot())
}

// LoadSnapshot applies a previously captured Snapshot onto a freshly
// allocated device (spec §4.3 "emulation replay": the daemon allocates
// a Device with the emulated transport's Ops, then replays the
// snapshot onto it instead of running Probe/Setup against real
// hardware).
func (d *Device) LoadSnapshot(s Snapshot) {
	d.mu.Lock()
	d.id = s.ID
	d.physicalID = s.PhysicalID
	d.logicalID = s.LogicalID
	d.name = s.Name
	d.vendor = s.Vendor
	d.version = s.Version
	d.versionFormat = s.VersionFormat
	d.flags = Flag(s.Flags)
	d.guids = append([]string{}, s.GUIDs...)
	if d.metadata == nil {
		d.metadata = make(map[string]string)
	}
	for k, v := range s.Metadata {
		d.metadata[k] = v
	}
	d.events = make([]Event, len(s.Events))
	for i, e := range s.Events {
		d.events[i] = Event{
			ID:        e.ID,
			Timestamp: time.UnixMicro(e.TimestampUsec),
			Kind:      e.Kind,
			Data:      e.Data,
		}
	}
	d.eventCursor = 0
	d.mu.Unlock()

	for _, id := range s.InstanceIDs {
		d.AddInstanceID(id)
	}
}
