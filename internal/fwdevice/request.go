package fwdevice

import "github.com/go-fwupd/fwupd-core/internal/fwerrors"

// RequestKind classifies how a user-facing request should be presented:
// immediately blocking the flow, or after the update completes (spec §6
// "emit_request").
type RequestKind int

const (
	RequestUnknown RequestKind = iota
	RequestImmediate
	RequestPost
	requestKindLast
)

// Well-known request IDs (spec §6: "an id, e.g.
// org.freedesktop.fwupd.request.remove-replug").
const (
	RequestIDRemoveReplug   = "org.freedesktop.fwupd.request.remove-replug"
	RequestIDInsertUSBCable = "org.freedesktop.fwupd.request.insert-usb-cable"
	RequestIDRemoveUSBCable = "org.freedesktop.fwupd.request.remove-usb-cable"
	RequestIDPressUnlock    = "org.freedesktop.fwupd.request.press-unlock"
	RequestIDDoNotPowerOff  = "org.freedesktop.fwupd.request.do-not-power-off"
	RequestIDReplugPower    = "org.freedesktop.fwupd.request.replug-power"
	RequestIDInhibitChanged = "org.freedesktop.fwupd.request.inhibit-changed"
)

// Request is one user-facing action a device asks for during an update.
type Request struct {
	Kind     RequestKind
	ID       string
	DeviceID string
	Message  string
	Image    string
}

// OnRequest registers a callback invoked for every emitted request and
// for synthetic notifications such as inhibit-changed.
func (d *Device) OnRequest(fn func(*Request)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestObservers = append(d.requestObservers, fn)
}

// EmitRequest validates and publishes a request to every observer
// (spec §4.3 "Request emission"): the kind must be known, the ID
// present; emulated devices log and succeed without notifying anyone;
// POST requests mirror their message and image into the device's
// update-message state so clients that poll instead of subscribing
// still see them. An in-flight Progress, when set, switches to
// waiting-for-user.
func (d *Device) EmitRequest(req *Request) error {
	if req.Kind == RequestUnknown || req.Kind >= requestKindLast {
		return fwerrors.Newf(fwerrors.Internal, "invalid request kind %d", req.Kind)
	}
	if req.ID == "" {
		return fwerrors.New(fwerrors.Internal, "request has no ID")
	}
	if d.HasFlag(FlagEmulated) {
		fwdeviceLog.WithField("request", req.ID).Debug("skipping request emission for emulated device")
		return nil
	}

	d.mu.Lock()
	req.DeviceID = d.id
	if req.Kind == RequestPost {
		d.updateMessage = req.Message
		d.updateImage = req.Image
		d.postRequestFired = true
	}
	if d.requestCounts == nil {
		d.requestCounts = make(map[RequestKind]int)
	}
	d.requestCounts[req.Kind]++
	observers := append([]func(*Request){}, d.requestObservers...)
	progress := d.progress
	d.mu.Unlock()

	if progress != nil {
		progress.SetStatus(StatusWaitingForUser)
	}
	for _, obs := range observers {
		obs(req)
	}
	return nil
}

// RequestCount reports how many times EmitRequest has fired for kind.
func (d *Device) RequestCount(kind RequestKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestCounts[kind]
}
