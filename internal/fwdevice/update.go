package fwdevice

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
)

// openRedirect resolves the device that actually owns the transport for
// Open/Close: the parent when use-parent-for-open is set, the proxy
// when use-proxy-for-open (or a refcounted proxy) is set, else d
// itself. The redirected device's own Ops.Open runs; d's is a no-op
// (spec §4.3 "open"/"close").
func (d *Device) openRedirect() *Device {
	if d.HasPrivateFlag(PrivateFlagUseParentForOpen) {
		if parent, ok := d.Parent(); ok {
			return parent
		}
	}
	d.mu.Lock()
	refcounted := d.proxyRefcounted
	d.mu.Unlock()
	if refcounted || d.HasPrivateFlag(PrivateFlagUseProxyForOpen) {
		if proxy, ok := d.Proxy(); ok {
			return proxy
		}
	}
	return d
}

// Open acquires the device's transport, refcounted so nested callers
// (e.g. Setup calling Open, then the update path calling Open again)
// share one underlying open (spec §4.3 "open"/"close" are refcounted).
// With retry-open set, the subclass open is retried 5 times at 500 ms.
func (d *Device) Open(ctx context.Context) error {
	if target := d.openRedirect(); target != d {
		return target.Open(ctx)
	}

	d.mu.Lock()
	d.openRefcnt++
	first := d.openRefcnt == 1
	d.mu.Unlock()
	if !first {
		return nil
	}

	openFn := func() error { return d.ops.Open(d) }
	var err error
	if d.HasPrivateFlag(PrivateFlagRetryOpen) {
		err = d.RetryFull(ctx, "open", 5, 500*time.Millisecond, 500*time.Millisecond, openFn)
	} else {
		err = openFn()
	}
	if err != nil {
		d.mu.Lock()
		d.openRefcnt--
		d.mu.Unlock()
		return err
	}
	d.AddPrivateFlag(PrivateFlagIsOpen)
	return nil
}

// Close releases one reference acquired by Open, only calling the
// underlying Ops.Close once the refcount reaches zero.
func (d *Device) Close(ctx context.Context) error {
	if target := d.openRedirect(); target != d {
		return target.Close(ctx)
	}

	d.mu.Lock()
	if d.openRefcnt == 0 {
		d.mu.Unlock()
		return fwerrors.New(fwerrors.Internal, "close called without a matching open")
	}
	d.openRefcnt--
	last := d.openRefcnt == 0
	d.mu.Unlock()
	if !last {
		return nil
	}
	err := d.ops.Close(d)
	d.RemovePrivateFlag(PrivateFlagIsOpen)
	return err
}

// Probe runs Ops.Probe exactly once, idempotently returning nil on
// repeat calls (spec §4.3 "probe").
func (d *Device) Probe(ctx context.Context) error {
	d.mu.Lock()
	if d.probeDone {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if err := d.ops.Probe(d); err != nil {
		return fwerrors.Wrap(fwerrors.NotSupported, err, "probe failed")
	}
	d.mu.Lock()
	d.probeDone = true
	d.mu.Unlock()
	return nil
}

// Setup runs Ops.Setup exactly once, applies quirks, recurses into
// children, ensures the canonical device ID, and calls Ops.Ready last
// (spec §4.3 "setup").
func (d *Device) Setup(ctx context.Context) error {
	d.mu.Lock()
	if d.setupDone {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if err := d.ops.Setup(d); err != nil {
		return fwerrors.Wrap(fwerrors.Read, err, "setup failed")
	}
	d.ApplyQuirks()

	// a child that cannot be set up is left invalid rather than
	// failing the whole composite; the poll loop or the next hotplug
	// notification retries it
	for _, child := range d.Children() {
		if err := child.Setup(ctx); err != nil {
			fwdeviceLog.WithFields(logrus.Fields{
				"device": d.ID(),
				"child":  child.ID(),
				"error":  err,
			}).Warn("child setup failed")
		}
	}

	d.mu.Lock()
	hasPhysical := d.physicalID != ""
	d.mu.Unlock()
	if hasPhysical {
		if err := d.EnsureID(); err != nil {
			return err
		}
	}

	if err := d.ops.Ready(d); err != nil {
		return err
	}
	d.mu.Lock()
	d.setupDone = true
	d.mu.Unlock()
	return nil
}

// Invalidate clears the probe/setup latches so the next Probe/Setup
// re-reads the hardware, e.g. after a replug notification (spec §4.3
// "each runs exactly once per invalidate").
func (d *Device) Invalidate() {
	d.mu.Lock()
	d.probeDone = false
	d.setupDone = false
	d.mu.Unlock()
}

// UpdateState reports the outcome of the most recently attempted update.
func (d *Device) UpdateState() UpdateState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updateState
}

// UpdateError returns the inhibit-reason string while inhibited, else
// the last fatal update error (spec §7 "User-visible behavior").
func (d *Device) UpdateError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updateError
}

// UpdateMessage returns the post-update message mirrored from the last
// POST request or quirk.
func (d *Device) UpdateMessage() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updateMessage
}

// SetUpdateMessage stores the message a quirk or metadata merge wants
// shown after the update completes.
func (d *Device) SetUpdateMessage(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateMessage = msg
}

// UpdateImage returns the illustration URL accompanying UpdateMessage.
func (d *Device) UpdateImage() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updateImage
}

// SetUpdateImage stores the illustration URL.
func (d *Device) SetUpdateImage(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateImage = url
}

// SetUpdateState records the update outcome: success/pending/
// needs-reboot clear the stored error, and needs-reboot additionally
// inhibits with update-in-progress until another state replaces it
// (spec §4.3 "set_update_state").
func (d *Device) SetUpdateState(s UpdateState) {
	d.mu.Lock()
	d.updateState = s
	switch s {
	case UpdateStateSuccess, UpdateStatePending, UpdateStateNeedsReboot:
		d.updateError = ""
	}
	d.mu.Unlock()

	if s == UpdateStateNeedsReboot {
		d.AddProblem(ProblemUpdateInProgress)
	} else {
		d.RemoveProblem(ProblemUpdateInProgress)
	}
}

func (d *Device) setUpdateFailed(errMsg string) {
	d.SetUpdateState(UpdateStateFailed)
	d.mu.Lock()
	d.updateError = errMsg
	d.mu.Unlock()
}

// checkFirmwareSize enforces the quirk-configured size bounds with the
// exact byte delta in the message (spec §8 "Firmware with size <
// size_min or size > size_max yields invalid-file").
func (d *Device) checkFirmwareSize(size uint64) error {
	d.mu.Lock()
	min, max := d.firmwareSizeMin, d.firmwareSizeMax
	d.mu.Unlock()
	if min != 0 && size < min {
		return fwerrors.Newf(fwerrors.InvalidFile,
			"firmware is %d bytes smaller than the minimum size of %d bytes", min-size, min)
	}
	if max != 0 && size > max {
		return fwerrors.Newf(fwerrors.InvalidFile,
			"firmware is %d bytes larger than the maximum size of %d bytes", size-max, max)
	}
	return nil
}

// Write runs the full prepare→detach→write→attach→reload update
// pipeline against firmware (spec §4.3 "write_firmware"):
// PausePolling/ResumePolling bracket the whole pipeline so polling
// never races the transport mid-update, and every state transition is
// reflected in UpdateState before returning. If an update message is
// configured and the subclass never emitted a POST request itself, a
// synthetic one is emitted after the write.
func (d *Device) Write(ctx context.Context, firmware []byte, progress *Progress) error {
	if d.IsInhibited() {
		return fwerrors.New(fwerrors.Busy, "device is inhibited")
	}

	d.PausePolling()
	defer d.ResumePolling()

	d.SetUpdateState(UpdateStatePending)
	d.SetProgress(progress)
	d.mu.Lock()
	d.postRequestFired = false
	d.mu.Unlock()

	if progress != nil {
		progress.SetSteps([]ProgressStep{
			{Name: "prepare", Weight: 1},
			{Name: "detach", Weight: 9},
			{Name: "write", Weight: 70},
			{Name: "attach", Weight: 10},
			{Name: "reload", Weight: 10},
		})
	}

	if err := d.checkFirmwareSize(uint64(len(firmware))); err != nil {
		d.setUpdateFailed(err.Error())
		return err
	}
	blob, err := d.ops.PrepareFirmware(d, firmware)
	if err != nil {
		d.setUpdateFailed(err.Error())
		return fwerrors.Wrap(fwerrors.InvalidFile, err, "prepare firmware failed")
	}
	if progress != nil {
		progress.StepDone()
	}

	if d.HasFlag(FlagNeedsBootloader) && !d.HasFlag(FlagIsBootloader) {
		if err := d.ops.Detach(d); err != nil {
			d.setUpdateFailed(err.Error())
			return fwerrors.Wrap(fwerrors.Write, err, "detach failed")
		}
	}
	if progress != nil {
		progress.StepDone()
	}

	if err := d.ops.WriteFirmware(d, blob, childProgress(progress)); err != nil {
		d.setUpdateFailed(err.Error())
		return fwerrors.Wrap(fwerrors.Write, err, "write firmware failed")
	}
	if progress != nil {
		progress.StepDone()
	}

	d.mu.Lock()
	needPost := d.updateMessage != "" && !d.postRequestFired
	message, image := d.updateMessage, d.updateImage
	d.mu.Unlock()
	if needPost {
		req := &Request{Kind: RequestPost, ID: RequestIDDoNotPowerOff, Message: message, Image: image}
		if id, ok := d.LookupQuirk("UpdateRequestId"); ok {
			req.ID = id
		}
		if err := d.EmitRequest(req); err != nil {
			fwdeviceLog.WithError(err).Warn("post-update request emission failed")
		}
	}

	if d.HasFlag(FlagIsBootloader) || d.HasFlag(FlagNeedsBootloader) {
		if err := d.ops.Attach(d); err != nil {
			d.setUpdateFailed(err.Error())
			return fwerrors.Wrap(fwerrors.Write, err, "attach failed")
		}
	}
	if progress != nil {
		progress.StepDone()
	}

	if delay := d.AcquiesceDelay(); delay > 0 {
		if err := d.Sleep(delay); err != nil {
			return err
		}
	}

	d.Invalidate()
	if err := d.Setup(ctx); err != nil {
		d.SetUpdateState(UpdateStateNeedsReboot)
		return fwerrors.Wrap(fwerrors.Internal, err, "reload after write failed")
	}
	if progress != nil {
		progress.StepDone()
	}

	d.SetUpdateState(UpdateStateSuccess)
	return nil
}

func childProgress(p *Progress) *Progress {
	if p == nil {
		return nil
	}
	return p.Child()
}
