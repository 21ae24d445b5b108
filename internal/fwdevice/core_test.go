package fwdevice

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
	"github.com/go-fwupd/fwupd-core/internal/quirk"
)

type fakeOps struct {
	BaseOps
	detachCalled, attachCalled, writeCalled bool
	writeErr                                error
	incorporated                            *Device
}

func (f *fakeOps) Setup(d *Device) error { return nil }
func (f *fakeOps) Detach(d *Device) error {
	f.detachCalled = true
	return nil
}
func (f *fakeOps) Attach(d *Device) error {
	f.attachCalled = true
	return nil
}
func (f *fakeOps) WriteFirmware(d *Device, fw []byte, p *Progress) error {
	f.writeCalled = true
	return f.writeErr
}
func (f *fakeOps) Incorporate(d *Device, source *Device) {
	f.incorporated = source
}
func (f *fakeOps) String(d *Device) string { return "fake" }

func newTestDevice(t *testing.T) (*Arena, *Device, *fakeOps) {
	t.Helper()
	a := NewArena()
	ops := &fakeOps{}
	d := a.New(ops)
	d.SetID("test-device")
	return a, d, ops
}

func TestArenaHandleLifecycle(t *testing.T) {
	a, d, _ := newTestDevice(t)
	got, ok := a.Get(d.Handle())
	require.True(t, ok)
	assert.Same(t, d, got)

	a.Remove(d.Handle())
	_, ok = a.Get(d.Handle())
	assert.False(t, ok)
}

func TestZeroHandleNeverResolves(t *testing.T) {
	a := NewArena()
	_, ok := a.Get(Handle(0))
	assert.False(t, ok)
}

func TestSetIDHashesNonCanonicalValues(t *testing.T) {
	_, d, _ := newTestDevice(t)
	assert.Len(t, d.ID(), 40, "non-canonical IDs are hashed to 40-hex SHA1")

	canonical := "2082c5e0f1e88c4fd8a9b6c7d8e9fa0b1c2d3e4f"
	d.SetID(canonical)
	assert.Equal(t, canonical, d.ID(), "already-canonical IDs pass through verbatim")
}

func TestEnsureIDFromPhysicalAndLogical(t *testing.T) {
	a := NewArena()
	d := a.New(&fakeOps{})
	d.SetPhysicalID("usb:01:00")
	d.SetLogicalID("slot2")
	require.NoError(t, d.EnsureID())
	assert.Len(t, d.ID(), 40)

	d2 := a.New(&fakeOps{})
	d2.SetPhysicalID("usb:01:00")
	d2.SetLogicalID("slot2")
	require.NoError(t, d2.EnsureID())
	assert.Equal(t, d.ID(), d2.ID(), "same physical:logical pair yields the same ID")

	d3 := a.New(&fakeOps{})
	assert.Error(t, d3.EnsureID(), "no physical ID means no derivable device ID")
}

func TestIdentityFieldsFrozenAfterSetup(t *testing.T) {
	a := NewArena()
	d := a.New(&fakeOps{})
	d.SetPhysicalID("usb:01:00")
	require.NoError(t, d.Setup(context.Background()))

	d.SetPhysicalID("usb:09:99")
	assert.Equal(t, "usb:01:00", d.PhysicalID())
	d.SetLogicalID("nope")
	assert.Equal(t, "", d.LogicalID())
}

func TestSetNameSanitizes(t *testing.T) {
	_, d, _ := newTestDevice(t)
	d.SetName("Wireless  Mouse(TM)(R)  ")
	assert.Equal(t, "Wireless Mouse™", d.Name())
}

func TestSetNameStripsVendorPrefix(t *testing.T) {
	_, d, _ := newTestDevice(t)
	d.SetVendor("Logitech")
	d.SetName("LOGITECH Wireless Mouse")
	assert.Equal(t, "Wireless Mouse", d.Name())
}

func TestFlagMutualExclusion(t *testing.T) {
	_, d, _ := newTestDevice(t)
	d.AddFlag(FlagIsBootloader)
	d.AddFlag(FlagNeedsBootloader)
	assert.True(t, d.HasFlag(FlagNeedsBootloader))
	assert.False(t, d.HasFlag(FlagIsBootloader))

	d.AddFlag(FlagSignedPayload)
	d.AddFlag(FlagUnsignedPayload)
	assert.True(t, d.HasFlag(FlagUnsignedPayload))
	assert.False(t, d.HasFlag(FlagSignedPayload))
}

func TestFlagImplication(t *testing.T) {
	_, d, _ := newTestDevice(t)
	d.AddFlag(FlagCanVerifyImage)
	assert.True(t, d.HasFlag(FlagCanVerify))

	d.AddFlag(FlagInstallAllReleases)
	assert.True(t, d.HasFlag(FlagVersionCheckRequired))
}

func TestInhibitDemotesUpdatableToHidden(t *testing.T) {
	_, d, _ := newTestDevice(t)
	d.AddFlag(FlagUpdatable)

	d.Inhibit("low-battery", "battery too low")
	assert.False(t, d.HasFlag(FlagUpdatable))
	assert.True(t, d.HasFlag(FlagUpdatableHidden))
	assert.True(t, d.IsInhibited())
	assert.Equal(t, "battery too low", d.UpdateError())

	d.Inhibit("in-use", "device busy")
	assert.Equal(t, "battery too low, device busy", d.UpdateError())

	d.Uninhibit("low-battery")
	assert.Equal(t, "device busy", d.UpdateError())

	d.Uninhibit("in-use")
	assert.True(t, d.HasFlag(FlagUpdatable))
	assert.False(t, d.HasFlag(FlagUpdatableHidden))
	assert.Empty(t, d.UpdateError())
}

func TestInhibitPropagatesToChildren(t *testing.T) {
	a := NewArena()
	parent := a.New(&fakeOps{})
	parent.AddPrivateFlag(PrivateFlagInhibitChildren)
	child := a.New(&fakeOps{})
	child.SetParent(parent.Handle())

	parent.Inhibit("update-pending", "reboot required")
	assert.True(t, child.HasInhibit("update-pending"))

	parent.Uninhibit("update-pending")
	assert.False(t, child.HasInhibit("update-pending"))
}

func TestUnreachableFlagAddsProblem(t *testing.T) {
	_, d, _ := newTestDevice(t)
	d.AddFlag(FlagUnreachable)
	assert.True(t, d.HasProblem(ProblemUnreachable))
	d.RemoveFlag(FlagUnreachable)
	assert.False(t, d.HasProblem(ProblemUnreachable))
}

func TestProxyMirrorsEmulatedAndUnreachable(t *testing.T) {
	a := NewArena()
	proxy := a.New(&fakeOps{})
	d := a.New(&fakeOps{})
	d.SetProxy(proxy.Handle(), false)

	proxy.AddFlag(FlagUnreachable)
	assert.True(t, d.HasFlag(FlagUnreachable))

	proxy.RemoveFlag(FlagUnreachable)
	assert.False(t, d.HasFlag(FlagUnreachable))

	proxy.AddFlag(FlagEmulated)
	assert.True(t, d.HasFlag(FlagEmulated))

	proxy.RemoveFlag(FlagEmulated)
	assert.False(t, d.HasFlag(FlagEmulated))
}

func TestGraphParentChild(t *testing.T) {
	a := NewArena()
	parent := a.New(&fakeOps{})
	parent.SetVendor("Logitech")
	child := a.New(&fakeOps{})
	child.SetParent(parent.Handle())

	got, ok := child.Parent()
	require.True(t, ok)
	assert.Same(t, parent, got)
	assert.Equal(t, "Logitech", child.Vendor())

	children := parent.Children()
	require.Len(t, children, 1)
	assert.Same(t, child, children[0])
}

func TestCompositeIDPropagation(t *testing.T) {
	a := NewArena()
	parent := a.New(&fakeOps{})
	parent.SetID("receiver-path")
	child := a.New(&fakeOps{})
	child.SetParent(parent.Handle())
	assert.Equal(t, parent.ID(), child.CompositeID())

	parent.SetID("new-receiver-path")
	assert.Equal(t, parent.ID(), child.CompositeID())
}

func TestChildInheritsDelaysAsMax(t *testing.T) {
	a := NewArena()
	parent := a.New(&fakeOps{})
	parent.SetRemoveDelay(2 * time.Second)
	parent.SetAcquiesceDelay(time.Second)

	child := a.New(&fakeOps{})
	child.SetRemoveDelay(5 * time.Second)
	child.SetParent(parent.Handle())

	assert.Equal(t, 5*time.Second, child.RemoveDelay())
	assert.Equal(t, 5*time.Second, parent.RemoveDelay(), "parent takes MAX of children's remove delay")
	assert.Equal(t, time.Second, child.AcquiesceDelay())
}

func TestInstanceIDGUIDExport(t *testing.T) {
	_, d, _ := newTestDevice(t)
	d.AddInstanceID(`USB\VID_046D&PID_C52B`)
	assert.Len(t, d.GUIDs(), 1)
	assert.True(t, d.HasGUID(d.GUIDs()[0]))

	// idempotent: re-adding the same ID leaves the set unchanged
	d.AddInstanceID(`USB\VID_046D&PID_C52B`)
	assert.Len(t, d.GUIDs(), 1)
	assert.Len(t, d.InstanceIDs(), 1)
}

func TestSleepBounds(t *testing.T) {
	_, d, _ := newTestDevice(t)
	assert.NoError(t, d.Sleep(0))
	assert.Error(t, d.Sleep(maxSleep+time.Millisecond))

	d.AddFlag(FlagEmulated)
	start := time.Now()
	assert.NoError(t, d.Sleep(10*time.Second))
	assert.Less(t, time.Since(start), time.Second, "emulated devices never really sleep")
}

func TestEventLogCursorAndRedirect(t *testing.T) {
	a := NewArena()
	target := a.New(&fakeOps{})
	d := a.New(&fakeOps{})
	d.SetEventTarget(target.Handle())

	d.SaveEvent("usb:AA:AA:06", "write", nil)
	d.SaveEvent("usb:AA:AA:07", "read", nil)
	assert.Len(t, target.Events(), 2, "events route to the redirect target")

	ev, err := d.LoadEvent("usb:AA:AA:06")
	require.NoError(t, err)
	assert.Equal(t, "write", ev.Kind)

	// cursor advanced past the first event; a repeat load falls back to
	// the full search and still succeeds
	ev, err = d.LoadEvent("usb:AA:AA:06")
	require.NoError(t, err)
	assert.Equal(t, "write", ev.Kind)

	_, err = d.LoadEvent("usb:BB:BB:01")
	require.Error(t, err)
	kind, ok := fwerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, fwerrors.NotFound, kind)
}

func TestWriteDrivesLifecycle(t *testing.T) {
	_, d, ops := newTestDevice(t)
	d.AddFlag(FlagNeedsBootloader)

	err := d.Write(context.Background(), []byte{0x01, 0x02}, nil)
	require.NoError(t, err)
	assert.True(t, ops.detachCalled)
	assert.True(t, ops.writeCalled)
	assert.True(t, ops.attachCalled)
	assert.Equal(t, UpdateStateSuccess, d.UpdateState())
}

func TestWriteFailsWhenInhibited(t *testing.T) {
	_, d, _ := newTestDevice(t)
	d.Inhibit("busy", "doing something else")
	err := d.Write(context.Background(), []byte{0x01}, nil)
	assert.Error(t, err)
}

func TestWriteEnforcesFirmwareSizeBounds(t *testing.T) {
	_, d, _ := newTestDevice(t)
	d.SetFirmwareSizeMin(16)
	err := d.Write(context.Background(), make([]byte, 10), nil)
	require.Error(t, err)
	kind, ok := fwerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, fwerrors.InvalidFile, kind)
	assert.Contains(t, err.Error(), "6 bytes smaller")

	d2 := NewArena().New(&fakeOps{})
	d2.SetFirmwareSizeMax(4)
	err = d2.Write(context.Background(), make([]byte, 10), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "6 bytes larger")
}

func TestWriteEmitsSyntheticPostRequest(t *testing.T) {
	_, d, _ := newTestDevice(t)
	d.SetUpdateMessage("Reboot the peripheral to finish")

	var got *Request
	d.OnRequest(func(r *Request) {
		if r.Kind == RequestPost {
			got = r
		}
	})
	require.NoError(t, d.Write(context.Background(), []byte{0x01}, nil))
	require.NotNil(t, got)
	assert.Equal(t, "Reboot the peripheral to finish", got.Message)
	assert.Equal(t, 1, d.RequestCount(RequestPost))
}

func TestEmitRequestValidation(t *testing.T) {
	_, d, _ := newTestDevice(t)
	assert.Error(t, d.EmitRequest(&Request{Kind: RequestUnknown, ID: "x"}))
	assert.Error(t, d.EmitRequest(&Request{Kind: RequestImmediate}))

	d.AddFlag(FlagEmulated)
	called := false
	d.OnRequest(func(*Request) { called = true })
	assert.NoError(t, d.EmitRequest(&Request{Kind: RequestImmediate, ID: RequestIDRemoveReplug}))
	assert.False(t, called, "emulated devices log and succeed without notifying")
}

func TestSetUpdateStateNeedsRebootInhibits(t *testing.T) {
	_, d, _ := newTestDevice(t)
	d.SetUpdateState(UpdateStateNeedsReboot)
	assert.True(t, d.HasProblem(ProblemUpdateInProgress))

	d.SetUpdateState(UpdateStateSuccess)
	assert.False(t, d.HasProblem(ProblemUpdateInProgress))
}

func TestIncorporateMergesState(t *testing.T) {
	a := NewArena()
	source := a.New(&fakeOps{})
	source.SetVendor("Logitech")
	source.AddInstanceID(`USB\VID_046D`)

	destOps := &fakeOps{}
	dest := a.New(destOps)
	dest.Incorporate(source, IncorporateAll)

	assert.Equal(t, "Logitech", dest.Vendor())
	assert.Same(t, source, destOps.incorporated)
	assert.Equal(t, source.GUIDs(), dest.GUIDs())
}

func TestIncorporateRespectsFieldMask(t *testing.T) {
	a := NewArena()
	source := a.New(&fakeOps{})
	source.SetVendor("Logitech")
	source.SetPhysicalID("usb:01")

	dest := a.New(&fakeOps{})
	dest.Incorporate(source, IncorporateVendor)
	assert.Equal(t, "Logitech", dest.Vendor())
	assert.Empty(t, dest.PhysicalID(), "unselected fields are not copied")
}

func TestIncorporateNeverOverwrites(t *testing.T) {
	a := NewArena()
	source := a.New(&fakeOps{})
	source.SetVendor("Logitech")

	dest := a.New(&fakeOps{})
	dest.SetVendor("Razer")
	dest.Incorporate(source, IncorporateAll)
	assert.Equal(t, "Razer", dest.Vendor())
}

func TestProgressStepRollup(t *testing.T) {
	p := NewProgress()
	p.SetSteps([]ProgressStep{{Name: "detach", Weight: 10}, {Name: "write", Weight: 90}})
	assert.Equal(t, 0, p.Percentage())

	p.StepDone()
	assert.Equal(t, 10, p.Percentage())

	p.SetPercentage(50)
	assert.Equal(t, 55, p.Percentage())
}

func TestRetryFullGivesUpAfterMaxAttempts(t *testing.T) {
	_, d, _ := newTestDevice(t)
	attempts := 0
	err := d.RetryFull(context.Background(), "test", 3, time.Millisecond, 2*time.Millisecond, func() error {
		attempts++
		return fwerrors.New(fwerrors.Busy, "transient")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "failed after 3 retries")
}

func TestRetryFullStopsOnNonRecoverable(t *testing.T) {
	_, d, _ := newTestDevice(t)
	attempts := 0
	err := d.RetryFull(context.Background(), "test", 5, time.Millisecond, 2*time.Millisecond, func() error {
		attempts++
		return fwerrors.New(fwerrors.InvalidData, "permanent")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestBatteryThresholdInhibits(t *testing.T) {
	_, d, _ := newTestDevice(t)
	d.SetBatteryThreshold(50)
	d.SetBatteryLevel(10)
	assert.True(t, d.HasProblem(ProblemPowerTooLow))
	assert.Contains(t, d.UpdateError(), "(10%, requires 50%)")

	d.SetBatteryLevel(80)
	assert.False(t, d.HasProblem(ProblemPowerTooLow))
}

func TestBatteryForwardsToParent(t *testing.T) {
	a := NewArena()
	parent := a.New(&fakeOps{})
	parent.SetBatteryLevel(42)
	child := a.New(&fakeOps{})
	child.SetParent(parent.Handle())
	child.AddPrivateFlag(PrivateFlagUseParentForBatt)
	assert.Equal(t, 42, child.BatteryLevel())
}

func TestVersionFormatReRendersRawVersion(t *testing.T) {
	_, d, _ := newTestDevice(t)
	d.SetVersionRaw(0x01020304)
	assert.Equal(t, "2.3.4", d.Version(), "triplet is the default format")

	d.SetVersionFormat(VersionFormatQuad)
	assert.Equal(t, "1.2.3.4", d.Version())
}

func TestApplyQuirksConfiguresDevice(t *testing.T) {
	dir := t.TempDir()
	quirkFile := `[USB\VID_046D&PID_C52B]
Name = Unifying Receiver
Vendor = Logitech
Protocol = com.logitech.unifying
FirmwareSizeMax = 65536
BatteryThreshold = 30
RemoveDelay = 5000
VersionFormat = quad
Flags = updatable,signed-payload
Inhibit = needs-pairing:Device must be paired first
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-logitech.quirk"), []byte(quirkFile), 0o644))

	store, err := quirk.New("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Load([]string{dir}))

	_, d, _ := newTestDevice(t)
	d.SetQuirkStore(store)
	d.AddInstanceID(`USB\VID_046D&PID_C52B`)
	d.ApplyQuirks()

	assert.Equal(t, "Unifying Receiver", d.Name())
	assert.Equal(t, "Logitech", d.Vendor())
	proto, _ := d.Metadata("protocol")
	assert.Equal(t, "com.logitech.unifying", proto)
	assert.Equal(t, uint64(65536), d.FirmwareSizeMax())
	assert.Equal(t, 30, d.BatteryThreshold())
	assert.Equal(t, 5*time.Second, d.RemoveDelay())
	assert.Equal(t, VersionFormatQuad, d.VersionFormat())
	assert.True(t, d.HasFlag(FlagSignedPayload))
	assert.True(t, d.HasInhibit("needs-pairing"))
	assert.True(t, d.HasFlag(FlagUpdatableHidden), "the quirk inhibit demotes updatable")
}

func TestSnapshotRoundTrip(t *testing.T) {
	a := NewArena()
	d := a.New(&fakeOps{})
	d.SetID("dev1")
	d.SetName("Unifying Receiver")
	d.AddInstanceID(`USB\VID_046D&PID_C52B`)
	d.RecordEvent("open", map[string]string{"result": "ok"})

	snap := d.ToSnapshot()

	d2 := a.New(&fakeOps{})
	d2.LoadSnapshot(snap)
	assert.Equal(t, d.ID(), d2.ID())
	assert.Equal(t, "Unifying Receiver", d2.Name())
	assert.Equal(t, d.GUIDs(), d2.GUIDs())
	require.Len(t, d2.Events(), 1)
	assert.Equal(t, "open", d2.Events()[0].Kind)
}
