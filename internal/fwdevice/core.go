// Package fwdevice implements the device object model (spec component
// C3): the arena-allocated Device, its flags/inhibits/instance-IDs, the
// parent/child/proxy graph, and the probe/setup/write/attach lifecycle
// that every concrete transport (HID++ peripherals, bootloaders,
// receivers) drives through a DeviceOps implementation.
package fwdevice

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
	"github.com/go-fwupd/fwupd-core/internal/instanceid"
	"github.com/go-fwupd/fwupd-core/internal/quirk"
)

var fwdeviceLog = logrus.WithField("subsystem", "fwdevice")

// SetLogger merges extra fields (e.g. a daemon-wide request ID) into the
// package logger, following the teacher's package-scoped *logrus.Entry
// convention.
func SetLogger(logger *logrus.Entry) {
	fwdeviceLog = fwdeviceLog.WithFields(logger.Data)
}

// VersionFormat names the scheme a device's version string is rendered
// in (spec §3 "version format").
type VersionFormat string

const (
	VersionFormatPlain      VersionFormat = "plain"
	VersionFormatTriplet    VersionFormat = "triplet"
	VersionFormatQuad       VersionFormat = "quad"
	VersionFormatBCD        VersionFormat = "bcd"
	VersionFormatHex        VersionFormat = "hex"
	VersionFormatPair       VersionFormat = "pair"
	VersionFormatNumber     VersionFormat = "number"
	VersionFormatIntelMe    VersionFormat = "intel-me"
	VersionFormatSurfaceLeg VersionFormat = "surface-legacy"
)

// UpdateState mirrors the last attempted update's outcome (spec §3
// "Update state").
type UpdateState int

const (
	UpdateStateUnknown UpdateState = iota
	UpdateStatePending
	UpdateStateSuccess
	UpdateStateFailed
	UpdateStateNeedsReboot
	UpdateStateFailedTransient
)

// Event is an append-only log entry recorded against a device (spec §3
// "event log"), primarily for emulation capture/replay (json.go).
type Event struct {
	ID        string
	Timestamp time.Time
	Kind      string
	Data      map[string]string
}

// DeviceOps is the trait every concrete device type implements; it is
// the Go-interface replacement for GObject's vfuncs (spec §9). Device
// itself carries none of this logic — it delegates to Ops for every
// transport-specific step and falls back to a default no-op only where
// the spec says a step is optional.
type DeviceOps interface {
	// Probe inspects static bus/HID descriptors. No I/O to the device.
	Probe(d *Device) error
	// Setup opens the device and reads whatever is needed to populate
	// instance IDs, version, and feature flags.
	Setup(d *Device) error
	// Open acquires the transport (chardev, proxy channel, ...).
	Open(d *Device) error
	// Close releases it.
	Close(d *Device) error
	// Detach switches the device into bootloader/DFU mode.
	Detach(d *Device) error
	// Attach switches it back into runtime mode.
	Attach(d *Device) error
	// PrepareFirmware validates and possibly transforms a firmware blob
	// before WriteFirmware is called.
	PrepareFirmware(d *Device, blob []byte) ([]byte, error)
	// WriteFirmware streams firmware to the device.
	WriteFirmware(d *Device, firmware []byte, progress *Progress) error
	// Poll is invoked on the device's poll interval, if nonzero.
	Poll(d *Device) error
	// Ready is called once setup has fully completed and the device is
	// about to be exposed to clients.
	Ready(d *Device) error
	// Incorporate copies transport-specific state from source into d
	// when d replaces source across a replug (spec §4.3 "incorporate").
	Incorporate(d *Device, source *Device)
	// String returns a transport-specific debug description appended
	// to Device.String()'s base rendering.
	String(d *Device) string
}

// BaseOps provides no-op defaults for every DeviceOps method so
// concrete types can embed it and override only what they need, the
// same way the teacher's driver implementations embed a BlockDrive/
// VFIODevice base and override a handful of methods.
type BaseOps struct{}

func (BaseOps) Probe(*Device) error                                 { return nil }
func (BaseOps) Setup(*Device) error                                 { return nil }
func (BaseOps) Open(*Device) error                                  { return nil }
func (BaseOps) Close(*Device) error                                 { return nil }
func (BaseOps) Detach(*Device) error                                { return notSupported("detach") }
func (BaseOps) Attach(*Device) error                                { return notSupported("attach") }
func (BaseOps) PrepareFirmware(_ *Device, b []byte) ([]byte, error) { return b, nil }
func (BaseOps) WriteFirmware(*Device, []byte, *Progress) error      { return notSupported("write-firmware") }
func (BaseOps) Poll(*Device) error                                  { return nil }
func (BaseOps) Ready(*Device) error                                 { return nil }
func (BaseOps) Incorporate(*Device, *Device)                        {}
func (BaseOps) String(*Device) string                               { return "" }

// Device is a single arena-managed device node. All mutable state is
// guarded by mu; exported accessors take the lock internally so callers
// never need to.
type Device struct {
	mu sync.Mutex

	arena    *Arena
	handle   Handle
	ops      DeviceOps
	opsChain []DeviceOps

	// Identity (spec §3 "Device identity").
	id                string
	compositeID       string
	equivalentID      string
	physicalID        string
	logicalID         string
	backendID         string
	vid               uint16
	pid               uint16
	vendorIDs         []string
	name              string
	vendor            string
	version           string
	versionLowest     string
	versionBootloader string
	versionFormat     VersionFormat
	rawVersion        uint32
	hasRawVersion     bool
	serial            string
	summary           string
	icons             []string
	createdUsec       int64
	modifiedUsec      int64

	// Flags.
	flags               Flag
	privateFlags        map[string]bool
	privateFlagRegistry *PrivateFlagRegistry

	// Inhibits and problems (inhibit.go).
	inhibits          map[string]*inhibitEntry
	inhibitOrder      []string
	inInhibitCallback bool

	// Metadata free-form key/value store (spec §3 "metadata").
	metadata map[string]string

	// Instance IDs / GUIDs (instance.go).
	instanceIDs          []instanceid.Entry
	quirkOnlyInstanceIDs []instanceid.Entry
	guids                []string
	quirkStore           *quirk.Store

	// Graph (graph.go): Handle fields are resolved through arena on
	// every access so a vanished parent/proxy never dereferences stale
	// memory.
	parent            Handle
	proxy             Handle
	proxyRefcounted   bool
	proxyRefcnt       int32
	children          []Handle
	parentGUIDs       []string
	parentPhysicalIDs []string
	parentBackendIDs  []string
	counterpartGUIDs  []string

	// Delays inherited across the graph (spec §3 "Relationships").
	removeDelay    time.Duration
	acquiesceDelay time.Duration

	// Retry recoveries (retry.go).
	retryRecoveries map[string]func(error) bool

	// Polling (poll.go).
	pollInterval  time.Duration
	pollLockerCnt int32
	pollTimerStop chan struct{}

	// Update state (update.go).
	updateState      UpdateState
	updateError      string
	updateMessage    string
	updateImage      string
	installDuration  time.Duration
	priority         int
	firmwareSizeMin  uint64
	firmwareSizeMax  uint64
	requestCounts    map[RequestKind]int
	postRequestFired bool

	// Battery (battery.go).
	batteryLevel     int
	batteryThreshold int

	// Open refcount: Open/Close are refcounted the way the teacher's
	// block driver refcounts attach/detach.
	openRefcnt int32

	// setupDone/probeDone gate re-entrant Setup/Probe calls (spec §4.3
	// "setup is idempotent after the first successful call").
	setupDone bool
	probeDone bool

	progress *Progress

	// Event log (events.go): target redirects every save/load to
	// another device, the cursor tracks replay position.
	events      []Event
	eventTarget Handle
	eventCursor int

	requestObservers      []func(*Request)
	childAddedObservers   []func(*Device)
	childRemovedObservers []func(*Device)
}

// defaultBatteryThreshold is the minimum charge percentage assumed when
// no quirk or transport supplies one.
const defaultBatteryThreshold = 20

func newDevice(a *Arena, h Handle, ops DeviceOps) *Device {
	if ops == nil {
		ops = BaseOps{}
	}
	now := time.Now().UnixMicro()
	return &Device{
		arena:            a,
		handle:           h,
		ops:              ops,
		versionFormat:    VersionFormatTriplet,
		metadata:         make(map[string]string),
		inhibits:         make(map[string]*inhibitEntry),
		retryRecoveries:  make(map[string]func(error) bool),
		requestCounts:    make(map[RequestKind]int),
		batteryLevel:     -1,
		batteryThreshold: defaultBatteryThreshold,
		createdUsec:      now,
		modifiedUsec:     now,
	}
}

// Handle returns the device's stable arena handle.
func (d *Device) Handle() Handle { return d.handle }

// Arena returns the arena this device was allocated from.
func (d *Device) Arena() *Arena { return d.arena }

func (d *Device) touch() {
	d.modifiedUsec = time.Now().UnixMicro()
}

// CreatedUsec returns the microsecond creation timestamp.
func (d *Device) CreatedUsec() int64 { d.mu.Lock(); defer d.mu.Unlock(); return d.createdUsec }

// ModifiedUsec returns the microsecond last-modification timestamp.
func (d *Device) ModifiedUsec() int64 { d.mu.Lock(); defer d.mu.Unlock(); return d.modifiedUsec }

// isValidDeviceID reports whether s is already a canonical device ID: a
// 40-character lowercase hex SHA1 rendering.
func isValidDeviceID(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func hashDeviceID(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ID returns the canonical device ID, if assigned.
func (d *Device) ID() string { d.mu.Lock(); defer d.mu.Unlock(); return d.id }

// SetID assigns the canonical device ID: s verbatim when it is already a
// valid 40-hex ID, else the SHA1 of s. Every child's composite ID that
// still pointed at the old value is rewritten to the new one (spec §4.3
// "set_id").
func (d *Device) SetID(s string) {
	id := s
	if !isValidDeviceID(s) {
		id = hashDeviceID(s)
	}

	d.mu.Lock()
	old := d.id
	d.id = id
	d.touch()
	children := append([]Handle{}, d.children...)
	d.mu.Unlock()

	for _, h := range children {
		child, ok := d.arena.Get(h)
		if !ok {
			continue
		}
		child.mu.Lock()
		if child.compositeID == "" || child.compositeID == old {
			child.compositeID = id
		}
		child.mu.Unlock()
	}
}

// EnsureID computes the canonical device ID from physical and logical
// IDs when none was set explicitly (spec §3: "a 40-hex SHA1 of
// physical_id:logical_id").
func (d *Device) EnsureID() error {
	d.mu.Lock()
	if d.id != "" {
		d.mu.Unlock()
		return nil
	}
	physical, logical := d.physicalID, d.logicalID
	d.mu.Unlock()
	if physical == "" {
		return fwerrors.New(fwerrors.Internal, "cannot ensure device ID without a physical ID")
	}
	d.SetID(physical + ":" + logical)
	return nil
}

// CompositeID returns the root device ID of the composite this device
// belongs to, defaulting to its own ID when it has no parent.
func (d *Device) CompositeID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.compositeID != "" {
		return d.compositeID
	}
	return d.id
}

// SetCompositeID assigns the composite root explicitly; AddChild and
// SetID normally maintain it.
func (d *Device) SetCompositeID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.compositeID = id
}

// EquivalentID names another registered device that represents the same
// hardware through a different plugin.
func (d *Device) EquivalentID() string { d.mu.Lock(); defer d.mu.Unlock(); return d.equivalentID }

// SetEquivalentID records the equivalent device's canonical ID.
func (d *Device) SetEquivalentID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.equivalentID = id
}

// warnIfSetupDone logs and reports whether an identity field mutation
// arrived after Setup completed; such writes are ignored because the
// computed device ID may already have been exported (spec §4.3:
// "forbidden after setup completed (log-warn, ignore)").
func (d *Device) warnIfSetupDone(field string) bool {
	d.mu.Lock()
	done := d.setupDone
	d.mu.Unlock()
	if done {
		fwdeviceLog.WithFields(logrus.Fields{
			"device": d.ID(),
			"field":  field,
		}).Warn("identity field changed after setup, ignoring")
	}
	return done
}

func (d *Device) PhysicalID() string { d.mu.Lock(); defer d.mu.Unlock(); return d.physicalID }
func (d *Device) SetPhysicalID(v string) {
	if d.warnIfSetupDone("physical-id") {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.physicalID = v
	d.touch()
}

func (d *Device) LogicalID() string { d.mu.Lock(); defer d.mu.Unlock(); return d.logicalID }
func (d *Device) SetLogicalID(v string) {
	if d.warnIfSetupDone("logical-id") {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logicalID = v
	d.touch()
}

func (d *Device) BackendID() string { d.mu.Lock(); defer d.mu.Unlock(); return d.backendID }
func (d *Device) SetBackendID(v string) {
	if d.warnIfSetupDone("backend-id") {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backendID = v
}

func (d *Device) VID() uint16 { d.mu.Lock(); defer d.mu.Unlock(); return d.vid }
func (d *Device) SetVID(v uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vid = v
}

func (d *Device) PID() uint16 { d.mu.Lock(); defer d.mu.Unlock(); return d.pid }
func (d *Device) SetPID(v uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pid = v
}

// AddVendorID records a bus-qualified vendor ID string such as
// "USB:0x046D", deduplicated.
func (d *Device) AddVendorID(v string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.vendorIDs {
		if existing == v {
			return
		}
	}
	d.vendorIDs = append(d.vendorIDs, v)
}

// VendorIDs returns every recorded vendor ID.
func (d *Device) VendorIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.vendorIDs...)
}

func (d *Device) Name() string { d.mu.Lock(); defer d.mu.Unlock(); return d.name }

// SetName stores v sanitized: non-printables dropped, runs of spaces
// collapsed, trailing whitespace stripped, "(TM)" rendered as ™ and
// "(R)" removed, and a duplicated vendor prefix stripped (spec §3
// "Device identity").
func (d *Device) SetName(v string) {
	d.mu.Lock()
	vendor := d.vendor
	d.mu.Unlock()
	name := sanitizeName(v, vendor)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = name
	d.touch()
}

func sanitizeName(v, vendor string) string {
	v = strings.ReplaceAll(v, "(TM)", "™")
	v = strings.ReplaceAll(v, "(R)", "")

	var b strings.Builder
	lastSpace := true
	for _, r := range v {
		if !unicode.IsPrint(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if lastSpace {
				continue
			}
			b.WriteRune(' ')
			lastSpace = true
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	name := strings.TrimRight(b.String(), " ")

	if vendor != "" {
		prefix := strings.ToUpper(vendor) + " "
		if strings.HasPrefix(strings.ToUpper(name), prefix) {
			name = strings.TrimLeft(name[len(prefix):], " ")
		}
	}
	return name
}

func (d *Device) Vendor() string { d.mu.Lock(); defer d.mu.Unlock(); return d.vendor }
func (d *Device) SetVendor(v string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vendor = v
}

func (d *Device) Version() string { d.mu.Lock(); defer d.mu.Unlock(); return d.version }
func (d *Device) SetVersion(v string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = v
	d.touch()
}

func (d *Device) VersionFormat() VersionFormat {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.versionFormat
}

// SetVersionFormat changes the rendering scheme. If a raw numeric
// version was previously recorded via SetVersionRaw, it is re-rendered
// under the new format immediately (spec §9 "raw integer versions are
// re-rendered on version_format changes").
func (d *Device) SetVersionFormat(f VersionFormat) {
	d.mu.Lock()
	d.versionFormat = f
	raw, has := d.rawVersion, d.hasRawVersion
	d.mu.Unlock()
	if has {
		d.SetVersion(RenderVersion(raw, f))
	}
}

func (d *Device) VersionLowest() string { d.mu.Lock(); defer d.mu.Unlock(); return d.versionLowest }
func (d *Device) SetVersionLowest(v string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.versionLowest = v
}

func (d *Device) VersionBootloader() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.versionBootloader
}
func (d *Device) SetVersionBootloader(v string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.versionBootloader = v
}

func (d *Device) Serial() string { d.mu.Lock(); defer d.mu.Unlock(); return d.serial }
func (d *Device) SetSerial(v string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.serial = v
}

func (d *Device) Summary() string { d.mu.Lock(); defer d.mu.Unlock(); return d.summary }
func (d *Device) SetSummary(v string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.summary = v
}

func (d *Device) AddIcon(icon string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, i := range d.icons {
		if i == icon {
			return
		}
	}
	d.icons = append(d.icons, icon)
}

func (d *Device) Icons() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.icons))
	copy(out, d.icons)
	return out
}

// RemoveDelay is how long the runtime waits for this device to come
// back after a replug before treating it as gone.
func (d *Device) RemoveDelay() time.Duration { d.mu.Lock(); defer d.mu.Unlock(); return d.removeDelay }
func (d *Device) SetRemoveDelay(v time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeDelay = v
}

// AcquiesceDelay is the settle time after attach before the device is
// probed again.
func (d *Device) AcquiesceDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquiesceDelay
}
func (d *Device) SetAcquiesceDelay(v time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquiesceDelay = v
}

// InstallDuration is the quirk-provided estimate shown to users.
func (d *Device) InstallDuration() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installDuration
}
func (d *Device) SetInstallDuration(v time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.installDuration = v
}

// Priority orders equivalent devices; highest wins.
func (d *Device) Priority() int { d.mu.Lock(); defer d.mu.Unlock(); return d.priority }
func (d *Device) SetPriority(v int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.priority = v
}

// SetFirmwareSizeMin/Max bound acceptable firmware blob sizes; Write
// rejects anything outside with the exact byte delta (spec §8).
func (d *Device) SetFirmwareSizeMin(v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.firmwareSizeMin = v
}
func (d *Device) SetFirmwareSizeMax(v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.firmwareSizeMax = v
}
func (d *Device) FirmwareSizeMin() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firmwareSizeMin
}
func (d *Device) FirmwareSizeMax() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firmwareSizeMax
}

// SetMetadata stores a free-form key/value pair (spec §3 "metadata").
func (d *Device) SetMetadata(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metadata[key] = value
}

// Metadata retrieves a previously stored key/value pair.
func (d *Device) Metadata(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.metadata[key]
	return v, ok
}

// SetQuirkStore wires the quirk store Setup will consult when building
// instance IDs (instance.go).
func (d *Device) SetQuirkStore(s *quirk.Store) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quirkStore = s
}

// maxSleep is the ceiling Sleep accepts (spec §8: "sleep(100_000) is
// the ceiling; beyond rejected").
const maxSleep = 100_000 * time.Millisecond

// Sleep blocks for the given duration, as a scheduling point between
// transport operations. It is a no-op when the device or its proxy is
// emulated, and rejects durations beyond the 100 s ceiling (spec §4.3
// "sleep").
func (d *Device) Sleep(ms time.Duration) error {
	if ms > maxSleep {
		return fwerrors.Newf(fwerrors.Internal, "sleep duration %v above ceiling %v", ms, maxSleep)
	}
	if ms <= 0 {
		return nil
	}
	if d.HasFlag(FlagEmulated) {
		return nil
	}
	if proxy, ok := d.Proxy(); ok && proxy.HasFlag(FlagEmulated) {
		return nil
	}
	time.Sleep(ms)
	return nil
}

// String renders a debug description of the device, delegating the
// transport-specific suffix to Ops.String (spec §9's explicit,
// non-interface dispatch for this method: the primary Ops and then each
// layer added with AddOpsLayer contribute, each distinct layer once).
func (d *Device) String() string {
	d.mu.Lock()
	id, name, version := d.id, d.name, d.version
	d.mu.Unlock()
	s := "Device(" + id
	if name != "" {
		s += " " + name
	}
	if version != "" {
		s += " v" + version
	}
	s += ")"
	if extra := d.chainString(); extra != "" {
		s += " " + extra
	}
	return s
}

func notSupported(op string) error {
	return fwerrors.Newf(fwerrors.NotSupported, "%s not supported", op)
}
