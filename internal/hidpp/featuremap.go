package hidpp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
)

// FeatureID names a HID++ 2.0 feature by its 16-bit identifier (spec §5
// "Feature map"). Every feature implementation in the peripheral and
// receiver packages addresses itself by one of these.
type FeatureID uint16

const (
	FeatureIRoot            FeatureID = 0x0000
	FeatureIFeatureSet      FeatureID = 0x0001
	FeatureIFirmwareInfo    FeatureID = 0x0003
	FeatureDeviceName       FeatureID = 0x0005
	FeatureDFUControl       FeatureID = 0x00C1
	FeatureDFUControlSigned FeatureID = 0x00C2
	FeatureDFUControlBolt   FeatureID = 0x00C3
	FeatureDFU              FeatureID = 0x00D0
	FeatureRDFU             FeatureID = 0x00D1
	FeatureBatteryLevel     FeatureID = 0x1000
	FeatureUnifiedBattery   FeatureID = 0x1004
)

// FeaturesOfInterest is the probe order Setup walks when populating a
// peripheral's map (spec §4.5).
var FeaturesOfInterest = []FeatureID{
	FeatureDeviceName,
	FeatureIFirmwareInfo,
	FeatureBatteryLevel,
	FeatureUnifiedBattery,
	FeatureDFUControl,
	FeatureDFUControlSigned,
	FeatureDFUControlBolt,
	FeatureDFU,
	FeatureRDFU,
}

// FeatureMap resolves FeatureIDs to the feature index a given device
// assigned them, caching the result for the lifetime of a connection
// (spec §4.5: re-discovered every time the device is re-opened, since
// indices are not guaranteed stable across firmware versions).
type FeatureMap struct {
	mu          sync.RWMutex
	dispatcher  *Dispatcher
	deviceIndex uint8
	indices     map[FeatureID]uint8
	timeout     time.Duration
}

// NewFeatureMap returns an empty map bound to dispatcher/deviceIndex.
func NewFeatureMap(dispatcher *Dispatcher, deviceIndex uint8) *FeatureMap {
	return &FeatureMap{
		dispatcher:  dispatcher,
		deviceIndex: deviceIndex,
		indices:     make(map[FeatureID]uint8),
		timeout:     DefaultTimeout,
	}
}

// Index resolves id to a feature index, querying the Root feature
// (index 0x00, always present on HID++2.0) on first use and caching
// the result (spec §4.5). Index 0x00 in the reply means the feature is
// absent.
func (fm *FeatureMap) Index(ctx context.Context, id FeatureID) (uint8, error) {
	if id == FeatureIRoot {
		return 0x00, nil
	}
	fm.mu.RLock()
	if idx, ok := fm.indices[id]; ok {
		fm.mu.RUnlock()
		if idx == 0 {
			return 0, fwerrors.Newf(fwerrors.NotSupported, "feature %#04x not present on device", uint16(id))
		}
		return idx, nil
	}
	fm.mu.RUnlock()

	req := NewFeatureCall(fm.deviceIndex, 0x00, 0x0, byte(id>>8), byte(id&0xFF))
	resp, err := fm.dispatcher.Exchange20(ctx, req, fm.timeout)
	if err != nil {
		return 0, fwerrors.Wrapf(fwerrors.NotSupported, err, "feature %#04x lookup failed", uint16(id))
	}
	idx := resp.Params[0]
	fm.mu.Lock()
	fm.indices[id] = idx
	fm.mu.Unlock()
	if idx == 0 {
		return 0, fwerrors.Newf(fwerrors.NotSupported, "feature %#04x not present on device", uint16(id))
	}
	return idx, nil
}

// Has reports whether the device exposes id, caching the probe.
func (fm *FeatureMap) Has(ctx context.Context, id FeatureID) bool {
	_, err := fm.Index(ctx, id)
	return err == nil
}

// Discover probes every feature in FeaturesOfInterest, stopping early
// on sustained timeouts so a wedged device does not cost one timeout
// per remaining feature (spec §4.5: "On sustained timeouts stop
// probing additional features").
func (fm *FeatureMap) Discover(ctx context.Context) {
	timeouts := 0
	for _, id := range FeaturesOfInterest {
		_, err := fm.Index(ctx, id)
		if err == nil {
			timeouts = 0
			continue
		}
		// Index wraps a failed lookup as not-supported, so the timed-out
		// cause is found further down the chain
		if errors.Is(err, fwerrors.New(fwerrors.TimedOut, "")) {
			timeouts++
			if timeouts >= 2 {
				hidppLog.WithField("device", fm.deviceIndex).
					Debug("sustained timeouts, stopping feature discovery")
				return
			}
		}
	}
}

// Call resolves id to a feature index and issues a HID++ 2.0 request
// against it, returning the raw response message.
func (fm *FeatureMap) Call(ctx context.Context, id FeatureID, function uint8, params ...byte) (*Message, error) {
	idx, err := fm.Index(ctx, id)
	if err != nil {
		return nil, err
	}
	req := NewFeatureCall(fm.deviceIndex, idx, function, params...)
	return fm.dispatcher.Exchange20(ctx, req, fm.timeout)
}

// Count queries IFeatureSet.GetCount (feature 0x0001, function 0) for
// the number of features the device exposes, used by full feature
// enumeration during Setup.
func (fm *FeatureMap) Count(ctx context.Context) (uint8, error) {
	resp, err := fm.Call(ctx, FeatureIFeatureSet, 0)
	if err != nil {
		return 0, err
	}
	return resp.Params[0], nil
}

// FeatureAt queries IFeatureSet.GetFeatureID (function 1) for the
// FeatureID assigned to a given index, used to walk the full feature
// table rather than probing individual IDs.
func (fm *FeatureMap) FeatureAt(ctx context.Context, index uint8) (FeatureID, error) {
	resp, err := fm.Call(ctx, FeatureIFeatureSet, 1, index)
	if err != nil {
		return 0, err
	}
	fm.mu.Lock()
	id := FeatureID(uint16(resp.Params[0])<<8 | uint16(resp.Params[1]))
	fm.indices[id] = index
	fm.mu.Unlock()
	return id, nil
}

// Reset clears every cached feature index, forcing rediscovery on next
// Index call (spec §4.5: called after a device replug).
func (fm *FeatureMap) Reset() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.indices = make(map[FeatureID]uint8)
}
