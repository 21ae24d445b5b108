package fwdevice

// SetBatteryLevel records the device's current battery percentage
// (spec §3 "battery level"), 0-100, or -1 for "unknown/not battery
// powered", and re-evaluates the power-too-low inhibit.
func (d *Device) SetBatteryLevel(level int) {
	d.mu.Lock()
	d.batteryLevel = level
	d.mu.Unlock()
	d.ensureBatteryInhibit()
}

// BatteryLevel returns the last recorded battery percentage, forwarding
// to the parent when use-parent-for-battery is set and no local value
// was recorded (spec §4.3 "Battery").
func (d *Device) BatteryLevel() int {
	d.mu.Lock()
	level := d.batteryLevel
	d.mu.Unlock()
	if level < 0 && d.HasPrivateFlag(PrivateFlagUseParentForBatt) {
		if parent, ok := d.Parent(); ok {
			return parent.BatteryLevel()
		}
	}
	return level
}

// SetBatteryThreshold sets the minimum battery percentage required to
// start an update (spec §3 "battery threshold") and re-evaluates the
// power-too-low inhibit.
func (d *Device) SetBatteryThreshold(threshold int) {
	d.mu.Lock()
	d.batteryThreshold = threshold
	d.mu.Unlock()
	d.ensureBatteryInhibit()
}

// BatteryThreshold returns the configured minimum battery percentage,
// forwarding to the parent like BatteryLevel when unset locally.
func (d *Device) BatteryThreshold() int {
	d.mu.Lock()
	threshold := d.batteryThreshold
	d.mu.Unlock()
	if threshold == defaultBatteryThreshold && d.HasPrivateFlag(PrivateFlagUseParentForBatt) {
		if parent, ok := d.Parent(); ok {
			return parent.BatteryThreshold()
		}
	}
	return threshold
}

// ensureBatteryInhibit drives the power-too-low inhibit from the
// current level/threshold pair (spec §4.3: "set_battery_level/threshold
// drive the POWER_TOO_LOW inhibit").
func (d *Device) ensureBatteryInhibit() {
	level := d.BatteryLevel()
	threshold := d.BatteryThreshold()
	if threshold <= 0 || level < 0 {
		d.RemoveProblem(ProblemPowerTooLow)
		return
	}
	if level < threshold {
		d.AddProblem(ProblemPowerTooLow)
		return
	}
	d.RemoveProblem(ProblemPowerTooLow)
}
