package fwdevice

import (
	"sync/atomic"
	"time"
)

// SetPollInterval sets how often Poll runs automatically once StartPoll
// is called. Zero disables polling (spec §3 "poll interval").
func (d *Device) SetPollInterval(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pollInterval = interval
}

// PollInterval returns the currently configured poll interval.
func (d *Device) PollInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pollInterval
}

// PausePolling increments the poll-locker count; while it is nonzero,
// poll ticks are skipped on a device carrying the auto-pause-polling
// private flag (spec §3 "auto-pause polling", used while an update is
// in flight so a concurrent Poll never races the update transport).
func (d *Device) PausePolling() {
	atomic.AddInt32(&d.pollLockerCnt, 1)
}

// ResumePolling decrements the poll-locker count.
func (d *Device) ResumePolling() {
	if atomic.AddInt32(&d.pollLockerCnt, -1) < 0 {
		atomic.StoreInt32(&d.pollLockerCnt, 0)
	}
}

func (d *Device) pollingPaused() bool {
	return atomic.LoadInt32(&d.pollLockerCnt) > 0
}

// StartPoll launches the background poll loop; it is a no-op if the
// poll interval is zero or the loop is already running. Calling
// StopPoll and then StartPoll again restarts it.
func (d *Device) StartPoll() {
	d.mu.Lock()
	interval := d.pollInterval
	if interval <= 0 || d.pollTimerStop != nil {
		d.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	d.pollTimerStop = stop
	d.mu.Unlock()

	go d.pollLoop(interval, stop)
}

// StopPoll halts the background poll loop, if running.
func (d *Device) StopPoll() {
	d.mu.Lock()
	stop := d.pollTimerStop
	d.pollTimerStop = nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (d *Device) pollLoop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// auto-pause-polling skips (not cancels) ticks while an
			// update holds the poll locker (spec §4.3).
			if d.pollingPaused() && d.HasPrivateFlag(PrivateFlagAutoPausePolling) {
				continue
			}
			if d.HasFlag(FlagUnreachable) {
				continue
			}
			if err := d.ops.Poll(d); err != nil {
				// a failing poll disables the timer until the caller
				// re-arms it with SetPollInterval+StartPoll (spec §4.3).
				fwdeviceLog.WithFields(map[string]interface{}{
					"device": d.ID(),
					"error":  err,
				}).Debug("device poll failed, disabling poll timer")
				d.StopPoll()
				return
			}
		}
	}
}
