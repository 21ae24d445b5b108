package fwdevice

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
)

// RegisterRetryRecovery installs a predicate that, given the error
// returned from a failed transport call tagged errorDomain, decides
// whether the call should be retried (spec §4.3 "retry recoveries":
// plugins register which of their own error kinds are transient).
func (d *Device) RegisterRetryRecovery(errorDomain string, recoverable func(error) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.retryRecoveries == nil {
		d.retryRecoveries = make(map[string]func(error) bool)
	}
	d.retryRecoveries[errorDomain] = recoverable
}

func (d *Device) isRecoverable(errorDomain string, err error) bool {
	d.mu.Lock()
	fn := d.retryRecoveries[errorDomain]
	d.mu.Unlock()
	if fn == nil {
		// Default recoverable set absent a registered predicate: busy
		// and timed-out are assumed transient (spec §7).
		kind, ok := fwerrors.KindOf(err)
		return ok && (kind == fwerrors.Busy || kind == fwerrors.TimedOut)
	}
	return fn(err)
}

// RetryFull calls fn up to maxAttempts times, backing off exponentially
// between attempts (base delay, capped at maxDelay), stopping early on
// an error isRecoverable for errorDomain says is not transient (spec
// §4.3 "retry_full"). Context cancellation aborts immediately.
func (d *Device) RetryFull(ctx context.Context, errorDomain string, maxAttempts int, base, maxDelay time.Duration, fn func() error) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0.25,
		Multiplier:          2,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts || !d.isRecoverable(errorDomain, lastErr) {
			break
		}
		fwdeviceLog.WithFields(map[string]interface{}{
			"device":  d.ID(),
			"attempt": attempt,
			"error":   lastErr,
		}).Debug("retrying transient device error")

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fwerrors.AfterRetries(maxAttempts, lastErr)
}

// Retry is RetryFull with the engine's default bounds (5 attempts,
// 100ms base, 5s cap), used by the hotplug path for transient USB/HID
// errors during Open/Setup (spec §4.3).
func (d *Device) Retry(ctx context.Context, errorDomain string, fn func() error) error {
	return d.RetryFull(ctx, errorDomain, 5, 100*time.Millisecond, 5*time.Second, fn)
}
