package hidpp

import (
	"context"
	"sync"
	"time"

	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
)

// DefaultTimeout bounds one request/response exchange; signed-firmware
// operations use LongTimeout via FlagLongerTimeout (spec §5
// "Cancellation and timeouts").
const (
	DefaultTimeout = 3 * time.Second
	LongTimeout    = 30 * time.Second
)

// maxIgnoredReplies is how many non-matching frames an exchange drains
// before giving up (spec §4.4: "ignore up to 10 non-matching frames,
// then fail TIMED_OUT").
const maxIgnoredReplies = 10

// Transport is anything that can carry HID++ reports: a real chardev
// (chardev.go), a hidraw node (hidraw.go), or a fake transport
// substituted in emulation/tests.
type Transport interface {
	Write(report []byte) error
	// Read blocks until a report arrives or ctx is done.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

type pendingExchange struct {
	req        *Message
	hidpp2     bool
	ignoreSWID bool
	ch         chan exchangeResult
	ignored    int
}

type exchangeResult struct {
	msg *Message
	err error
}

// Dispatcher multiplexes a single Transport across request/response
// exchanges, routing unsolicited notifications to a callback. Replies
// are matched with IsReply plus the HID++2.0 software-ID check, and
// HID++1.0 notification frames are never treated as 2.0 replies (spec
// §4.4 "Request/response").
type Dispatcher struct {
	transport Transport

	mu      sync.Mutex
	pending []*pendingExchange
	notify  func(*Message)

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher starts a read pump over transport. notify, if non-nil,
// receives every message that does not correlate to a pending request
// (unsolicited HID++ notifications, e.g. pairing changes).
func NewDispatcher(transport Transport, notify func(*Message)) *Dispatcher {
	d := &Dispatcher{
		transport: transport,
		notify:    notify,
		done:      make(chan struct{}),
	}
	go d.pump()
	return d
}

func (d *Dispatcher) pump() {
	ctx := context.Background()
	for {
		select {
		case <-d.done:
			return
		default:
		}
		raw, err := d.transport.Read(ctx)
		if err != nil {
			hidppLog.WithError(err).Debug("transport read failed, stopping pump")
			return
		}
		msg, err := Decode(raw)
		if err != nil {
			hidppLog.WithError(err).Debug("dropping malformed HID++ report")
			continue
		}
		if msg.ReportID.PayloadLength() == 0 {
			hidppLog.WithField("report", msg.ReportID).Debug("report has unknown length, ignoring")
			continue
		}
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg *Message) {
	d.mu.Lock()
	var matched *pendingExchange
	for i, p := range d.pending {
		if !d.matches(p, msg) {
			continue
		}
		matched = p
		d.pending = append(d.pending[:i], d.pending[i+1:]...)
		break
	}
	var exhausted []*pendingExchange
	if matched == nil {
		remaining := d.pending[:0]
		for _, p := range d.pending {
			p.ignored++
			if p.ignored > maxIgnoredReplies {
				exhausted = append(exhausted, p)
				continue
			}
			remaining = append(remaining, p)
		}
		d.pending = remaining
	}
	d.mu.Unlock()

	for _, p := range exhausted {
		p.ch <- exchangeResult{err: fwerrors.New(fwerrors.TimedOut, "too many messages to ignore")}
	}
	if matched != nil {
		if err := msg.DecodeError(); err != nil {
			matched.ch <- exchangeResult{msg: msg, err: err}
		} else {
			matched.ch <- exchangeResult{msg: msg}
		}
		return
	}
	if d.notify != nil {
		d.notify(msg)
	}
}

func (d *Dispatcher) matches(p *pendingExchange, msg *Message) bool {
	// an error frame always decides the exchange it names, regardless
	// of protocol generation
	if msg.IsError() {
		return IsReply(p.req, msg)
	}
	if p.hidpp2 {
		// HID++1.0 notification sub-IDs can never be a 2.0 reply
		if msg.IsHidpp10Compat() {
			return false
		}
		if !p.ignoreSWID && msg.SoftwareID() != SoftwareID {
			return false
		}
	}
	return IsReply(p.req, msg)
}

// Exchange writes req and waits for the correlated response, matching
// replies by IsReply alone — the HID++1.0 register dialect, where the
// function byte is a raw register address with no software-ID nibble.
// HID++ protocol errors in the reply surface as typed errors alongside
// the raw frame; absence of a reply yields TimedOut once the deadline
// passes (spec §4.4).
func (d *Dispatcher) Exchange(ctx context.Context, req *Message, timeout time.Duration) (*Message, error) {
	return d.ExchangeVersion(ctx, req, 1, timeout)
}

// Exchange20 is Exchange for HID++2.0 feature calls: the software ID is
// OR-ed into the function byte before transmission and verified on the
// reply unless FlagIgnoreSWID is set.
func (d *Dispatcher) Exchange20(ctx context.Context, req *Message, timeout time.Duration) (*Message, error) {
	return d.ExchangeVersion(ctx, req, 2, timeout)
}

// ExchangeVersion is Exchange with explicit protocol-version control:
// version 2 enables software-ID verification on the reply, and req's
// function byte gets the software ID OR-ed in before transmission
// (spec §4.4: "the low nibble of function_id is OR-ed with the
// software ID before transmission").
func (d *Dispatcher) ExchangeVersion(ctx context.Context, req *Message, version int, timeout time.Duration) (*Message, error) {
	if version >= 2 {
		req.Function |= SoftwareID
	}
	if req.Flags&FlagLongerTimeout != 0 && timeout < LongTimeout {
		timeout = LongTimeout
	}

	p := &pendingExchange{
		req:        req,
		hidpp2:     version >= 2,
		ignoreSWID: req.Flags&FlagIgnoreSWID != 0,
		ch:         make(chan exchangeResult, 1),
	}
	d.mu.Lock()
	d.pending = append(d.pending, p)
	d.mu.Unlock()

	if err := d.transport.Write(req.Encode()); err != nil {
		d.remove(p)
		return nil, fwerrors.Wrap(fwerrors.Write, err, "hidpp write failed")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-p.ch:
		return result.msg, result.err
	case <-timer.C:
		d.remove(p)
		return nil, fwerrors.New(fwerrors.TimedOut, "hidpp exchange timed out")
	case <-ctx.Done():
		d.remove(p)
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) remove(p *pendingExchange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.pending {
		if existing == p {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return
		}
	}
}

// WaitFor blocks until a frame matching req arrives, without writing
// anything: the receiver for out-of-band events a device promised to
// send later, e.g. the deferred DFU packet acknowledgement after a
// busy reply (spec §4.6 "BUSY triggers up to 10 polls ... for an
// out-of-band event").
func (d *Dispatcher) WaitFor(ctx context.Context, req *Message, timeout time.Duration) (*Message, error) {
	p := &pendingExchange{
		req:        req,
		hidpp2:     true,
		ignoreSWID: true,
		ch:         make(chan exchangeResult, 1),
	}
	d.mu.Lock()
	d.pending = append(d.pending, p)
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-p.ch:
		return result.msg, result.err
	case <-timer.C:
		d.remove(p)
		return nil, fwerrors.New(fwerrors.TimedOut, "no out-of-band report arrived")
	case <-ctx.Done():
		d.remove(p)
		return nil, ctx.Err()
	}
}

// Write sends req without waiting for a correlated response, for
// fire-and-forget commands that the device does not acknowledge (spec
// §4.6 "Apply issues applyDfu ... without expecting a reply").
func (d *Dispatcher) Write(report []byte) error {
	return d.transport.Write(report)
}

// Close stops the read pump and closes the underlying transport.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.transport.Close()
	})
	return err
}
