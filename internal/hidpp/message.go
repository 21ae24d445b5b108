// Package hidpp implements the Logitech HID++ wire protocol: message
// framing (component C4), feature-index discovery (component C5), and
// the chardev transport that carries both over a HID report.
package hidpp

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/go-fwupd/fwupd-core/internal/fwerrors"
)

var hidppLog = logrus.WithField("subsystem", "hidpp")

// SetLogger merges extra fields into the package logger.
func SetLogger(logger *logrus.Entry) {
	hidppLog = hidppLog.WithFields(logger.Data)
}

// ReportID selects the wire framing of a Message (spec §6): Short is a
// 7-byte report (3 parameter bytes after the 4-byte header), Long is
// 20 bytes (16 parameter bytes), VeryLong is 47 bytes (43 parameter
// bytes), and Notification is the 8-byte unsolicited report.
type ReportID uint8

const (
	ReportIDNotification ReportID = 0x01
	ReportIDShort        ReportID = 0x10
	ReportIDLong         ReportID = 0x11
	ReportIDVeryLong     ReportID = 0x12
)

func (r ReportID) paramLen() int {
	switch r {
	case ReportIDShort:
		return 3
	case ReportIDLong:
		return 16
	case ReportIDVeryLong:
		return 43
	case ReportIDNotification:
		return 4
	default:
		return 0
	}
}

// PayloadLength returns the total on-wire report size for r, including
// the 4-byte header, or 0 for an unknown report ID.
func (r ReportID) PayloadLength() int {
	if n := r.paramLen(); n > 0 {
		return 4 + n
	}
	return 0
}

// DeviceIndexReceiver addresses the receiver itself rather than one of
// its paired peripherals (spec §6 "Receiver indices"). It is also the
// wildcard for reply matching: a request or reply carrying it matches
// any device index.
const DeviceIndexReceiver = 0xFF

// SoftwareID is the low nibble OR-ed into every HID++2.0 request's
// function byte so the reply can be told apart from other hosts'
// traffic (spec §4.4).
const SoftwareID = 0x07

// Error-message SubIDs (spec §4.4: "sub_id==0x8F for HID++1.0,
// sub_id==0xFF for HID++2.0").
const (
	SubIDError10 = 0x8F
	SubIDError20 = 0xFF
)

// ErrorCode is the HID++1.0 error byte carried in an 0x8F response.
type ErrorCode uint8

const (
	ErrNone              ErrorCode = 0x00
	ErrInvalidSubID      ErrorCode = 0x01
	ErrInvalidAddress    ErrorCode = 0x02
	ErrInvalidValue      ErrorCode = 0x03
	ErrConnectFail       ErrorCode = 0x04
	ErrTooManyDevices    ErrorCode = 0x05
	ErrAlreadyExists     ErrorCode = 0x06
	ErrBusy              ErrorCode = 0x07
	ErrUnknownDevice     ErrorCode = 0x08
	ErrResourceError     ErrorCode = 0x09
	ErrRequestUnavail    ErrorCode = 0x0A
	ErrInvalidParamValue ErrorCode = 0x0B
	ErrWrongPinCode      ErrorCode = 0x0C
)

func (e ErrorCode) String() string {
	names := map[ErrorCode]string{
		ErrNone: "none", ErrInvalidSubID: "invalid-subid", ErrInvalidAddress: "invalid-address",
		ErrInvalidValue: "invalid-value", ErrConnectFail: "connect-fail", ErrTooManyDevices: "too-many-devices",
		ErrAlreadyExists: "already-exists", ErrBusy: "busy", ErrUnknownDevice: "unknown-device",
		ErrResourceError: "resource-error", ErrRequestUnavail: "request-unavailable",
		ErrInvalidParamValue: "invalid-param-value", ErrWrongPinCode: "wrong-pin-code",
	}
	if n, ok := names[e]; ok {
		return n
	}
	return fmt.Sprintf("error(0x%02x)", uint8(e))
}

// Error2Code is the HID++2.0 error byte carried in an 0xFF response.
type Error2Code uint8

const (
	Err2NoError             Error2Code = 0x00
	Err2Unknown             Error2Code = 0x01
	Err2InvalidArgument     Error2Code = 0x02
	Err2OutOfRange          Error2Code = 0x03
	Err2HWError             Error2Code = 0x04
	Err2NotAllowed          Error2Code = 0x05
	Err2InvalidFeatureIndex Error2Code = 0x06
	Err2InvalidFunctionID   Error2Code = 0x07
	Err2Busy                Error2Code = 0x08
	Err2Unsupported         Error2Code = 0x09
)

// TransferFlag tunes a single Exchange's matching and timeout behavior
// (spec §4.4 "transfer").
type TransferFlag uint8

const (
	FlagNone          TransferFlag = 0
	FlagLongerTimeout TransferFlag = 1 << iota
	FlagIgnoreSubID
	FlagIgnoreFnctID
	FlagIgnoreSWID
	FlagNonBlockingIO
)

// Message is one HID++ request or response (spec §6): for HID++1.0 the
// SubID/Address pair is used directly; for HID++2.0, FeatureIndex and
// Function address a feature discovered through the feature map, and
// the software ID in Function's low nibble tags the request so its
// response can be matched even when interleaved with unsolicited
// notifications.
type Message struct {
	ReportID     ReportID
	DeviceIndex  uint8
	FeatureIndex uint8 // HID++2.0: feature index. HID++1.0: reuses this as SubID.
	Function     uint8 // top nibble: function; bottom nibble: software ID (HID++2.0)
	Params       [60]byte
	Flags        TransferFlag
}

// SubID returns FeatureIndex under its HID++1.0 name.
func (m *Message) SubID() uint8 { return m.FeatureIndex }

// FunctionID returns the top nibble of Function (HID++2.0 function
// selector within a feature).
func (m *Message) FunctionID() uint8 { return m.Function >> 4 }

// SoftwareID returns the bottom nibble of Function, used to correlate
// a response to the request that triggered it.
func (m *Message) SoftwareID() uint8 { return m.Function & 0x0F }

// SetFunction packs a function selector and software ID into Function.
func (m *Message) SetFunction(function, softwareID uint8) {
	m.Function = (function << 4) | (softwareID & 0x0F)
}

// NewShort builds a short (7-byte) message.
func NewShort(deviceIndex, subID, address uint8, params ...byte) *Message {
	m := &Message{ReportID: ReportIDShort, DeviceIndex: deviceIndex, FeatureIndex: subID, Function: address}
	copy(m.Params[:], params)
	return m
}

// NewLong builds a long (20-byte) message.
func NewLong(deviceIndex, subID, address uint8, params ...byte) *Message {
	m := &Message{ReportID: ReportIDLong, DeviceIndex: deviceIndex, FeatureIndex: subID, Function: address}
	copy(m.Params[:], params)
	return m
}

// NewFeatureCall builds a HID++2.0 long request against an already
// resolved feature index, packing function and SoftwareID into the
// function byte.
func NewFeatureCall(deviceIndex, featureIndex, function uint8, params ...byte) *Message {
	m := NewLong(deviceIndex, featureIndex, 0x00, params...)
	m.SetFunction(function, SoftwareID)
	return m
}

// Encode renders m as the raw bytes written to the HID transport:
// ReportID, DeviceIndex, FeatureIndex/SubID, Function/Address, then the
// parameter bytes for the report's fixed length (spec §6 "wire format").
func (m *Message) Encode() []byte {
	n := m.ReportID.paramLen()
	buf := make([]byte, 4+n)
	buf[0] = byte(m.ReportID)
	buf[1] = m.DeviceIndex
	buf[2] = m.FeatureIndex
	buf[3] = m.Function
	copy(buf[4:], m.Params[:n])
	return buf
}

// Decode parses raw bytes received from the transport into a Message.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < 4 {
		return nil, fwerrors.Newf(fwerrors.Read, "short read, got %d bytes", len(buf))
	}
	m := &Message{
		ReportID:     ReportID(buf[0]),
		DeviceIndex:  buf[1],
		FeatureIndex: buf[2],
		Function:     buf[3],
	}
	n := m.ReportID.paramLen()
	if n == 0 {
		n = len(buf) - 4
	}
	if len(buf) < 4+n {
		n = len(buf) - 4
	}
	copy(m.Params[:], buf[4:4+n])
	return m, nil
}

// IsError reports whether m is a HID++ error frame of either protocol
// generation.
func (m *Message) IsError() bool {
	return m.FeatureIndex == SubIDError10 || m.FeatureIndex == SubIDError20
}

// DecodeError maps an error frame to the spec §7 taxonomy: invalid
// sub-ID/parameter style errors to not-supported or invalid-data,
// busy to busy, unknown-device to not-found, wrong-pin to auth-failed,
// everything else to internal (spec §4.4 "Error frames"). Non-error
// frames return nil.
func (m *Message) DecodeError() error {
	switch m.FeatureIndex {
	case SubIDError10:
		code := ErrorCode(m.Params[1])
		switch code {
		case ErrInvalidSubID, ErrTooManyDevices, ErrRequestUnavail:
			return fwerrors.Newf(fwerrors.NotSupported, "hidpp error: %s", code)
		case ErrInvalidAddress, ErrInvalidValue, ErrAlreadyExists, ErrInvalidParamValue:
			return fwerrors.Newf(fwerrors.InvalidData, "hidpp error: %s", code)
		case ErrBusy:
			return fwerrors.New(fwerrors.Busy, "hidpp error: busy")
		case ErrUnknownDevice, ErrResourceError:
			return fwerrors.Newf(fwerrors.NotFound, "hidpp error: %s", code)
		case ErrWrongPinCode:
			return fwerrors.New(fwerrors.AuthFailed, "the pin code was wrong")
		default:
			return fwerrors.Newf(fwerrors.Internal, "hidpp error: %s", code)
		}
	case SubIDError20:
		code := Error2Code(m.Params[1])
		switch code {
		case Err2InvalidArgument:
			return fwerrors.Newf(fwerrors.InvalidData, "invalid argument 0x%02x", m.Params[2])
		case Err2OutOfRange, Err2HWError, Err2InvalidFeatureIndex, Err2InvalidFunctionID:
			return fwerrors.Newf(fwerrors.InvalidData, "hidpp v2 error 0x%02x", uint8(code))
		case Err2Busy:
			return fwerrors.New(fwerrors.Busy, "busy")
		case Err2Unsupported, Err2NotAllowed:
			return fwerrors.Newf(fwerrors.NotSupported, "hidpp v2 error 0x%02x", uint8(code))
		default:
			return fwerrors.Newf(fwerrors.Internal, "hidpp v2 error 0x%02x", uint8(code))
		}
	}
	return nil
}

// IsHidpp10Compat reports whether m is one of the HID++1.0 notification
// sub-IDs a receiver can interleave into HID++2.0 traffic; these are
// never a valid 2.0 reply and are filtered out of reply matching (spec
// §4.4 "Notifications").
func (m *Message) IsHidpp10Compat() bool {
	switch m.FeatureIndex {
	case 0x40, 0x41, 0x49, 0x4B, SubIDError10:
		return true
	}
	return false
}

// IsReply reports whether rsp answers req (spec §4.4 "is_reply"):
// device indices must match unless either side carries the wired
// receiver index; sub-IDs must match unless either side sets
// FlagIgnoreSubID; function IDs likewise under FlagIgnoreFnctID. An
// error frame answering req's sub-ID also matches: it carries the
// requested sub-ID in its function byte, and only that is compared.
func IsReply(req, rsp *Message) bool {
	if req.DeviceIndex != rsp.DeviceIndex &&
		req.DeviceIndex != DeviceIndexReceiver &&
		rsp.DeviceIndex != DeviceIndexReceiver {
		return false
	}
	if rsp.IsError() {
		return rsp.Function == req.FeatureIndex
	}
	// the two ignore flags are independent: waiving the sub-id check
	// never waives the function-id one, and vice versa
	if req.Flags&FlagIgnoreSubID == 0 && rsp.Flags&FlagIgnoreSubID == 0 {
		if req.FeatureIndex != rsp.FeatureIndex {
			return false
		}
	}
	if req.Flags&FlagIgnoreFnctID == 0 && rsp.Flags&FlagIgnoreFnctID == 0 {
		if req.Function != rsp.Function {
			return false
		}
	}
	return true
}
