package broute

import "errors"

// Domain errors for the Route-B bridge package.
var (
	// ErrTransportClosed is returned when the serial line or socket has been
	// closed, either locally or by the peer.
	ErrTransportClosed = errors.New("broute: transport closed")

	// ErrConnectionFailed is returned when the transport cannot be opened.
	ErrConnectionFailed = errors.New("broute: connection failed")

	// ErrReadTimeout is returned when no complete line arrived within the
	// configured read timeout.
	ErrReadTimeout = errors.New("broute: read timed out")

	// ErrLineTooLong is returned when the device emits more than
	// maxLineLength bytes without a line terminator.
	ErrLineTooLong = errors.New("broute: line exceeds maximum length")

	// ErrCommandRejected is returned when the modem answers a command with FAIL.
	ErrCommandRejected = errors.New("broute: command rejected by modem")

	// ErrScanExhausted is returned when every scan duration was tried without
	// capturing a beacon.
	ErrScanExhausted = errors.New("broute: no PAN found within scan durations")

	// ErrIncompleteScan is returned when a beacon reported a channel but the
	// PAN ID or MAC address is missing or malformed.
	ErrIncompleteScan = errors.New("broute: incomplete scan result")

	// ErrAddressResolution is returned when the modem did not return a valid
	// IPv6 link-local address for the meter's MAC address.
	ErrAddressResolution = errors.New("broute: address resolution failed")

	// ErrJoinRejected is returned when PANA authentication fails (EVENT 24).
	ErrJoinRejected = errors.New("broute: PANA authentication rejected")

	// ErrJoinTimeout is returned when a join phase reads no line within the
	// configured join read timeout.
	ErrJoinTimeout = errors.New("broute: join timed out")

	// ErrInvalidState is returned when an operation is not valid in the
	// current join state.
	ErrInvalidState = errors.New("broute: invalid state")

	// ErrNotNotification is returned when the line read where a reply was
	// expected is not an ERXUDP data notification.
	ErrNotNotification = errors.New("broute: not a data notification")

	// ErrMalformedFrame is returned when an ECHONET Lite frame is truncated,
	// not valid hex, or structurally inconsistent.
	ErrMalformedFrame = errors.New("broute: malformed ECHONET Lite frame")

	// ErrUnexpectedFrame is returned when a well-formed frame does not carry
	// the expected meter object, service or property.
	ErrUnexpectedFrame = errors.New("broute: unexpected ECHONET Lite frame")

	// ErrInvalidObject is returned when an ECHONET object string cannot be parsed.
	ErrInvalidObject = errors.New("broute: invalid ECHONET object")
)

// IsRecoverable reports whether err describes a failed poll cycle that
// should be skipped rather than ending the query loop.
func IsRecoverable(err error) bool {
	switch {
	case errors.Is(err, ErrReadTimeout),
		errors.Is(err, ErrLineTooLong),
		errors.Is(err, ErrNotNotification),
		errors.Is(err, ErrMalformedFrame),
		errors.Is(err, ErrUnexpectedFrame):
		return true
	default:
		return false
	}
}
