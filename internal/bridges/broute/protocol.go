package broute

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LineKind classifies a line received from the modem.
type LineKind int

const (
	// LineUnclassified is any line not matching a known shape, such as the
	// IPv6 address printed by SKLL64 or the EVER version line.
	LineUnclassified LineKind = iota

	// LineEcho is the modem echoing the most recently sent command.
	LineEcho

	// LineStatus is a terminal "OK" or "FAIL ERxx" reply.
	LineStatus

	// LineEvent is an asynchronous "EVENT xx ..." notification.
	LineEvent

	// LineScanAttribute is an indented "  Key:Value" line from an EPANDESC block.
	LineScanAttribute

	// LineDataNotification is an "ERXUDP ..." received-datagram line.
	LineDataNotification

	// LineTimeout means no line arrived within the read timeout.
	LineTimeout
)

// String returns the kind name used in logs.
func (k LineKind) String() string {
	switch k {
	case LineEcho:
		return "echo"
	case LineStatus:
		return "status"
	case LineEvent:
		return "event"
	case LineScanAttribute:
		return "scan_attribute"
	case LineDataNotification:
		return "data_notification"
	case LineTimeout:
		return "timeout"
	default:
		return "unclassified"
	}
}

// unsolicited reports kinds that can never be a command echo. They may
// still be queued ahead of the echo, e.g. a late ERXUDP.
func (k LineKind) unsolicited() bool {
	return k == LineStatus || k == LineEvent || k == LineDataNotification
}

// Modem event codes (the hex number following "EVENT").
const (
	EventBeaconReceived byte = 0x20
	EventUDPSent        byte = 0x21
	EventScanComplete   byte = 0x22
	EventPANAFailed     byte = 0x24
	EventPANASucceeded  byte = 0x25
)

// Line is one classified line from the modem.
type Line struct {
	Kind LineKind
	Raw  string

	// OK is set for LineStatus: true for "OK", false for "FAIL".
	OK bool

	// Code is the event number for LineEvent.
	Code byte

	// Key and Value are set for LineScanAttribute.
	Key   string
	Value string
}

// Fields splits the raw line on whitespace.
func (l Line) Fields() []string {
	return strings.Fields(l.Raw)
}

// ClassifyLine assigns a kind to a raw line that is known not to be an echo.
func ClassifyLine(raw string) Line {
	line := Line{Kind: LineUnclassified, Raw: raw}

	switch {
	case raw == "OK" || strings.HasPrefix(raw, "OK "):
		line.Kind = LineStatus
		line.OK = true

	case strings.HasPrefix(raw, "FAIL"):
		line.Kind = LineStatus

	case strings.HasPrefix(raw, "EVENT "):
		fields := strings.Fields(raw)
		if len(fields) < 2 {
			return line
		}
		code, err := strconv.ParseUint(fields[1], 16, 8)
		if err != nil {
			return line
		}
		line.Kind = LineEvent
		line.Code = byte(code)

	case strings.HasPrefix(raw, "ERXUDP "):
		line.Kind = LineDataNotification

	case strings.HasPrefix(raw, "  "):
		key, value, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok {
			return line
		}
		line.Kind = LineScanAttribute
		line.Key = strings.TrimSpace(key)
		line.Value = strings.TrimSpace(value)
	}

	return line
}

// Protocol layers command/response semantics over a LineTransport.
//
// After every command the next received line that is not a status, event
// or ERXUDP is classified as the echo of that command; all other lines are
// classified by shape. Blank lines are skipped.
//
// Thread Safety: single-owner. SetReadTimeout and ReadTimeout may be called
// concurrently with I/O.
type Protocol struct {
	transport   LineTransport
	pendingEcho bool

	timeout   time.Duration
	timeoutMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// NewProtocol creates a protocol over transport with an unbounded read timeout.
func NewProtocol(transport LineTransport) *Protocol {
	return &Protocol{transport: transport}
}

// SetLogger sets the logger for this protocol.
func (p *Protocol) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	p.logger = logger
	p.loggerMu.Unlock()
}

// SetReadTimeout sets how long ReadLine waits for a line. Zero is unbounded.
func (p *Protocol) SetReadTimeout(d time.Duration) {
	p.timeoutMu.Lock()
	p.timeout = d
	p.timeoutMu.Unlock()
}

// ReadTimeout returns the current read timeout.
func (p *Protocol) ReadTimeout() time.Duration {
	p.timeoutMu.RLock()
	defer p.timeoutMu.RUnlock()
	return p.timeout
}

// SendCommand writes text followed by CRLF and marks the next line as its echo.
func (p *Protocol) SendCommand(ctx context.Context, text string) error {
	p.logDebug("modem tx", "command", redact(text))
	if err := p.transport.Write(ctx, []byte(text+"\r\n")); err != nil {
		return err
	}
	p.pendingEcho = true
	return nil
}

// SendData writes a command header immediately followed by binary data with
// no terminator, as required by SKSENDTO.
func (p *Protocol) SendData(ctx context.Context, header string, data []byte) error {
	p.logDebug("modem tx", "command", header, "data_len", len(data))
	frame := make([]byte, 0, len(header)+len(data))
	frame = append(frame, header...)
	frame = append(frame, data...)
	if err := p.transport.Write(ctx, frame); err != nil {
		return err
	}
	p.pendingEcho = true
	return nil
}

// ReadLine reads and classifies the next line.
//
// A read timeout is not an error: it yields a Line of kind LineTimeout.
// Transport failures and context cancellation are returned as errors.
func (p *Protocol) ReadLine(ctx context.Context) (Line, error) {
	for {
		raw, err := p.transport.ReadLine(ctx, p.ReadTimeout())
		if errors.Is(err, ErrReadTimeout) {
			return Line{Kind: LineTimeout}, nil
		}
		if err != nil {
			return Line{}, err
		}
		if strings.TrimSpace(raw) == "" {
			continue
		}

		line := ClassifyLine(raw)
		if p.pendingEcho && !line.Kind.unsolicited() {
			p.pendingEcho = false
			p.logDebug("modem rx", "kind", LineEcho.String(), "line", redact(raw))
			return Line{Kind: LineEcho, Raw: raw}, nil
		}

		p.logDebug("modem rx", "kind", line.Kind.String(), "line", raw)
		return line, nil
	}
}

// Exec sends a command and reads until its status line.
//
// Returns:
//   - []Line: Lines received between the echo and the status (echo excluded)
//   - error: ErrCommandRejected on FAIL, ErrReadTimeout on timeout
func (p *Protocol) Exec(ctx context.Context, command string) ([]Line, error) {
	if err := p.SendCommand(ctx, command); err != nil {
		return nil, err
	}

	var lines []Line
	for {
		line, err := p.ReadLine(ctx)
		if err != nil {
			return lines, err
		}

		switch line.Kind {
		case LineTimeout:
			return lines, fmt.Errorf("%w: awaiting reply to %s", ErrReadTimeout, commandName(command))
		case LineEcho:
		case LineStatus:
			if !line.OK {
				return lines, fmt.Errorf("%w: %s: %s", ErrCommandRejected, commandName(command), line.Raw)
			}
			return lines, nil
		default:
			lines = append(lines, line)
		}
	}
}

// commandName returns the command verb without arguments.
func commandName(command string) string {
	name, _, _ := strings.Cut(command, " ")
	return name
}

// redact masks credential arguments so they never reach the logs.
func redact(line string) string {
	for _, prefix := range []string{"SKSETPWD ", "SKSETRBID "} {
		if strings.HasPrefix(line, prefix) {
			return prefix + "****"
		}
	}
	return line
}

func (p *Protocol) logDebug(msg string, keysAndValues ...any) {
	p.loggerMu.RLock()
	logger := p.logger
	p.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
