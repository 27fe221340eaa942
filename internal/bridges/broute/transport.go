package broute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Transport defaults.
const (
	// DefaultBaudRate is the factory baud rate of BP35A1 and RL7023 modules.
	DefaultBaudRate = 115200

	// defaultDialTimeout bounds TCP connection setup to a serial server.
	defaultDialTimeout = 10 * time.Second

	// defaultWriteTimeout bounds a single write on a network connection.
	defaultWriteTimeout = 5 * time.Second

	// pollInterval is how long a single underlying read may block before
	// the transport re-checks the context and the line deadline.
	pollInterval = 100 * time.Millisecond

	// readChunkSize is the size of each underlying read.
	readChunkSize = 256

	// maxLineLength caps buffered bytes without a terminator.
	maxLineLength = 4096
)

// LineTransport is a bidirectional byte stream to the modem that yields
// complete text lines.
//
// Implementations are single-owner: one goroutine reads and writes.
// Close may be called from any goroutine to unblock a pending ReadLine.
type LineTransport interface {
	// Write sends raw bytes to the device. No terminator is appended.
	Write(ctx context.Context, p []byte) error

	// ReadLine returns the next line with trailing CR/LF removed.
	// A timeout of zero waits indefinitely (until ctx is done).
	// Returns ErrReadTimeout if no complete line arrived in time.
	ReadLine(ctx context.Context, timeout time.Duration) (string, error)

	// Close releases the underlying device.
	Close() error
}

// TransportConfig holds modem connection configuration.
type TransportConfig struct {
	// Connection is the modem connection URL.
	// Supported formats:
	//   - "serial:///dev/ttyUSB0" (local serial port)
	//   - "/dev/ttyUSB0" (bare device path, treated as serial)
	//   - "tcp://ser2net.local:4001" (raw TCP serial server)
	Connection string

	// BaudRate applies to serial connections only.
	// Default: 115200.
	BaudRate int

	// DialTimeout bounds TCP connection setup.
	// Default: 10 seconds.
	DialTimeout time.Duration
}

// TransportStats holds transport-level counters.
type TransportStats struct {
	LinesRx      uint64
	BytesTx      uint64
	ErrorsTotal  uint64
	LastActivity time.Time
	Connected    bool
}

// StreamTransport implements LineTransport over any polling byte stream.
//
// The underlying stream must return (0, nil) or a timeout error when no data
// arrives within a short poll window so that ReadLine can observe the context
// and its own deadline between polls.
type StreamTransport struct {
	rw      io.ReadWriteCloser
	address string

	buf   []byte
	chunk []byte

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	linesRx      atomic.Uint64
	bytesTx      atomic.Uint64
	errorsTotal  atomic.Uint64
	lastActivity atomic.Int64
}

// Ensure StreamTransport implements LineTransport.
var _ LineTransport = (*StreamTransport)(nil)

// NewStreamTransport wraps an already-open polling stream.
//
// Parameters:
//   - rw: Stream whose Read returns within a short poll window
//   - address: Human-readable address for logs and health messages
func NewStreamTransport(rw io.ReadWriteCloser, address string) *StreamTransport {
	t := &StreamTransport{
		rw:      rw,
		address: address,
		chunk:   make([]byte, readChunkSize),
	}
	t.lastActivity.Store(time.Now().Unix())
	return t
}

// OpenTransport opens the modem connection described by cfg.
//
// Parameters:
//   - ctx: Context bounding the dial (TCP only)
//   - cfg: Connection configuration
//
// Returns:
//   - *StreamTransport: Open transport ready for line I/O
//   - error: ErrConnectionFailed wrapping the cause
func OpenTransport(ctx context.Context, cfg TransportConfig) (*StreamTransport, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	network, address, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	switch network {
	case "serial":
		port, err := serial.Open(address, &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", ErrConnectionFailed, address, err)
		}
		if err := port.SetReadTimeout(pollInterval); err != nil {
			port.Close()
			return nil, fmt.Errorf("%w: set read timeout: %w", ErrConnectionFailed, err)
		}
		return NewStreamTransport(port, cfg.Connection), nil

	default:
		dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()

		var dialer net.Dialer
		conn, err := dialer.DialContext(dialCtx, network, address)
		if err != nil {
			return nil, fmt.Errorf("%w: dial failed: %w", ErrConnectionFailed, err)
		}
		return NewStreamTransport(&pollingConn{Conn: conn}, cfg.Connection), nil
	}
}

// parseConnectionURL parses a modem connection URL into network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	if connURL == "" {
		return "", "", errors.New("connection URL is empty")
	}
	if strings.HasPrefix(connURL, "/") {
		return "serial", connURL, nil
	}

	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "serial":
		if u.Path == "" {
			return "", "", errors.New("serial URL has no device path")
		}
		return "serial", u.Path, nil
	case "tcp":
		if u.Host == "" || u.Port() == "" {
			return "", "", fmt.Errorf("tcp URL %q must include host and port", connURL)
		}
		return "tcp", u.Host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use serial or tcp)", u.Scheme)
	}
}

// Write sends p to the device in full.
func (t *StreamTransport) Write(ctx context.Context, p []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for len(p) > 0 {
		n, err := t.rw.Write(p)
		if err != nil {
			t.errorsTotal.Add(1)
			if t.closed.Load() {
				return ErrTransportClosed
			}
			return fmt.Errorf("broute: write: %w", err)
		}
		t.bytesTx.Add(uint64(n))
		p = p[n:]
	}

	t.lastActivity.Store(time.Now().Unix())
	return nil
}

// ReadLine returns the next complete line from the device.
//
// Bytes beyond the returned line stay buffered for the next call, so a
// timeout never loses a partially received line.
func (t *StreamTransport) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if line, ok := t.nextLine(); ok {
			t.linesRx.Add(1)
			t.lastActivity.Store(time.Now().Unix())
			return line, nil
		}
		if len(t.buf) > maxLineLength {
			t.buf = t.buf[:0]
			t.errorsTotal.Add(1)
			return "", ErrLineTooLong
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return "", ErrReadTimeout
		}
		if t.closed.Load() {
			return "", ErrTransportClosed
		}

		n, err := t.rw.Read(t.chunk)
		if n > 0 {
			t.buf = append(t.buf, t.chunk[:n]...)
		}
		if err != nil && !isPollTimeout(err) {
			if t.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return "", ErrTransportClosed
			}
			t.errorsTotal.Add(1)
			return "", fmt.Errorf("broute: read: %w", err)
		}
	}
}

// nextLine pops one line from the buffer if a terminator is present.
func (t *StreamTransport) nextLine() (string, bool) {
	i := bytes.IndexByte(t.buf, '\n')
	if i < 0 {
		return "", false
	}
	line := strings.TrimRight(string(t.buf[:i]), "\r")
	t.buf = append(t.buf[:0], t.buf[i+1:]...)
	return line, true
}

// Close closes the underlying stream. Safe to call multiple times.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.rw.Close()
	})
	return t.closeErr
}

// Address returns the connection URL the transport was opened with.
func (t *StreamTransport) Address() string {
	return t.address
}

// IsConnected returns true until Close is called.
func (t *StreamTransport) IsConnected() bool {
	return !t.closed.Load()
}

// Stats returns current transport counters.
func (t *StreamTransport) Stats() TransportStats {
	return TransportStats{
		LinesRx:      t.linesRx.Load(),
		BytesTx:      t.bytesTx.Load(),
		ErrorsTotal:  t.errorsTotal.Load(),
		LastActivity: time.Unix(t.lastActivity.Load(), 0),
		Connected:    t.IsConnected(),
	}
}

// pollingConn gives a net.Conn the same short-poll read behaviour as a
// serial port configured with SetReadTimeout.
type pollingConn struct {
	net.Conn
}

func (c *pollingConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *pollingConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// isPollTimeout reports whether err only signals an empty poll window.
func isPollTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
