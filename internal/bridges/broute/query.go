package broute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Query defaults.
const (
	// DefaultUDPPort is the ECHONET Lite port (3610) in the hex form SKSENDTO expects.
	DefaultUDPPort = "0E1A"

	// DefaultSocketHandle is the modem UDP handle bound to port 3610.
	DefaultSocketHandle = "1"

	// sendSecured requests an encrypted datagram over the PANA session.
	sendSecured = "1"

	// maxReplyLines bounds how many lines one cycle reads after SKSENDTO
	// while looking for the meter's ERXUDP. A normal cycle needs four: the
	// echo, EVENT 21, OK and the reply.
	maxReplyLines = 16

	// failureBackoffDivisor shortens the wait after a failed cycle.
	failureBackoffDivisor = 4
)

// QueryConfig holds polling parameters.
type QueryConfig struct {
	// Interval is the pause after a successful cycle. Zero polls back-to-back.
	// After a failed cycle the pause is Interval/4.
	Interval time.Duration

	// UDPPort is the destination port as 4 hex digits.
	// Default: "0E1A".
	UDPPort string

	// SocketHandle is the modem UDP handle.
	// Default: "1".
	SocketHandle string
}

// QueryLoop polls instantaneous power over an established session.
//
// Per-cycle failures (timeouts, foreign datagrams, malformed or unexpected
// frames) are counted and skipped; only context cancellation and transport
// failures end Run.
//
// Thread Safety: Run and Query are single-owner. Stats is safe for
// concurrent use.
type QueryLoop struct {
	proto   *Protocol
	session JoinSession
	codec   Codec
	sink    ReadingSink
	cfg     QueryConfig
	stats   *Stats

	logger   Logger
	loggerMu sync.RWMutex
}

// NewQueryLoop creates a loop over an established session.
//
// Parameters:
//   - proto: Protocol whose read timeout was set by the join machine
//   - session: A CONNECTED session
//   - codec: Object identifiers for request and reply
//   - sink: Destination for readings (may be nil)
//   - cfg: Polling parameters
//
// Returns:
//   - *QueryLoop: Ready to Run
//   - error: ErrInvalidState if session is not CONNECTED
func NewQueryLoop(proto *Protocol, session JoinSession, codec Codec, sink ReadingSink, cfg QueryConfig) (*QueryLoop, error) {
	if proto == nil {
		return nil, errors.New("protocol is required")
	}
	if session.State != StateConnected || session.IPv6Address == "" {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidState, session.State)
	}
	if cfg.UDPPort == "" {
		cfg.UDPPort = DefaultUDPPort
	}
	if cfg.SocketHandle == "" {
		cfg.SocketHandle = DefaultSocketHandle
	}

	return &QueryLoop{
		proto:   proto,
		session: session,
		codec:   codec,
		sink:    sink,
		cfg:     cfg,
		stats:   &Stats{},
	}, nil
}

// SetLogger sets the logger for this loop.
func (q *QueryLoop) SetLogger(logger Logger) {
	q.loggerMu.Lock()
	q.logger = logger
	q.loggerMu.Unlock()
}

// Stats returns the loop counters.
func (q *QueryLoop) Stats() *Stats {
	return q.stats
}

// Query performs one request/reply cycle.
//
// Lines up to the first ERXUDP after the echo are skipped. An ERXUDP read
// before the echo is a late reply to an earlier cycle; it is counted and
// dropped so one slow meter answer cannot shift every later cycle.
//
// Returns:
//   - PowerReading: The decoded reading
//   - error: ErrReadTimeout if the echo or the reply never arrives;
//     ErrNotNotification if the modem rejects the send or no reply shows up
//     within maxReplyLines; a decode error if the reply is not a valid power
//     response; a transport or context error otherwise
func (q *QueryLoop) Query(ctx context.Context) (PowerReading, error) {
	frame := q.codec.EncodeReadRequest(EPCInstantaneousPower)
	header := fmt.Sprintf("SKSENDTO %s %s %s %s %04X ",
		q.cfg.SocketHandle, q.session.IPv6Address, q.cfg.UDPPort, sendSecured, len(frame))

	if err := q.proto.SendData(ctx, header, frame); err != nil {
		return PowerReading{}, err
	}
	q.stats.recordSent()

	echoed := false
	for i := 0; i < maxReplyLines; i++ {
		line, err := q.proto.ReadLine(ctx)
		if err != nil {
			return PowerReading{}, err
		}

		switch line.Kind {
		case LineTimeout:
			if !echoed {
				return PowerReading{}, fmt.Errorf("%w: awaiting SKSENDTO echo", ErrReadTimeout)
			}
			return PowerReading{}, fmt.Errorf("%w: awaiting meter reply", ErrReadTimeout)
		case LineEcho:
			echoed = true
		case LineStatus:
			if echoed && !line.OK {
				return PowerReading{}, fmt.Errorf("%w: send rejected: %s", ErrNotNotification, line.Raw)
			}
		case LineDataNotification:
			if echoed {
				return q.codec.DecodeResponse(line.Raw)
			}
			q.stats.recordLateReply()
			q.logDebug("dropping late meter reply", "line", line.Raw)
		}
	}
	return PowerReading{}, fmt.Errorf("%w: no meter reply within %d lines", ErrNotNotification, maxReplyLines)
}

// Run polls until ctx is cancelled.
//
// Returns:
//   - nil: When ctx is cancelled
//   - error: A non-recoverable transport failure
func (q *QueryLoop) Run(ctx context.Context) error {
	q.logInfo("power query loop started", "address", q.session.IPv6Address, "interval", q.cfg.Interval)

	for {
		if ctx.Err() != nil {
			return nil
		}

		reading, err := q.Query(ctx)
		wait := q.cfg.Interval

		switch {
		case err == nil:
			q.stats.recordReading(reading)
			q.logDebug("power reading", "watts", reading.Watts)
			if q.sink != nil {
				if err := q.sink.HandleReading(ctx, reading); err != nil {
					q.stats.recordSinkError()
					q.logWarn("reading sink failed", "error", err)
				}
			}

		case ctx.Err() != nil:
			return nil

		case errors.Is(err, ErrReadTimeout):
			q.stats.recordTimeout()
			q.logDebug("query cycle timed out", "error", err)
			wait /= failureBackoffDivisor

		case IsRecoverable(err):
			q.stats.recordDecodeError()
			q.logDebug("query cycle discarded", "error", err)
			wait /= failureBackoffDivisor

		default:
			return fmt.Errorf("query loop: %w", err)
		}

		if !sleepContext(ctx, wait) {
			return nil
		}
	}
}

// sleepContext waits for d or until ctx is done. Returns false if ctx ended.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (q *QueryLoop) logInfo(msg string, keysAndValues ...any) {
	q.loggerMu.RLock()
	logger := q.logger
	q.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (q *QueryLoop) logWarn(msg string, keysAndValues ...any) {
	q.loggerMu.RLock()
	logger := q.logger
	q.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (q *QueryLoop) logDebug(msg string, keysAndValues ...any) {
	q.loggerMu.RLock()
	logger := q.logger
	q.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
