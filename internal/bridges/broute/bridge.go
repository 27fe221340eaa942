package broute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBridgeID identifies this bridge in health messages.
const DefaultBridgeID = "broute"

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Credentials are the Route-B authentication ID and password issued by the
// electricity distributor.
type Credentials struct {
	RouteBID string
	Password string
}

// Config holds bridge configuration.
type Config struct {
	// BridgeID identifies the bridge in health messages.
	// Default: "broute".
	BridgeID string

	// MeterID names the meter in topics and stored readings.
	MeterID string

	// Credentials are written to the modem before scanning. When empty the
	// modem is assumed to be pre-configured.
	Credentials Credentials

	Join  JoinConfig
	Query QueryConfig
	Codec Codec

	// HealthInterval is how often to publish health status.
	// Default: 30 seconds.
	HealthInterval time.Duration

	// Version is reported in health messages.
	Version string
}

// SessionRecorder persists established sessions. Optional.
type SessionRecorder interface {
	RecordSession(ctx context.Context, meterID string, s JoinSession) error
}

// BridgeOptions holds dependencies for creating a bridge.
type BridgeOptions struct {
	Config Config

	// Transport is the open modem connection. Required.
	Transport LineTransport

	// Publisher receives readings and health. Optional.
	Publisher HealthPublisher

	// Sink receives every reading after MQTT. Optional.
	Sink ReadingSink

	// Sessions records the established session. Optional.
	Sessions SessionRecorder

	// Logger is optional structured logger.
	Logger Logger
}

// Bridge runs the modem setup, PAN join and power polling for one meter.
//
// Thread Safety: Run is called once from one goroutine. State, Session,
// Stats and MeterID are safe for concurrent use.
type Bridge struct {
	cfg       Config
	transport LineTransport
	proto     *Protocol
	publisher HealthPublisher
	sink      ReadingSink
	sessions  SessionRecorder
	health    *HealthReporter
	stats     *Stats

	state   atomic.Int32
	running atomic.Bool

	session   *JoinSession
	sessionMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge. Call Run to start it.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Config.MeterID == "" {
		return nil, errors.New("meter ID is required")
	}

	cfg := opts.Config
	if cfg.BridgeID == "" {
		cfg.BridgeID = DefaultBridgeID
	}
	if cfg.Codec == (Codec{}) {
		cfg.Codec = NewCodec()
	}
	cfg.Join = cfg.Join.withDefaults()
	if err := cfg.Join.Validate(); err != nil {
		return nil, fmt.Errorf("join config: %w", err)
	}

	b := &Bridge{
		cfg:       cfg,
		transport: opts.Transport,
		proto:     NewProtocol(opts.Transport),
		publisher: opts.Publisher,
		sink:      opts.Sink,
		sessions:  opts.Sessions,
		stats:     &Stats{},
		logger:    opts.Logger,
	}
	b.state.Store(int32(StateInit))

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  cfg.BridgeID,
		MeterID:   cfg.MeterID,
		Version:   cfg.Version,
		Interval:  cfg.HealthInterval,
		Publisher: opts.Publisher,
		Source:    b,
	})

	if opts.Logger != nil {
		b.proto.SetLogger(opts.Logger)
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Run performs modem setup and the PAN join, then polls the meter until ctx
// is cancelled.
//
// Returns:
//   - nil: When ctx is cancelled
//   - error: Setup or join failure, or a transport failure while polling.
//     No rejoin is attempted.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: bridge already running", ErrInvalidState)
	}

	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}
	b.health.Start(ctx)
	defer b.health.Stop()

	b.proto.SetReadTimeout(b.cfg.Join.ReadTimeout)
	if err := b.setup(ctx); err != nil {
		b.state.Store(int32(StateFailed))
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("modem setup: %w", err)
	}

	session, err := b.join(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("join: %w", err)
	}

	loop, err := NewQueryLoop(b.proto, session, b.cfg.Codec, SinkFunc(b.handleReading), b.cfg.Query)
	if err != nil {
		return err
	}
	loop.stats = b.stats
	if logger := b.getLogger(); logger != nil {
		loop.SetLogger(logger)
	}

	return loop.Run(ctx)
}

// setup identifies the modem and loads the Route-B credentials.
func (b *Bridge) setup(ctx context.Context) error {
	lines, err := b.proto.Exec(ctx, "SKVER")
	if err != nil {
		return err
	}
	for _, l := range lines {
		if version, ok := strings.CutPrefix(l.Raw, "EVER "); ok {
			b.logInfo("modem firmware", "version", version)
		}
	}

	creds := b.cfg.Credentials
	if creds.RouteBID == "" && creds.Password == "" {
		return nil
	}
	if _, err := b.proto.Exec(ctx, fmt.Sprintf("SKSETPWD %X %s", len(creds.Password), creds.Password)); err != nil {
		return err
	}
	if _, err := b.proto.Exec(ctx, "SKSETRBID "+creds.RouteBID); err != nil {
		return err
	}
	return nil
}

// join runs a fresh join machine and records the resulting session.
func (b *Bridge) join(ctx context.Context) (JoinSession, error) {
	machine, err := NewJoinMachine(b.proto, b.cfg.Join)
	if err != nil {
		return JoinSession{}, err
	}
	if logger := b.getLogger(); logger != nil {
		machine.SetLogger(logger)
	}
	machine.SetOnTransition(func(_, to JoinState) {
		b.state.Store(int32(to))
		if to.IsTerminal() {
			if err := b.health.PublishNow(); err != nil {
				b.logError("failed to publish health", err)
			}
		}
	})

	session, err := machine.Run(ctx)
	if err != nil {
		return JoinSession{}, err
	}

	b.sessionMu.Lock()
	b.session = &session
	b.sessionMu.Unlock()

	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}

	if b.sessions != nil {
		if err := b.sessions.RecordSession(ctx, b.cfg.MeterID, session); err != nil {
			b.logError("failed to record session", err)
		}
	}

	return session, nil
}

// handleReading publishes r to MQTT and forwards it to the sink.
func (b *Bridge) handleReading(ctx context.Context, r PowerReading) error {
	var errs []error

	if b.publisher != nil {
		sessionID := ""
		if s, ok := b.Session(); ok {
			sessionID = s.ID
		}
		payload, err := json.Marshal(NewReadingMessage(b.cfg.MeterID, sessionID, r))
		if err != nil {
			errs = append(errs, err)
		} else if err := b.publisher.Publish(StateTopic(b.cfg.MeterID), payload, 1, true); err != nil {
			errs = append(errs, fmt.Errorf("mqtt: %w", err))
		}
	}

	if b.sink != nil {
		if err := b.sink.HandleReading(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// MeterID returns the configured meter identifier.
func (b *Bridge) MeterID() string {
	return b.cfg.MeterID
}

// State returns the current join state.
func (b *Bridge) State() JoinState {
	return JoinState(b.state.Load())
}

// Session returns the established session, if any.
func (b *Bridge) Session() (JoinSession, bool) {
	b.sessionMu.RLock()
	defer b.sessionMu.RUnlock()
	if b.session == nil {
		return JoinSession{}, false
	}
	return *b.session, true
}

// Stats returns the current polling counters.
func (b *Bridge) Stats() StatsSnapshot {
	return b.stats.Snapshot()
}

// Health returns the bridge's current health status and reason.
func (b *Bridge) Health() (HealthStatus, string) {
	return b.health.Status()
}

// SetLogger sets the logger for the bridge and its components.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.proto.SetLogger(logger)
	b.health.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
