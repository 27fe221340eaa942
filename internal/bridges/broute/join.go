package broute

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JoinState is a state of the PAN join state machine.
type JoinState int

const (
	StateInit JoinState = iota
	StateScanning
	StateChannelSelected
	StateAddressResolved
	StateJoining
	StateConnected
	StateFailed
)

// String returns the upper-case state name.
func (s JoinState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateScanning:
		return "SCANNING"
	case StateChannelSelected:
		return "CHANNEL_SELECTED"
	case StateAddressResolved:
		return "ADDRESS_RESOLVED"
	case StateJoining:
		return "JOINING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("JoinState(%d)", int(s))
	}
}

// IsTerminal reports whether no further transitions can happen from s.
func (s JoinState) IsTerminal() bool {
	return s == StateConnected || s == StateFailed
}

// Join defaults.
const (
	DefaultScanMode           = 2
	DefaultChannelMask        = "FFFFFFFF"
	DefaultMinScanDuration    = 4
	DefaultMaxScanDuration    = 7
	DefaultSessionReadTimeout = 2 * time.Second

	// maxScanDuration is the largest duration the modem accepts.
	maxScanDuration = 14
)

// JoinConfig holds scan and join parameters.
type JoinConfig struct {
	// ScanMode is the SKSCAN mode (2 = active scan with IE).
	ScanMode int

	// ChannelMask is the hex channel bitmask passed to SKSCAN.
	ChannelMask string

	// MinScanDuration and MaxScanDuration bound the scan duration exponent.
	// Each pass widens the duration by one.
	MinScanDuration int
	MaxScanDuration int

	// ReadTimeout bounds every wait during scan and join.
	// Zero waits indefinitely.
	ReadTimeout time.Duration

	// SessionReadTimeout is applied to the protocol once CONNECTED and is
	// the per-line timeout seen by the query loop.
	// Default: 2 seconds.
	SessionReadTimeout time.Duration
}

// withDefaults fills zero fields.
func (c JoinConfig) withDefaults() JoinConfig {
	if c.ScanMode == 0 {
		c.ScanMode = DefaultScanMode
	}
	if c.ChannelMask == "" {
		c.ChannelMask = DefaultChannelMask
	}
	if c.MinScanDuration == 0 && c.MaxScanDuration == 0 {
		c.MinScanDuration = DefaultMinScanDuration
		c.MaxScanDuration = DefaultMaxScanDuration
	}
	if c.SessionReadTimeout == 0 {
		c.SessionReadTimeout = DefaultSessionReadTimeout
	}
	return c
}

// Validate checks the scan duration bounds.
func (c JoinConfig) Validate() error {
	if c.MinScanDuration < 0 || c.MaxScanDuration > maxScanDuration {
		return fmt.Errorf("scan durations must be within 0..%d", maxScanDuration)
	}
	if c.MinScanDuration > c.MaxScanDuration {
		return fmt.Errorf("min scan duration %d exceeds max %d", c.MinScanDuration, c.MaxScanDuration)
	}
	if c.ReadTimeout < 0 || c.SessionReadTimeout < 0 {
		return errors.New("read timeouts must not be negative")
	}
	return nil
}

// JoinSession describes an established PANA session with the meter.
// It is a value: once returned by JoinMachine.Run it never changes.
type JoinSession struct {
	// ID uniquely identifies this session for persistence.
	ID string `json:"id"`

	// Scan is the beacon the session was derived from.
	Scan ScanResult `json:"scan"`

	// ScanDuration is the duration exponent of the successful scan.
	ScanDuration int `json:"scan_duration"`

	// IPv6Address is the meter's link-local address as printed by SKLL64.
	IPv6Address string `json:"ipv6_address"`

	// State is always StateConnected for a returned session.
	State JoinState `json:"-"`

	// ConnectedAt is when EVENT 25 was received.
	ConnectedAt time.Time `json:"connected_at"`
}

// Transition records one state change.
type Transition struct {
	From JoinState
	To   JoinState
	At   time.Time
}

// JoinMachine drives the modem from INIT to CONNECTED or FAILED.
//
// A machine runs once. FAILED is terminal within its lifetime: to retry,
// construct a new machine.
//
// Thread Safety: Run must be called from one goroutine. State, Err and
// History are safe to call concurrently.
type JoinMachine struct {
	proto *Protocol
	cfg   JoinConfig

	mu      sync.RWMutex
	state   JoinState
	err     error
	history []Transition

	onTransition func(from, to JoinState)

	logger   Logger
	loggerMu sync.RWMutex
}

// NewJoinMachine creates a machine in StateInit.
//
// Parameters:
//   - proto: Protocol over the modem transport
//   - cfg: Scan and join parameters (zero fields take defaults)
//
// Returns:
//   - *JoinMachine: Ready to Run
//   - error: If cfg fails validation
func NewJoinMachine(proto *Protocol, cfg JoinConfig) (*JoinMachine, error) {
	if proto == nil {
		return nil, errors.New("protocol is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &JoinMachine{proto: proto, cfg: cfg, state: StateInit}, nil
}

// SetLogger sets the logger for this machine.
func (m *JoinMachine) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
}

// SetOnTransition registers a callback invoked synchronously on each state
// change. Must be set before Run.
func (m *JoinMachine) SetOnTransition(fn func(from, to JoinState)) {
	m.onTransition = fn
}

// State returns the current state.
func (m *JoinMachine) State() JoinState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err returns the error that moved the machine to FAILED, if any.
func (m *JoinMachine) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// History returns a copy of all transitions so far.
func (m *JoinMachine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Run scans for the meter's PAN, configures the modem, resolves the meter's
// address and performs PANA authentication.
//
// Returns:
//   - JoinSession: The established session (state CONNECTED)
//   - error: ErrInvalidState if already run; otherwise the cause of FAILED
func (m *JoinMachine) Run(ctx context.Context) (JoinSession, error) {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	if state != StateInit {
		return JoinSession{}, fmt.Errorf("%w: join already attempted (state %s)", ErrInvalidState, state)
	}

	m.proto.SetReadTimeout(m.cfg.ReadTimeout)
	m.transition(StateScanning)

	scan, duration, err := m.scan(ctx)
	if err != nil {
		return JoinSession{}, m.fail(err)
	}

	if err := m.selectChannel(ctx, scan); err != nil {
		return JoinSession{}, m.fail(err)
	}
	m.transition(StateChannelSelected)

	address, err := m.resolveAddress(ctx, scan.Address)
	if err != nil {
		return JoinSession{}, m.fail(err)
	}
	m.transition(StateAddressResolved)

	if err := m.proto.SendCommand(ctx, "SKJOIN "+address); err != nil {
		return JoinSession{}, m.fail(err)
	}
	m.transition(StateJoining)

	if err := m.awaitAuthentication(ctx); err != nil {
		return JoinSession{}, m.fail(err)
	}

	session := JoinSession{
		ID:           uuid.NewString(),
		Scan:         scan,
		ScanDuration: duration,
		IPv6Address:  address,
		State:        StateConnected,
		ConnectedAt:  time.Now().UTC(),
	}
	m.transition(StateConnected)

	m.logInfo("joined meter PAN",
		"channel", scan.Channel,
		"pan_id", scan.PanID,
		"address", address,
		"lqi", scan.LinkQuality())

	// The modem prints one more line after EVENT 25; consume it so the
	// query loop starts aligned on its own replies.
	m.proto.SetReadTimeout(m.cfg.SessionReadTimeout)
	if line, err := m.proto.ReadLine(ctx); err != nil {
		m.logDebug("post-join drain failed", "error", err)
	} else {
		m.logDebug("post-join drain", "kind", line.Kind.String(), "line", line.Raw)
	}

	return session, nil
}

// scan runs active scans with widening duration until a beacon is found.
func (m *JoinMachine) scan(ctx context.Context) (ScanResult, int, error) {
	for d := m.cfg.MinScanDuration; d <= m.cfg.MaxScanDuration; d++ {
		result, err := m.scanOnce(ctx, d)
		if err != nil {
			return ScanResult{}, d, err
		}
		if result.Found() {
			if err := result.Validate(); err != nil {
				return ScanResult{}, d, err
			}
			return result, d, nil
		}
		m.logInfo("no PAN found, widening scan", "duration", d)
	}
	return ScanResult{}, m.cfg.MaxScanDuration, fmt.Errorf("%w: tried %d..%d",
		ErrScanExhausted, m.cfg.MinScanDuration, m.cfg.MaxScanDuration)
}

// scanOnce runs one SKSCAN pass and collects attributes until EVENT 22.
// Each pass starts from an empty result.
func (m *JoinMachine) scanOnce(ctx context.Context, duration int) (ScanResult, error) {
	var result ScanResult

	cmd := fmt.Sprintf("SKSCAN %d %s %X", m.cfg.ScanMode, m.cfg.ChannelMask, duration)
	if err := m.proto.SendCommand(ctx, cmd); err != nil {
		return result, err
	}

	for {
		line, err := m.proto.ReadLine(ctx)
		if err != nil {
			return result, err
		}

		switch line.Kind {
		case LineTimeout:
			return result, fmt.Errorf("%w: scanning with duration %d", ErrJoinTimeout, duration)
		case LineStatus:
			if !line.OK {
				return result, fmt.Errorf("%w: SKSCAN: %s", ErrCommandRejected, line.Raw)
			}
		case LineScanAttribute:
			result.apply(line.Key, line.Value)
		case LineEvent:
			if line.Code == EventScanComplete {
				return result, nil
			}
		}
	}
}

// selectChannel writes the channel (S2) and PAN ID (S3) registers.
func (m *JoinMachine) selectChannel(ctx context.Context, scan ScanResult) error {
	for _, cmd := range []string{
		"SKSREG S2 " + scan.Channel,
		"SKSREG S3 " + scan.PanID,
	} {
		if _, err := m.proto.Exec(ctx, cmd); err != nil {
			return m.joinTimeout(err)
		}
	}
	return nil
}

// resolveAddress asks the modem for the link-local IPv6 address of mac.
// The address is validated but returned exactly as the modem printed it.
func (m *JoinMachine) resolveAddress(ctx context.Context, mac string) (string, error) {
	if err := m.proto.SendCommand(ctx, "SKLL64 "+mac); err != nil {
		return "", err
	}

	for {
		line, err := m.proto.ReadLine(ctx)
		if err != nil {
			return "", err
		}

		switch line.Kind {
		case LineEcho:
			continue
		case LineTimeout:
			return "", fmt.Errorf("%w: resolving address of %s", ErrJoinTimeout, mac)
		case LineStatus:
			if !line.OK {
				return "", fmt.Errorf("%w: SKLL64: %s", ErrCommandRejected, line.Raw)
			}
			return "", fmt.Errorf("%w: no address before status", ErrAddressResolution)
		}

		address := strings.TrimSpace(line.Raw)
		ip, err := netip.ParseAddr(address)
		if err != nil || !ip.Is6() || !ip.IsLinkLocalUnicast() {
			return "", fmt.Errorf("%w: %q is not an IPv6 link-local address", ErrAddressResolution, address)
		}
		return address, nil
	}
}

// awaitAuthentication waits for the SKJOIN acknowledgement and then for the
// PANA outcome event. Events seen before the OK are ignored.
func (m *JoinMachine) awaitAuthentication(ctx context.Context) error {
	acked := false
	for {
		line, err := m.proto.ReadLine(ctx)
		if err != nil {
			return err
		}

		switch line.Kind {
		case LineTimeout:
			if !acked {
				return fmt.Errorf("%w: awaiting SKJOIN acknowledgement", ErrJoinTimeout)
			}
			return fmt.Errorf("%w: awaiting PANA result", ErrJoinTimeout)
		case LineStatus:
			if !line.OK {
				return fmt.Errorf("%w: SKJOIN: %s", ErrCommandRejected, line.Raw)
			}
			acked = true
		case LineEvent:
			if !acked {
				m.logDebug("ignoring event before SKJOIN acknowledgement", "line", line.Raw)
				continue
			}
			switch line.Code {
			case EventPANAFailed:
				return fmt.Errorf("%w: %s", ErrJoinRejected, line.Raw)
			case EventPANASucceeded:
				return nil
			}
		}
	}
}

// joinTimeout maps a protocol read timeout onto ErrJoinTimeout.
func (m *JoinMachine) joinTimeout(err error) error {
	if errors.Is(err, ErrReadTimeout) {
		return fmt.Errorf("%w: %w", ErrJoinTimeout, err)
	}
	return err
}

// transition moves to the given state and notifies the observer.
func (m *JoinMachine) transition(to JoinState) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.history = append(m.history, Transition{From: from, To: to, At: time.Now()})
	m.mu.Unlock()

	m.logDebug("join state", "from", from.String(), "to", to.String())
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
}

// fail records err and moves to FAILED.
func (m *JoinMachine) fail(err error) error {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()

	m.transition(StateFailed)
	m.logError("join failed", err)
	return err
}

func (m *JoinMachine) logInfo(msg string, keysAndValues ...any) {
	m.loggerMu.RLock()
	logger := m.logger
	m.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (m *JoinMachine) logDebug(msg string, keysAndValues ...any) {
	m.loggerMu.RLock()
	logger := m.logger
	m.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (m *JoinMachine) logError(msg string, err error) {
	m.loggerMu.RLock()
	logger := m.logger
	m.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
