// Package zabbix pushes power readings to a Zabbix trapper item with the
// zabbix_sender binary.
package zabbix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/broute-bridge/internal/bridges/broute"
	"github.com/nerrad567/broute-bridge/internal/infrastructure/config"
)

const (
	defaultSenderPath = "zabbix_sender"
	defaultPort       = 10051
	defaultTimeout    = 10 * time.Second
)

var (
	// ErrDisabled indicates the Zabbix sink is disabled in config.
	ErrDisabled = errors.New("zabbix: disabled in configuration")

	// ErrInvalidConfig is returned when server, host or key is missing.
	ErrInvalidConfig = errors.New("zabbix: invalid configuration")

	// ErrSendFailed wraps a failed zabbix_sender run.
	ErrSendFailed = errors.New("zabbix: send failed")
)

// Logger is the optional logging interface.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Sender runs zabbix_sender once per value.
type Sender struct {
	path    string
	server  string
	port    int
	host    string
	key     string
	timeout time.Duration

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a Sender from the zabbix config section.
//
// Returns:
//   - *Sender: Ready to send
//   - error: ErrDisabled, or ErrInvalidConfig when server, host or key is empty
func New(cfg config.ZabbixConfig) (*Sender, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if cfg.Server == "" || cfg.Host == "" || cfg.Key == "" {
		return nil, fmt.Errorf("%w: server, host and key are required", ErrInvalidConfig)
	}

	s := &Sender{
		path:    cfg.SenderPath,
		server:  cfg.Server,
		port:    cfg.Port,
		host:    cfg.Host,
		key:     cfg.Key,
		timeout: cfg.Timeout,
	}
	if s.path == "" {
		s.path = defaultSenderPath
	}
	if s.port == 0 {
		s.port = defaultPort
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	return s, nil
}

// SetLogger sets the logger for sender output.
func (s *Sender) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

func (s *Sender) getLogger() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

// args builds the zabbix_sender argument list for value.
func (s *Sender) args(value string) []string {
	return []string{
		"-z", s.server,
		"-p", strconv.Itoa(s.port),
		"-s", s.host,
		"-k", s.key,
		"-o", value,
	}
}

// Send pushes one value and returns the first line zabbix_sender printed.
//
// A non-zero exit (including zabbix_sender's "some values failed" status)
// is returned as ErrSendFailed together with that line.
func (s *Sender) Send(ctx context.Context, value string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.path, s.args(value)...) //nolint:gosec // Path comes from operator config
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	line := firstLine(out.String())
	if err != nil {
		if line != "" {
			return line, fmt.Errorf("%w: %w: %s", ErrSendFailed, err, line)
		}
		return "", fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return line, nil
}

// HandleReading implements broute.ReadingSink by sending the power value.
func (s *Sender) HandleReading(ctx context.Context, r broute.PowerReading) error {
	line, err := s.Send(ctx, strconv.FormatInt(int64(r.Watts), 10))
	if err != nil {
		return err
	}
	if logger := s.getLogger(); logger != nil {
		logger.Info("zabbix_sender", "output", line, "power_watts", r.Watts)
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
