package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/nerrad567/broute-bridge/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReconnectWait  = 2 * time.Second
	defaultSubjectPrefix  = "broute"
	clientName            = "broute-bridge"
)

// Logger interface for optional logging support.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Client publishes readings to a NATS server.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	conn   *natsgo.Conn
	prefix string
}

// Connect dials the configured NATS server.
//
// Parameters:
//   - cfg: NATS configuration from config.yaml
//   - logger: Optional logger for disconnect/reconnect events (may be nil)
//
// Returns:
//   - *Client: Connected client
//   - error: ErrDisabled, or ErrConnectionFailed wrapping the dial error
func Connect(cfg config.NATSConfig, logger Logger) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	opts := []natsgo.Option{
		natsgo.Name(clientName),
		natsgo.Timeout(defaultConnectTimeout),
		natsgo.ReconnectWait(defaultReconnectWait),
		natsgo.MaxReconnects(-1),
	}
	if logger != nil {
		opts = append(opts,
			natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
				logger.Warn("nats disconnected", "error", err)
			}),
			natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
				logger.Info("nats reconnected", "url", nc.ConnectedUrl())
			}),
		)
	}

	conn, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}

	return &Client{conn: conn, prefix: prefix}, nil
}

// PowerSubject returns the subject readings of meterID are published on.
func (c *Client) PowerSubject(meterID string) string {
	return PowerSubject(c.prefix, meterID)
}

// PowerSubject builds {prefix}.meter.{meterID}.power. Dots in the meter
// id would add subject tokens, so they are replaced with underscores.
func PowerSubject(prefix, meterID string) string {
	return fmt.Sprintf("%s.meter.%s.power", prefix, strings.ReplaceAll(meterID, ".", "_"))
}

// Publish sends data on subject.
func (c *Client) Publish(subject string, data []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}

// HealthCheck flushes the connection, round-tripping a PING to the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats health check: %w", err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
