package nats

import "errors"

var (
	// ErrDisabled indicates NATS publishing is disabled in config.
	ErrDisabled = errors.New("nats: disabled in configuration")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("nats: connection failed")

	// ErrNotConnected is returned when publishing on a closed connection.
	ErrNotConnected = errors.New("nats: not connected")

	// ErrPublishFailed wraps errors from the underlying client.
	ErrPublishFailed = errors.New("nats: publish failed")
)
