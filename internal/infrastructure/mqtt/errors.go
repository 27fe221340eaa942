package mqtt

import "errors"

var (
	ErrNotConnected     = errors.New("mqtt: not connected to broker")
	ErrConnectionFailed = errors.New("mqtt: could not reach broker")
	ErrPublishFailed    = errors.New("mqtt: publish not acknowledged")

	// ErrInvalidQoS rejects anything outside 0..2.
	ErrInvalidQoS = errors.New("mqtt: qos out of range")

	// ErrInvalidTopic rejects empty topics and topics carrying wildcards.
	ErrInvalidTopic = errors.New("mqtt: bad publish topic")
)
