package broute

import (
	"fmt"
	"time"
)

// MQTT messages published by the Route-B bridge.

// ReadingMessage carries one instantaneous power reading.
// Topic: broute/state/meter/{meter_id}
// QoS: 1, Retained: Yes
type ReadingMessage struct {
	// MeterID is the configured meter identifier.
	MeterID string `json:"meter_id"`

	// SessionID identifies the PANA session the reading was taken on.
	SessionID string `json:"session_id,omitempty"`

	// Timestamp is when the reading was decoded (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// PowerWatts is the signed instantaneous power.
	PowerWatts int32 `json:"power_watts"`

	// Unit is always "W".
	Unit string `json:"unit"`

	// TransactionID is the ECHONET Lite TID of the reply.
	TransactionID uint16 `json:"transaction_id"`
}

// NewReadingMessage builds a reading message.
func NewReadingMessage(meterID, sessionID string, r PowerReading) ReadingMessage {
	return ReadingMessage{
		MeterID:       meterID,
		SessionID:     sessionID,
		Timestamp:     r.ReceivedAt.UTC(),
		PowerWatts:    r.Watts,
		Unit:          r.Unit,
		TransactionID: r.TransactionID,
	}
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the session is up and polls are succeeding.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the session is up but polls keep failing,
	// or the modem link is still being established.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the join failed.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: broute/health/meter
// QoS: 1, Retained: Yes
// Interval: Every 30 seconds
type HealthMessage struct {
	Bridge        string         `json:"bridge"`
	MeterID       string         `json:"meter_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Status        HealthStatus   `json:"status"`
	Version       string         `json:"version,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	JoinState     string         `json:"join_state,omitempty"`
	Session       *SessionStatus `json:"session,omitempty"`
	Statistics    *StatsSnapshot `json:"statistics,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// SessionStatus summarises the PANA session for health messages.
type SessionStatus struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	PanID       string    `json:"pan_id"`
	IPv6Address string    `json:"ipv6_address"`
	ConnectedAt time.Time `json:"connected_at"`
}

// NewSessionStatus summarises s.
func NewSessionStatus(s JoinSession) *SessionStatus {
	return &SessionStatus{
		ID:          s.ID,
		Channel:     s.Scan.Channel,
		PanID:       s.Scan.PanID,
		IPv6Address: s.IPv6Address,
		ConnectedAt: s.ConnectedAt,
	}
}

// NewLWTMessage creates a Last Will and Testament message for MQTT.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// TopicPrefix is the base topic for all bridge messages.
const TopicPrefix = "broute"

// StateTopic returns the MQTT topic for readings of a meter.
// Example: broute/state/meter/house
func StateTopic(meterID string) string {
	return fmt.Sprintf("%s/state/meter/%s", TopicPrefix, meterID)
}

// HealthTopic returns the MQTT topic for health status.
// Example: broute/health/meter
func HealthTopic() string {
	return fmt.Sprintf("%s/health/meter", TopicPrefix)
}
