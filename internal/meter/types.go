package meter

import (
	"context"
	"time"

	"github.com/nerrad567/broute-bridge/internal/bridges/broute"
)

// History list bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Reading is a stored power reading.
type Reading struct {
	ID            int64     `json:"id"`
	MeterID       string    `json:"meter_id"`
	SessionID     string    `json:"session_id,omitempty"`
	PowerWatts    int64     `json:"power_watts"`
	Unit          string    `json:"unit"`
	TransactionID int       `json:"transaction_id"`
	CreatedAt     time.Time `json:"timestamp"`
}

// Session is a stored join session.
type Session struct {
	ID           string    `json:"id"`
	MeterID      string    `json:"meter_id"`
	Channel      string    `json:"channel"`
	ChannelPage  string    `json:"channel_page,omitempty"`
	PanID        string    `json:"pan_id"`
	MACAddress   string    `json:"mac_address"`
	IPv6Address  string    `json:"ipv6_address"`
	LQI          string    `json:"lqi,omitempty"`
	ScanDuration int       `json:"scan_duration"`
	State        string    `json:"state"`
	ConnectedAt  time.Time `json:"connected_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Repository stores readings and join sessions.
//
// Implementations must be safe for concurrent use and use UTC timestamps.
type Repository interface {
	// RecordReading stores one reading for meterID.
	RecordReading(ctx context.Context, meterID, sessionID string, r broute.PowerReading) error

	// LatestReading returns the newest reading, or ErrNotFound.
	LatestReading(ctx context.Context, meterID string) (Reading, error)

	// ListReadings returns up to limit readings, newest first.
	// The limit is clamped to 1..MaxListLimit; 0 means DefaultListLimit.
	ListReadings(ctx context.Context, meterID string, limit int) ([]Reading, error)

	// PruneReadings deletes readings older than olderThan and returns the count.
	PruneReadings(ctx context.Context, olderThan time.Duration) (int64, error)

	// RecordSession stores a successful join.
	RecordSession(ctx context.Context, meterID string, s broute.JoinSession) error

	// LatestSession returns the newest join session, or ErrNotFound.
	LatestSession(ctx context.Context, meterID string) (Session, error)
}

// ClampLimit applies the list bounds to a requested limit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
