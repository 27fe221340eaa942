package meter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/broute-bridge/internal/bridges/broute"
)

// timestampFormat is fixed-width so stored timestamps sort as text.
const timestampFormat = "2006-01-02T15:04:05.000000Z"

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
//
// Parameters:
//   - db: Open SQLite connection with the power_readings and join_sessions tables
//
// Returns:
//   - *SQLiteRepository: Repository instance ready for use
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordReading inserts a reading for meterID.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - meterID: Meter the reading belongs to
//   - sessionID: Join session that produced it (may be empty)
//   - r: The decoded reading; a zero ReceivedAt is stored as now
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteRepository) RecordReading(ctx context.Context, meterID, sessionID string, reading broute.PowerReading) error {
	if meterID == "" {
		return ErrInvalidMeterID
	}
	at := reading.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO power_readings (meter_id, session_id, power_watts, transaction_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		meterID,
		sessionID,
		int64(reading.Watts),
		int(reading.TransactionID),
		formatTimestamp(at),
	)
	if err != nil {
		return fmt.Errorf("inserting power reading: %w", err)
	}
	return nil
}

// LatestReading returns the newest reading for meterID.
func (r *SQLiteRepository) LatestReading(ctx context.Context, meterID string) (Reading, error) {
	readings, err := r.ListReadings(ctx, meterID, 1)
	if err != nil {
		return Reading{}, err
	}
	if len(readings) == 0 {
		return Reading{}, fmt.Errorf("%w: no readings for meter %s", ErrNotFound, meterID)
	}
	return readings[0], nil
}

// ListReadings returns recent readings for meterID, ordered newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - meterID: Meter to list
//   - limit: Maximum entries to return (default 50, max 200)
//
// Returns:
//   - []Reading: Readings ordered by created_at DESC
//   - error: nil on success, otherwise the underlying query error
func (r *SQLiteRepository) ListReadings(ctx context.Context, meterID string, limit int) ([]Reading, error) {
	if meterID == "" {
		return nil, ErrInvalidMeterID
	}
	limit = ClampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, meter_id, session_id, power_watts, transaction_id, created_at
		 FROM power_readings
		 WHERE meter_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		meterID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying power readings: %w", err)
	}
	defer rows.Close()

	readings := make([]Reading, 0, limit)
	for rows.Next() {
		var rd Reading
		var createdAt string
		if err := rows.Scan(&rd.ID, &rd.MeterID, &rd.SessionID, &rd.PowerWatts, &rd.TransactionID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning power reading: %w", err)
		}
		if rd.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		rd.Unit = broute.PowerUnit
		readings = append(readings, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating power readings: %w", err)
	}

	return readings, nil
}

// PruneReadings deletes readings older than the given duration.
//
// Returns:
//   - int64: Number of rows deleted
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteRepository) PruneReadings(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := formatTimestamp(time.Now().Add(-olderThan))
	result, err := r.db.ExecContext(ctx, "DELETE FROM power_readings WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting power readings: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// RecordSession stores a successful join. It satisfies broute.SessionRecorder.
func (r *SQLiteRepository) RecordSession(ctx context.Context, meterID string, s broute.JoinSession) error {
	if meterID == "" {
		return ErrInvalidMeterID
	}
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO join_sessions (id, meter_id, channel, channel_page, pan_id, mac_address,
			ipv6_address, lqi, scan_duration, state, connected_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID,
		meterID,
		s.Scan.Channel,
		s.Scan.ChannelPage,
		s.Scan.PanID,
		s.Scan.Address,
		s.IPv6Address,
		s.Scan.LQI,
		s.ScanDuration,
		s.State.String(),
		formatTimestamp(s.ConnectedAt),
		formatTimestamp(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("inserting join session: %w", err)
	}
	return nil
}

// LatestSession returns the newest join session for meterID.
func (r *SQLiteRepository) LatestSession(ctx context.Context, meterID string) (Session, error) {
	if meterID == "" {
		return Session{}, ErrInvalidMeterID
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT id, meter_id, channel, channel_page, pan_id, mac_address, ipv6_address,
			lqi, scan_duration, state, connected_at, created_at
		 FROM join_sessions
		 WHERE meter_id = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		meterID,
	)

	var s Session
	var connectedAt, createdAt string
	err := row.Scan(&s.ID, &s.MeterID, &s.Channel, &s.ChannelPage, &s.PanID, &s.MACAddress,
		&s.IPv6Address, &s.LQI, &s.ScanDuration, &s.State, &connectedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("%w: no sessions for meter %s", ErrNotFound, meterID)
		}
		return Session{}, fmt.Errorf("querying join session: %w", err)
	}
	if s.ConnectedAt, err = parseTimestamp(connectedAt); err != nil {
		return Session{}, err
	}
	if s.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return Session{}, err
	}
	return s, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampFormat)
}

// parseTimestamp parses a timestamp stored in SQLite.
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	t, err := time.Parse(timestampFormat, value)
	if err == nil {
		return t, nil
	}
	if fallback, fallbackErr := time.Parse(time.RFC3339Nano, value); fallbackErr == nil {
		return fallback.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
}
