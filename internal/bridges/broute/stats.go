package broute

import (
	"sync/atomic"
	"time"
)

// degradedFailureThreshold is the number of consecutive failed polls after
// which the bridge reports itself degraded.
const degradedFailureThreshold = 10

// Stats holds query loop counters. The zero value is ready to use.
type Stats struct {
	queriesSent         atomic.Uint64
	readingsOK          atomic.Uint64
	timeouts            atomic.Uint64
	decodeErrors        atomic.Uint64
	sinkErrors          atomic.Uint64
	lateReplies         atomic.Uint64
	consecutiveFailures atomic.Uint64
	lastReadingAt       atomic.Int64
	lastWatts           atomic.Int32
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	QueriesSent         uint64     `json:"queries_sent"`
	ReadingsOK          uint64     `json:"readings_ok"`
	Timeouts            uint64     `json:"timeouts"`
	DecodeErrors        uint64     `json:"decode_errors"`
	SinkErrors          uint64     `json:"sink_errors"`
	LateReplies         uint64     `json:"late_replies"`
	ConsecutiveFailures uint64     `json:"consecutive_failures"`
	LastReadingAt       *time.Time `json:"last_reading_at,omitempty"`
	LastWatts           int32      `json:"last_power_watts"`
}

func (s *Stats) recordSent() {
	s.queriesSent.Add(1)
}

func (s *Stats) recordReading(r PowerReading) {
	s.readingsOK.Add(1)
	s.consecutiveFailures.Store(0)
	s.lastReadingAt.Store(r.ReceivedAt.UnixNano())
	s.lastWatts.Store(r.Watts)
}

func (s *Stats) recordTimeout() {
	s.timeouts.Add(1)
	s.consecutiveFailures.Add(1)
}

func (s *Stats) recordDecodeError() {
	s.decodeErrors.Add(1)
	s.consecutiveFailures.Add(1)
}

func (s *Stats) recordSinkError() {
	s.sinkErrors.Add(1)
}

// recordLateReply counts an ERXUDP that belonged to an earlier cycle.
func (s *Stats) recordLateReply() {
	s.lateReplies.Add(1)
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		QueriesSent:         s.queriesSent.Load(),
		ReadingsOK:          s.readingsOK.Load(),
		Timeouts:            s.timeouts.Load(),
		DecodeErrors:        s.decodeErrors.Load(),
		SinkErrors:          s.sinkErrors.Load(),
		LateReplies:         s.lateReplies.Load(),
		ConsecutiveFailures: s.consecutiveFailures.Load(),
		LastWatts:           s.lastWatts.Load(),
	}
	if ns := s.lastReadingAt.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		snap.LastReadingAt = &t
	}
	return snap
}
