package meter

import (
	"context"

	"github.com/nerrad567/broute-bridge/internal/bridges/broute"
)

// SessionSource reports the current join session. *broute.Bridge satisfies it.
type SessionSource interface {
	Session() (broute.JoinSession, bool)
}

// HistorySink stores every reading it receives.
type HistorySink struct {
	repo     Repository
	meterID  string
	sessions SessionSource
}

// NewHistorySink creates a sink storing readings of meterID in repo.
// sessions may be nil, in which case readings carry no session id.
func NewHistorySink(repo Repository, meterID string, sessions SessionSource) *HistorySink {
	return &HistorySink{repo: repo, meterID: meterID, sessions: sessions}
}

// HandleReading implements broute.ReadingSink.
func (s *HistorySink) HandleReading(ctx context.Context, r broute.PowerReading) error {
	var sessionID string
	if s.sessions != nil {
		if session, ok := s.sessions.Session(); ok {
			sessionID = session.ID
		}
	}
	return s.repo.RecordReading(ctx, s.meterID, sessionID, r)
}
