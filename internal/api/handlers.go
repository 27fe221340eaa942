package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/nerrad567/broute-bridge/internal/bridges/broute"
	"github.com/nerrad567/broute-bridge/internal/meter"
)

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status           broute.HealthStatus   `json:"status"`
	Reason           string                `json:"reason,omitempty"`
	Version          string                `json:"version"`
	MeterID          string                `json:"meter_id"`
	JoinState        string                `json:"join_state"`
	Statistics       broute.StatsSnapshot  `json:"statistics"`
	Session          *broute.SessionStatus `json:"session,omitempty"`
	WebSocketClients int                   `json:"websocket_clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, reason := s.status.Health()
	resp := healthResponse{
		Status:           status,
		Reason:           reason,
		Version:          s.version,
		MeterID:          s.status.MeterID(),
		JoinState:        s.status.State().String(),
		Statistics:       s.status.Stats(),
		WebSocketClients: s.hub.ClientCount(),
	}
	if session, ok := s.status.Session(); ok {
		resp.Session = broute.NewSessionStatus(session)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListReadings returns stored readings, newest first.
func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	if s.readings == nil {
		writeError(w, http.StatusServiceUnavailable, "reading history is disabled")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := s.readings.ListReadings(r.Context(), s.status.MeterID(), limit)
	if err != nil {
		s.logger.Error("listing readings failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list readings")
		return
	}
	if readings == nil {
		readings = []meter.Reading{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"meter_id": s.status.MeterID(),
		"readings": readings,
		"count":    len(readings),
	})
}

// handleLatestReading returns the newest stored reading.
func (s *Server) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	if s.readings == nil {
		writeError(w, http.StatusServiceUnavailable, "reading history is disabled")
		return
	}

	reading, err := s.readings.LatestReading(r.Context(), s.status.MeterID())
	if err != nil {
		if errors.Is(err, meter.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no readings recorded")
			return
		}
		s.logger.Error("loading latest reading failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load latest reading")
		return
	}

	writeJSON(w, http.StatusOK, reading)
}

// handleGetSession returns the live join session.
func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	session, ok := s.status.Session()
	if !ok {
		writeError(w, http.StatusNotFound, "meter not joined (state "+s.status.State().String()+")")
		return
	}
	writeJSON(w, http.StatusOK, broute.NewSessionStatus(session))
}

// parseLimit parses the limit query parameter. Empty means the default;
// out-of-range values are clamped.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return meter.DefaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return meter.ClampLimit(limit), nil
}
