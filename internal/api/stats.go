package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByTopic       map[string]int `json:"by_topic"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	InFlight      int            `json:"in_flight"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetLeaseStats(r.Context())
	if err != nil {
		s.logger.Error("get lease stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByTopic:       stats.CountByTopic,
		AvgDurationMS: stats.AvgDurationMS,
		InFlight:      s.worker.InFlight(),
	})
}
