package api

import (
	"net/http"
)

type healthResponse struct {
	Status   string `json:"status"`
	WorkerID string `json:"worker_id"`
	Running  bool   `json:"running"`
	InFlight int    `json:"in_flight"`
	PoolSize int    `json:"pool_size"`
}

func (s *Server) health() healthResponse {
	return healthResponse{
		Status:   "ok",
		WorkerID: s.worker.ID(),
		Running:  s.worker.Running(),
		InFlight: s.worker.InFlight(),
		PoolSize: s.worker.PoolSize(),
	}
}

// handleHealthz reports liveness. It answers 200 while the process serves.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.health())
}

// handleReadyz answers 503 until the poll loop is running.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	body := s.health()
	if !body.Running {
		body.Status = "not running"
		s.writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}
