package api

import "net/http"

type subscriptionResponse struct {
	Topic          string   `json:"topic"`
	LockDurationMS int64    `json:"lock_duration_ms"`
	TimeoutMS      int64    `json:"timeout_ms,omitempty"`
	Variables      []string `json:"variables,omitempty"`
	AutoExtend     bool     `json:"auto_extend"`
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, _ *http.Request) {
	snap := s.worker.Registry().Snapshot()
	subs := make([]subscriptionResponse, len(snap))
	for i, sub := range snap {
		subs[i] = subscriptionResponse{
			Topic:          sub.Topic,
			LockDurationMS: sub.LockDuration.Milliseconds(),
			TimeoutMS:      sub.Timeout.Milliseconds(),
			Variables:      sub.Variables,
			AutoExtend:     sub.AutoExtend,
		}
	}
	s.writeJSON(w, http.StatusOK, subs)
}
