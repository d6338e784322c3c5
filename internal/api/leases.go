package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listLeasesResponse wraps the paginated list response.
type listLeasesResponse struct {
	Leases []*model.LeaseRecord `json:"leases"`
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	lease, err := s.store.GetLease(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "lease not found")
		return
	}
	if err != nil {
		s.logger.Error("get lease", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get lease")
		return
	}

	s.writeJSON(w, http.StatusOK, lease)
}

func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	q := r.URL.Query()
	filter := store.LeaseFilter{
		Topic:  q.Get("topic"),
		Status: q.Get("status"),
		TaskID: q.Get("task_id"),
	}

	leases, total, err := s.store.ListLeases(r.Context(), filter, limit, offset)
	if err != nil {
		s.logger.Error("list leases", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list leases")
		return
	}

	if leases == nil {
		leases = []*model.LeaseRecord{}
	}

	s.writeJSON(w, http.StatusOK, listLeasesResponse{
		Leases: leases,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
