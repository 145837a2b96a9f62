package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dwarpal/dwarpal/internal/store"
)

type memberRequest struct {
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Role      string `json:"role"`
	PhotoPath string `json:"photo_path"`
	Permitted bool   `json:"permitted"`
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	owner, _ := ownerFrom(r.Context())
	members, err := s.auth.ListMembers(r.Context(), owner.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	owner, _ := ownerFrom(r.Context())
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	m, err := s.auth.AddMember(r.Context(), store.Member{
		OwnerID:   owner.ID,
		Name:      req.Name,
		Phone:     req.Phone,
		Role:      req.Role,
		PhotoPath: req.PhotoPath,
		Permitted: req.Permitted,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	owner, _ := ownerFrom(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid member id")
		return
	}
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := s.auth.UpdateMember(r.Context(), store.Member{
		ID:        id,
		OwnerID:   owner.ID,
		Name:      req.Name,
		Phone:     req.Phone,
		Role:      req.Role,
		PhotoPath: req.PhotoPath,
		Permitted: req.Permitted,
	}); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteMember(w http.ResponseWriter, r *http.Request) {
	owner, _ := ownerFrom(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid member id")
		return
	}
	if err := s.auth.DeleteMember(r.Context(), owner.ID, id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
