package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dwarpal/dwarpal/internal/store"
)

// ownerKey is the context key carrying the authenticated owner.
type ownerKey struct{}

// ownerFrom returns the authenticated owner stored by requireAuth.
func ownerFrom(ctx context.Context) (store.Owner, bool) {
	o, ok := ctx.Value(ownerKey{}).(store.Owner)
	return o, ok
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// requireAuth resolves the bearer token and stores the owner on the request
// context. Unauthenticated requests get 401.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		owner, err := s.auth.OwnerForToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			s.writeDomainError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Username == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "username and a password of at least 8 characters are required")
		return
	}

	owner, err := s.auth.RegisterOwner(r.Context(), req.Username, req.Password, req.Name)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateOwner) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		s.writeDomainError(w, err)
		return
	}
	token, err := s.auth.CreateToken(r.Context(), owner.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"owner": owner, "token": token})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	owner, err := s.auth.VerifyOwner(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.writeDomainError(w, err)
		return
	}
	token, err := s.auth.CreateToken(r.Context(), owner.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.DeleteToken(r.Context(), bearerToken(r)); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, owner)
}
