package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/parley-chat/parley/internal/callsession"
	"github.com/parley-chat/parley/internal/gate"
	"github.com/parley-chat/parley/internal/storage"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// httpStatus maps domain errors onto HTTP statuses. Authorization denials are
// deliberately indistinguishable from missing resources where the domain
// error says so.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, gate.ErrChannelDenied), errors.Is(err, callsession.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, callsession.ErrBadTransition):
		return http.StatusConflict
	case errors.Is(err, callsession.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gate.ErrBadChannel):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, httpStatus(err), err.Error())
}

// handleGet registers a GET-only handler.
func handleGet(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost registers a POST handler that decodes the request body into a
// typed struct before invoking fn.
func handlePost[T any](mux *http.ServeMux, pattern string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "malformed request body")
				return
			}
		}
		fn(w, r, req)
	})
}

// handleAuthedPost is handlePost behind token authentication, with the
// principal resolved for the handler.
func handleAuthedPost[T any](mux *http.ServeMux, s *Server, pattern string, fn func(w http.ResponseWriter, r *http.Request, p principal, req T)) {
	handlePost(mux, pattern, func(w http.ResponseWriter, r *http.Request, req T) {
		raw := requestToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		p, err := s.verifyToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		fn(w, r, p, req)
	})
}
