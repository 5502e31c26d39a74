package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"melonsync/internal/shared"
)

type contextKey string

const tokenKey contextKey = "bearerToken"

// requireBearer extracts the caller's bearer credential and rejects requests
// without one. The credential itself is opaque here; the catalog provider is
// the authority, and a provider 401 mid-request surfaces the same way.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.respondStatus(w, http.StatusUnauthorized, "missing bearer credential")
			return
		}

		ctx := context.WithValue(r.Context(), tokenKey, strings.TrimSpace(token))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken returns the request-scoped credential set by requireBearer.
func bearerToken(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// respondJSON writes data as a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	body, err := shared.MarshalJSON(data, false)
	if err != nil {
		s.logger.Error("failed to marshal response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

// respondStatus writes a JSON error body with the given status.
func (s *Server) respondStatus(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondError maps an engine or catalog error onto an HTTP status.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", "error", err)

	switch {
	case errors.Is(err, shared.ErrUnauthorized) || errors.Is(err, shared.ErrNotAuthenticated):
		s.respondStatus(w, http.StatusUnauthorized, "catalog credential rejected")
	case errors.Is(err, shared.ErrChartIntegrity) || errors.Is(err, shared.ErrInvalidInput):
		s.respondStatus(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, shared.ErrRecordNotFound) || errors.Is(err, shared.ErrPlaylistNotFound) || errors.Is(err, shared.ErrTrackNotFound):
		s.respondStatus(w, http.StatusNotFound, err.Error())
	case errors.Is(err, shared.ErrConflict):
		s.respondStatus(w, http.StatusConflict, err.Error())
	case errors.Is(err, shared.ErrRateLimited):
		s.respondStatus(w, http.StatusTooManyRequests, "catalog rate limit exceeded")
	default:
		s.respondStatus(w, http.StatusInternalServerError, "internal server error")
	}
}
