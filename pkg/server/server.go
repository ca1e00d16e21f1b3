// Package server exposes the action coordinator over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/coordinator"
	"github.com/openassembly/backend/pkg/datastore"
)

// UserHeader carries the authenticated user id of the request. An absent
// header means the anonymous user.
const UserHeader = "X-User-ID"

// Server handles action requests.
type Server struct {
	coordinator *coordinator.Coordinator
	log         zerolog.Logger
}

// New creates a Server dispatching to the given coordinator.
func New(c *coordinator.Coordinator, log zerolog.Logger) *Server {
	return &Server{coordinator: c, log: log}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Post("/system/action/handle_request", s.handleRequest)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		log := s.log.With().Str("request_id", requestID).Logger()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r.WithContext(log.WithContext(r.Context())))

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

type successResponse struct {
	Success bool              `json:"success"`
	Results [][]action.Result `json:"results"`
}

type errorResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ErrorIndex int    `json:"error_index"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	log := zerolog.Ctx(r.Context())

	userID, err := userID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, -1, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, -1, err)
		return
	}
	requests, err := coordinator.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, -1, err)
		return
	}

	results, err := s.coordinator.Dispatch(r.Context(), userID, requests)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Error().Err(err).Msg("action dispatch failed")
		} else {
			log.Info().Err(err).Int("status", status).Msg("action rejected")
		}
		writeError(w, status, errorIndex(err), err)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true, Results: results})
}

func userID(r *http.Request) (int, error) {
	raw := r.Header.Get(UserHeader)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		return 0, errors.New("invalid user id header")
	}
	return id, nil
}

func statusFor(err error) int {
	switch {
	case action.IsSchema(err), action.IsException(err), datastore.IsNotFound(err):
		return http.StatusBadRequest
	case action.IsPermissionDenied(err):
		return http.StatusForbidden
	case datastore.IsLocked(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorIndex(err error) int {
	var ae *coordinator.ActionError
	if errors.As(err, &ae) {
		return ae.Index
	}
	return -1
}

func writeError(w http.ResponseWriter, status, index int, err error) {
	writeJSON(w, status, errorResponse{Message: err.Error(), ErrorIndex: index})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
