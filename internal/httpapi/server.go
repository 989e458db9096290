// Package httpapi exposes the matching engine over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/subventia/matching-engine/internal/matching"
)

// Matcher is the engine surface the API serves.
type Matcher interface {
	Match(ctx context.Context, profile matching.Profile, opts matching.Options) (matching.Result, error)
}

type Server struct {
	engine Matcher
	log    *zap.Logger
}

func NewServer(engine Matcher, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{engine: engine, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/match", s.handleMatch)
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type matchRequest struct {
	Profile      matching.Profile `json:"profile"`
	Limit        int              `json:"limit"`
	ForceRefresh bool             `json:"force_refresh"`
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	blob, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req matchRequest
	if err := json.Unmarshal(blob, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	// forceRefresh may also arrive as a query flag.
	if v := r.URL.Query().Get("force_refresh"); v != "" {
		req.ForceRefresh, _ = strconv.ParseBool(v)
	}

	res, err := s.engine.Match(r.Context(), req.Profile, matching.Options{
		Limit:        req.Limit,
		ForceRefresh: req.ForceRefresh,
	})
	if err != nil {
		switch {
		case errors.Is(err, matching.ErrMissingProfileID):
			writeError(w, http.StatusBadRequest, err.Error())
		case matching.IsRetrievalError(err):
			s.log.Error("candidate retrieval failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "candidate retrieval unavailable")
		default:
			s.log.Error("match request failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": matching.PipelineVersion,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"ok":    false,
		"error": map[string]any{"message": message},
	})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	blob, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(blob))) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}
