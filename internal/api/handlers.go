package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/AyooB00/Qouantb-sub001/internal/finnhub"
	"github.com/AyooB00/Qouantb-sub001/internal/llm"
	"github.com/AyooB00/Qouantb-sub001/internal/market"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/cache"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/health"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/resilience"
)

// maxProviderFailures marks a provider unready.
const maxProviderFailures = 5

type errorResponse struct {
	Error string `json:"error"`
}

type readyResponse struct {
	Status    string                    `json:"status"`
	Providers []health.ProviderHealth   `json:"providers"`
	Governor  *resilience.GovernorStats `json:"governor,omitempty"`
	Caches    []cache.CacheStats        `json:"caches,omitempty"`
}

type screenRequest struct {
	Symbols []string `json:"symbols"`
	market.ScreenCriteria
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports unready while any upstream provider is failing.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{Status: "ready", Providers: make([]health.ProviderHealth, 0, len(s.providers))}
	status := http.StatusOK

	for _, p := range s.providers {
		h := p.Health()
		resp.Providers = append(resp.Providers, h)
		if !h.Healthy(maxProviderFailures) {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	if s.governor != nil {
		stats := s.governor.Stats()
		resp.Governor = &stats
	}
	if s.market != nil {
		resp.Caches = s.market.CacheStats()
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.market.Quote(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.market.Profile(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	resolution := r.URL.Query().Get("resolution")
	if resolution == "" {
		resolution = "D"
	}
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "days must be an integer"})
			return
		}
		days = n
	}

	c, err := s.market.Candles(r.Context(), chi.URLParam(r, "symbol"), resolution, days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	a, err := s.market.Analyze(r.Context(), chi.URLParam(r, "symbol"), r.URL.Query().Get("persona"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":  s.market.AnalysisEnabled(),
		"default":  llm.DefaultPersona,
		"personas": llm.Personas(),
	})
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	var req screenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	results, err := s.market.Screen(r.Context(), req.Symbols, req.ScreenCriteria)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []market.ScreenResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"caches": s.market.CacheStats()})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.governor.Stats())
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.market.QueueStatus(chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	n := s.governor.Clear()
	s.logger.LogWarn(r.Context(), "governor queue cleared by request", "cleared", n)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrInvalidArgument), errors.Is(err, finnhub.ErrInvalidResolution):
		return http.StatusBadRequest
	case errors.Is(err, finnhub.ErrSymbolNotFound):
		return http.StatusNotFound
	case resilience.IsRateLimited(err):
		return http.StatusTooManyRequests
	case errors.Is(err, market.ErrAnalysisDisabled),
		errors.Is(err, resilience.ErrQueueCleared),
		errors.Is(err, resilience.ErrGovernorClosed),
		errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.LogError(r.Context(), "request failed", err, "path", r.URL.Path, "status", status)
		if s.metrics != nil {
			s.metrics.RecordError(r.Context(), "http_"+strconv.Itoa(status))
		}
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
