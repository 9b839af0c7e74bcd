package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendant/simple-blob/pkg/simpleblob"
	"github.com/tendant/simple-blob/pkg/simpleblob/config"
	"github.com/tendant/simple-blob/pkg/simpleblob/quota"
	"github.com/tendant/simple-blob/pkg/simpleblob/recalc"
)

// HTTPServer exposes store metrics and maintenance operations
type HTTPServer struct {
	runtime  *config.Runtime
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewHTTPServer creates a new HTTP server wrapper
func NewHTTPServer(rt *config.Runtime, gatherer prometheus.Gatherer, logger *slog.Logger) *HTTPServer {
	return &HTTPServer{
		runtime:  rt,
		gatherer: gatherer,
		logger:   logger,
	}
}

// Routes sets up the HTTP routes
func (s *HTTPServer) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stores", s.handleListStores)
		r.Get("/stores/{name}", s.handleGetStore)
		r.Post("/stores/{name}/recalculate", s.handleRecalculate)
		r.Delete("/stores/{name}/recalculate", s.handleCancelRecalculation)
		r.Get("/stores/{name}/quota", s.handleQuota)
		r.Post("/stores/{name}/compact", s.handleCompact)
		r.Get("/cooperation", s.handleCooperation)
	})

	return r
}

// StoreResponse is the JSON form of a store's metrics
type StoreResponse struct {
	Name        string           `json:"name"`
	Delegating  bool             `json:"delegating"`
	BlobCount   int64            `json:"blob_count"`
	TotalSize   int64            `json:"total_size"`
	UsableSpace map[string]int64 `json:"usable_space,omitempty"`
}

// RecalculationResponse is the JSON form of a recalculation run
type RecalculationResponse struct {
	Store     string `json:"store"`
	Applied   bool   `json:"applied"`
	Scanned   int64  `json:"scanned"`
	Counted   int64  `json:"counted"`
	Excluded  int64  `json:"excluded"`
	Skipped   int64  `json:"skipped"`
	TotalSize int64  `json:"total_size"`
	Duration  string `json:"duration"`
}

// QuotaResponse is the JSON form of a quota check
type QuotaResponse struct {
	Store       string `json:"store"`
	Configured  bool   `json:"configured"`
	IsViolation bool   `json:"is_violation"`
	Message     string `json:"message,omitempty"`
}

// CompactResponse is the JSON form of a compaction run
type CompactResponse struct {
	Store          string `json:"store"`
	Deleted        int    `json:"deleted"`
	Retained       int    `json:"retained"`
	OrphansRemoved int    `json:"orphans_removed"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status":      "healthy",
		"environment": s.runtime.Config.Environment,
		"stores":      s.runtime.StoreNames(),
	})
}

func (s *HTTPServer) handleListStores(w http.ResponseWriter, r *http.Request) {
	stores := make([]StoreResponse, 0)
	for _, name := range s.runtime.StoreNames() {
		if resp, ok := s.storeResponse(name); ok {
			stores = append(stores, resp)
		}
	}
	render.JSON(w, r, stores)
}

func (s *HTTPServer) handleGetStore(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.storeResponse(chi.URLParam(r, "name"))
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "store not found")
		return
	}
	render.JSON(w, r, resp)
}

func (s *HTTPServer) storeResponse(name string) (StoreResponse, bool) {
	target, ok := s.runtime.RecalcTarget(name)
	if !ok {
		return StoreResponse{}, false
	}
	m := target.Metrics().Current()
	_, delegating := s.runtime.Groups[name]
	return StoreResponse{
		Name:        name,
		Delegating:  delegating,
		BlobCount:   m.BlobCount,
		TotalSize:   m.TotalSize,
		UsableSpace: m.UsableSpace,
	}, true
}

func (s *HTTPServer) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.runtime.RecalcTarget(name); !ok {
		s.writeError(w, r, http.StatusNotFound, "store not found")
		return
	}

	result, err := s.runtime.Recalculate(r.Context(), name)
	if err != nil {
		if errors.Is(err, recalc.ErrCanceled) || errors.Is(err, recalc.ErrAlreadyRunning) {
			s.writeError(w, r, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("Recalculation failed", "store", name, "err", err)
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if result == nil {
		result = &recalc.Result{Store: name}
	}

	render.JSON(w, r, RecalculationResponse{
		Store:     result.Store,
		Applied:   result.Applied,
		Scanned:   result.Scanned,
		Counted:   result.Counted,
		Excluded:  result.Excluded,
		Skipped:   result.Skipped,
		TotalSize: result.TotalSize,
		Duration:  result.Duration.String(),
	})
}

func (s *HTTPServer) handleCancelRecalculation(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.runtime.CancelRecalculation(name) {
		s.writeError(w, r, http.StatusNotFound, "no recalculation running")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleQuota(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	target, ok := quotaTarget(s.runtime, name)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "store not found")
		return
	}

	result, err := s.runtime.Quota.CheckQuota(target)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	resp := QuotaResponse{Store: name}
	if result != nil {
		resp.Configured = true
		resp.IsViolation = result.IsViolation
		resp.Message = result.Message
	}
	render.JSON(w, r, resp)
}

func (s *HTTPServer) handleCompact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	store, ok := s.runtime.Stores[name]
	if !ok {
		if _, isGroup := s.runtime.Groups[name]; isGroup {
			s.writeError(w, r, http.StatusBadRequest, "groups are compacted through their members")
			return
		}
		s.writeError(w, r, http.StatusNotFound, "store not found")
		return
	}

	result, err := compactStore(r.Context(), store, s.runtime.Usage)
	if err != nil {
		s.logger.Error("Compaction failed", "store", name, "err", err)
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	render.JSON(w, r, CompactResponse{
		Store:          name,
		Deleted:        result.Deleted,
		Retained:       result.Retained,
		OrphansRemoved: result.OrphansRemoved,
	})
}

func (s *HTTPServer) handleCooperation(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"id":              s.runtime.Cooperation.ID(),
		"threads_per_key": s.runtime.Cooperation.ThreadCountPerKey(),
	})
}

func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": message})
}

func compactStore(ctx context.Context, store *simpleblob.Store, usage simpleblob.UsageChecker) (simpleblob.CompactResult, error) {
	start := time.Now()
	result, err := store.Compact(ctx, usage)
	if err != nil {
		return result, err
	}
	slog.Info("Compacted blob store",
		"store", store.Name(),
		"deleted", result.Deleted,
		"retained", result.Retained,
		"orphans", result.OrphansRemoved,
		"duration", time.Since(start))
	return result, nil
}

// quotaTarget returns the configured quota target named name.
func quotaTarget(rt *config.Runtime, name string) (quota.Target, bool) {
	for _, target := range rt.QuotaTargets() {
		if target.Name() == name {
			return target, true
		}
	}
	return nil, false
}
