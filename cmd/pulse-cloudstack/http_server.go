package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/pulse-cloudstack/internal/monitoring"
	"github.com/rs/zerolog/log"
)

var (
	httpShutdownTimeout = 5 * time.Second

	// A stage is unhealthy once it has not succeeded for this many intervals.
	healthStaleIntervals = 3
)

type stageHealth struct {
	LastSuccess *time.Time `json:"last_success,omitempty"`
	Healthy     bool       `json:"healthy"`
}

type healthResponse struct {
	Status string                 `json:"status"`
	Tag    string                 `json:"tag"`
	Stages map[string]stageHealth `json:"stages"`
}

// health reports per-stage freshness. Before a stage first succeeds its age
// is measured from process start.
func (a *app) health(now time.Time) (healthResponse, bool) {
	limit := time.Duration(healthStaleIntervals) * a.cfg.Interval
	resp := healthResponse{
		Status: "ok",
		Tag:    a.cfg.Tag,
		Stages: make(map[string]stageHealth, 2),
	}
	healthy := true

	for _, stage := range []string{monitoring.StageEvents, monitoring.StageUsage} {
		ref := a.started
		var sh stageHealth
		if last, ok := a.metrics.LastSuccess(a.cfg.Tag, stage); ok {
			ts := last.UTC()
			sh.LastSuccess = &ts
			ref = ts
		}
		sh.Healthy = now.Sub(ref) <= limit
		if !sh.Healthy {
			healthy = false
		}
		resp.Stages[stage] = sh
	}
	if !healthy {
		resp.Status = "stale"
	}
	return resp, healthy
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, healthy := a.health(time.Now())
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Debug().Err(err).Msg("Failed to write health response")
	}
}

func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", a.handleHealth)
	if a.hub != nil {
		mux.HandleFunc("/stream", a.hub.HandleWebSocket)
	}
	return mux
}

// startHTTPServer serves metrics, health and the record stream until ctx is
// done. The returned channel closes once the server has shut down.
func startHTTPServer(ctx context.Context, addr string, handler http.Handler) <-chan struct{} {
	done := make(chan struct{})

	// ReadHeaderTimeout only; a connection deadline would cut upgraded stream connections.
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Failed to shut down HTTP server cleanly")
		}
	}()

	go func() {
		defer close(done)
		log.Info().Str("addr", addr).Msg("Metrics and stream endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}()

	return done
}
