package main

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rcourtman/pulse-cloudstack/internal/checkpoint"
	"github.com/rcourtman/pulse-cloudstack/internal/config"
	"github.com/rcourtman/pulse-cloudstack/internal/emitter"
	"github.com/rcourtman/pulse-cloudstack/internal/events"
	"github.com/rcourtman/pulse-cloudstack/internal/monitoring"
	"github.com/rcourtman/pulse-cloudstack/internal/usage"
	"github.com/rcourtman/pulse-cloudstack/internal/websocket"
	"github.com/rcourtman/pulse-cloudstack/pkg/cloudstack"
	"github.com/rcourtman/pulse-cloudstack/pkg/tlsutil"
	"github.com/rs/zerolog/log"
)

// app holds the wired poller for one configured CloudStack instance.
type app struct {
	cfg       *config.Config
	store     checkpoint.Store
	scheduler *monitoring.Scheduler
	metrics   *monitoring.PollMetrics
	registry  *prometheus.Registry
	hub       *websocket.Hub
	started   time.Time

	closeOutput func() error
}

func newApp(cfg *config.Config) (*app, error) {
	tlsutil.SetDNSCacheTTL(cfg.DNSCacheTTL)

	client, err := cloudstack.NewClient(cloudstack.ClientConfig{
		BaseURL:     cfg.BaseURL(),
		APIKey:      cfg.APIKey,
		SecretKey:   cfg.SecretKey,
		VerifySSL:   cfg.SSLVerify,
		Fingerprint: cfg.TLSFingerprint,
		Timeout:     cfg.RequestTimeout,
		PageSize:    cfg.PageSize,
		Namespace:   cfg.Namespace(),
	})
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.Open(cfg.StateBackend, cfg.StateDir, cfg.Namespace())
	if err != nil {
		return nil, err
	}

	sink, closeOutput, err := emitter.OpenOutput(cfg.Output)
	if err != nil {
		store.Close()
		return nil, err
	}
	sinks := []emitter.Sink{sink}

	var hub *websocket.Hub
	if cfg.HTTPAddr != "" {
		hub = websocket.NewHub(websocket.DefaultReplaySize)
		hub.SetAllowedOrigins(cfg.AllowedOrigins)
		sinks = append(sinks, hub)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewPollMetrics(registry)

	scheduler, err := monitoring.NewScheduler(
		monitoring.SchedulerConfig{
			Interval:   cfg.Interval,
			DebugMode:  cfg.DebugMode,
			DomainID:   cfg.DomainID,
			EventTag:   cfg.EventTag(),
			UsageTag:   cfg.UsageTag(),
			MetricsTag: cfg.Tag,
		},
		events.NewFetcher(client, cfg.DomainID, cfg.Namespace()),
		usage.NewAggregator(client, client, cfg.DomainID),
		store,
		emitter.NewDispatcher(sinks...),
		metrics,
	)
	if err != nil {
		closeOutput()
		store.Close()
		return nil, err
	}

	return &app{
		cfg:         cfg,
		store:       store,
		scheduler:   scheduler,
		metrics:     metrics,
		registry:    registry,
		hub:         hub,
		started:     time.Now(),
		closeOutput: closeOutput,
	}, nil
}

// load reads durable state and warns when legacy plugin files could be imported.
func (a *app) load(ctx context.Context) error {
	if err := a.scheduler.Load(ctx); err != nil {
		return err
	}
	cp, baseline := a.scheduler.State()
	if checkpoint.IsEmpty(cp, baseline) && checkpoint.LegacyFilesExist(a.cfg.StateDir, a.cfg.Tag) {
		log.Warn().
			Str("dir", a.cfg.StateDir).
			Str("tag", a.cfg.Tag).
			Msg("Legacy state files found but store is empty; run 'state import-legacy' to keep the previous checkpoint")
	}
	return nil
}

func (a *app) Close() error {
	return errors.Join(a.closeOutput(), a.store.Close())
}
