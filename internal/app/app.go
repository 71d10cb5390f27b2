package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"resq/go-sos-agent/internal/beacon"
	"resq/go-sos-agent/internal/config"
	"resq/go-sos-agent/internal/discovery"
	"resq/go-sos-agent/internal/incidentapi"
	"resq/go-sos-agent/internal/metrics"
	"resq/go-sos-agent/internal/model"
	"resq/go-sos-agent/internal/scanner"
	"resq/go-sos-agent/internal/session"
	"resq/go-sos-agent/internal/store"
)

// Catalog is the read-only part of the incident service exposed on the control API.
type Catalog interface {
	ListIncidents(ctx context.Context) ([]model.IncidentSummary, error)
	IncidentEvents(ctx context.Context, id model.ID, filter incidentapi.EventFilter) ([]model.IncidentEvent, error)
	ListBeacons(ctx context.Context) ([]model.Beacon, error)
}

// App wires together the SOS agent services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store      *store.Store
	scanner    *scanner.Scanner
	controller *session.Controller
	catalog    Catalog
	registry   *prometheus.Registry
	metrics    *metrics.Metrics

	startupSOS  bool
	description string
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// TriggerOnStart makes Run start an SOS session as soon as the agent is up.
func (a *App) TriggerOnStart(description string) {
	a.startupSOS = true
	a.description = description
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	position, err := a.cfg.FixedPosition()
	if err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	var proximity beacon.Scanner
	if a.cfg.MQTTBroker != "" || a.cfg.DiscoveryEnabled {
		a.scanner = scanner.New(scanner.Options{
			Broker:   a.cfg.MQTTBroker,
			Topic:    a.cfg.MQTTTopic,
			ClientID: a.cfg.MQTTClientID,
			Locate:   a.locateBroker,
			Record:   a.recordAdvertisement,
		}, a.logger)
		proximity = a.scanner
		defer a.scanner.Close()
	} else {
		a.logger.Warn("no scanner gateway configured, every scan will use the fallback beacon")
	}

	resolver := beacon.NewResolver(proximity, beacon.Options{
		FallbackID:    a.cfg.FallbackBeaconID,
		Timeout:       a.cfg.ScanTimeout,
		RSSIThreshold: a.cfg.RSSIThreshold,
		OnResolve:     a.metrics.ScanObserved,
	}, a.logger)

	client := incidentapi.New(a.cfg.APIBaseURL, a.cfg.APIToken, a.cfg.APITimeout, a.logger)
	a.catalog = client

	a.controller = session.New(client, resolver, session.Options{
		PollInterval:   a.cfg.PollInterval,
		PollMaxBackoff: a.cfg.PollMaxBackoff,
		ScanTimeout:    a.cfg.ScanTimeout,
		Position:       session.StaticPosition{Fixed: position},
		Observer:       session.Observers{newJournal(a.store, a.logger), a.metrics},
	}, a.logger)
	defer a.controller.Close()

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.startupSOS {
		go a.startSOS(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				return err
			}
		}
	}
}

func (a *App) startSOS(ctx context.Context) {
	snap, err := a.controller.StartSession(ctx, a.description)
	if err != nil {
		a.logger.Error("start-up sos failed", "state", string(snap.State), "error", err)
		return
	}
	a.logger.Info("start-up sos submitted", "incident", snap.Session.IncidentID, "display", string(snap.Display))
}

func (a *App) locateBroker(ctx context.Context) (string, error) {
	if !a.cfg.DiscoveryEnabled {
		return "", discovery.ErrNotFound
	}
	return discovery.FindBroker(ctx, a.cfg.DiscoveryTimeout, a.logger)
}

func (a *App) recordAdvertisement(adv model.Advertisement) {
	if a.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := a.store.RecordAdvertisement(ctx, adv); err != nil {
		a.logger.Error("failed to persist advertisement", "scanner", adv.ScannerID, "tag", adv.Address, "error", err)
	}
}
