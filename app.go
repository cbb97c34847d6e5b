package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"herbtrace/anchor"
	"herbtrace/batch"
	"herbtrace/certificate"
	"herbtrace/geofence"
	"herbtrace/labeval"
	"herbtrace/metrics"
	"herbtrace/quota"
	"herbtrace/store"
	"herbtrace/store/memstore"
	"herbtrace/store/mongostore"
)

type App struct {
	cfg     Config
	log     *slog.Logger
	store   store.Store
	quota   *quota.Tracker
	batches *batch.Manager
	retrier *anchor.Retrier
	metrics *metrics.Metrics
	clock   func() time.Time

	ping    func(context.Context) error
	closeFn func(context.Context) error
}

func newApp(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory store, data is lost on restart")
		return buildApp(cfg, memstore.New(), log, time.Now)
	}
	ms, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, err
	}
	app, err := buildApp(cfg, ms, log, time.Now)
	if err != nil {
		_ = ms.Close(ctx)
		return nil, err
	}
	app.ping = ms.Ping
	app.closeFn = ms.Close
	return app, nil
}

// buildApp wires the pipeline components on top of an opened store. Every
// component reads the same clock; nil means time.Now.
func buildApp(cfg Config, st store.Store, log *slog.Logger, clock func() time.Time) (*App, error) {
	if clock == nil {
		clock = time.Now
	}
	zones := geofence.DefaultZones()
	if cfg.GeofenceFile != "" {
		z, err := geofence.LoadFile(cfg.GeofenceFile)
		if err != nil {
			return nil, fmt.Errorf("geofence: %w", err)
		}
		zones = z
	}
	fence := geofence.New(zones...)
	names := make([]string, 0, len(zones))
	for _, z := range fence.Zones() {
		names = append(names, z.Name)
	}
	log.Info("geofence loaded", "zones", names)

	var ledger anchor.Ledger
	if cfg.LedgerURL != "" {
		ledger = anchor.NewGatewayClient(cfg.LedgerURL, cfg.LedgerToken)
	} else {
		log.Warn("LEDGER_URL not set, anchoring to the in-process ledger")
		ledger = anchor.NewMemoryLedger()
	}

	m := metrics.New()
	adapter := anchor.NewAdapter(st, ledger,
		anchor.WithTimeout(cfg.AnchorTimeout),
		anchor.WithLogger(log.With("component", "anchor")),
		anchor.WithMetrics(m),
	)
	tracker := quota.NewTracker(st, cfg.Policy.Ceilings)
	mgr := batch.NewManager(batch.Deps{
		Store:        st,
		Geofence:     fence,
		Quota:        tracker,
		Lab:          labeval.NewDefaultEngine(cfg.Policy.Lab),
		Anchors:      adapter,
		Certificates: certificate.NewAssembler(st, certificate.NewQRRenderer(), cfg.CertCodeMode, cfg.PublicBaseURL),
		Metrics:      m,
		Logger:       log.With("component", "batch"),
		Fallback:     cfg.Fallback,
		Clock:        clock,
	})

	return &App{
		cfg:     cfg,
		log:     log,
		store:   st,
		quota:   tracker,
		batches: mgr,
		retrier: anchor.NewRetrier(adapter, mgr.Backfill, cfg.RetryInterval),
		metrics: m,
		clock:   clock,
	}, nil
}

func (a *App) close(ctx context.Context) {
	if a.closeFn == nil {
		return
	}
	if err := a.closeFn(ctx); err != nil {
		a.log.Error("close store", "err", err)
	}
}
