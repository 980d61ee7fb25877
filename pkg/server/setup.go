package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nicktill/vitals/pkg/cache"
	"github.com/nicktill/vitals/pkg/calculator"
	"github.com/nicktill/vitals/pkg/config"
	"github.com/nicktill/vitals/pkg/export"
	"github.com/nicktill/vitals/pkg/query"
	"github.com/nicktill/vitals/pkg/rawstore"
	rawmem "github.com/nicktill/vitals/pkg/rawstore/memory"
	"github.com/nicktill/vitals/pkg/rawstore/sqlite"
	"github.com/nicktill/vitals/pkg/refresh"
	"github.com/nicktill/vitals/pkg/server/monitor"
	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/storage/badger"
	"github.com/nicktill/vitals/pkg/storage/memory"
)

// Stack is the wired engine: stores, cache, calculator, refresh worker and
// the HTTP surface over them
type Stack struct {
	Config config.Config

	Raw         rawstore.Store
	L2          storage.Store
	Cache       *cache.Manager
	Calculator  *calculator.Calculator
	Coordinator *refresh.Coordinator
	Query       *query.Service
	Importer    *export.Importer
	Hub         *ProgressHub

	RefreshMonitor *monitor.RefreshMonitor
	StorageMonitor *monitor.StorageMonitor
	Registry       *prometheus.Registry
	HTTPMetrics    *HTTPMetrics

	logger *log.Logger
	l2Dir  string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// l2DirName is the badger directory under the data dir
const l2DirName = "l2"

// NewStack opens every store named by cfg and wires the engine. Nothing runs
// until Start.
func NewStack(ctx context.Context, cfg config.Config, logger *log.Logger) (*Stack, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	loc, err := cfg.Refresh.Location()
	if err != nil {
		return nil, err
	}

	s := &Stack{
		Config:         cfg,
		Registry:       prometheus.NewRegistry(),
		RefreshMonitor: monitor.NewRefreshMonitor(),
		logger:         logger,
	}
	s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.HTTPMetrics = NewHTTPMetrics(s.Registry)

	if err := s.openStores(cfg.Storage); err != nil {
		return nil, err
	}

	s.Cache = cache.New(s.L2, cache.Options{
		L1MaxEntries: cfg.Cache.L1MaxEntries,
		L1MaxRecords: cfg.Cache.L1MaxRecords,
		Retry:        cfg.Cache.Retry.Policy(),
		Registerer:   s.Registry,
		Logger:       logger,
	})
	if err := s.Cache.Open(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	s.Calculator = calculator.New(s.Raw, calculator.Options{
		Location:              loc,
		MaterializeAllSources: cfg.Refresh.MaterializeAll,
		Logger:                logger,
	})

	s.Hub = NewProgressHub(logger)
	s.Coordinator = refresh.New(s.Calculator, s.Cache, refresh.Options{
		CoalesceWindow: cfg.Refresh.CoalesceWindow,
		Timeout:        cfg.Refresh.Timeout,
		Observer: func(info refresh.Info) {
			s.RefreshMonitor.Observe(info)
			s.Hub.Publish(info)
		},
		Registerer: s.Registry,
		Logger:     logger,
	})

	s.Query = query.NewService(s.Cache, s.Calculator, query.Options{
		FallbackTimeout: cfg.Query.FallbackTimeout,
		Registerer:      s.Registry,
		Logger:          logger,
	})
	s.Importer = export.NewImporter(s.Raw, s.Cache, s.Coordinator, logger)

	maxBytes := cfg.Storage.MaxStorageGB * 1024 * 1024 * 1024
	s.StorageMonitor = monitor.NewStorageMonitor(s.l2Dir, maxBytes, s.Cache.StorageStats)

	return s, nil
}

func (s *Stack) openStores(cfg config.StorageConfig) error {
	if cfg.InMemory {
		s.logger.Info("using in-memory stores")
		s.L2 = memory.New()
		s.Raw = rawmem.New()
		return nil
	}

	s.l2Dir = filepath.Join(cfg.DataDir, l2DirName)
	if err := os.MkdirAll(s.l2Dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if dir := filepath.Dir(cfg.RawStorePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create raw store directory: %w", err)
		}
	}

	l2, err := badger.New(badger.Config{Path: s.l2Dir, MaxMemoryMB: cfg.MaxMemoryMB})
	if err != nil {
		return fmt.Errorf("failed to open summary store: %w", err)
	}
	s.L2 = l2
	s.logger.Info("summary store opened", "path", s.l2Dir, "max_memory_mb", cfg.MaxMemoryMB)

	raw, err := sqlite.New(sqlite.Config{Path: cfg.RawStorePath})
	if err != nil {
		l2.Close()
		return fmt.Errorf("failed to open raw store: %w", err)
	}
	s.Raw = raw
	s.logger.Info("raw store opened", "path", cfg.RawStorePath)
	return nil
}

// Router builds the HTTP routes over the stack
func (s *Stack) Router() *mux.Router {
	router := mux.NewRouter()
	exporter := export.NewExporter(s.Query)
	SetupRoutes(router, Routes{
		Query:          query.NewHandler(s.Query),
		Export:         export.NewHandler(exporter, s.Importer, s.logger),
		Coordinator:    s.Coordinator,
		Cache:          s.Cache,
		Hub:            s.Hub,
		RefreshMonitor: s.RefreshMonitor,
		StorageMonitor: s.StorageMonitor,
		Metrics:        s.HTTPMetrics,
		Gatherer:       s.Registry,
		Port:           s.Config.Server.Port,
	})
	return router
}

// Start launches the refresh worker, the progress hub and the maintenance
// loops. They stop on Close or when ctx is done.
func (s *Stack) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Hub.Run(ctx)
	}()

	s.Coordinator.Start(ctx)

	s.wg.Add(2)
	go RunPurge(ctx, s.Cache, s.Config.Cache.PurgeInterval, s.Config.Cache.PurgeGrace, s.logger, &s.wg)
	go RunBadgerGC(ctx, s.L2, config.BadgerGCInterval, config.BadgerGCRatio, s.logger, &s.wg)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		BroadcastCacheStats(ctx, s.Cache, s.Hub, config.MonitorInterval, s.logger)
	}()
}

// Close stops background work and closes both stores
func (s *Stack) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.Coordinator != nil {
		s.Coordinator.Stop()
	}
	s.wg.Wait()

	var errs []error
	if s.Cache != nil {
		errs = append(errs, s.Cache.Close())
	} else if s.L2 != nil {
		errs = append(errs, s.L2.Close())
	}
	if s.Raw != nil {
		errs = append(errs, s.Raw.Close())
	}
	return errors.Join(errs...)
}
