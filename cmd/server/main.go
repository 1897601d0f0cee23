package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/clicktally/clicktally/pkg/config"
	"github.com/clicktally/clicktally/pkg/ingest"
	"github.com/clicktally/clicktally/pkg/logger"
	"github.com/clicktally/clicktally/pkg/privacy"
	"github.com/clicktally/clicktally/pkg/query"
	"github.com/clicktally/clicktally/pkg/retention"
	"github.com/clicktally/clicktally/pkg/rollup"
	"github.com/clicktally/clicktally/pkg/rules"
	"github.com/clicktally/clicktally/pkg/server"
	"github.com/clicktally/clicktally/pkg/server/monitor"
	"github.com/clicktally/clicktally/pkg/storage/badger"
)

func main() {
	cfg := config.FromEnv()

	log, err := logger.New(cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("starting clicktally server",
		zap.String("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("retention_raw_days", cfg.RetentionRawDays),
		zap.Int("retention_rollup_months", cfg.RetentionRollupMonths))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal("failed to create data directory", zap.Error(err))
	}

	salt, err := privacy.LoadOrCreateSalt(filepath.Join(cfg.DataDir, "salt"))
	if err != nil {
		log.Fatal("failed to load hashing salt", zap.Error(err))
	}

	store, err := badger.New(badger.Config{
		Path:        filepath.Join(cfg.DataDir, "db"),
		MaxMemoryMB: cfg.MaxStorageMemoryMB,
	})
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	defer store.Close()
	log.Info("badger storage opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	hub := ingest.NewEventHub(log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	agg := rollup.New(store, log)
	sweeper := retention.New(store, log)
	mon := &monitor.RollupMonitor{}
	sched := server.NewScheduler(store, agg, sweeper, mon, cfg, log)

	ingestHandler := ingest.NewHandler(store, cfg, salt, hub, log)
	queryHandler := query.NewHandler(query.NewService(store), cfg, log)
	rulesHandler := rules.NewHandler(rules.NewRegistry(), cfg, log)

	router := mux.NewRouter()
	server.SetupRoutes(router, ingestHandler, queryHandler, rulesHandler, store, sched, agg, mon, hub, cfg, log)

	if err := sched.Start(); err != nil {
		log.Fatal("failed to start job scheduler", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", zap.Error(err))
	}

	sched.Stop(shutdownCtx)
	cancel()
	wg.Wait()

	log.Info("shutdown complete")
}
