package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cypherspark/campaign-dispatcher/internal/app"
	"github.com/Cypherspark/campaign-dispatcher/internal/config"
	"github.com/Cypherspark/campaign-dispatcher/internal/core"
	database "github.com/Cypherspark/campaign-dispatcher/internal/db"
	httpapi "github.com/Cypherspark/campaign-dispatcher/internal/http"
	"github.com/Cypherspark/campaign-dispatcher/internal/logging"
	"github.com/Cypherspark/campaign-dispatcher/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("api exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := database.Connect(rootCtx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(rootCtx); err != nil {
		return err
	}

	queue, closeQueue, err := app.OpenQueue(rootCtx, cfg.Queue, db)
	if err != nil {
		return err
	}
	defer func() { _ = closeQueue() }()

	store := core.NewStore(db)
	transport := app.NewTransport(cfg.Transport)
	orch := app.NewOrchestrator(cfg, store, queue, transport, log)

	metrics.MustRegister()
	poolStats := metrics.NewPGXPoolStats(db.Pool)

	opts := []httpapi.ServerOption{httpapi.WithDocsTitle(cfg.HTTP.DocsTitle)}
	if c := app.TransportCheck(transport); c != nil && cfg.Queue.Backend == "memory" {
		// sends happen in this process only with the in-process queue
		opts = append(opts, httpapi.WithCheck("transport", c))
	}
	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      httpapi.NewServer(orch, db, log, opts...).Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		poolStats.Start(15*time.Second, ctx.Done())
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP listening", zap.String("addr", server.Addr), zap.String("queue", cfg.Queue.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Queue.Backend == "memory" {
		// the in-process queue is only visible to a worker in this process
		g.Go(func() error {
			err := app.RunWorker(ctx, cfg, queue, orch, log)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
