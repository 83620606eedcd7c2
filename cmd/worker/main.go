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
	"github.com/Cypherspark/campaign-dispatcher/internal/logging"
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
		log.Error("worker exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	if cfg.Queue.Backend == "memory" {
		return errors.New("memory queue backend only runs inside the api process")
	}

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := database.Connect(rootCtx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()

	queue, closeQueue, err := app.OpenQueue(rootCtx, cfg.Queue, db)
	if err != nil {
		return err
	}
	defer func() { _ = closeQueue() }()

	store := core.NewStore(db)
	transport := app.NewTransport(cfg.Transport)
	orch := app.NewOrchestrator(cfg, store, queue, transport, log)

	g, ctx := errgroup.WithContext(rootCtx)

	checks := []pinger{db}
	if c := app.TransportCheck(transport); c != nil {
		checks = append(checks, c)
	}
	health := &http.Server{Addr: cfg.Worker.HealthAddr, Handler: healthz(checks...)}
	g.Go(func() error {
		if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return health.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		err := app.RunWorker(ctx, cfg, queue, orch, log)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Stats.Enabled {
		notifier, closeNotifier, err := app.NewNotifier(cfg.Stats, log)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		defer func() { _ = closeNotifier() }()
		sched, err := app.NewStatsScheduler(cfg.Stats, store, notifier, log)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			sched.Start(ctx)
			<-ctx.Done()
			sched.Stop()
			return nil
		})
	}

	log.Info("worker started",
		zap.String("queue", cfg.Queue.Backend),
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Bool("stats", cfg.Stats.Enabled),
	)
	return g.Wait()
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthz fails while the database is unreachable or the transport breaker
// is open.
func healthz(checks ...pinger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		for _, c := range checks {
			if err := c.Ping(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
