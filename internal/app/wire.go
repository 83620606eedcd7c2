// Package app assembles the components shared by the api and worker
// binaries from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Cypherspark/campaign-dispatcher/internal/config"
	"github.com/Cypherspark/campaign-dispatcher/internal/core"
	database "github.com/Cypherspark/campaign-dispatcher/internal/db"
	"github.com/Cypherspark/campaign-dispatcher/internal/delivery"
	"github.com/Cypherspark/campaign-dispatcher/internal/jobqueue"
	"github.com/Cypherspark/campaign-dispatcher/internal/notify"
	"github.com/Cypherspark/campaign-dispatcher/internal/provider"
	"github.com/Cypherspark/campaign-dispatcher/internal/stats"
	"github.com/Cypherspark/campaign-dispatcher/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// OpenQueue builds the configured job queue backend. The returned close
// function releases backend connections.
func OpenQueue(ctx context.Context, cfg config.QueueConfig, d *database.DB) (jobqueue.Backend, func() error, error) {
	switch cfg.Backend {
	case "postgres":
		return jobqueue.NewPostgres(d, cfg.Lease), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		prefix := strings.TrimSuffix(cfg.RedisPrefix, ":") + ":"
		return jobqueue.NewRedis(client, prefix, cfg.Lease), client.Close, nil
	case "memory":
		m := jobqueue.NewMemory()
		m.Lease = cfg.Lease
		return m, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func NewTransport(cfg config.TransportConfig) provider.Provider {
	if cfg.Kind == "http" {
		return provider.NewHTTP(&http.Client{}, cfg.URL, cfg.Token, provider.BreakerSettings{
			Name:                "transport",
			ConsecutiveFailures: cfg.BreakerFailures,
			OpenTimeout:         cfg.BreakerOpenDelay,
		})
	}
	return provider.NewDummy()
}

// NewNotifier builds the report channel. The close function releases the
// broker connection, if any.
func NewNotifier(cfg config.StatsConfig, log *zap.Logger) (notify.Notifier, func() error, error) {
	switch cfg.Notifier {
	case "smtp":
		return notify.NewSMTP(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}), func() error { return nil }, nil
	case "ses":
		n, err := notify.DialSES(context.Background(), cfg.SESRegion, cfg.SESFrom, cfg.SESConfigSet)
		if err != nil {
			return nil, nil, err
		}
		return n, func() error { return nil }, nil
	case "amqp":
		n, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
		if err != nil {
			return nil, nil, err
		}
		return n, n.Close, nil
	default:
		return notify.NewLog(log), func() error { return nil }, nil
	}
}

func NewOrchestrator(cfg *config.Config, store core.TxRepository, q jobqueue.Queue, transport provider.Provider, log *zap.Logger) *delivery.Orchestrator {
	return delivery.New(store, q, transport, delivery.Options{
		RetryBackoff:   cfg.Delivery.RetryBackoff,
		SendTimeout:    cfg.Transport.Timeout,
		LookupAttempts: cfg.Delivery.LookupAttempts,
		LookupBackoff:  cfg.Delivery.LookupBackoff,
	}, log)
}

// TransportCheck returns the transport as a readiness check, or nil when
// it has nothing to report.
func TransportCheck(p provider.Provider) interface{ Ping(context.Context) error } {
	if c, ok := p.(interface{ Ping(context.Context) error }); ok {
		return c
	}
	return nil
}

// RunWorker executes due jobs through the orchestrator until ctx is done.
func RunWorker(ctx context.Context, cfg *config.Config, src jobqueue.Source, o *delivery.Orchestrator, log *zap.Logger) error {
	opts := worker.Options{
		BatchSize:    cfg.Worker.BatchSize,
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		IdleSleep:    cfg.Worker.IdleSleep,
		BackoffMin:   cfg.Worker.BackoffMin,
		BackoffMax:   cfg.Worker.BackoffMax,
		QPS:          cfg.Transport.QPS,
		Burst:        cfg.Transport.Burst,
	}
	return worker.Run(ctx, src, func(ctx context.Context, job jobqueue.Job) error {
		return o.Deliver(ctx, job.AttemptID)
	}, opts, log)
}

// NewStatsScheduler wires the daily report to the store and notifier.
func NewStatsScheduler(cfg config.StatsConfig, src stats.Source, n notify.Notifier, log *zap.Logger) (*stats.Scheduler, error) {
	loc := cfg.Location()
	agg := stats.NewAggregator(src, n, cfg.Recipients, loc, log)
	return stats.NewScheduler(cfg.Schedule, loc, agg, log)
}
