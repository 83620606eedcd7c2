// Package worker runs due jobs from a queue source through a bounded pool.
package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Cypherspark/campaign-dispatcher/internal/core"
	"github.com/Cypherspark/campaign-dispatcher/internal/jobqueue"
	"github.com/Cypherspark/campaign-dispatcher/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Options struct {
	BatchSize    int           // how many to claim per poll
	Concurrency  int           // number of handler goroutines
	PollInterval time.Duration // pause between polls while there is work
	IdleSleep    time.Duration // pause when nothing is due
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	QPS          float64 // sustained transport rate
	Burst        int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 16
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 300 * time.Millisecond
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 200 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = 5 * time.Second
	}
	if o.QPS <= 0 {
		o.QPS = 500
	}
	if o.Burst <= 0 {
		o.Burst = 1000
	}
	return o
}

// Handler executes one job. Only store and queue outages leave the job to be
// claimed again; any other error completes it.
type Handler func(ctx context.Context, job jobqueue.Job) error

// Run claims due jobs until ctx is done and hands them to a fixed pool of
// goroutines. A job is completed after its handler returns unless the
// process is shutting down or the handler hit a store or queue outage; then
// the lease expires and another worker picks it up.
func Run(ctx context.Context, src jobqueue.Source, handle Handler, opt Options, log *zap.Logger) error {
	opt = opt.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("worker")
	limiter := rate.NewLimiter(rate.Limit(opt.QPS), opt.Burst)

	jobs := make(chan jobqueue.Job, opt.BatchSize*2)
	var wg sync.WaitGroup
	wg.Add(opt.Concurrency)
	for i := 0; i < opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for job := range jobs {
				runOne(ctx, src, handle, limiter, job, log)
			}
		}()
	}
	stop := func() error {
		close(jobs)
		wg.Wait()
		return ctx.Err()
	}

	backoff := opt.BackoffMin
	for {
		if ctx.Err() != nil {
			return stop()
		}

		batch, err := src.Claim(ctx, opt.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return stop()
			}
			metrics.ClaimTotal.WithLabelValues("error").Inc()
			d := jitter(backoff, 0.20)
			log.Warn("claim failed", zap.Error(err), zap.Duration("backoff", d))
			sleep(ctx, d)
			backoff = min(opt.BackoffMax, time.Duration(float64(backoff)*1.6))
			continue
		}
		backoff = opt.BackoffMin
		metrics.ClaimBatchSize.Observe(float64(len(batch)))

		if len(batch) == 0 {
			metrics.ClaimTotal.WithLabelValues("empty").Inc()
			sleep(ctx, opt.IdleSleep)
			continue
		}
		metrics.ClaimTotal.WithLabelValues("ok").Inc()

		for _, job := range batch {
			select {
			case <-ctx.Done():
				return stop()
			case jobs <- job:
			}
		}
		sleep(ctx, opt.PollInterval)
	}
}

func runOne(ctx context.Context, src jobqueue.Source, handle Handler, limiter *rate.Limiter, job jobqueue.Job, log *zap.Logger) {
	if err := limiter.Wait(ctx); err != nil {
		return
	}
	metrics.InFlight.Inc()
	err := handle(ctx, job)
	metrics.InFlight.Dec()

	if ctx.Err() != nil {
		return
	}
	switch {
	case err == nil:
	case core.IsCode(err, core.ErrCodeNotFoundAttempt):
		log.Warn("job dropped, attempt missing", zap.String("job", job.Handle), zap.Int64("attempt_id", job.AttemptID))
	case errors.Is(err, context.Canceled):
		return
	case transient(err):
		// left running; another claim picks it up once the lease expires
		metrics.JobsRedriven.Inc()
		log.Warn("job left for redrive", zap.String("job", job.Handle), zap.Int64("attempt_id", job.AttemptID), zap.Error(err))
		return
	default:
		log.Error("job failed", zap.String("job", job.Handle), zap.Int64("attempt_id", job.AttemptID), zap.Error(err))
	}
	if err := src.Complete(ctx, job.Handle); err != nil {
		log.Warn("complete job", zap.String("job", job.Handle), zap.Error(err))
	}
}

// transient reports whether a handler error came from an outage the job
// should outlive: the store or the queue being unavailable.
func transient(err error) bool {
	var ae *core.AppError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == core.ErrCodeInternalDB || ae.Code.Retryable()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}
