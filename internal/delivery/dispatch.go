package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/Cypherspark/campaign-dispatcher/internal/core"
	"github.com/Cypherspark/campaign-dispatcher/internal/metrics"
	"go.uber.org/zap"
)

type submission struct {
	attemptID int64
	eta       time.Time
}

// batch holds queue calls staged inside a transaction. It is flushed only
// after the transaction commits, so a job can never fire against an attempt
// that is not yet visible.
type batch struct {
	cancels []string
	submits []submission
}

func (b *batch) cancel(handle *string) {
	if handle != nil && *handle != "" {
		b.cancels = append(b.cancels, *handle)
	}
}

func (b *batch) submit(a *core.Attempt) {
	b.submits = append(b.submits, submission{attemptID: a.ID, eta: a.SendAt})
}

// txn is the unit of work for one orchestrator operation. Every status
// change goes through setStatus or create, which mark the campaign for a
// counter refresh before commit.
type txn struct {
	repo  core.Repository
	dirty map[int64]struct{}
	batch
}

func (t *txn) setStatus(ctx context.Context, a *core.Attempt, st core.Status) error {
	if err := t.repo.SetAttemptStatus(ctx, a.ID, st); err != nil {
		return err
	}
	a.Status = st
	metrics.AttemptTransitions.WithLabelValues(string(st)).Inc()
	t.touch(a.CampaignID)
	return nil
}

func (t *txn) create(ctx context.Context, a *core.Attempt) error {
	if err := t.repo.CreateAttempt(ctx, a); err != nil {
		return err
	}
	metrics.AttemptTransitions.WithLabelValues(string(a.Status)).Inc()
	t.touch(a.CampaignID)
	t.submit(a)
	return nil
}

func (t *txn) touch(campaignID *int64) {
	if campaignID != nil {
		t.dirty[*campaignID] = struct{}{}
	}
}

// recount is the post-transition hook: it refreshes the counters of every
// campaign whose attempts changed in this transaction.
func (t *txn) recount(ctx context.Context) error {
	for id := range t.dirty {
		if _, err := t.repo.RefreshCounters(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// inTx runs fn and the counter refresh in one transaction and returns the
// staged queue calls. Nothing is staged when the transaction fails.
func (o *Orchestrator) inTx(ctx context.Context, fn func(ctx context.Context, t *txn) error) (*batch, error) {
	var staged *batch
	err := o.store.WithTx(ctx, func(ctx context.Context, repo core.Repository) error {
		t := &txn{repo: repo, dirty: make(map[int64]struct{})}
		if err := fn(ctx, t); err != nil {
			return err
		}
		if err := t.recount(ctx); err != nil {
			return err
		}
		staged = &t.batch
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return staged, nil
}

// flush performs the staged queue calls: cancellations first, then
// submissions. An attempt whose job could not be submitted is marked
// NotDelivered so no Scheduled attempt is left without a job.
func (o *Orchestrator) flush(ctx context.Context, b *batch) error {
	if b == nil {
		return nil
	}
	var errs []error
	failedCancels := 0
	for _, h := range b.cancels {
		if err := o.queue.Cancel(ctx, h); err != nil {
			metrics.JobsCancelled.WithLabelValues("error").Inc()
			o.log.Warn("job cancel failed", zap.String("job", h), zap.Error(err))
			errs = append(errs, err)
			failedCancels++
			continue
		}
		metrics.JobsCancelled.WithLabelValues("ok").Inc()
	}

	var failed []int64
	for _, s := range b.submits {
		handle, err := o.queue.Submit(ctx, s.attemptID, s.eta)
		if err != nil {
			metrics.JobsSubmitted.WithLabelValues("error").Inc()
			errs = append(errs, err)
			failed = append(failed, s.attemptID)
			continue
		}
		metrics.JobsSubmitted.WithLabelValues("ok").Inc()
		if err := o.store.SetAttemptJob(ctx, s.attemptID, handle); err != nil {
			// The job is live and finds its attempt by id; only later
			// cancellation by handle is lost.
			o.log.Error("store job handle", zap.Int64("attempt_id", s.attemptID), zap.String("job", handle), zap.Error(err))
		}
	}
	if len(failed) > 0 {
		o.abandon(ctx, failed)
	}
	if len(errs) == 0 {
		return nil
	}
	return core.NewAppError(core.ErrCodeUnavailableQueue, "job queue unavailable", errors.Join(errs...)).
		WithDetails(map[string]any{
			"failed_submissions":   len(failed),
			"failed_cancellations": failedCancels,
		})
}

// abandon marks attempts whose job submission failed as NotDelivered,
// without a successor.
func (o *Orchestrator) abandon(ctx context.Context, ids []int64) {
	_, err := o.inTx(ctx, func(ctx context.Context, t *txn) error {
		for _, id := range ids {
			a, err := t.repo.LockAttempt(ctx, id)
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !a.Status.Open() {
				continue
			}
			if err := t.setStatus(ctx, a, core.StatusNotDelivered); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		o.log.Error("attempts left scheduled without a job", zap.Int64s("attempt_ids", ids), zap.Error(err))
		return
	}
	o.log.Warn("attempts abandoned after submit failure", zap.Int64s("attempt_ids", ids))
}

func storeErr(err error) error {
	var ae *core.AppError
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return core.NewAppError(core.ErrCodeInternalDB, "store operation failed", err)
}
