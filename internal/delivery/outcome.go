package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/Cypherspark/campaign-dispatcher/internal/core"
	"github.com/Cypherspark/campaign-dispatcher/internal/jobqueue"
	"github.com/Cypherspark/campaign-dispatcher/internal/metrics"
	"github.com/Cypherspark/campaign-dispatcher/internal/provider"
	"go.uber.org/zap"
)

// Deliver executes one attempt. It is the handler the worker runs when the
// attempt's job comes due.
func (o *Orchestrator) Deliver(ctx context.Context, attemptID int64) error {
	a, err := o.lookup(ctx, attemptID)
	if err != nil {
		return err
	}
	if !a.Status.Open() {
		o.log.Debug("skip attempt", zap.Int64("attempt_id", a.ID), zap.String("status", string(a.Status)))
		return nil
	}
	if a.CampaignID == nil {
		return o.CancelAttempt(ctx, a.ID)
	}
	c, err := o.store.GetCampaign(ctx, *a.CampaignID)
	if errors.Is(err, core.ErrNotFound) {
		return o.CancelAttempt(ctx, a.ID)
	}
	if err != nil {
		return storeErr(err)
	}
	r, err := o.store.GetRecipient(ctx, a.RecipientID)
	if err != nil {
		return storeErr(err)
	}

	sctx, cancel := context.WithTimeout(ctx, o.opts.SendTimeout)
	start := time.Now()
	err = o.transport.Send(sctx, provider.Message{AttemptID: a.ID, Address: r.Address, Body: c.Body})
	timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded)
	cancel()
	metrics.TransportSendDuration.Observe(time.Since(start).Seconds())

	out := core.Outcome{Delivered: err == nil}
	switch {
	case err == nil:
		metrics.TransportSendTotal.WithLabelValues("delivered").Inc()
	case timedOut:
		metrics.TransportSendTotal.WithLabelValues("timeout").Inc()
		out.Reason = "timeout: " + err.Error()
	default:
		metrics.TransportSendTotal.WithLabelValues("failed").Inc()
		out.Reason = err.Error()
	}
	if ctx.Err() != nil {
		// shutting down; the lease expires and the job runs again
		return ctx.Err()
	}
	return o.record(ctx, a.ID, out)
}

// record persists a transport result, retrying store failures with the
// lookup backoff. RecordOutcome is idempotent per attempt, so a commit that
// landed before its error was reported is not applied twice.
func (o *Orchestrator) record(ctx context.Context, attemptID int64, out core.Outcome) error {
	backoff := o.opts.LookupBackoff
	for i := 0; ; i++ {
		err := o.RecordOutcome(ctx, attemptID, out)
		if !core.IsCode(err, core.ErrCodeInternalDB) || i+1 >= o.opts.LookupAttempts {
			return err
		}
		metrics.OutcomeRetries.Inc()
		o.log.Warn("record outcome failed, retrying", zap.Int64("attempt_id", attemptID), zap.Int("tries", i+1), zap.Error(err))
		if err := o.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
}

// RecordOutcome applies a transport result to an attempt.
//
// A success always lands as Delivered, including over a concurrent cancel.
// A failure of a Scheduled attempt marks it NotDelivered and, in the same
// transaction, creates at most one successor if the campaign still has an
// eligible instant after the retry backoff.
func (o *Orchestrator) RecordOutcome(ctx context.Context, attemptID int64, out core.Outcome) error {
	if _, err := o.lookup(ctx, attemptID); err != nil {
		return err
	}
	now := o.now()
	b, err := o.inTx(ctx, func(ctx context.Context, t *txn) error {
		a, err := t.repo.LockAttempt(ctx, attemptID)
		if err != nil {
			return attemptErr(err, attemptID)
		}
		if out.Delivered {
			return o.markDelivered(ctx, t, a)
		}
		return o.markFailed(ctx, t, a, now, out.Reason)
	})
	if err != nil {
		return err
	}
	return o.flush(ctx, b)
}

func (o *Orchestrator) markDelivered(ctx context.Context, t *txn, a *core.Attempt) error {
	switch a.Status {
	case core.StatusDelivered:
		return nil
	case core.StatusNotDelivered:
		o.log.Warn("success reported for failed attempt ignored", zap.Int64("attempt_id", a.ID))
		return nil
	case core.StatusCancelled:
		o.log.Info("delivery confirmed after cancel", zap.Int64("attempt_id", a.ID))
	}
	return t.setStatus(ctx, a, core.StatusDelivered)
}

func (o *Orchestrator) markFailed(ctx context.Context, t *txn, a *core.Attempt, now time.Time, reason string) error {
	if !a.Status.Open() {
		return nil
	}
	if err := t.setStatus(ctx, a, core.StatusNotDelivered); err != nil {
		return err
	}
	log := o.log.With(zap.Int64("attempt_id", a.ID), zap.String("reason", reason))

	if a.CampaignID == nil {
		log.Info("delivery failed, campaign gone")
		return nil
	}
	c, err := t.repo.GetCampaign(ctx, *a.CampaignID)
	if errors.Is(err, core.ErrNotFound) {
		log.Info("delivery failed, campaign gone")
		return nil
	}
	if err != nil {
		return err
	}
	if has, err := t.repo.HasSuccessor(ctx, a.ID); err != nil || has {
		return err
	}
	r, err := t.repo.GetRecipient(ctx, a.RecipientID)
	if err != nil {
		return err
	}
	at, ok := o.resolve(c, r, now, o.opts.RetryBackoff)
	if !ok {
		log.Info("delivery failed, window exhausted")
		return nil
	}
	next := &core.Attempt{
		Status:        core.StatusScheduled,
		CampaignID:    a.CampaignID,
		RecipientID:   a.RecipientID,
		SendAt:        at,
		PredecessorID: &a.ID,
	}
	if err := t.create(ctx, next); err != nil {
		return err
	}
	metrics.RetriesScheduled.Inc()
	log.Info("delivery failed, retry scheduled", zap.Int64("successor_id", next.ID), zap.Time("send_at", at))
	return nil
}

// CancelAttempt marks an attempt Cancelled and stops its job if the queue
// still holds it. Cancelling twice is harmless. A Delivered attempt stays
// Delivered and a NotDelivered one keeps its status; its chain continues
// through the successor.
func (o *Orchestrator) CancelAttempt(ctx context.Context, attemptID int64) error {
	var handle *string
	_, err := o.inTx(ctx, func(ctx context.Context, t *txn) error {
		a, err := t.repo.LockAttempt(ctx, attemptID)
		if err != nil {
			return attemptErr(err, attemptID)
		}
		handle = a.JobHandle
		if !a.Status.Open() {
			return nil
		}
		return t.setStatus(ctx, a, core.StatusCancelled)
	})
	if err != nil {
		return err
	}
	if handle == nil {
		return nil
	}

	st, err := o.queue.State(ctx, *handle)
	if err != nil {
		return err
	}
	if st == jobqueue.StateTerminal {
		return nil
	}
	if err := o.queue.Cancel(ctx, *handle); err != nil {
		metrics.JobsCancelled.WithLabelValues("error").Inc()
		return err
	}
	metrics.JobsCancelled.WithLabelValues("ok").Inc()
	return nil
}

// lookup reads an attempt, retrying a bounded number of times when it is
// missing. A record can be briefly invisible while the transaction that
// creates or removes it is in flight.
func (o *Orchestrator) lookup(ctx context.Context, attemptID int64) (*core.Attempt, error) {
	backoff := o.opts.LookupBackoff
	for i := 0; ; i++ {
		a, err := o.store.GetAttempt(ctx, attemptID)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return nil, storeErr(err)
		}
		if i+1 >= o.opts.LookupAttempts {
			metrics.LookupDropped.Inc()
			o.log.Warn("attempt not found, dropping", zap.Int64("attempt_id", attemptID), zap.Int("tries", i+1))
			return nil, attemptErr(err, attemptID)
		}
		if err := o.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
}

func attemptErr(err error, id int64) error {
	if errors.Is(err, core.ErrNotFound) {
		return core.NewAppError(core.ErrCodeNotFoundAttempt, "attempt not found", err).
			WithDetails(map[string]any{"attempt_id": id})
	}
	return err
}
