// Package delivery drives delivery attempts through their lifecycle: it fans
// campaigns out into attempts, schedules their jobs, executes them through
// the transport and reconciles outcomes with retries.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/Cypherspark/campaign-dispatcher/internal/audience"
	"github.com/Cypherspark/campaign-dispatcher/internal/core"
	"github.com/Cypherspark/campaign-dispatcher/internal/jobqueue"
	"github.com/Cypherspark/campaign-dispatcher/internal/metrics"
	"github.com/Cypherspark/campaign-dispatcher/internal/provider"
	"github.com/Cypherspark/campaign-dispatcher/internal/schedule"
	"go.uber.org/zap"
)

// DefaultRetryBackoff is the offset between a failed attempt and its successor.
const DefaultRetryBackoff = 10 * time.Second

type Options struct {
	RetryBackoff   time.Duration
	SendTimeout    time.Duration
	LookupAttempts int
	LookupBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.LookupAttempts <= 0 {
		o.LookupAttempts = 3
	}
	if o.LookupBackoff <= 0 {
		o.LookupBackoff = 500 * time.Millisecond
	}
	return o
}

type Orchestrator struct {
	store     core.TxRepository
	queue     jobqueue.Queue
	transport provider.Provider
	opts      Options
	log       *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides how lookup retries wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

func New(store core.TxRepository, queue jobqueue.Queue, transport provider.Provider, opts Options, log *zap.Logger, options ...Option) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{
		store:     store,
		queue:     queue,
		transport: transport,
		opts:      opts.withDefaults(),
		log:       log.Named("delivery"),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// CreateCampaign stores the campaign, creates one attempt per eligible
// recipient and schedules their jobs once the transaction has committed.
func (o *Orchestrator) CreateCampaign(ctx context.Context, spec core.CampaignSpec) (int64, error) {
	now := o.now()
	if err := spec.Validate(now); err != nil {
		metrics.CampaignOps.WithLabelValues("create", "rejected").Inc()
		return 0, err
	}
	var c core.Campaign
	spec.Apply(&c)

	var audienceSize int
	b, err := o.inTx(ctx, func(ctx context.Context, t *txn) error {
		if err := t.repo.CreateCampaign(ctx, &c); err != nil {
			return err
		}
		n, err := o.fanOut(ctx, t, &c, now, nil)
		if err != nil {
			return err
		}
		audienceSize = n
		return t.repo.SetAudienceSize(ctx, c.ID, n)
	})
	if err != nil {
		metrics.CampaignOps.WithLabelValues("create", "error").Inc()
		return 0, err
	}
	metrics.CampaignOps.WithLabelValues("create", "ok").Inc()
	o.log.Info("campaign created", zap.Int64("campaign_id", c.ID), zap.Int("audience", audienceSize))

	return c.ID, o.flush(ctx, b)
}

// EditCampaign replaces the campaign definition and its whole generation of
// open attempts. Old jobs are cancelled before replacements are submitted.
func (o *Orchestrator) EditCampaign(ctx context.Context, id int64, spec core.CampaignSpec) error {
	now := o.now()
	var audienceSize, replaced int
	b, err := o.inTx(ctx, func(ctx context.Context, t *txn) error {
		c, err := o.editableCampaign(ctx, t.repo, id, now)
		if err != nil {
			return err
		}
		if err := spec.Validate(now); err != nil {
			return err
		}
		spec.Apply(c)
		if err := t.repo.UpdateCampaign(ctx, c); err != nil {
			return err
		}

		if replaced, err = o.cancelOpen(ctx, t, id); err != nil {
			return err
		}
		delivered, err := t.repo.DeliveredRecipients(ctx, id)
		if err != nil {
			return err
		}
		if audienceSize, err = o.fanOut(ctx, t, c, now, delivered); err != nil {
			return err
		}
		return t.repo.SetAudienceSize(ctx, id, audienceSize)
	})
	if err != nil {
		metrics.CampaignOps.WithLabelValues("edit", resultOf(err)).Inc()
		return err
	}
	metrics.CampaignOps.WithLabelValues("edit", "ok").Inc()
	o.log.Info("campaign edited",
		zap.Int64("campaign_id", id),
		zap.Int("cancelled", replaced),
		zap.Int("audience", audienceSize),
	)
	return o.flush(ctx, b)
}

// DeleteCampaign cancels every open attempt and removes the campaign. The
// attempts themselves are kept with a null campaign reference.
func (o *Orchestrator) DeleteCampaign(ctx context.Context, id int64) error {
	now := o.now()
	var cancelled int
	b, err := o.inTx(ctx, func(ctx context.Context, t *txn) error {
		if _, err := o.editableCampaign(ctx, t.repo, id, now); err != nil {
			return err
		}
		var err error
		if cancelled, err = o.cancelOpen(ctx, t, id); err != nil {
			return err
		}
		delete(t.dirty, id)
		return t.repo.DeleteCampaign(ctx, id)
	})
	if err != nil {
		metrics.CampaignOps.WithLabelValues("delete", resultOf(err)).Inc()
		return err
	}
	metrics.CampaignOps.WithLabelValues("delete", "ok").Inc()
	o.log.Info("campaign deleted", zap.Int64("campaign_id", id), zap.Int("cancelled", cancelled))
	return o.flush(ctx, b)
}

// Counters returns the materialized per-status counts of a campaign.
func (o *Orchestrator) Counters(ctx context.Context, id int64) (core.Counters, error) {
	c, err := o.store.GetCampaign(ctx, id)
	if err != nil {
		return core.Counters{}, campaignErr(err, id)
	}
	return c.Counters, nil
}

func (o *Orchestrator) editableCampaign(ctx context.Context, repo core.Repository, id int64, now time.Time) (*core.Campaign, error) {
	c, err := repo.LockCampaign(ctx, id)
	if err != nil {
		return nil, campaignErr(err, id)
	}
	if !c.Editable(now) {
		return nil, core.NewAppError(core.ErrCodeConflictCampaignStarted, "campaign window has already started", nil).
			WithDetails(map[string]any{"campaign_id": id, "window_start": c.WindowStart})
	}
	return c, nil
}

// fanOut creates a Scheduled attempt for every selected recipient that has
// an eligible instant, skipping recipients in skip.
func (o *Orchestrator) fanOut(ctx context.Context, t *txn, c *core.Campaign, now time.Time, skip map[int64]bool) (int, error) {
	recipients, err := audience.Select(ctx, t.repo, c)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range recipients {
		r := &recipients[i]
		if skip[r.ID] {
			continue
		}
		at, ok := o.resolve(c, r, now, 0)
		if !ok {
			continue
		}
		a := &core.Attempt{Status: core.StatusScheduled, CampaignID: &c.ID, RecipientID: r.ID, SendAt: at}
		if err := t.create(ctx, a); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// cancelOpen marks every Scheduled attempt of the campaign Cancelled and
// stages its job for cancellation.
func (o *Orchestrator) cancelOpen(ctx context.Context, t *txn, campaignID int64) (int, error) {
	open, err := t.repo.ListOpenAttempts(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	for i := range open {
		if err := t.setStatus(ctx, &open[i], core.StatusCancelled); err != nil {
			return i, err
		}
		t.cancel(open[i].JobHandle)
	}
	return len(open), nil
}

// resolve wraps the resolver and also rejects instants at or past the
// campaign end, which the resolver leaves to its callers.
func (o *Orchestrator) resolve(c *core.Campaign, r *core.Recipient, now time.Time, delay time.Duration) (time.Time, bool) {
	at, ok := schedule.Resolve(c.Window(), r.Location(), now, delay)
	if !ok || !at.Before(c.WindowEnd) {
		metrics.ResolveInfeasible.Inc()
		return time.Time{}, false
	}
	return at, true
}

func campaignErr(err error, id int64) error {
	if errors.Is(err, core.ErrNotFound) {
		return core.NewAppError(core.ErrCodeNotFoundCampaign, "campaign not found", err).
			WithDetails(map[string]any{"campaign_id": id})
	}
	return err
}

func resultOf(err error) string {
	switch {
	case core.IsCode(err, core.ErrCodeConflictCampaignStarted),
		core.IsCode(err, core.ErrCodeValidationCampaign),
		core.IsCode(err, core.ErrCodeNotFoundCampaign):
		return "rejected"
	default:
		return "error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
