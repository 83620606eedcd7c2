package delivery

import (
	"context"
	"errors"

	"github.com/Cypherspark/campaign-dispatcher/internal/core"
)

func (o *Orchestrator) Campaign(ctx context.Context, id int64) (*core.Campaign, error) {
	c, err := o.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, campaignErr(err, id)
	}
	return c, nil
}

func (o *Orchestrator) ListCampaigns(ctx context.Context, p core.Page) ([]core.Campaign, error) {
	cs, err := o.store.ListCampaigns(ctx, p)
	if err != nil {
		return nil, storeErr(err)
	}
	return cs, nil
}

// ListAttempts returns the delivery history of one campaign.
func (o *Orchestrator) ListAttempts(ctx context.Context, campaignID int64, p core.Page) ([]core.Attempt, error) {
	if _, err := o.store.GetCampaign(ctx, campaignID); err != nil {
		return nil, storeErr(campaignErr(err, campaignID))
	}
	as, err := o.store.ListAttempts(ctx, campaignID, p)
	if err != nil {
		return nil, storeErr(err)
	}
	return as, nil
}

func (o *Orchestrator) Attempt(ctx context.Context, id int64) (*core.Attempt, error) {
	a, err := o.store.GetAttempt(ctx, id)
	if err != nil {
		return nil, attemptErr(err, id)
	}
	return a, nil
}

func (o *Orchestrator) CreateRecipient(ctx context.Context, spec core.RecipientSpec) (*core.Recipient, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	r := spec.Recipient()
	if err := o.store.CreateRecipient(ctx, &r); err != nil {
		return nil, storeErr(err)
	}
	return &r, nil
}

func (o *Orchestrator) Recipient(ctx context.Context, id int64) (*core.Recipient, error) {
	r, err := o.store.GetRecipient(ctx, id)
	if err != nil {
		return nil, recipientErr(err, id)
	}
	return r, nil
}

// ListRecipients lists recipients matching filter, everyone when it is empty.
func (o *Orchestrator) ListRecipients(ctx context.Context, filter []string, p core.Page) ([]core.Recipient, error) {
	rs, err := o.store.PageRecipients(ctx, filter, p)
	if err != nil {
		return nil, storeErr(err)
	}
	return rs, nil
}

// DeleteRecipient removes a recipient and its attempts. Jobs of attempts
// still Scheduled are cancelled after commit and the affected campaigns are
// recounted.
func (o *Orchestrator) DeleteRecipient(ctx context.Context, id int64) error {
	b, err := o.inTx(ctx, func(ctx context.Context, t *txn) error {
		if _, err := t.repo.GetRecipient(ctx, id); err != nil {
			return recipientErr(err, id)
		}
		attempts, err := t.repo.ListRecipientAttempts(ctx, id)
		if err != nil {
			return err
		}
		for i := range attempts {
			a := &attempts[i]
			t.touch(a.CampaignID)
			if a.Status.Open() {
				t.cancel(a.JobHandle)
			}
		}
		return t.repo.DeleteRecipient(ctx, id)
	})
	if err != nil {
		return err
	}
	return o.flush(ctx, b)
}

// UpdateRecipient changes tags or timezone. Already scheduled attempts keep
// their resolved instants.
func (o *Orchestrator) UpdateRecipient(ctx context.Context, id int64, patch core.RecipientPatch) (*core.Recipient, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	var out *core.Recipient
	err := o.store.WithTx(ctx, func(ctx context.Context, repo core.Repository) error {
		r, err := repo.GetRecipient(ctx, id)
		if err != nil {
			return recipientErr(err, id)
		}
		patch.Apply(r)
		if err := repo.UpdateRecipient(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

func recipientErr(err error, id int64) error {
	if errors.Is(err, core.ErrNotFound) {
		return core.NewAppError(core.ErrCodeNotFoundRecipient, "recipient not found", err).
			WithDetails(map[string]any{"recipient_id": id})
	}
	return storeErr(err)
}
