package core

import (
	"context"
	"time"
)

// Repository is the persistence surface shared by the orchestrator, the
// HTTP layer and the statistics job. Lookups return ErrNotFound for missing
// rows.
type Repository interface {
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id int64) (*Campaign, error)
	// LockCampaign reads the campaign and holds its row until the
	// transaction ends, serializing edits and deletes.
	LockCampaign(ctx context.Context, id int64) (*Campaign, error)
	ListCampaigns(ctx context.Context, p Page) ([]Campaign, error)
	UpdateCampaign(ctx context.Context, c *Campaign) error
	DeleteCampaign(ctx context.Context, id int64) error
	SetAudienceSize(ctx context.Context, id int64, n int) error
	CountByStatus(ctx context.Context, campaignID int64) (Counters, error)
	// RefreshCounters recounts attempts by status and stores the result on
	// the campaign row.
	RefreshCounters(ctx context.Context, campaignID int64) (Counters, error)

	CreateRecipient(ctx context.Context, r *Recipient) error
	GetRecipient(ctx context.Context, id int64) (*Recipient, error)
	UpdateRecipient(ctx context.Context, r *Recipient) error
	// ListRecipients returns candidates for the filter. An empty filter
	// lists everyone; implementations may over-select.
	ListRecipients(ctx context.Context, filter []string) ([]Recipient, error)
	// PageRecipients lists recipients matching filter exactly, by id.
	PageRecipients(ctx context.Context, filter []string, p Page) ([]Recipient, error)
	// DeleteRecipient also removes the recipient's attempts.
	DeleteRecipient(ctx context.Context, id int64) error

	CreateAttempt(ctx context.Context, a *Attempt) error
	GetAttempt(ctx context.Context, id int64) (*Attempt, error)
	// LockAttempt reads the attempt and holds its row until the transaction ends.
	LockAttempt(ctx context.Context, id int64) (*Attempt, error)
	ListOpenAttempts(ctx context.Context, campaignID int64) ([]Attempt, error)
	// ListRecipientAttempts locks every attempt addressed to the recipient.
	ListRecipientAttempts(ctx context.Context, recipientID int64) ([]Attempt, error)
	ListAttempts(ctx context.Context, campaignID int64, p Page) ([]Attempt, error)
	DeliveredRecipients(ctx context.Context, campaignID int64) (map[int64]bool, error)
	HasSuccessor(ctx context.Context, attemptID int64) (bool, error)
	SetAttemptStatus(ctx context.Context, id int64, status Status) error
	SetAttemptJob(ctx context.Context, id int64, handle string) error

	DailyRollup(ctx context.Context, from, to time.Time) ([]RollupRow, error)
}

// TxRepository is a Repository that can open a transaction.
type TxRepository interface {
	Repository
	// WithTx runs fn against a transaction-bound repository. The
	// transaction commits only when fn returns nil.
	WithTx(ctx context.Context, fn func(ctx context.Context, r Repository) error) error
}
