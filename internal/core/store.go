package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	database "github.com/Cypherspark/campaign-dispatcher/internal/db"
	"github.com/Cypherspark/campaign-dispatcher/internal/schedule"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store is the postgres implementation of TxRepository.
type Store struct {
	DB *database.DB
	q  database.DBTX
}

func NewStore(d *database.DB) *Store { return &Store{DB: d, q: d.Pool} }

var _ TxRepository = (*Store)(nil)

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, r Repository) error) error {
	if _, inTx := s.q.(pgx.Tx); inTx {
		return fn(ctx, s)
	}
	return s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &Store{DB: s.DB, q: tx})
	})
}

const campaignColumns = `id, window_start, window_end, daily_start, daily_end, recipient_filter, body,
	audience_size, scheduled_count, delivered_count, not_delivered_count, cancelled_count, created_at, updated_at`

func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	ds, de := dailyText(c)
	err := s.q.QueryRow(ctx, `
		INSERT INTO campaigns(window_start, window_end, daily_start, daily_end, recipient_filter, body)
		VALUES($1,$2,$3,$4,$5,$6)
		RETURNING id, created_at, updated_at
	`, c.WindowStart, c.WindowEnd, ds, de, nonNil(c.RecipientFilter), c.Body).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("CreateCampaign: %w", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (*Campaign, error) {
	return s.getCampaign(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
}

func (s *Store) LockCampaign(ctx context.Context, id int64) (*Campaign, error) {
	return s.getCampaign(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1 FOR UPDATE`, id)
}

func (s *Store) getCampaign(ctx context.Context, query string, id int64) (*Campaign, error) {
	c, err := scanCampaign(s.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetCampaign: %w", err)
	}
	return c, nil
}

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var (
		c      Campaign
		ds, de *string
	)
	err := row.Scan(
		&c.ID, &c.WindowStart, &c.WindowEnd, &ds, &de, &c.RecipientFilter, &c.Body,
		&c.AudienceSize, &c.Counters.Scheduled, &c.Counters.Delivered, &c.Counters.NotDelivered, &c.Counters.Cancelled,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if ds != nil && de != nil {
		start, err := schedule.ParseTimeOfDay(*ds)
		if err != nil {
			return nil, fmt.Errorf("daily_start: %w", err)
		}
		end, err := schedule.ParseTimeOfDay(*de)
		if err != nil {
			return nil, fmt.Errorf("daily_end: %w", err)
		}
		c.DailyStart, c.DailyEnd = &start, &end
	}
	c.WindowStart, c.WindowEnd = c.WindowStart.UTC(), c.WindowEnd.UTC()
	return &c, nil
}

// ListCampaigns pages through campaigns, newest first.
func (s *Store) ListCampaigns(ctx context.Context, p Page) ([]Campaign, error) {
	p = p.Normalize()
	rows, err := s.q.Query(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY id DESC LIMIT $1 OFFSET $2`, p.Limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("ListCampaigns: %w", err)
	}
	defer rows.Close()
	out := []Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("ListCampaigns: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCampaign(ctx context.Context, c *Campaign) error {
	ds, de := dailyText(c)
	err := s.q.QueryRow(ctx, `
		UPDATE campaigns
		SET window_start=$2, window_end=$3, daily_start=$4, daily_end=$5, recipient_filter=$6, body=$7, updated_at=now()
		WHERE id=$1
		RETURNING updated_at
	`, c.ID, c.WindowStart, c.WindowEnd, ds, de, nonNil(c.RecipientFilter), c.Body).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("UpdateCampaign: %w", err)
	}
	return nil
}

func (s *Store) DeleteCampaign(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM campaigns WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("DeleteCampaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetAudienceSize(ctx context.Context, id int64, n int) error {
	_, err := s.q.Exec(ctx, `UPDATE campaigns SET audience_size=$2, updated_at=now() WHERE id=$1`, id, n)
	if err != nil {
		return fmt.Errorf("SetAudienceSize: %w", err)
	}
	return nil
}

func (s *Store) CountByStatus(ctx context.Context, campaignID int64) (Counters, error) {
	var c Counters
	rows, err := s.q.Query(ctx, `SELECT status, COUNT(*) FROM attempts WHERE campaign_id=$1 GROUP BY status`, campaignID)
	if err != nil {
		return c, fmt.Errorf("CountByStatus: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return c, fmt.Errorf("CountByStatus: %w", err)
		}
		c.Add(st, n)
	}
	return c, rows.Err()
}

func (s *Store) RefreshCounters(ctx context.Context, campaignID int64) (Counters, error) {
	c, err := s.CountByStatus(ctx, campaignID)
	if err != nil {
		return c, err
	}
	_, err = s.q.Exec(ctx, `
		UPDATE campaigns
		SET scheduled_count=$2, delivered_count=$3, not_delivered_count=$4, cancelled_count=$5
		WHERE id=$1
	`, campaignID, c.Scheduled, c.Delivered, c.NotDelivered, c.Cancelled)
	if err != nil {
		return c, fmt.Errorf("RefreshCounters: %w", err)
	}
	return c, nil
}

func (s *Store) CreateRecipient(ctx context.Context, r *Recipient) error {
	r.DerivedCode = DeriveCode(r.Address)
	err := s.q.QueryRow(ctx, `
		INSERT INTO recipients(address, derived_code, tags, timezone)
		VALUES($1,$2,$3,$4)
		RETURNING id, created_at
	`, r.Address, r.DerivedCode, nonNil(r.Tags), r.Timezone).Scan(&r.ID, &r.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return NewAppError(ErrCodeConflictRecipientExists, "address already registered", err)
	}
	if err != nil {
		return fmt.Errorf("CreateRecipient: %w", err)
	}
	return nil
}

func (s *Store) GetRecipient(ctx context.Context, id int64) (*Recipient, error) {
	var r Recipient
	err := s.q.QueryRow(ctx, `
		SELECT id, address, derived_code, tags, timezone, created_at FROM recipients WHERE id=$1
	`, id).Scan(&r.ID, &r.Address, &r.DerivedCode, &r.Tags, &r.Timezone, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetRecipient: %w", err)
	}
	return &r, nil
}

func (s *Store) UpdateRecipient(ctx context.Context, r *Recipient) error {
	r.DerivedCode = DeriveCode(r.Address)
	tag, err := s.q.Exec(ctx, `
		UPDATE recipients SET derived_code=$2, tags=$3, timezone=$4 WHERE id=$1
	`, r.ID, r.DerivedCode, nonNil(r.Tags), r.Timezone)
	if err != nil {
		return fmt.Errorf("UpdateRecipient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListRecipients(ctx context.Context, filter []string) ([]Recipient, error) {
	return s.queryRecipients(ctx, "ListRecipients", `
		SELECT id, address, derived_code, tags, timezone, created_at
		FROM recipients
		WHERE cardinality($1::text[]) = 0 OR derived_code = ANY($1) OR tags && $1
		ORDER BY id
	`, nonNil(filter))
}

func (s *Store) PageRecipients(ctx context.Context, filter []string, p Page) ([]Recipient, error) {
	p = p.Normalize()
	return s.queryRecipients(ctx, "PageRecipients", `
		SELECT id, address, derived_code, tags, timezone, created_at
		FROM recipients
		WHERE cardinality($1::text[]) = 0 OR derived_code = ANY($1) OR tags && $1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`, nonNil(filter), p.Limit, p.Offset)
}

func (s *Store) queryRecipients(ctx context.Context, op, query string, args ...any) ([]Recipient, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	out := []Recipient{}
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ID, &r.Address, &r.DerivedCode, &r.Tags, &r.Timezone, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRecipient removes the recipient together with its attempts.
func (s *Store) DeleteRecipient(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM recipients WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("DeleteRecipient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const attemptColumns = `id, status, campaign_id, recipient_id, job_handle, send_at, predecessor_id, created_at, updated_at`

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var a Attempt
	err := row.Scan(&a.ID, &a.Status, &a.CampaignID, &a.RecipientID, &a.JobHandle, &a.SendAt, &a.PredecessorID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.SendAt = a.SendAt.UTC()
	return &a, nil
}

func (s *Store) CreateAttempt(ctx context.Context, a *Attempt) error {
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	err := s.q.QueryRow(ctx, `
		INSERT INTO attempts(status, campaign_id, recipient_id, send_at, predecessor_id)
		VALUES($1,$2,$3,$4,$5)
		RETURNING id, created_at, updated_at
	`, a.Status, a.CampaignID, a.RecipientID, a.SendAt, a.PredecessorID).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("CreateAttempt: %w", err)
	}
	return nil
}

func (s *Store) GetAttempt(ctx context.Context, id int64) (*Attempt, error) {
	a, err := scanAttempt(s.q.QueryRow(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetAttempt: %w", err)
	}
	return a, nil
}

func (s *Store) LockAttempt(ctx context.Context, id int64) (*Attempt, error) {
	a, err := scanAttempt(s.q.QueryRow(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("LockAttempt: %w", err)
	}
	return a, nil
}

func (s *Store) ListOpenAttempts(ctx context.Context, campaignID int64) ([]Attempt, error) {
	return s.queryAttempts(ctx, "ListOpenAttempts", `
		SELECT `+attemptColumns+` FROM attempts
		WHERE campaign_id=$1 AND status=$2
		ORDER BY id
		FOR UPDATE
	`, campaignID, StatusScheduled)
}

func (s *Store) ListRecipientAttempts(ctx context.Context, recipientID int64) ([]Attempt, error) {
	return s.queryAttempts(ctx, "ListRecipientAttempts", `
		SELECT `+attemptColumns+` FROM attempts
		WHERE recipient_id=$1
		ORDER BY id
		FOR UPDATE
	`, recipientID)
}

// ListAttempts pages through every attempt of a campaign in creation order.
func (s *Store) ListAttempts(ctx context.Context, campaignID int64, p Page) ([]Attempt, error) {
	p = p.Normalize()
	return s.queryAttempts(ctx, "ListAttempts", `
		SELECT `+attemptColumns+` FROM attempts
		WHERE campaign_id=$1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`, campaignID, p.Limit, p.Offset)
}

func (s *Store) queryAttempts(ctx context.Context, op, query string, args ...any) ([]Attempt, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	out := []Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) DeliveredRecipients(ctx context.Context, campaignID int64) (map[int64]bool, error) {
	rows, err := s.q.Query(ctx, `
		SELECT DISTINCT recipient_id FROM attempts WHERE campaign_id=$1 AND status=$2
	`, campaignID, StatusDelivered)
	if err != nil {
		return nil, fmt.Errorf("DeliveredRecipients: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("DeliveredRecipients: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Store) HasSuccessor(ctx context.Context, attemptID int64) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM attempts WHERE predecessor_id=$1)`, attemptID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("HasSuccessor: %w", err)
	}
	return exists, nil
}

func (s *Store) SetAttemptStatus(ctx context.Context, id int64, status Status) error {
	tag, err := s.q.Exec(ctx, `UPDATE attempts SET status=$2, updated_at=now() WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("SetAttemptStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetAttemptJob(ctx context.Context, id int64, handle string) error {
	tag, err := s.q.Exec(ctx, `UPDATE attempts SET job_handle=$2, updated_at=now() WHERE id=$1`, id, handle)
	if err != nil {
		return fmt.Errorf("SetAttemptJob: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DailyRollup(ctx context.Context, from, to time.Time) ([]RollupRow, error) {
	rows, err := s.q.Query(ctx, `
		SELECT campaign_id, status, COUNT(*)
		FROM attempts
		WHERE send_at >= $1 AND send_at < $2
		GROUP BY campaign_id, status
		ORDER BY campaign_id NULLS LAST, status
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("DailyRollup: %w", err)
	}
	defer rows.Close()
	var out []RollupRow
	for rows.Next() {
		var r RollupRow
		if err := rows.Scan(&r.CampaignID, &r.Status, &r.Count); err != nil {
			return nil, fmt.Errorf("DailyRollup: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func dailyText(c *Campaign) (start, end *string) {
	if c.DailyStart == nil || c.DailyEnd == nil {
		return nil, nil
	}
	s, e := c.DailyStart.String(), c.DailyEnd.String()
	return &s, &e
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
