package jobqueue

import (
	"context"
	"errors"
	"time"

	database "github.com/Cypherspark/campaign-dispatcher/internal/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Postgres keeps jobs in the jobs table. Claims use SKIP LOCKED so any number
// of workers can poll concurrently; a running job whose lease expired is
// handed out again.
type Postgres struct {
	DB    *database.DB
	Lease time.Duration
}

func NewPostgres(d *database.DB, lease time.Duration) *Postgres {
	return &Postgres{DB: d, Lease: lease}
}

var _ Backend = (*Postgres)(nil)

func (p *Postgres) Submit(ctx context.Context, attemptID int64, eta time.Time) (string, error) {
	handle := uuid.NewString()
	_, err := p.DB.Pool.Exec(ctx, `INSERT INTO jobs(handle, attempt_id, eta) VALUES($1,$2,$3)`, handle, attemptID, eta)
	if err != nil {
		return "", unavailable("submit", err)
	}
	return handle, nil
}

func (p *Postgres) Cancel(ctx context.Context, handle string) error {
	if _, err := uuid.Parse(handle); err != nil {
		return nil
	}
	_, err := p.DB.Pool.Exec(ctx, `
		UPDATE jobs SET state=$2, updated_at=now() WHERE handle=$1 AND state=$3
	`, handle, jobCancelled, jobPending)
	if err != nil {
		return unavailable("cancel", err)
	}
	return nil
}

func (p *Postgres) State(ctx context.Context, handle string) (State, error) {
	if _, err := uuid.Parse(handle); err != nil {
		return StateTerminal, nil
	}
	var st string
	err := p.DB.Pool.QueryRow(ctx, `SELECT state FROM jobs WHERE handle=$1`, handle).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return StateTerminal, nil
	}
	if err != nil {
		return "", unavailable("state", err)
	}
	return stateOf(st), nil
}

func (p *Postgres) Claim(ctx context.Context, limit int) ([]Job, error) {
	var out []Job
	err := p.DB.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH due AS (
				SELECT handle FROM jobs
				WHERE (state=$3 AND eta <= now())
				   OR (state=$4 AND claimed_at < now() - make_interval(secs => $2))
				ORDER BY eta
				LIMIT $1 FOR UPDATE SKIP LOCKED
			)
			UPDATE jobs j SET state=$4, claimed_at=now(), updated_at=now()
			FROM due WHERE j.handle = due.handle
			RETURNING j.handle::text, j.attempt_id, j.eta
		`, limit, p.Lease.Seconds(), jobPending, jobRunning)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var j Job
			if err := rows.Scan(&j.Handle, &j.AttemptID, &j.ETA); err != nil {
				return err
			}
			out = append(out, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, unavailable("claim", err)
	}
	return out, nil
}

func (p *Postgres) Complete(ctx context.Context, handle string) error {
	_, err := p.DB.Pool.Exec(ctx, `
		UPDATE jobs SET state=$2, updated_at=now() WHERE handle=$1 AND state=$3
	`, handle, jobDone, jobRunning)
	if err != nil {
		return unavailable("complete", err)
	}
	return nil
}
