// Package jobqueue schedules delayed execution of delivery attempts.
//
// A job carries only the attempt id; everything else is read from the store
// when it fires. Handles are opaque strings.
package jobqueue

import (
	"context"
	"time"

	"github.com/Cypherspark/campaign-dispatcher/internal/core"
)

// State is the execution-slot state seen from the queue. The queue knows
// nothing about the delivery outcome.
type State string

const (
	StatePending  State = "pending"
	StateTerminal State = "terminal"
)

type Job struct {
	Handle    string
	AttemptID int64
	ETA       time.Time
}

// Queue is the producer side used by the orchestrator.
type Queue interface {
	Submit(ctx context.Context, attemptID int64, eta time.Time) (string, error)
	// Cancel stops a pending job. Running, finished and unknown handles
	// are not an error.
	Cancel(ctx context.Context, handle string) error
	State(ctx context.Context, handle string) (State, error)
}

// Source is the consumer side used by the worker.
type Source interface {
	// Claim returns up to limit due jobs and marks them running.
	Claim(ctx context.Context, limit int) ([]Job, error)
	Complete(ctx context.Context, handle string) error
}

type Backend interface {
	Queue
	Source
}

const (
	jobPending   = "pending"
	jobRunning   = "running"
	jobDone      = "done"
	jobCancelled = "cancelled"
)

func stateOf(s string) State {
	if s == jobPending || s == jobRunning {
		return StatePending
	}
	return StateTerminal
}

func unavailable(op string, err error) error {
	return core.NewAppError(core.ErrCodeUnavailableQueue, op+" failed", err)
}
