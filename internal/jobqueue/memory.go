package jobqueue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process backend. It only works when the producer and the
// worker share one process.
type Memory struct {
	mu    sync.Mutex
	seq   int64
	jobs  map[string]*memJob
	Now   func() time.Time
	Lease time.Duration // a running job not completed within Lease is claimable again
}

type memJob struct {
	Job
	state      string
	leaseUntil time.Time
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*memJob), Now: time.Now, Lease: time.Minute}
}

var _ Backend = (*Memory)(nil)

func (m *Memory) Submit(_ context.Context, attemptID int64, eta time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	handle := "mem-" + strconv.FormatInt(m.seq, 10)
	m.jobs[handle] = &memJob{Job: Job{Handle: handle, AttemptID: attemptID, ETA: eta}, state: jobPending}
	return handle, nil
}

func (m *Memory) Cancel(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[handle]; ok && j.state == jobPending {
		j.state = jobCancelled
	}
	return nil
}

func (m *Memory) State(_ context.Context, handle string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[handle]
	if !ok {
		return StateTerminal, nil
	}
	return stateOf(j.state), nil
}

func (m *Memory) Claim(_ context.Context, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	var due []*memJob
	for _, j := range m.jobs {
		switch {
		case j.state == jobPending && !j.ETA.After(now):
			due = append(due, j)
		case j.state == jobRunning && !j.leaseUntil.After(now):
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].ETA.Before(due[b].ETA) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		j.state = jobRunning
		j.leaseUntil = now.Add(m.Lease)
		out = append(out, j.Job)
	}
	return out, nil
}

func (m *Memory) Complete(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[handle]; ok && j.state == jobRunning {
		j.state = jobDone
	}
	return nil
}

// Pending returns the pending jobs ordered by eta.
func (m *Memory) Pending() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if j.state == jobPending {
			out = append(out, j.Job)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].ETA.Equal(out[b].ETA) {
			return out[a].AttemptID < out[b].AttemptID
		}
		return out[a].ETA.Before(out[b].ETA)
	})
	return out
}
