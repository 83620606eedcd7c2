package jobqueue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	database "github.com/Cypherspark/campaign-dispatcher/internal/db"
	"github.com/Cypherspark/campaign-dispatcher/internal/jobqueue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

// backends returns every implementation under test. Container-backed ones
// are skipped in -short mode.
func backends(t *testing.T) map[string]jobqueue.Backend {
	out := map[string]jobqueue.Backend{"memory": jobqueue.NewMemory()}
	if testing.Short() {
		return out
	}
	out["postgres"] = jobqueue.NewPostgres(database.StartTestPostgres(t), time.Minute)
	out["redis"] = jobqueue.NewRedis(startRedis(t), "test:", time.Minute)
	return out
}

func TestSubmitClaimComplete(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			past := time.Now().Add(-time.Minute)
			future := time.Now().Add(time.Hour)

			due, err := q.Submit(ctx, 1, past)
			require.NoError(t, err)
			_, err = q.Submit(ctx, 2, future)
			require.NoError(t, err)

			jobs, err := q.Claim(ctx, 10)
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			require.Equal(t, due, jobs[0].Handle)
			require.Equal(t, int64(1), jobs[0].AttemptID)

			// running is still pending from the producer's point of view
			st, err := q.State(ctx, due)
			require.NoError(t, err)
			require.Equal(t, jobqueue.StatePending, st)

			again, err := q.Claim(ctx, 10)
			require.NoError(t, err)
			require.Empty(t, again)

			require.NoError(t, q.Complete(ctx, due))
			st, err = q.State(ctx, due)
			require.NoError(t, err)
			require.Equal(t, jobqueue.StateTerminal, st)
		})
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h, err := q.Submit(ctx, 7, time.Now().Add(-time.Second))
			require.NoError(t, err)

			st, err := q.State(ctx, h)
			require.NoError(t, err)
			require.Equal(t, jobqueue.StatePending, st)

			require.NoError(t, q.Cancel(ctx, h))
			require.NoError(t, q.Cancel(ctx, h))
			st, err = q.State(ctx, h)
			require.NoError(t, err)
			require.Equal(t, jobqueue.StateTerminal, st)

			jobs, err := q.Claim(ctx, 10)
			require.NoError(t, err)
			require.Empty(t, jobs)

			// unknown handles are terminal and cancel quietly
			require.NoError(t, q.Cancel(ctx, "00000000-0000-0000-0000-000000000000"))
			st, err = q.State(ctx, "00000000-0000-0000-0000-000000000000")
			require.NoError(t, err)
			require.Equal(t, jobqueue.StateTerminal, st)
		})
	}
}

func TestCancelDoesNotStopRunningJob(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h, err := q.Submit(ctx, 3, time.Now().Add(-time.Second))
			require.NoError(t, err)
			jobs, err := q.Claim(ctx, 1)
			require.NoError(t, err)
			require.Len(t, jobs, 1)

			require.NoError(t, q.Cancel(ctx, h))
			st, err := q.State(ctx, h)
			require.NoError(t, err)
			require.Equal(t, jobqueue.StatePending, st)
			require.NoError(t, q.Complete(ctx, h))
		})
	}
}

func TestConcurrentClaimNoDuplicates(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const total = 60
			for i := 0; i < total; i++ {
				_, err := q.Submit(ctx, int64(i), time.Now().Add(-time.Second))
				require.NoError(t, err)
			}

			var (
				mu   sync.Mutex
				seen = map[string]bool{}
				wg   sync.WaitGroup
			)
			for w := 0; w < 6; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						jobs, err := q.Claim(ctx, 7)
						require.NoError(t, err)
						if len(jobs) == 0 {
							return
						}
						mu.Lock()
						for _, j := range jobs {
							require.False(t, seen[j.Handle], "duplicate claim %s", j.Handle)
							seen[j.Handle] = true
						}
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			require.Len(t, seen, total)
		})
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	mem := jobqueue.NewMemory()
	mem.Lease = 0
	leased := map[string]jobqueue.Backend{"memory": mem}
	if !testing.Short() {
		leased["postgres"] = jobqueue.NewPostgres(database.StartTestPostgres(t), 0)
		leased["redis"] = jobqueue.NewRedis(startRedis(t), "lease:", 0)
	}
	for name, q := range leased {
		t.Run(name, func(t *testing.T) {
			h, err := q.Submit(ctx, 9, time.Now().Add(-time.Second))
			require.NoError(t, err)
			first, err := q.Claim(ctx, 1)
			require.NoError(t, err)
			require.Len(t, first, 1)

			time.Sleep(20 * time.Millisecond)
			second, err := q.Claim(ctx, 1)
			require.NoError(t, err)
			require.Len(t, second, 1)
			require.Equal(t, h, second[0].Handle)
		})
	}
}
