package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis keeps pending jobs in a sorted set scored by eta (unix ms) and job
// details in one hash per handle. Claimed jobs move to a second sorted set
// scored by claim time so an expired lease can be handed out again.
type Redis struct {
	Client    *redis.Client
	Prefix    string
	Lease     time.Duration
	Retention time.Duration
	now       func() time.Time
}

func NewRedis(client *redis.Client, prefix string, lease time.Duration) *Redis {
	return &Redis{Client: client, Prefix: prefix, Lease: lease, Retention: 7 * 24 * time.Hour, now: time.Now}
}

var _ Backend = (*Redis)(nil)

func (r *Redis) dueKey() string     { return r.Prefix + "due" }
func (r *Redis) runningKey() string { return r.Prefix + "running" }
func (r *Redis) jobPrefix() string  { return r.Prefix + "job:" }
func (r *Redis) jobKey(h string) string {
	return r.jobPrefix() + h
}

func (r *Redis) Submit(ctx context.Context, attemptID int64, eta time.Time) (string, error) {
	handle := uuid.NewString()
	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.jobKey(handle),
			"attempt_id", attemptID,
			"eta", eta.UnixMilli(),
			"state", jobPending,
		)
		pipe.ZAdd(ctx, r.dueKey(), redis.Z{Score: float64(eta.UnixMilli()), Member: handle})
		return nil
	})
	if err != nil {
		return "", unavailable("submit", err)
	}
	return handle, nil
}

var cancelScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	redis.call('HSET', KEYS[2], 'state', ARGV[2])
	redis.call('PEXPIRE', KEYS[2], ARGV[3])
	return 1
end
return 0
`)

func (r *Redis) Cancel(ctx context.Context, handle string) error {
	err := cancelScript.Run(ctx, r.Client,
		[]string{r.dueKey(), r.jobKey(handle)},
		handle, jobCancelled, r.Retention.Milliseconds(),
	).Err()
	if err != nil {
		return unavailable("cancel", err)
	}
	return nil
}

func (r *Redis) State(ctx context.Context, handle string) (State, error) {
	st, err := r.Client.HGet(ctx, r.jobKey(handle), "state").Result()
	if errors.Is(err, redis.Nil) {
		return StateTerminal, nil
	}
	if err != nil {
		return "", unavailable("state", err)
	}
	return stateOf(st), nil
}

// KEYS: due, running. ARGV: now ms, lease ms, limit, job key prefix.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now - tonumber(ARGV[2]))
for _, h in ipairs(expired) do
	redis.call('ZREM', KEYS[2], h)
	redis.call('ZADD', KEYS[1], now, h)
	redis.call('HSET', ARGV[4] .. h, 'state', 'pending')
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, h in ipairs(due) do
	local key = ARGV[4] .. h
	redis.call('ZREM', KEYS[1], h)
	redis.call('ZADD', KEYS[2], now, h)
	redis.call('HSET', key, 'state', 'running')
	local fields = redis.call('HMGET', key, 'attempt_id', 'eta')
	table.insert(out, h)
	table.insert(out, fields[1] or '')
	table.insert(out, fields[2] or '')
end
return out
`)

func (r *Redis) Claim(ctx context.Context, limit int) ([]Job, error) {
	res, err := claimScript.Run(ctx, r.Client,
		[]string{r.dueKey(), r.runningKey()},
		r.now().UnixMilli(), r.Lease.Milliseconds(), limit, r.jobPrefix(),
	).StringSlice()
	if err != nil {
		return nil, unavailable("claim", err)
	}
	out := make([]Job, 0, len(res)/3)
	for i := 0; i+2 < len(res); i += 3 {
		attemptID, err := strconv.ParseInt(res[i+1], 10, 64)
		if err != nil {
			return out, unavailable("claim", fmt.Errorf("job %s: bad attempt id %q", res[i], res[i+1]))
		}
		etaMS, _ := strconv.ParseInt(res[i+2], 10, 64)
		out = append(out, Job{Handle: res[i], AttemptID: attemptID, ETA: time.UnixMilli(etaMS).UTC()})
	}
	return out, nil
}

func (r *Redis) Complete(ctx context.Context, handle string) error {
	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.runningKey(), handle)
		pipe.HSet(ctx, r.jobKey(handle), "state", jobDone)
		pipe.Expire(ctx, r.jobKey(handle), r.Retention)
		return nil
	})
	if err != nil {
		return unavailable("complete", err)
	}
	return nil
}
