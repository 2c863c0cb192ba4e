package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// leaseScript moves the due members of a queue to the lease deadline in one
// step, so each member is handed to a single caller per lease.
var leaseScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, member in ipairs(due) do
	redis.call('ZADD', KEYS[1], ARGV[2], member)
end
return due
`)

// releaseScript removes a member only while it still carries the lease
// deadline; a member rescheduled in the meantime stays queued.
var releaseScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) == tonumber(ARGV[2]) then
	return redis.call('ZREM', KEYS[1], ARGV[1])
end
return 0
`)

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Schedule adds member to the sorted set queue, due at the given time.
// Scheduling an existing member moves its due time.
func (c *Client) Schedule(ctx context.Context, queue, member string, due time.Time) error {
	err := c.rdb.ZAdd(ctx, queue, redis.Z{Score: float64(due.UnixMilli()), Member: member}).Err()
	if err != nil {
		return fmt.Errorf("redis schedule on %s: %w", queue, err)
	}
	return nil
}

// Lease returns up to limit members due at now and pushes their due time to
// until. A member that is not released by then becomes due again.
func (c *Client) Lease(ctx context.Context, queue string, now, until time.Time, limit int) ([]string, error) {
	due, err := leaseScript.Run(ctx, c.rdb, []string{queue}, score(now), score(until), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis lease on %s: %w", queue, err)
	}
	return due, nil
}

// Release removes a leased member unless it was rescheduled after the lease
// was taken. It reports whether the member was removed.
func (c *Client) Release(ctx context.Context, queue, member string, leasedUntil time.Time) (bool, error) {
	n, err := releaseScript.Run(ctx, c.rdb, []string{queue}, member, score(leasedUntil)).Int()
	if err != nil {
		return false, fmt.Errorf("redis release on %s: %w", queue, err)
	}
	return n == 1, nil
}

// Pending returns the number of members queued or leased.
func (c *Client) Pending(ctx context.Context, queue string) (int64, error) {
	return c.rdb.ZCard(ctx, queue).Result()
}
