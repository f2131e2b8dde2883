package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sportsedge/internal/errs"
	"sportsedge/internal/models"
)

// reserveScript adds ARGV[1] to the counter only if the result stays within ARGV[2].
// It returns the new usage, or -1 when the reservation is refused.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit > 0 and used + cost > limit then
  return -1
end
used = redis.call('INCRBY', KEYS[1], cost)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
return used
`)

// releaseScript returns units once per reservation id (KEYS[2]) and never below zero.
var releaseScript = redis.NewScript(`
if not redis.call('SET', KEYS[2], '1', 'NX', 'EX', tonumber(ARGV[2])) then
  return -1
end
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local cost = tonumber(ARGV[1])
if cost > used then
  cost = used
end
return redis.call('DECRBY', KEYS[1], cost)
`)

// RedisTracker shares budgets across processes. Reserve and Release are single
// Lua scripts, so concurrent callers on any host cannot overshoot a limit. Redis
// errors are quota_unavailable: not retried and not counted against a source's breaker.
type RedisTracker struct {
	Client   redis.UniversalClient
	Prefix   string
	Limits   map[string]int
	Location *time.Location
	Logger   *zap.Logger
	Now      func() time.Time
}

var _ Tracker = (*RedisTracker)(nil)

const windowTTL = 48 * time.Hour

func (r *RedisTracker) Reserve(ctx context.Context, sourceID string, cost int) (Reservation, error) {
	if cost <= 0 {
		cost = 1
	}
	window, _ := Window(r.now(), r.Location)
	limit := r.Limits[sourceID]
	used, err := reserveScript.Run(ctx, r.Client, []string{r.key(sourceID, window)},
		cost, limit, int(windowTTL.Seconds())).Int()
	if err != nil {
		return Reservation{}, errs.WithSource(errs.KindQuotaUnavailable, "quota.reserve", sourceID, err)
	}
	if used < 0 {
		r.logger().Debug("quota denied", zap.String("source", sourceID), zap.Int("limit", limit), zap.Int("cost", cost))
		return Reservation{}, errs.WithSource(errs.KindQuotaExceeded, "quota.reserve", sourceID,
			fmt.Errorf("limit %d reached, cost %d", limit, cost))
	}
	return Reservation{ID: uuid.New(), SourceID: sourceID, Cost: cost, Window: window}, nil
}

func (r *RedisTracker) Release(ctx context.Context, res Reservation) error {
	if res.ID == uuid.Nil || res.Cost <= 0 {
		return nil
	}
	keys := []string{
		r.key(res.SourceID, res.Window),
		r.Prefix + ":released:" + res.ID.String(),
	}
	err := releaseScript.Run(ctx, r.Client, keys, res.Cost, int(windowTTL.Seconds())).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errs.WithSource(errs.KindQuotaUnavailable, "quota.release", res.SourceID, err)
	}
	return nil
}

func (r *RedisTracker) Remaining(ctx context.Context, sourceID string) (int, error) {
	limit := r.Limits[sourceID]
	if limit <= 0 {
		return -1, nil
	}
	window, _ := Window(r.now(), r.Location)
	used, err := r.used(ctx, sourceID, window)
	if err != nil {
		return 0, err
	}
	if used >= limit {
		return 0, nil
	}
	return limit - used, nil
}

func (r *RedisTracker) Snapshot(ctx context.Context) ([]models.QuotaBudget, error) {
	window, start := Window(r.now(), r.Location)
	out := make([]models.QuotaBudget, 0, len(r.Limits))
	for id, limit := range r.Limits {
		used, err := r.used(ctx, id, window)
		if err != nil {
			return nil, err
		}
		out = append(out, models.QuotaBudget{
			SourceID:    id,
			Window:      window,
			DailyLimit:  limit,
			Used:        used,
			WindowStart: start,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (r *RedisTracker) used(ctx context.Context, sourceID, window string) (int, error) {
	raw, err := r.Client.Get(ctx, r.key(sourceID, window)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.WithSource(errs.KindQuotaUnavailable, "quota.read", sourceID, err)
	}
	return strconv.Atoi(raw)
}

func (r *RedisTracker) key(sourceID, window string) string {
	return r.Prefix + ":" + sourceID + ":" + window
}

func (r *RedisTracker) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *RedisTracker) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
