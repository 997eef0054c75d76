package checkin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// State is the scheduler's durable state: the Beijing date of the last
// sweep and the one pending alarm. A zero time from NextAlarm means no
// alarm is set.
type State interface {
	LastRunDate(ctx context.Context) (string, error)
	SetLastRunDate(ctx context.Context, date string) error
	ClearLastRunDate(ctx context.Context) error
	NextAlarm(ctx context.Context) (time.Time, error)
	SetNextAlarm(ctx context.Context, at time.Time) error
	ClearNextAlarm(ctx context.Context) error
}

// Locker is implemented by state shared between replicas. The scheduler
// holds the lock while it fires so only one replica sweeps per alarm.
type Locker interface {
	TryLock(ctx context.Context, ttl time.Duration) (unlock func(), ok bool, err error)
}

// RedisState keeps scheduler state in Redis, so every replica sees the
// same alarm and the lease keeps them from firing twice.
type RedisState struct {
	client *redis.Client
	prefix string
}

// NewRedisState returns state stored under keys prefixed with the
// scheduler name.
func NewRedisState(client *redis.Client) *RedisState {
	return &RedisState{client: client, prefix: "llmgateway:" + SchedulerName + ":"}
}

func (s *RedisState) key(name string) string {
	return s.prefix + name
}

func (s *RedisState) LastRunDate(ctx context.Context) (string, error) {
	v, err := s.client.Get(ctx, s.key("last_run_date")).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *RedisState) SetLastRunDate(ctx context.Context, date string) error {
	return s.client.Set(ctx, s.key("last_run_date"), date, 0).Err()
}

func (s *RedisState) ClearLastRunDate(ctx context.Context) error {
	return s.client.Del(ctx, s.key("last_run_date")).Err()
}

func (s *RedisState) NextAlarm(ctx context.Context) (time.Time, error) {
	v, err := s.client.Get(ctx, s.key("next_alarm")).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decoding next alarm %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}

func (s *RedisState) SetNextAlarm(ctx context.Context, at time.Time) error {
	return s.client.Set(ctx, s.key("next_alarm"), strconv.FormatInt(at.UnixMilli(), 10), 0).Err()
}

func (s *RedisState) ClearNextAlarm(ctx context.Context) error {
	return s.client.Del(ctx, s.key("next_alarm")).Err()
}

// releaseScript deletes the lease only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryLock takes the fire lease with SET NX PX. The lease expires on its
// own if the holder dies mid-sweep.
func (s *RedisState) TryLock(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	owner := uuid.NewString()
	key := s.key("lease")
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	unlock := func() {
		// The caller's context may be done by now.
		_ = releaseScript.Run(context.Background(), s.client, []string{key}, owner).Err()
	}
	return unlock, true, nil
}
