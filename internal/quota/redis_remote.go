package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "quota:"

// RedisRemote stores quota state in a hash per identity that expires at the
// window reset.
type RedisRemote struct {
	rdb *redis.Client
}

// NewRedisRemote connects to url. A value that does not parse as a redis URL
// is used as a bare address.
func NewRedisRemote(ctx context.Context, url string) (*RedisRemote, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		opt = &redis.Options{Addr: strings.TrimSpace(url)}
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisRemote{rdb: rdb}, nil
}

func NewRedisRemoteFromClient(rdb *redis.Client) *RedisRemote {
	return &RedisRemote{rdb: rdb}
}

func redisKey(identity string) string {
	return redisKeyPrefix + identity
}

func (r *RedisRemote) Fetch(ctx context.Context, identity string) (RemoteState, error) {
	vals, err := r.rdb.HGetAll(ctx, redisKey(identity)).Result()
	if err != nil {
		return RemoteState{}, fmt.Errorf("read quota %s: %w", identity, err)
	}
	if len(vals) == 0 {
		return RemoteState{}, ErrNoRemoteState
	}

	remaining, err := strconv.Atoi(vals["remaining"])
	if err != nil {
		return RemoteState{}, fmt.Errorf("decode quota %s remaining: %w", identity, err)
	}
	total, err := strconv.Atoi(vals["total"])
	if err != nil {
		return RemoteState{}, fmt.Errorf("decode quota %s total: %w", identity, err)
	}
	out := RemoteState{Remaining: remaining, Total: total}
	if raw := vals["reset_at"]; raw != "" {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return RemoteState{}, fmt.Errorf("decode quota %s reset_at: %w", identity, err)
		}
		out.ResetAt = time.Unix(unix, 0).UTC()
	}
	return out, nil
}

func (r *RedisRemote) Record(ctx context.Context, identity string, state State) error {
	key := redisKey(identity)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"remaining", state.Remaining,
			"total", state.Limit,
			"reset_at", state.ResetAt.Unix(),
		)
		pipe.ExpireAt(ctx, key, state.ResetAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write quota %s: %w", identity, err)
	}
	return nil
}

func (r *RedisRemote) Close() error {
	return r.rdb.Close()
}
