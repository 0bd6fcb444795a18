package sharedstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript deletes KEYS[1] and any companion keys only when
// KEYS[1] still holds ARGV[1]. Lua keeps the check-and-delete atomic so a
// stale owner can never evict a newer lock holder.
const compareAndDeleteScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	for i = 1, #KEYS do
		redis.call("DEL", KEYS[i])
	end
	return 1
end
return 0
`

type redisStore struct {
	rdb *redis.Client
}

func dialRedis(ctx context.Context, cfg Config) (Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	rdb := redis.NewClient(opts)

	pingCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return &redisStore{rdb: rdb}, nil
}

func (s *redisStore) Available() bool { return true }

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0
	}
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 0
	}
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *redisStore) CompareAndDelete(ctx context.Context, key, owner string, companions ...string) (bool, error) {
	keys := append([]string{key}, companions...)
	n, err := s.rdb.Eval(ctx, compareAndDeleteScript, keys, owner).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.Expire(ctx, key, ttl).Result()
}

func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	switch {
	case d == -2*time.Second || d == -2*time.Nanosecond:
		return 0, false, nil
	case d < 0:
		// -1: key exists without expiry.
		return 0, true, nil
	default:
		return d, true, nil
	}
}

func (s *redisStore) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, args)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *redisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.rdb.IncrBy(ctx, key, delta).Result()
}

func (s *redisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *redisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.ZRem(ctx, key, args...).Err()
}

func (s *redisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	v, err := s.rdb.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *redisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *redisStore) ZRange(ctx context.Context, key string, start, stop int64, reverse bool) ([]ScoredMember, error) {
	var (
		zs  []redis.Z
		err error
	)
	if reverse {
		zs, err = s.rdb.ZRevRangeWithScores(ctx, key, start, stop).Result()
	} else {
		zs, err = s.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, err
	}
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: m, Score: z.Score})
	}
	return out, nil
}

func (s *redisStore) RPush(ctx context.Context, key string, values []string, maxLen int64, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, args...)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, -maxLen, -1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

func (s *redisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}
