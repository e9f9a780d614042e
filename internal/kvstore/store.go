// Package kvstore provides a typed accessor over the shared datastore: keyed
// strings with TTL, atomic counters, lists, sorted sets, hashes, sets, and
// pub/sub channels (spec §4.A). All values are byte strings; callers own
// encoding.
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the KV/PubSub Store capability. Every higher-level component
// (Queue, TaskStateManager, MetricsRecorder) is built atop this interface;
// only the Queue also imports go-redis, for the *redis.Script values that
// RunScript takes.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)

	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max string, count int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error

	HSet(ctx context.Context, key string, values map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) Subscription

	// ScanPrefix iterates keys matching prefix+"*" using SCAN (never KEYS),
	// invoking fn for each batch. fn returning an error aborts the scan.
	ScanPrefix(ctx context.Context, prefix string, fn func(keys []string) error) error

	// Lock attempts to atomically claim a named lock via SET NX PX, returning
	// whether it was acquired and a release function (no-op if not acquired).
	Lock(ctx context.Context, name string, ttl time.Duration) (acquired bool, release func(context.Context) error, err error)

	// RunScript executes a Lua script atomically against keys/args, per §4.A's
	// "where atomicity is needed, use a single primitive" guidance for
	// multi-step operations like the Queue's claim+heartbeat and delayed→ready
	// promotion.
	RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)

	// Close releases the underlying connection.
	Close() error
}

// Subscription is a live pub/sub channel consumer.
type Subscription interface {
	Channel() <-chan *redis.Message
	Close() error
}

// ErrNotFound wraps miss lookups so callers can errors.Is against it without
// depending on go-redis directly.
var ErrNotFound = redis.Nil

// RedisStore is the go-redis-backed implementation of Store.
type RedisStore struct {
	client *redis.Client
}

// New constructs a RedisStore against addr (host:port).
func New(addr string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})}
}

// NewFromClient wraps an already-constructed go-redis client, used by tests
// that point at a miniredis instance.
func NewFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping verifies connectivity, used by the admin health endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("kvstore.Get(%s): %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore.Set(%s): %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kvstore.Del: %w", err)
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore.Incr(%s): %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore.IncrBy(%s): %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	v, err := s.client.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore.IncrByFloat(%s): %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kvstore.LPush(%s): %w", key, err)
	}
	return nil
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kvstore.RPush(%s): %w", key, err)
	}
	return nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore.LRange(%s): %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("kvstore.LTrim(%s): %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("kvstore.ZAdd(%s): %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max string, count int64) ([]string, error) {
	v, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max, Count: count}).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore.ZRangeByScore(%s): %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kvstore.ZRem(%s): %w", key, err)
	}
	return nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, values map[string]string) error {
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	if err := s.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kvstore.HSet(%s): %w", key, err)
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err != nil {
		return "", fmt.Errorf("kvstore.HGet(%s,%s): %w", key, field, err)
	}
	return v, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore.HGetAll(%s): %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("kvstore.HDel(%s): %w", key, err)
	}
	return nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kvstore.SAdd(%s): %w", key, err)
	}
	return nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore.SMembers(%s): %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore.Expire(%s): %w", key, err)
	}
	return nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("kvstore.Publish(%s): %w", channel, err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) Subscription {
	return &redisSubscription{pubsub: s.client.Subscribe(ctx, channel)}
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (r *redisSubscription) Channel() <-chan *redis.Message { return r.pubsub.Channel() }
func (r *redisSubscription) Close() error                   { return r.pubsub.Close() }

// ScanPrefix walks key space with SCAN (never KEYS, which blocks the server
// on large datasets) in batches of 200.
func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string, fn func(keys []string) error) error {
	var cursor uint64
	match := prefix + "*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return fmt.Errorf("kvstore.ScanPrefix(%s): %w", prefix, err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Lock claims a named lock with SET NX PX, the single-primitive pattern
// §4.A calls out for operations that need atomicity across callers.
func (s *RedisStore) Lock(ctx context.Context, name string, ttl time.Duration) (bool, func(context.Context) error, error) {
	token := fmt.Sprintf("%d", time.Now().UnixNano())
	key := "lock:" + name
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, noopRelease, fmt.Errorf("kvstore.Lock(%s): %w", name, err)
	}
	if !ok {
		return false, noopRelease, nil
	}
	release := func(releaseCtx context.Context) error {
		cur, getErr := s.client.Get(releaseCtx, key).Result()
		if getErr != nil {
			if getErr == redis.Nil {
				return nil
			}
			return fmt.Errorf("kvstore.Lock release(%s): %w", name, getErr)
		}
		if cur != token {
			// Lock expired and was reclaimed by another holder; don't steal it back.
			return nil
		}
		return s.Del(releaseCtx, key)
	}
	return true, release, nil
}

func noopRelease(context.Context) error { return nil }

func (s *RedisStore) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, s.client, keys, args...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("kvstore.RunScript: %w", err)
	}
	return res, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
