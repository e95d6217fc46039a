// Package kvstore adapts a Redis client (via redis/go-redis/v9) to the
// storex.KVStore contract. It is consumed exclusively by the Session
// Manager for session hashes, event sorted-sets, and pub/sub channels.
package kvstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"memento/internal/logging"
	"memento/internal/merrors"
	"memento/pkg/storex"
)

// RedisStore implements storex.KVStore over a *redis.Client.
type RedisStore struct {
	mu          sync.RWMutex
	client      *redis.Client
	addr        string
	initialized bool
}

// New creates a RedisStore bound to addr ("host:port"); connection is
// established lazily in Initialize.
func New(addr string) *RedisStore {
	return &RedisStore{addr: addr}
}

func (s *RedisStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client := redis.NewClient(&redis.Options{Addr: s.addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return merrors.Wrap(err, merrors.KindStoreUnavailable, "failed to connect to kv store")
	}
	s.client = client
	s.initialized = true
	logging.Get(logging.CategoryStore).Info("kv store initialized at %s", s.addr)
	return nil
}

func (s *RedisStore) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return merrors.StoreUnavailable(fmt.Errorf("no connection"), "kv")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return merrors.StoreUnavailable(err, "kv")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, merrors.StoreUnavailable(err, "kv")
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return merrors.StoreUnavailable(err, "kv")
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return merrors.StoreUnavailable(err, "kv")
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, merrors.StoreUnavailable(err, "kv")
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return merrors.StoreUnavailable(err, "kv")
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, merrors.StoreUnavailable(err, "kv")
	}
	return val, true, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, values map[string]string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return merrors.StoreUnavailable(err, "kv")
	}
	return nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "kv")
	}
	return vals, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return merrors.StoreUnavailable(err, "kv")
	}
	return nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, member string, score float64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return merrors.StoreUnavailable(err, "kv")
	}
	return nil
}

func toScoredMembers(zs []redis.Z) []storex.ScoredMember {
	out := make([]storex.ScoredMember, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		out[i] = storex.ScoredMember{Member: member, Score: z.Score}
	}
	return out
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]storex.ScoredMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	zs, err := s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "kv")
	}
	return toScoredMembers(zs), nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]storex.ScoredMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, merrors.StoreUnavailable(err, "kv")
	}
	return toScoredMembers(zs), nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return merrors.StoreUnavailable(err, "kv")
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan string
	done   chan struct{}
}

func (r *redisSubscription) Channel() <-chan string { return r.ch }

func (r *redisSubscription) Close() error {
	close(r.done)
	return r.pubsub.Close()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (storex.Subscription, error) {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, merrors.StoreUnavailable(err, "kv")
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan string, 64),
		done:   make(chan struct{}),
	}

	go func() {
		src := pubsub.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case sub.ch <- msg.Payload:
				case <-sub.done:
					return
				}
			}
		}
	}()

	return sub, nil
}
