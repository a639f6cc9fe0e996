package pathstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"tidepool/api/internal/apperror"
)

const (
	keyPrefix     = "tp:"
	channelPrefix = "tpsub:"
)

// RedisStore implements Store on Redis. Documents live as JSON strings under
// path-shaped keys; conditional updates use WATCH/MULTI/EXEC optimistic
// transactions; change signals fan out over pub/sub channels, one per path
// prefix, carrying the changed path.
type RedisStore struct {
	client     *redis.Client
	maxRetries uint64
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, maxRetries: 16}
}

func (s *RedisStore) key(path string) string {
	return keyPrefix + path
}

func (s *RedisStore) channel(path string) string {
	return channelPrefix + path
}

func (s *RedisStore) Read(ctx context.Context, path string) (Value, error) {
	data, err := s.client.Get(ctx, s.key(path)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.StoreUnavailable("read "+path, err)
	}
	return decodeValue([]byte(data))
}

func (s *RedisStore) ReadTree(ctx context.Context, path string) (Snapshot, error) {
	snap := Snapshot{Path: path, Children: map[string]Value{}}

	value, err := s.Read(ctx, path)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Value = value

	iter := s.client.Scan(ctx, 0, s.key(path)+"/*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		child := iter.Val()[len(keyPrefix):]
		if ChildKey(path, child) != "" {
			keys = append(keys, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return Snapshot{}, apperror.StoreUnavailable("scan "+path, err)
	}
	if len(keys) == 0 {
		return snap, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return Snapshot{}, apperror.StoreUnavailable("read children of "+path, err)
	}
	for i, raw := range values {
		text, ok := raw.(string)
		if !ok {
			continue
		}
		child, err := decodeValue([]byte(text))
		if err != nil {
			return Snapshot{}, err
		}
		snap.Children[ChildKey(path, keys[i][len(keyPrefix):])] = child
	}
	return snap, nil
}

func (s *RedisStore) Write(ctx context.Context, path string, value Value) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := s.client.Set(ctx, s.key(path), data, 0).Err(); err != nil {
		return apperror.StoreUnavailable("write "+path, err)
	}
	s.publish(ctx, path)
	return nil
}

func (s *RedisStore) Update(ctx context.Context, path string, partial Value) error {
	_, err := s.ConditionalUpdate(ctx, path, func(current Value) (Value, bool) {
		next := current.Clone()
		if next == nil {
			next = Value{}
		}
		for k, v := range partial {
			next[k] = v
		}
		return next, true
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	keys := []string{s.key(path)}
	iter := s.client.Scan(ctx, 0, s.key(path)+"/*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return apperror.StoreUnavailable("scan "+path, err)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return apperror.StoreUnavailable("delete "+path, err)
	}
	s.publish(ctx, path)
	return nil
}

func (s *RedisStore) ConditionalUpdate(ctx context.Context, path string, fn MutateFunc) (CommitResult, error) {
	key := s.key(path)
	var result CommitResult

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		var current Value
		switch {
		case err == redis.Nil:
			current = nil
		case err != nil:
			return err
		default:
			if current, err = decodeValue([]byte(data)); err != nil {
				return err
			}
		}

		next, commit := fn(current)
		if !commit {
			result = CommitResult{Committed: false, Value: current}
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				return nil
			}
			encoded, err := json.Marshal(next)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = CommitResult{Committed: true, Value: next}
		return nil
	}

	attempt := func() error {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			// Concurrent writer got in between GET and EXEC; re-run fn
			// against the fresh value.
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(casBackOff(), s.maxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return CommitResult{}, apperror.StoreUnavailable("conditional update "+path, err)
	}

	if result.Committed {
		s.publish(ctx, path)
	}
	return result, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.channel(path))
	// Wait for the subscribe confirmation so no change can slip between the
	// initial snapshot read and the signal stream.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, apperror.StoreUnavailable("subscribe "+path, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(path, func() {
		cancel()
		_ = pubsub.Close()
	})
	go s.pump(pumpCtx, pubsub, sub)
	return sub, nil
}

func (s *RedisStore) pump(ctx context.Context, pubsub *redis.PubSub, sub *Subscription) {
	defer sub.close()

	if snap, err := s.ReadTree(ctx, sub.Path()); err == nil {
		sub.deliver(snap)
	}

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			snap, err := s.ReadTree(ctx, sub.Path())
			if err != nil {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			sub.deliver(snap)
		}
	}
}

// publish signals the changed path to its own channel and every ancestor's,
// so subtree subscriptions observe descendant writes.
func (s *RedisStore) publish(ctx context.Context, path string) {
	for _, prefix := range prefixes(path) {
		s.client.Publish(ctx, s.channel(prefix), path)
	}
}

func (s *RedisStore) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, apperror.StoreUnavailable("time", err)
	}
	return t, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeValue(data []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return v, nil
}

func casBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return b
}
