package cartstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/norun9/microservices-demo-ambient/src/cartservice/cart"
)

const (
	redisInitAttempts = 30
	// optimistic WATCH transactions lost to a concurrent writer
	redisPatchAttempts = 3
)

// RedisCartStore is a cart store backed by Redis.
// Each cart is a hash keyed by user; every field holds one JSON-encoded line item.
type RedisCartStore struct {
	client *redis.Client
	log    logrus.FieldLogger
}

// NewRedisCartStore accepts a Redis connection string ("redis://..." or "hostname:port").
func NewRedisCartStore(redisAddr string, log logrus.FieldLogger) (*RedisCartStore, error) {
	opts, err := redis.ParseURL(redisAddr)
	if err != nil {
		// Not in "redis://..." format, use it as a plain Addr.
		opts = &redis.Options{
			Addr:         redisAddr,
			MinIdleConns: 1,
			DialTimeout:  30 * time.Second,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			PoolSize:     10,
			PoolTimeout:  4 * time.Second,
			IdleTimeout:  180 * time.Second,
		}
	}
	return NewRedisCartStoreFromClient(redis.NewClient(opts), log), nil
}

// NewRedisCartStoreFromClient wraps an existing client and installs the tracing hook.
func NewRedisCartStoreFromClient(client *redis.Client, log logrus.FieldLogger) *RedisCartStore {
	client.AddHook(redisotel.NewTracingHook())
	return &RedisCartStore{client: client, log: log}
}

func (r *RedisCartStore) Close() error { return r.client.Close() }

// Initialize waits for Redis to answer a Ping, backing off exponentially.
func (r *RedisCartStore) Initialize(ctx context.Context) error {
	r.log.Info("RedisCartStore: initializing connection...")

	attempt := 0
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		attempt++
		if r.Ping(ctx) {
			return nil
		}
		return errors.Errorf("ping failed on attempt %d/%d", attempt, redisInitAttempts)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, redisInitAttempts-1), ctx),
		func(err error, wait time.Duration) {
			r.log.WithError(err).Warnf("RedisCartStore: waiting %v before next attempt", wait)
		})
	if err != nil {
		return errors.Wrapf(err, "failed to connect to Redis after %d attempts", attempt)
	}

	r.log.Infof("RedisCartStore: Ping successful on attempt %d", attempt)
	return nil
}

func cartKey(userID string) string {
	return "cart:user:" + userID
}

func profileKey(userID string) string {
	return "profile:user:" + userID
}

func (r *RedisCartStore) ReadItems(ctx context.Context, userID string) ([]cart.LineItem, error) {
	fields, err := r.client.HGetAll(ctx, cartKey(userID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis HGETALL")
	}

	items := make([]cart.LineItem, 0, len(fields))
	for id, raw := range fields {
		it, err := decodeRedisItem(id, raw)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	sortItems(items)
	return items, nil
}

func (r *RedisCartStore) ReadItem(ctx context.Context, userID, itemID string) (*cart.LineItem, error) {
	raw, err := r.client.HGet(ctx, cartKey(userID), itemID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis HGET")
	}
	it, err := decodeRedisItem(itemID, raw)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *RedisCartStore) WriteItem(ctx context.Context, userID string, item cart.LineItem) error {
	bin, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "encode cart item")
	}
	if err := r.client.HSet(ctx, cartKey(userID), item.ID, bin).Err(); err != nil {
		return errors.Wrap(err, "redis HSET")
	}
	return nil
}

// PatchItem merges updates inside a WATCH transaction so a concurrent
// delete is never undone by the write-back.
func (r *RedisCartStore) PatchItem(ctx context.Context, userID, itemID string, updates cart.ItemUpdates) error {
	key := cartKey(userID)
	patch := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, itemID).Result()
		if err == redis.Nil {
			return ErrItemNotFound
		}
		if err != nil {
			return errors.Wrap(err, "redis HGET")
		}
		it, err := decodeRedisItem(itemID, raw)
		if err != nil {
			return err
		}
		updates.ApplyTo(&it)
		bin, err := json.Marshal(it)
		if err != nil {
			return errors.Wrap(err, "encode cart item")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, itemID, bin)
			return nil
		})
		return err
	}
	return r.watch(ctx, patch, key)
}

func (r *RedisCartStore) DeleteItem(ctx context.Context, userID, itemID string) error {
	if err := r.client.HDel(ctx, cartKey(userID), itemID).Err(); err != nil {
		return errors.Wrap(err, "redis HDEL")
	}
	return nil
}

func (r *RedisCartStore) DeleteCart(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, cartKey(userID)).Err(); err != nil {
		return errors.Wrap(err, "redis DEL")
	}
	return nil
}

func (r *RedisCartStore) NewItemID(ctx context.Context, userID string) (string, error) {
	return uuid.NewString(), nil
}

// Ping checks if Redis is alive.
func (r *RedisCartStore) Ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.client.Ping(pingCtx).Err(); err != nil {
		r.log.WithError(err).Warn("RedisCartStore: Ping failed")
		return false
	}
	return true
}

func (r *RedisCartStore) ReadProfile(ctx context.Context, userID string) (*cart.Profile, error) {
	raw, err := r.client.Get(ctx, profileKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis GET")
	}
	var p cart.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "failed to parse profile data")
	}
	return &p, nil
}

func (r *RedisCartStore) WriteProfile(ctx context.Context, profile cart.Profile) error {
	bin, err := json.Marshal(profile)
	if err != nil {
		return errors.Wrap(err, "encode profile")
	}
	if err := r.client.Set(ctx, profileKey(profile.UID), bin, 0).Err(); err != nil {
		return errors.Wrap(err, "redis SET")
	}
	return nil
}

func (r *RedisCartStore) PatchProfile(ctx context.Context, userID string, updates cart.ProfileUpdates) error {
	key := profileKey(userID)
	patch := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return cart.ErrProfileNotFound
		}
		if err != nil {
			return errors.Wrap(err, "redis GET")
		}
		var p cart.Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			return errors.Wrap(err, "failed to parse profile data")
		}
		updates.ApplyTo(&p)
		bin, err := json.Marshal(p)
		if err != nil {
			return errors.Wrap(err, "encode profile")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, bin, 0)
			return nil
		})
		return err
	}
	return r.watch(ctx, patch, key)
}

func (r *RedisCartStore) watch(ctx context.Context, fn func(*redis.Tx) error, key string) error {
	var err error
	for i := 0; i < redisPatchAttempts; i++ {
		err = r.client.Watch(ctx, fn, key)
		if err != redis.TxFailedErr {
			return err
		}
		r.log.WithField("key", key).Debug("RedisCartStore: watched key changed, retrying transaction")
	}
	return errors.Wrap(err, "redis transaction")
}

func decodeRedisItem(id, raw string) (cart.LineItem, error) {
	var it cart.LineItem
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return cart.LineItem{}, errors.Wrapf(err, "failed to parse cart item %s", id)
	}
	// the hash field is the source of truth for the id
	it.ID = id
	return it, nil
}
