// Package cache is a read-through result cache over the shared store. Misses
// are collapsed in-process with singleflight and across processes with a
// short-lived store lock, so each key is computed by one caller at a time.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"attribution-pipeline/pkg/metrics"
	"attribution-pipeline/pkg/rediskey"
	"attribution-pipeline/pkg/store"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "result_cache_hits_total"})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{Name: "result_cache_miss_total"})
)

type Config struct {
	LockTTL           time.Duration
	LockWaitTimeout   time.Duration
	LockRetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Second
	}
	if c.LockWaitTimeout <= 0 {
		c.LockWaitTimeout = 5 * time.Second
	}
	if c.LockRetryInterval <= 0 {
		c.LockRetryInterval = 50 * time.Millisecond
	}
	return c
}

type ComputeFunc func(ctx context.Context) ([]byte, error)

type Cache struct {
	store    store.Store
	cfg      Config
	group    singleflight.Group
	recorder *metrics.Recorder
	logger   *zap.Logger
}

func New(s store.Store, cfg Config, recorder *metrics.Recorder, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:    s,
		cfg:      cfg.withDefaults(),
		recorder: recorder,
		logger:   logger.With(zap.String("component", "cache")),
	}
}

// Key derives a deterministic cache key from an operation, its parameters
// and the model. params must marshal deterministically (structs, or maps,
// which encoding/json sorts).
func Key(operation string, params any, model string) (string, error) {
	raw, err := json.Marshal(struct {
		Operation string `json:"operation"`
		Params    any    `json:"params"`
		Model     string `json:"model"`
	}{operation, params, model})
	if err != nil {
		return "", fmt.Errorf("marshal cache key: %w", err)
	}
	sum := sha256.Sum256(raw)
	return rediskey.BuildCacheKey(hex.EncodeToString(sum[:])), nil
}

// GetOrCompute returns the cached value under key, computing and storing it
// with ttl on a miss. Store failures degrade to computing without caching;
// only fn's error is returned.
//
// Concurrent callers share one load. The load is detached from the caller
// that started it, so that caller giving up does not fail the others; it is
// bounded instead by the time needed to wait out another holder's lock and
// compute under our own.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) ([]byte, error) {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LockWaitTimeout+c.cfg.LockTTL)
		defer cancel()
		return c.load(loadCtx, key, ttl, fn)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (c *Cache) load(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) ([]byte, error) {
	if v, ok, err := c.get(ctx, key); err != nil {
		return fn(ctx)
	} else if ok {
		c.hit(ctx)
		return v, nil
	}
	c.miss(ctx)

	lockKey := rediskey.BuildLockKey(key)
	token := []byte(uuid.NewString())
	acquired, err := c.store.SetNX(ctx, lockKey, token, c.cfg.LockTTL)
	if err != nil {
		c.logger.Warn("cache lock unavailable, computing uncached", zap.String("key", key), zap.Error(err))
		return fn(ctx)
	}
	if !acquired {
		return c.wait(ctx, key, fn)
	}

	defer func() {
		if _, err := c.store.CompareAndDelete(context.WithoutCancel(ctx), lockKey, token); err != nil {
			c.logger.Warn("release cache lock", zap.String("key", key), zap.Error(err))
		}
	}()

	// another process may have filled the key between our miss and the lock
	if v, ok, _ := c.get(ctx, key); ok {
		return v, nil
	}

	v, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, key, v, ttl); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

// wait polls for the lock holder's result, then computes without caching.
func (c *Cache) wait(ctx context.Context, key string, fn ComputeFunc) ([]byte, error) {
	deadline := time.NewTimer(c.cfg.LockWaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.LockRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			c.logger.Debug("cache lock wait timed out, computing uncached", zap.String("key", key))
			return fn(ctx)
		case <-ticker.C:
			if v, ok, _ := c.get(ctx, key); ok {
				return v, nil
			}
		}
	}
}

func (c *Cache) get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false, err
	}
	return v, true, nil
}

func (c *Cache) hit(ctx context.Context) {
	cacheHits.Inc()
	c.recorder.CacheLookup(ctx, true)
}

func (c *Cache) miss(ctx context.Context) {
	cacheMiss.Inc()
	c.recorder.CacheLookup(ctx, false)
}

// GetOrComputeJSON is GetOrCompute for JSON-serializable values.
func GetOrComputeJSON[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := c.GetOrCompute(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode cached value: %w", err)
	}
	return out, nil
}
