// Package cache keeps recent detection and scan results so repeated requests
// for the same site within a short window skip the network.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

const (
	scanPrefix   = "wpscan:scan:"
	detectPrefix = "wpscan:detect:"

	defaultTTL = 5 * time.Minute
)

// ResultCache stores results by target URL. A miss returns (nil, nil).
type ResultCache interface {
	GetScan(ctx context.Context, rawURL string) (*types.ScanResult, error)
	SetScan(ctx context.Context, rawURL string, result *types.ScanResult) error
	GetDetection(ctx context.Context, rawURL string) (*types.DetectionResult, error)
	SetDetection(ctx context.Context, rawURL string, result *types.DetectionResult) error
	Ping(ctx context.Context) error
	Close() error
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// New returns a redis-backed cache when enabled and a no-op cache otherwise.
func New(cfg config.RedisConfig, log *logger.Logger) (ResultCache, error) {
	if !cfg.Enabled {
		return NewNoopCache(), nil
	}
	return NewRedisCache(cfg, log)
}

func NewRedisCache(cfg config.RedisConfig, log *logger.Logger) (ResultCache, error) {
	if log == nil {
		log = logger.Nop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := cfg.ResultTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisCache{
		client: client,
		ttl:    ttl,
		log:    log.WithComponent("cache"),
	}, nil
}

// Key hashes the normalized URL so equivalent spellings share an entry.
func Key(prefix, rawURL string) string {
	h := murmur3.Sum64([]byte(normalizeURL(rawURL)))
	return fmt.Sprintf("%s%016x", prefix, h)
}

func normalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimRight(strings.TrimSpace(rawURL), "/"))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

func (c *redisCache) GetScan(ctx context.Context, rawURL string) (*types.ScanResult, error) {
	var result types.ScanResult
	hit, err := c.get(ctx, Key(scanPrefix, rawURL), &result)
	if !hit {
		return nil, err
	}
	return &result, nil
}

func (c *redisCache) SetScan(ctx context.Context, rawURL string, result *types.ScanResult) error {
	return c.set(ctx, Key(scanPrefix, rawURL), result)
}

func (c *redisCache) GetDetection(ctx context.Context, rawURL string) (*types.DetectionResult, error) {
	var result types.DetectionResult
	hit, err := c.get(ctx, Key(detectPrefix, rawURL), &result)
	if !hit {
		return nil, err
	}
	return &result, nil
}

func (c *redisCache) SetDetection(ctx context.Context, rawURL string, result *types.DetectionResult) error {
	return c.set(ctx, Key(detectPrefix, rawURL), result)
}

func (c *redisCache) get(ctx context.Context, key string, out any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.log.WithContext(ctx).Warnw("Dropping corrupt cache entry", "key", key, "error", err)
		c.client.Del(ctx, key)
		return false, nil
	}
	return true, nil
}

func (c *redisCache) set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (c *redisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

type noopCache struct{}

func NewNoopCache() ResultCache { return noopCache{} }

func (noopCache) GetScan(context.Context, string) (*types.ScanResult, error) { return nil, nil }

func (noopCache) SetScan(context.Context, string, *types.ScanResult) error { return nil }

func (noopCache) GetDetection(context.Context, string) (*types.DetectionResult, error) {
	return nil, nil
}

func (noopCache) SetDetection(context.Context, string, *types.DetectionResult) error { return nil }

func (noopCache) Ping(context.Context) error { return nil }

func (noopCache) Close() error { return nil }
