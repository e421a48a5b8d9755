package decision

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of Redis hash commands the store needs.
type RedisClient interface {
	HSetNX(ctx context.Context, key, field string, value []byte) (bool, error)
	HGet(ctx context.Context, key, field string) ([]byte, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Close() error
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	CacheSize    int           `yaml:"cache_size"`
}

// DefaultRedisConfig returns the default Redis settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Key:          "responder:hardblocks",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		CacheSize:    4096,
	}
}

// GoRedisClient adapts go-redis to RedisClient.
type GoRedisClient struct {
	client *redis.Client
}

// NewGoRedisClient connects to Redis and verifies the connection.
func NewGoRedisClient(cfg RedisConfig) (*GoRedisClient, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &GoRedisClient{client: client}, nil
}

func (g *GoRedisClient) HSetNX(ctx context.Context, key, field string, value []byte) (bool, error) {
	return g.client.HSetNX(ctx, key, field, value).Result()
}

func (g *GoRedisClient) HGet(ctx context.Context, key, field string) ([]byte, error) {
	val, err := g.client.HGet(ctx, key, field).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return val, nil
}

func (g *GoRedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return g.client.HGetAll(ctx, key).Result()
}

func (g *GoRedisClient) Close() error {
	return g.client.Close()
}

// RedisStore keeps the hard-block set in a Redis hash so several
// responders can share it. Hard blocks never expire, so positive lookups
// are cached locally.
type RedisStore struct {
	client  RedisClient
	key     string
	timeout time.Duration
	cache   *lru.Cache[string, HardBlockRecord]
}

// NewRedisStore creates a store over client.
func NewRedisStore(client RedisClient, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Key == "" {
		cfg.Key = DefaultRedisConfig().Key
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultRedisConfig().CacheSize
	}
	cache, err := lru.New[string, HardBlockRecord](size)
	if err != nil {
		return nil, fmt.Errorf("decision: create cache: %w", err)
	}

	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultRedisConfig().WriteTimeout
	}

	return &RedisStore{
		client:  client,
		key:     cfg.Key,
		timeout: timeout,
		cache:   cache,
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, address string) (HardBlockRecord, bool, error) {
	if rec, ok := s.cache.Get(address); ok {
		return rec, true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.HGet(ctx, s.key, address)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return HardBlockRecord{}, false, nil
		}
		return HardBlockRecord{}, false, err
	}

	rec, err := decodeRecord(address, data)
	if err != nil {
		return HardBlockRecord{}, false, err
	}
	s.cache.Add(address, rec)
	return rec, true, nil
}

func (s *RedisStore) Put(ctx context.Context, rec HardBlockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	created, err := s.client.HSetNX(ctx, s.key, rec.Address, data)
	if err != nil {
		return err
	}
	if created {
		s.cache.Add(rec.Address, rec)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]HardBlockRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	all, err := s.client.HGetAll(ctx, s.key)
	if err != nil {
		return nil, err
	}

	out := make([]HardBlockRecord, 0, len(all))
	for addr, raw := range all {
		rec, err := decodeRecord(addr, []byte(raw))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return sortRecords(out), nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRecord(address string, data []byte) (HardBlockRecord, error) {
	var rec HardBlockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return HardBlockRecord{}, fmt.Errorf("decode record for %s: %w", address, err)
	}
	rec.Address = address
	return rec, nil
}
