package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the connection settings for the Redis backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type redisBackend struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to Redis and returns a Store on top of it.
// It pings the server before returning.
func OpenRedis(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Connected to redis cache store.")
	return newStore(&redisBackend{client: rdb, prefix: cfg.KeyPrefix}, logger)
}

func (b *redisBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, err := b.client.Get(ctx, b.prefix+string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errNotFound
	}
	return v, err
}

func (b *redisBackend) Write(ctx context.Context, puts map[string][]byte, dels []string) error {
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range puts {
			p.Set(ctx, b.prefix+k, v, 0)
		}
		if len(dels) > 0 {
			keys := make([]string, len(dels))
			for i, k := range dels {
				keys[i] = b.prefix + k
			}
			p.Del(ctx, keys...)
		}
		return nil
	})
	return err
}

func (b *redisBackend) Keys(ctx context.Context, prefix []byte) ([]string, error) {
	full := b.prefix + string(prefix)
	var out []string
	iter := b.client.Scan(ctx, 0, escapeGlob(full)+"*", 256).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), b.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (b *redisBackend) DeletePrefix(ctx context.Context, prefix []byte) error {
	keys, err := b.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	const chunk = 500
	for len(keys) > 0 {
		n := min(chunk, len(keys))
		if err := b.Write(ctx, nil, keys[:n]); err != nil {
			return err
		}
		keys = keys[n:]
	}
	return nil
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
