package infrastructure

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps each key under Prefix in a shared Redis.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, c RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	prefix := c.Prefix
	if prefix == "" {
		prefix = "bulkmailer:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis get %s", key)
	}
	return val, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, value []byte) error {
	return errors.Wrapf(s.rdb.Set(ctx, s.key(key), value, 0).Err(), "redis set %s", key)
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
