package statestore

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const (
	redisValueField   = "value"
	redisVersionField = "version"
	redisOpTimeout    = 5 * time.Second
)

// RedisStore keeps each key as a hash holding the value and a version counter.
// Conditional writes use WATCH/MULTI on that hash.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedisStore(dsn string) (*RedisStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis dsn")
	}
	return NewRedisStoreWithClient(redis.NewClient(opts)), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, timeout: redisOpTimeout}
}

func (s *RedisStore) Describe() string {
	return "redis"
}

func (s *RedisStore) Get(ctx context.Context, storeName, key string) (Entry, error) {
	if err := validateKey(storeName, key); err != nil {
		return Entry{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	values, err := s.client.HMGet(ctx, compositeKey(storeName, key), redisValueField, redisVersionField).Result()
	if err != nil {
		return Entry{}, classifyRedisError(err, "hmget")
	}
	if len(values) != 2 || values[0] == nil {
		return Entry{}, ErrNotFound
	}
	value, _ := values[0].(string)
	version, _ := values[1].(string)
	return Entry{Key: key, Value: []byte(value), ETag: version}, nil
}

func (s *RedisStore) Set(ctx context.Context, storeName, key string, value []byte, etag string) (string, error) {
	if err := validateKey(storeName, key); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	hashKey := compositeKey(storeName, key)
	var incr *redis.IntCmd
	write := func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey, redisValueField, string(value))
		incr = pipe.HIncrBy(ctx, hashKey, redisVersionField, 1)
		return nil
	}

	if etag == "" {
		if _, err := s.client.TxPipelined(ctx, write); err != nil {
			return "", classifyRedisError(err, "hset")
		}
		return strconv.FormatInt(incr.Val(), 10), nil
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, hashKey, redisVersionField).Result()
		if errors.Is(err, redis.Nil) {
			return ErrETagMismatch
		}
		if err != nil {
			return err
		}
		if current != etag {
			return ErrETagMismatch
		}
		_, err = tx.TxPipelined(ctx, write)
		return err
	}, hashKey)
	switch {
	case err == nil:
		return strconv.FormatInt(incr.Val(), 10), nil
	case errors.Is(err, ErrETagMismatch), errors.Is(err, redis.TxFailedErr):
		return "", ErrETagMismatch
	default:
		return "", classifyRedisError(err, "watch")
	}
}

func (s *RedisStore) Delete(ctx context.Context, storeName, key string) error {
	if err := validateKey(storeName, key); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Del(ctx, compositeKey(storeName, key)).Err(); err != nil {
		return classifyRedisError(err, "del")
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func classifyRedisError(err error, op string) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errors.Wrapf(ErrUnavailable, "redis %s: %v", op, err)
	}
	return errors.Wrapf(err, "redis %s", op)
}
