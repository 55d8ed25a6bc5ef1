package credstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"askbridge/internal/cookies"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares profiles between hosts. Each profile is a hash of token
// name to value; a sorted set indexes names by last-used time.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) profileKey(name string) string { return s.prefix + "profile:" + name }

func (s *RedisStore) indexKey() string { return s.prefix + "profiles" }

// Save replaces the profile hash in one transaction.
func (s *RedisStore) Save(ctx context.Context, name string, tokens cookies.TokenSet) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if tokens.Empty() {
		return errEmptyTokens
	}

	fields := make(map[string]interface{}, tokens.Len())
	for k, v := range tokens.Tokens {
		fields[k] = v
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.profileKey(name))
		pipe.HSet(ctx, s.profileKey(name), fields)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(time.Now().Unix()), Member: name})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save profile %s: %w", name, err)
	}
	return nil
}

// Load reads the profile hash and its last-used score.
func (s *RedisStore) Load(ctx context.Context, name string) (*Profile, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	flat, err := s.client.HGetAll(ctx, s.profileKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", name, err)
	}
	if len(flat) == 0 {
		return nil, notFound(name)
	}

	var lastUsed time.Time
	score, err := s.client.ZScore(ctx, s.indexKey(), name).Result()
	switch {
	case err == nil:
		lastUsed = time.Unix(int64(score), 0)
	case errors.Is(err, redis.Nil):
	default:
		return nil, fmt.Errorf("load profile %s: %w", name, err)
	}

	return &Profile{
		Name:     name,
		Tokens:   cookies.New(cookies.OriginPersisted, flat),
		LastUsed: lastUsed,
	}, nil
}

// Delete removes the hash and its index entry.
func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, s.profileKey(name))
		pipe.ZRem(ctx, s.indexKey(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", name, err)
	}
	if removed.Val() == 0 {
		return notFound(name)
	}
	return nil
}

// List returns the indexed names sorted ascending.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	names, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Touch updates the last-used score only for existing profiles.
func (s *RedisStore) Touch(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := s.client.ZAddXX(ctx, s.indexKey(), redis.Z{Score: float64(time.Now().Unix()), Member: name}).Err(); err != nil {
		return fmt.Errorf("touch profile %s: %w", name, err)
	}
	exists, err := s.client.Exists(ctx, s.profileKey(name)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return notFound(name)
	}
	return nil
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
