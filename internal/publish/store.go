package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const lookupTimeout = 800 * time.Millisecond

// Per-call fields the dialplan stores in the session hash.
const (
	fieldMetadata           = "metadata"
	fieldCustomVocabularyID = "custom_vocabulary_id"
	fieldFilterProfanity    = "filter_profanity"
)

// Overrides are per-call streaming settings found in Redis.
type Overrides struct {
	Metadata           string
	CustomVocabularyID string
	FilterProfanity    *bool
}

// Store resolves session-scoped variables from Redis hashes keyed by prefix + session id.
type Store struct {
	redis  *redis.Client
	prefix string
}

// NewStore creates a store over client.
func NewStore(client *redis.Client, prefix string) *Store {
	return &Store{redis: client, prefix: prefix}
}

// Connect opens a Redis client and checks it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis PING %s: %w", addr, err)
	}
	return client, nil
}

func (s *Store) getVar(ctx context.Context, sessionID, key string) (string, error) {
	if s.redis == nil {
		return "", fmt.Errorf("redis client not configured")
	}
	redisKey := s.prefix + sessionID
	val, err := s.redis.HGet(ctx, redisKey, key).Result()
	if err != nil {
		return "", fmt.Errorf("redis HGET %s %s: %w", redisKey, key, err)
	}
	return val, nil
}

// Overrides reads the per-call settings. Missing fields are left empty; a missing hash
// is not an error.
func (s *Store) Overrides(ctx context.Context, sessionID string) (Overrides, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	var o Overrides
	for _, field := range []string{fieldMetadata, fieldCustomVocabularyID, fieldFilterProfanity} {
		val, err := s.getVar(ctx, sessionID, field)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Overrides{}, err
		}
		switch field {
		case fieldMetadata:
			o.Metadata = val
		case fieldCustomVocabularyID:
			o.CustomVocabularyID = val
		case fieldFilterProfanity:
			b := val == "1" || val == "true"
			o.FilterProfanity = &b
		}
	}
	return o, nil
}
