// Package cache keeps finished conversations in redis so history reads by id
// skip the database. Records never change once written, so entries are only
// ever added and left to expire.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/redis"
)

type Cache struct {
	redis *redis.Client
}

// New creates a new cache instance
func New(redisClient *redis.Client) *Cache {
	return &Cache{redis: redisClient}
}

func cacheKey(id string) string {
	return "cache:conversation:" + id
}

// Get retrieves a cached conversation. A miss returns redis.ErrKeyNotFound.
func (c *Cache) Get(ctx context.Context, id string) (*models.Conversation, error) {
	val, err := c.redis.Get(ctx, cacheKey(id))
	if err != nil {
		return nil, err
	}

	var conv models.Conversation
	if err := json.Unmarshal([]byte(val), &conv); err != nil {
		return nil, fmt.Errorf("failed to deserialize cached conversation: %w", err)
	}
	return &conv, nil
}

// Set stores a conversation in cache
func (c *Cache) Set(ctx context.Context, conv *models.Conversation, ttl time.Duration) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to serialize conversation: %w", err)
	}
	return c.redis.Set(ctx, cacheKey(conv.ID), string(data), ttl)
}

// Store wraps a database.Store: writes go through to the cache, reads by id
// are served from it when possible. Cache errors are logged and never fail
// the call.
type Store struct {
	database.Store
	cache  *Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewStore wraps inner with a read-through cache
func NewStore(inner database.Store, cache *Cache, ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		Store:  inner,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With("component", "cache"),
	}
}

func (s *Store) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	if err := s.Store.SaveConversation(ctx, conv); err != nil {
		return err
	}
	if err := s.cache.Set(ctx, conv, s.ttl); err != nil {
		s.logger.Warn("failed to cache conversation", "conversation_id", conv.ID, "error", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := s.cache.Get(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, redis.ErrKeyNotFound) {
		s.logger.Warn("cache read failed", "conversation_id", id, "error", err)
	}

	conv, err = s.Store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, conv, s.ttl); err != nil {
		s.logger.Warn("failed to cache conversation", "conversation_id", id, "error", err)
	}
	return conv, nil
}

var _ database.Store = (*Store)(nil)
