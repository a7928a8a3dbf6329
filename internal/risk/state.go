package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis key layout for position snapshots
const (
	positionKeyPrefix     = "tradebot:position"
	positionListKeyPrefix = "tradebot:positions"

	// Positions on these markets rarely live longer than hours; the wide
	// TTL is a safety margin for restarts, not an expected lifetime.
	positionStateTTL = 7 * 24 * time.Hour
)

// PositionStore persists position snapshots so an operator restart does
// not orphan open exposure. Persistence is best-effort: the guard's
// in-memory state remains authoritative.
type PositionStore interface {
	Save(ctx context.Context, position *Position) error
	Load(ctx context.Context, userID int64, instrument string) (*Position, error)
	LoadAll(ctx context.Context, userID int64) ([]*Position, error)
	Delete(ctx context.Context, userID int64, instrument string) error
}

// RedisPositionStore stores position snapshots in Redis with an in-memory
// fallback when Redis is unavailable. Trading never blocks on Redis.
type RedisPositionStore struct {
	client *redis.Client
	logger zerolog.Logger

	fallbackMu sync.RWMutex
	fallback   map[string]*Position

	available atomic.Bool
}

// NewRedisPositionStore creates a store. If client is nil the store
// operates in memory-only mode.
func NewRedisPositionStore(client *redis.Client, logger zerolog.Logger) *RedisPositionStore {
	store := &RedisPositionStore{
		client:   client,
		logger:   logger.With().Str("component", "position_store").Logger(),
		fallback: make(map[string]*Position),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			store.logger.Warn().Err(err).Msg("redis unavailable at startup, using in-memory fallback")
		} else {
			store.available.Store(true)
			store.logger.Info().Msg("redis connected")
		}
	}

	return store
}

func redisPositionKey(userID int64, instrument string) string {
	return fmt.Sprintf("%s:%d:%s", positionKeyPrefix, userID, instrument)
}

func redisPositionListKey(userID int64) string {
	return fmt.Sprintf("%s:%d:list", positionListKeyPrefix, userID)
}

// Save writes a position snapshot. Redis failure downgrades to the
// fallback map without surfacing an error.
func (s *RedisPositionStore) Save(ctx context.Context, position *Position) error {
	if position == nil {
		return fmt.Errorf("cannot save nil position")
	}

	snapshot := position.snapshot()
	s.fallbackMu.Lock()
	s.fallback[positionKey(position.UserID, position.Instrument)] = &snapshot
	s.fallbackMu.Unlock()

	if s.client == nil || !s.available.Load() {
		return nil
	}

	data, err := json.Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisPositionKey(position.UserID, position.Instrument), data, positionStateTTL)
	pipe.SAdd(ctx, redisPositionListKey(position.UserID), position.Instrument)
	pipe.Expire(ctx, redisPositionListKey(position.UserID), positionStateTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("redis save failed, falling back to memory")
		s.available.Store(false)
	}
	return nil
}

// Load returns the stored snapshot for (user, instrument), nil if none
func (s *RedisPositionStore) Load(ctx context.Context, userID int64, instrument string) (*Position, error) {
	if s.client != nil && s.available.Load() {
		data, err := s.client.Get(ctx, redisPositionKey(userID, instrument)).Result()
		switch {
		case err == redis.Nil:
			return s.loadFallback(userID, instrument), nil
		case err != nil:
			s.logger.Warn().Err(err).Msg("redis read failed, falling back to memory")
			s.available.Store(false)
			return s.loadFallback(userID, instrument), nil
		}

		var position Position
		if err := json.Unmarshal([]byte(data), &position); err != nil {
			return nil, fmt.Errorf("failed to unmarshal position: %w", err)
		}
		return &position, nil
	}

	return s.loadFallback(userID, instrument), nil
}

// LoadAll returns all stored snapshots for a user
func (s *RedisPositionStore) LoadAll(ctx context.Context, userID int64) ([]*Position, error) {
	if s.client != nil && s.available.Load() {
		instruments, err := s.client.SMembers(ctx, redisPositionListKey(userID)).Result()
		if err != nil && err != redis.Nil {
			s.logger.Warn().Err(err).Msg("redis read failed, falling back to memory")
			s.available.Store(false)
			return s.loadAllFallback(userID), nil
		}

		var positions []*Position
		for _, instrument := range instruments {
			position, err := s.Load(ctx, userID, instrument)
			if err != nil {
				s.logger.Warn().Err(err).
					Int64("user_id", userID).
					Str("instrument", instrument).
					Msg("failed to load position")
				continue
			}
			if position != nil {
				positions = append(positions, position)
			}
		}
		return positions, nil
	}

	return s.loadAllFallback(userID), nil
}

// Delete removes a position snapshot, called after a full exit
func (s *RedisPositionStore) Delete(ctx context.Context, userID int64, instrument string) error {
	s.fallbackMu.Lock()
	delete(s.fallback, positionKey(userID, instrument))
	s.fallbackMu.Unlock()

	if s.client == nil || !s.available.Load() {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisPositionKey(userID, instrument))
	pipe.SRem(ctx, redisPositionListKey(userID), instrument)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("redis delete failed")
		s.available.Store(false)
	}
	return nil
}

// Available reports whether Redis is currently reachable
func (s *RedisPositionStore) Available() bool {
	return s.available.Load()
}

// Ping re-checks the Redis connection and updates availability
func (s *RedisPositionStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("no redis client configured")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.available.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if !s.available.Swap(true) {
		s.logger.Info().Msg("redis connection recovered")
	}
	return nil
}

func (s *RedisPositionStore) loadFallback(userID int64, instrument string) *Position {
	s.fallbackMu.RLock()
	defer s.fallbackMu.RUnlock()

	if position, ok := s.fallback[positionKey(userID, instrument)]; ok {
		snapshot := position.snapshot()
		return &snapshot
	}
	return nil
}

func (s *RedisPositionStore) loadAllFallback(userID int64) []*Position {
	s.fallbackMu.RLock()
	defer s.fallbackMu.RUnlock()

	prefix := fmt.Sprintf("%d:", userID)
	var positions []*Position
	for key, position := range s.fallback {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			snapshot := position.snapshot()
			positions = append(positions, &snapshot)
		}
	}
	return positions
}
