package lead

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	leadmodel "github.com/zhouzirui/rag-concierge/backend/internal/model/lead"
)

// Store keeps the dialogue state of each sender. Unknown senders are Idle.
type Store interface {
	Load(ctx context.Context, senderID string) (leadmodel.State, error)
	Save(ctx context.Context, senderID string, state leadmodel.State) error
}

// MemoryStore is a process-local Store. Idle senders are not kept.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]leadmodel.State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]leadmodel.State)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, senderID string) (leadmodel.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if state, ok := s.states[senderID]; ok {
		return state, nil
	}
	return leadmodel.Idle, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, senderID string, state leadmodel.State) error {
	if !state.Valid() {
		return errors.Errorf("invalid lead state %q", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state == leadmodel.Idle {
		delete(s.states, senderID)
		return nil
	}
	s.states[senderID] = state
	return nil
}

// size returns the number of senders in a non-idle state.
func (s *MemoryStore) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// RedisKeyPrefix namespaces the state keys.
const RedisKeyPrefix = "lead:state:"

// DefaultStateTTL bounds how long an unfinished dialogue is remembered.
const DefaultStateTTL = 24 * time.Hour

// RedisStore shares sender state between processes. Non-idle states expire
// after ttl; Idle deletes the key.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return redis.NewClient(opts), nil
}

// NewRedisStore wraps client. A non-positive ttl uses DefaultStateTTL.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func redisKey(senderID string) string {
	return RedisKeyPrefix + senderID
}

// Load implements Store. A corrupted value is treated as Idle.
func (s *RedisStore) Load(ctx context.Context, senderID string) (leadmodel.State, error) {
	raw, err := s.client.Get(ctx, redisKey(senderID)).Result()
	if errors.Is(err, redis.Nil) {
		return leadmodel.Idle, nil
	}
	if err != nil {
		return "", errors.Wrap(err, "load lead state")
	}

	state := leadmodel.State(raw)
	if !state.Valid() {
		log.Warn().Str("component", "lead").Str("sender", senderID).Str("value", raw).Msg("ignoring unknown stored state")
		return leadmodel.Idle, nil
	}
	return state, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, senderID string, state leadmodel.State) error {
	if !state.Valid() {
		return errors.Errorf("invalid lead state %q", state)
	}
	if state == leadmodel.Idle {
		return errors.Wrap(s.client.Del(ctx, redisKey(senderID)).Err(), "clear lead state")
	}
	return errors.Wrap(s.client.Set(ctx, redisKey(senderID), string(state), s.ttl).Err(), "save lead state")
}
