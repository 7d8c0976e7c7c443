package threeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	resultKeyPrefix    = "3ds_result:"
	pendingKeyPrefix   = "3ds_pending:"
	challengeKeyPrefix = "3ds_challenge:"
)

// Store persists the 3DS state that has to survive a cross-site redirect.
// Every key is scoped by transaction id.
type Store interface {
	SaveChallenge(ctx context.Context, params ChallengeParams, ttl time.Duration) error
	// TakeChallenge returns the params and deletes them. A second call for
	// the same id fails with ErrChallengeConsumed.
	TakeChallenge(ctx context.Context, transactionID string) (ChallengeParams, error)

	SavePending(ctx context.Context, p PendingPayment, ttl time.Duration) error
	LoadPending(ctx context.Context, transactionID string) (PendingPayment, error)
	DeletePending(ctx context.Context, transactionID string) error

	// SaveResult overwrites the whole record.
	SaveResult(ctx context.Context, rec DurableRecord, ttl time.Duration) error
	LoadResult(ctx context.Context, transactionID string) (DurableRecord, error)
}

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SaveChallenge(ctx context.Context, params ChallengeParams, ttl time.Duration) error {
	return s.setJSON(ctx, challengeKeyPrefix+params.TransactionID, params, ttl)
}

func (s *RedisStore) TakeChallenge(ctx context.Context, transactionID string) (ChallengeParams, error) {
	raw, err := s.client.GetDel(ctx, challengeKeyPrefix+transactionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ChallengeParams{}, ErrChallengeConsumed
	}
	if err != nil {
		return ChallengeParams{}, fmt.Errorf("failed to take 3ds challenge: %w", err)
	}

	var params ChallengeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return ChallengeParams{}, fmt.Errorf("failed to decode 3ds challenge: %w", err)
	}
	return params, nil
}

func (s *RedisStore) SavePending(ctx context.Context, p PendingPayment, ttl time.Duration) error {
	return s.setJSON(ctx, pendingKeyPrefix+p.TransactionID, p, ttl)
}

func (s *RedisStore) LoadPending(ctx context.Context, transactionID string) (PendingPayment, error) {
	var p PendingPayment
	if err := s.getJSON(ctx, pendingKeyPrefix+transactionID, &p, ErrPendingNotFound); err != nil {
		return PendingPayment{}, err
	}
	return p, nil
}

func (s *RedisStore) DeletePending(ctx context.Context, transactionID string) error {
	if err := s.client.Del(ctx, pendingKeyPrefix+transactionID).Err(); err != nil {
		return fmt.Errorf("failed to delete pending payment: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveResult(ctx context.Context, rec DurableRecord, ttl time.Duration) error {
	return s.setJSON(ctx, resultKeyPrefix+rec.TransactionID, rec, ttl)
}

func (s *RedisStore) LoadResult(ctx context.Context, transactionID string) (DurableRecord, error) {
	var rec DurableRecord
	if err := s.getJSON(ctx, resultKeyPrefix+transactionID, &rec, ErrResultNotFound); err != nil {
		return DurableRecord{}, err
	}
	return rec, nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v interface{}, notFound error) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// MemoryStore is an in-process Store for tests and single-instance runs.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     interface{}
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) SaveChallenge(ctx context.Context, params ChallengeParams, ttl time.Duration) error {
	s.put(challengeKeyPrefix+params.TransactionID, params, ttl)
	return nil
}

func (s *MemoryStore) TakeChallenge(ctx context.Context, transactionID string) (ChallengeParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := challengeKeyPrefix + transactionID
	v, ok := s.lookup(key)
	if !ok {
		return ChallengeParams{}, ErrChallengeConsumed
	}
	delete(s.entries, key)
	return v.(ChallengeParams), nil
}

func (s *MemoryStore) SavePending(ctx context.Context, p PendingPayment, ttl time.Duration) error {
	s.put(pendingKeyPrefix+p.TransactionID, p, ttl)
	return nil
}

func (s *MemoryStore) LoadPending(ctx context.Context, transactionID string) (PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.lookup(pendingKeyPrefix + transactionID)
	if !ok {
		return PendingPayment{}, ErrPendingNotFound
	}
	return v.(PendingPayment), nil
}

func (s *MemoryStore) DeletePending(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	delete(s.entries, pendingKeyPrefix+transactionID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveResult(ctx context.Context, rec DurableRecord, ttl time.Duration) error {
	s.put(resultKeyPrefix+rec.TransactionID, rec, ttl)
	return nil
}

func (s *MemoryStore) LoadResult(ctx context.Context, transactionID string) (DurableRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.lookup(resultKeyPrefix + transactionID)
	if !ok {
		return DurableRecord{}, ErrResultNotFound
	}
	return v.(DurableRecord), nil
}

func (s *MemoryStore) put(key string, v interface{}, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := memoryEntry{value: v}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
}

// lookup must be called with mu held.
func (s *MemoryStore) lookup(key string) (interface{}, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e.value, true
}
