package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/stepwise/model"
)

// IdempotencyStore remembers successful submissions so a retried request with
// the same key replays the first result instead of submitting twice.
type IdempotencyStore interface {
	// Check returns the stored result for key. A key stored with a different
	// payload hash is a CONFLICT.
	Check(ctx context.Context, key, payloadHash string) (*model.SubmissionResult, bool, error)

	// Store saves result under key for ttl.
	Store(ctx context.Context, key, payloadHash string, result model.SubmissionResult, ttl time.Duration) error
}

type idempotencyEntry struct {
	PayloadHash string                 `json:"payload_hash"`
	Result      model.SubmissionResult `json:"result"`
}

// FormatIdempotencyKey scopes a client key to an instance.
func FormatIdempotencyKey(instanceID, key string) string {
	return fmt.Sprintf("idem:submit:%s:%s", instanceID, key)
}

// HashPayload returns the hex SHA-256 of the payload document.
func HashPayload(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different payload", key))
}

// --- Memory ---

// MemoryIdempotencyStore keeps entries in process. Suitable for tests and
// single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memEntry), now: time.Now}
}

// Check implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key, payloadHash string) (*model.SubmissionResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	if entry.data.PayloadHash != payloadHash {
		return nil, true, conflict(key)
	}
	result := entry.data.Result
	return &result, true, nil
}

// Store implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key, payloadHash string, result model.SubmissionResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      idempotencyEntry{PayloadHash: payloadHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- Redis ---

// RedisIdempotencyStore keeps entries in Redis with a key TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a store on client.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check implements IdempotencyStore.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key, payloadHash string) (*model.SubmissionResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if entry.PayloadHash != payloadHash {
		return nil, true, conflict(key)
	}
	return &entry.Result, true, nil
}

// Store implements IdempotencyStore.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key, payloadHash string, result model.SubmissionResult, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{PayloadHash: payloadHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
