package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pending is a TOTP secret generated by GenerateSecret but not yet confirmed.
// It is keyed by a temp token and committed to the user only by VerifySetup.
type Pending struct {
	UserID           string    `json:"userId"`
	Secret           string    `json:"secret"`
	BackupCodeHashes []string  `json:"backupCodeHashes"`
	CreatedAt        time.Time `json:"createdAt"`
}

// PendingStore holds pending setups. Take must remove the entry in the same
// atomic step that reads it so a temp token can be used only once.
type PendingStore interface {
	Save(ctx context.Context, token string, p Pending, ttl time.Duration) error
	Take(ctx context.Context, token string) (Pending, bool, error)
}

type pendingEntry struct {
	p         Pending
	expiresAt time.Time
}

// MemoryPendingStore is a PendingStore for single-process deployments.
type MemoryPendingStore struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
	now     func() time.Time
}

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{entries: make(map[string]pendingEntry), now: time.Now}
}

func (s *MemoryPendingStore) Save(_ context.Context, token string, p Pending, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.entries[token] = pendingEntry{p: p, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryPendingStore) Take(_ context.Context, token string) (Pending, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok {
		return Pending{}, false, nil
	}
	delete(s.entries, token)
	if !s.now().Before(e.expiresAt) {
		return Pending{}, false, nil
	}
	return e.p, true, nil
}

// RedisPendingStore keeps pending setups in Redis with a TTL and consumes
// them with GETDEL.
type RedisPendingStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPendingStore(client redis.UniversalClient, prefix string) *RedisPendingStore {
	if prefix == "" {
		prefix = "mfa:pending"
	}
	return &RedisPendingStore{client: client, prefix: prefix}
}

func (s *RedisPendingStore) Save(ctx context.Context, token string, p Pending, ttl time.Duration) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending setup: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist pending setup: %w", err)
	}
	return nil
}

func (s *RedisPendingStore) Take(ctx context.Context, token string) (Pending, bool, error) {
	bs, err := s.client.GetDel(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Pending{}, false, nil
		}
		return Pending{}, false, fmt.Errorf("take pending setup: %w", err)
	}
	var p Pending
	if err := json.Unmarshal(bs, &p); err != nil {
		return Pending{}, false, fmt.Errorf("decode pending setup: %w", err)
	}
	return p, true, nil
}

func (s *RedisPendingStore) key(token string) string {
	return s.prefix + ":" + token
}
