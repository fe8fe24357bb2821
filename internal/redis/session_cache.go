package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Cache key patterns:
// - session:{session_id} - TTL until the daily session cutoff

// SessionCache represents cached session data
type SessionCache struct {
	SessionID string    `json:"session_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore handles session caching in Redis
type SessionStore struct {
	client *goredis.Client
	maxTTL time.Duration
}

func NewSessionStore(client *goredis.Client, maxTTL time.Duration) *SessionStore {
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}
	return &SessionStore{client: client, maxTTL: maxTTL}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// GetSession returns nil, nil on a cache miss.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*SessionCache, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var session SessionCache
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// SetSession stores a session until its expiry, capped at the store's max TTL.
func (s *SessionStore) SetSession(ctx context.Context, session *SessionCache) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session %s already expired", session.SessionID)
	}
	if ttl > s.maxTTL {
		ttl = s.maxTTL
	}
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionKey(session.SessionID), data, ttl).Err()
}

func (s *SessionStore) InvalidateSession(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionKey(sessionID)).Err()
}
