package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ConnectionStore tracks live push sockets per user across every instance.
type ConnectionStore struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewConnectionStore(client *goredis.Client, ttl time.Duration) *ConnectionStore {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &ConnectionStore{client: client, ttl: ttl}
}

func connectionsKey(username string) string {
	return fmt.Sprintf("connections:%s", username)
}

// TrackConnection records a socket; the hash expires unless refreshed.
func (s *ConnectionStore) TrackConnection(ctx context.Context, username, clientID string) error {
	connectionData := map[string]interface{}{
		"client_id":    clientID,
		"connected_at": time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(connectionData)

	key := connectionsKey(username)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, clientID, data)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Refresh extends the TTL of a user's connection hash.
func (s *ConnectionStore) Refresh(ctx context.Context, username string) error {
	return s.client.Expire(ctx, connectionsKey(username), s.ttl).Err()
}

// RemoveConnection drops a socket and returns how many remain for the user.
func (s *ConnectionStore) RemoveConnection(ctx context.Context, username, clientID string) (int64, error) {
	key := connectionsKey(username)
	if err := s.client.HDel(ctx, key, clientID).Err(); err != nil {
		return 0, err
	}
	return s.client.HLen(ctx, key).Result()
}

func (s *ConnectionStore) ConnectionCount(ctx context.Context, username string) (int64, error) {
	return s.client.HLen(ctx, connectionsKey(username)).Result()
}
