package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*goredis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	client, _ := newTestClient(t)
	limiter := NewRateLimiter(client, RateLimitConfig{
		SearchLimit:     2,
		SearchWindow:    time.Minute,
		SubscribeLimit:  1,
		SubscribeWindow: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.AllowSearch(ctx, "alice")
		if err != nil {
			t.Fatalf("AllowSearch: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	res, err := limiter.AllowSearch(ctx, "alice")
	if err != nil {
		t.Fatalf("AllowSearch: %v", err)
	}
	if res.Allowed {
		t.Errorf("third search should be blocked")
	}
	if res.Limit != 2 || res.Remaining != 0 {
		t.Errorf("result = %+v", res)
	}

	other, _ := limiter.AllowSearch(ctx, "bob")
	if !other.Allowed {
		t.Errorf("limits must be per user")
	}

	if err := limiter.ResetUser(ctx, "alice"); err != nil {
		t.Fatalf("ResetUser: %v", err)
	}
	res, _ = limiter.AllowSearch(ctx, "alice")
	if !res.Allowed {
		t.Errorf("search should be allowed after reset")
	}
}

func TestSessionStore(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewSessionStore(client, time.Hour)
	ctx := context.Background()

	got, err := store.GetSession(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("miss = %v, %v; want nil, nil", got, err)
	}

	session := &SessionCache{
		SessionID: "sid-1",
		Username:  "alice",
		ExpiresAt: time.Now().Add(10 * time.Hour),
		CreatedAt: time.Now(),
	}
	if err := store.SetSession(ctx, session); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	if ttl := mr.TTL("session:sid-1"); ttl > time.Hour {
		t.Errorf("ttl = %v, want capped at 1h", ttl)
	}

	got, err = store.GetSession(ctx, "sid-1")
	if err != nil || got == nil || got.Username != "alice" {
		t.Fatalf("GetSession = %+v, %v", got, err)
	}

	if err := store.InvalidateSession(ctx, "sid-1"); err != nil {
		t.Fatalf("InvalidateSession: %v", err)
	}
	if got, _ := store.GetSession(ctx, "sid-1"); got != nil {
		t.Errorf("session still cached after invalidate")
	}

	expired := &SessionCache{SessionID: "old", ExpiresAt: time.Now().Add(-time.Minute)}
	if err := store.SetSession(ctx, expired); err == nil {
		t.Errorf("expected error storing an expired session")
	}
}

func TestConnectionStore(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewConnectionStore(client, time.Minute)
	ctx := context.Background()

	_ = store.TrackConnection(ctx, "alice", "c1")
	_ = store.TrackConnection(ctx, "alice", "c2")

	if n, _ := store.ConnectionCount(ctx, "alice"); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	remaining, err := store.RemoveConnection(ctx, "alice", "c1")
	if err != nil || remaining != 1 {
		t.Errorf("RemoveConnection = %d, %v; want 1", remaining, err)
	}
	remaining, _ = store.RemoveConnection(ctx, "alice", "c2")
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestPublisherSubscriber(t *testing.T) {
	client, mr := newTestClient(t)
	pub := NewPublisher(client)
	sub := NewSubscriber(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 1)
	go func() {
		_ = sub.Subscribe(ctx, []string{MarketDataChannelPrefix + "*"}, func(channel string, payload []byte) {
			received <- channel + "|" + string(payload)
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumPat() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := pub.PublishToRoom(ctx, "user_alice", []byte(`{"ltp":1}`)); err != nil {
		t.Fatalf("PublishToRoom: %v", err)
	}

	select {
	case got := <-received:
		if got != `marketdata:user_alice|{"ltp":1}` {
			t.Errorf("received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
