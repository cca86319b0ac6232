package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run")
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client)
}

func TestStoreRoundTrip(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	now := time.Now()
	record := Record{
		SessionID:      NewSessionID(now),
		ClassroomID:    "integration-classroom",
		ClassSessionID: ClassSessionID("integration-classroom", now),
		ExpiresAt:      now.Add(10 * time.Second).UnixMilli(),
	}
	if err := store.Save(ctx, record, 10*time.Second); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := store.Lookup(ctx, record.SessionID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got != record {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, record)
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	now := time.Now()
	record := Record{
		SessionID:      NewSessionID(now),
		ClassroomID:    "integration-classroom",
		ClassSessionID: ClassSessionID("integration-classroom", now),
		ExpiresAt:      now.Add(time.Second).UnixMilli(),
	}
	if err := store.Save(ctx, record, time.Second); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	time.Sleep(1500 * time.Millisecond)
	if _, err := store.Lookup(ctx, record.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after TTL, got %v", err)
	}
}

func TestStoreLookupUnknownSession(t *testing.T) {
	store := newIntegrationStore(t)
	if _, err := store.Lookup(context.Background(), "no-such-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStoreCorruptRecord(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	key := sessionKey("corrupt-session")
	if err := store.client.Set(ctx, key, "{not json", 10*time.Second).Err(); err != nil {
		t.Fatalf("seed corrupt value: %v", err)
	}
	if _, err := store.Lookup(ctx, "corrupt-session"); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
}
