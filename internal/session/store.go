package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrSessionNotFound means the key never existed or its TTL elapsed;
	// Redis cannot tell the two apart.
	ErrSessionNotFound = errors.New("session not found")
	// ErrCorruptRecord means the key resolved but the stored value did not
	// parse as a Record. Treated as an internal fault, not a client error.
	ErrCorruptRecord = errors.New("corrupt session record")
)

// Store is the ephemeral session store: JSON Records under prefixed keys
// with a per-key TTL. Expiry is enforced by Redis, never by application
// deletes.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Save(ctx context.Context, record Record, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionKey(record.SessionID), data, ttl).Err()
}

func (s *Store) Lookup(ctx context.Context, sessionID string) (Record, error) {
	value, err := s.client.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return Record{}, ErrSessionNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return Record{}, ErrCorruptRecord
	}
	return record, nil
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("qr:session:%s", sessionID)
}
