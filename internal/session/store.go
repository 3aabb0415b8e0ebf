package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Store.Load when no live session exists.
var ErrNotFound = errors.New("session not found")

// Values is the key/value payload of one browser session.
type Values map[string]string

// Store persists session payloads by session id until their expiry.
type Store interface {
	Load(ctx context.Context, id string) (Values, error)
	Save(ctx context.Context, id string, v Values, expiresAt time.Time) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Purger is implemented by stores without native expiry. The sweeper calls
// it periodically.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// record is the serialized form used by stores that keep the expiry
// alongside the payload.
type record struct {
	Values    Values `json:"values"`
	ExpiresAt int64  `json:"expires_at"`
}

func encodeRecord(v Values, expiresAt time.Time) ([]byte, error) {
	data, err := json.Marshal(record{Values: v, ExpiresAt: expiresAt.Unix()})
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return rec, nil
}

func (r record) expired(now time.Time) bool {
	return r.ExpiresAt <= now.Unix()
}

func (v Values) clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
