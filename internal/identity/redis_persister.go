package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPersister durably stores identity state under a single Redis key
// per device id, surviving process restart across redeploys. Stored
// without expiry since identity state has no natural staleness window.
type RedisPersister struct {
	rdb      *redis.Client
	deviceID string
}

// NewRedisPersister wraps a ready go-redis client. The caller owns the
// client's lifecycle (connection pool, auth, TLS); this type only reads
// and writes one key.
func NewRedisPersister(rdb *redis.Client, deviceID string) *RedisPersister {
	return &RedisPersister{rdb: rdb, deviceID: deviceID}
}

func (p *RedisPersister) key() string {
	return fmt.Sprintf("growth:identity:%s", p.deviceID)
}

func (p *RedisPersister) Load(ctx context.Context) (*State, error) {
	val, err := p.rdb.Get(ctx, p.key()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: redis load: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, fmt.Errorf("identity: unmarshal redis state: %w", err)
	}
	return &state, nil
}

func (p *RedisPersister) Save(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("identity: marshal redis state: %w", err)
	}
	// No expiry: identity state persists for the lifetime of the device,
	// same contract MemoryPersister/SQLPersister give it.
	if err := p.rdb.Set(ctx, p.key(), data, 0).Err(); err != nil {
		return fmt.Errorf("identity: redis save: %w", err)
	}
	return nil
}
