package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/conduitapp/conduit/internal/execution"
)

// DefaultResultTTL bounds how long terminal results stay retrievable.
const DefaultResultTTL = time.Hour

const resultKeyPrefix = "task:result"

// Result is the stored terminal outcome of one invocation.
type Result struct {
	InvocationID uuid.UUID        `json:"invocation_id"`
	Status       execution.Status `json:"status"`
	Value        json.RawMessage  `json:"value,omitempty"`
	Error        string           `json:"error,omitempty"`
	FinishedAt   time.Time        `json:"finished_at"`
}

// ResultStore keeps terminal results in Redis keyed by invocation id.
type ResultStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewResultStore creates a result store. A non-positive TTL falls back to
// DefaultResultTTL.
func NewResultStore(client redis.UniversalClient, ttl time.Duration) *ResultStore {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &ResultStore{client: client, ttl: ttl}
}

// Set stores the terminal outcome under the invocation id.
func (s *ResultStore) Set(ctx context.Context, invocationID uuid.UUID, status execution.Status, value any, errMsg string) error {
	res := Result{
		InvocationID: invocationID,
		Status:       status,
		Error:        errMsg,
		FinishedAt:   time.Now().UTC(),
	}

	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("queue: marshal result value: %w", err)
		}
		res.Value = data
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("queue: marshal result: %w", err)
	}

	return s.client.Set(ctx, s.key(invocationID), payload, s.ttl).Err()
}

// Get retrieves a result. Returns ErrResultNotFound once the TTL expires.
func (s *ResultStore) Get(ctx context.Context, invocationID uuid.UUID) (*Result, error) {
	data, err := s.client.Get(ctx, s.key(invocationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("queue: unmarshal result: %w", err)
	}
	return &res, nil
}

// Purge deletes all stored results and returns how many were removed.
// Redis TTLs already expire entries; this exists for the maintenance task
// and operator-triggered sweeps.
func (s *ResultStore) Purge(ctx context.Context) (int64, error) {
	var removed int64
	var cursor uint64

	for {
		keys, next, err := s.client.Scan(ctx, cursor, resultKeyPrefix+":*", 100).Result()
		if err != nil {
			return removed, err
		}

		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			removed += n
			if err != nil {
				return removed, err
			}
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (s *ResultStore) key(invocationID uuid.UUID) string {
	return resultKeyPrefix + ":" + invocationID.String()
}
