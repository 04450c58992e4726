package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyvo/pkgbuild/backend/pkg/buildstore"
)

// DefaultKey is the list pending build requests are pushed to.
const DefaultKey = "queue:builds"

// Queue is a FIFO of build requests kept in a Redis list.
type Queue struct {
	redis *redis.Client
	key   string
}

// NewQueue uses key, or DefaultKey when empty.
func NewQueue(client *redis.Client, key string) *Queue {
	if key == "" {
		key = DefaultKey
	}
	return &Queue{redis: client, key: key}
}

// Enqueue appends a validated build request.
func (q *Queue) Enqueue(ctx context.Context, req buildstore.CreateRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode build request: %w", err)
	}
	if err := q.redis.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("push build request: %w", err)
	}
	return nil
}

// Dequeue waits up to timeout for the next request. It returns nil when the
// queue stayed empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*buildstore.CreateRequest, error) {
	result, err := q.redis.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop build request: %w", err)
	}

	var req buildstore.CreateRequest
	if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
		return nil, fmt.Errorf("decode build request: %w", err)
	}
	return &req, nil
}

// Len reports how many requests are waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, q.key).Result()
}
