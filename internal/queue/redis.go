package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type RedisQueue struct {
	client *redis.Client
	queue  string
}

func NewRedisQueue(addr, queue string) *RedisQueue {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisQueue{client: rdb, queue: queue}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.client.LPush(ctx, q.queue, jobID).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (string, bool, error) {
	vals, err := q.client.BRPop(ctx, wait, q.queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if len(vals) < 2 {
		return "", false, fmt.Errorf("unexpected BRPop response: %v", vals)
	}
	return vals[1], true, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
