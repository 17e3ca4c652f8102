package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig describes the Redis connection for the validation queue.
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue implements the validation queue on a Redis list.
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue connects and verifies the Redis endpoint.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address must not be empty")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentmarket:validations"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}, nil
}

// Publish implements Producer.
func (q *RedisQueue) Publish(ctx context.Context, requestID string) error {
	if err := q.client.LPush(ctx, q.queue, requestID).Err(); err != nil {
		return fmt.Errorf("publish validation job: %w", err)
	}
	return nil
}

// Consume implements Consumer via blocking BRPOP. A job that fails is
// pushed back for another attempt.
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, job JobFunc) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if err == redis.Nil {
						continue
					}
					errCh <- fmt.Errorf("pop validation job: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				requestID := values[1]
				if jobErr := job(ctx, requestID); jobErr != nil {
					_ = q.client.RPush(ctx, q.queue, requestID).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close shuts the Redis connection down.
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
