package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	URL       string
	Key       string
	BlockWait time.Duration
}

// DefaultRedisKey is the list messages are pushed to.
const DefaultRedisKey = "moduleconv:jobs"

// RedisQueue is a Redis list: LPUSH to publish, BRPOP to consume.
type RedisQueue struct {
	client     *redis.Client
	key        string
	wait       time.Duration
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

// NewRedisQueue connects and pings the server.
func NewRedisQueue(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisQueue(client, cfg, logger), nil
}

func newRedisQueue(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisQueue {
	if cfg.Key == "" {
		cfg.Key = DefaultRedisKey
	}
	if cfg.BlockWait <= 0 {
		cfg.BlockWait = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{client: client, key: cfg.Key, wait: cfg.BlockWait, logger: logger, newBackOff: reconnectBackOff}
}

// Publish pushes msg onto the list.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	body, err := msg.encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Consume pops messages until ctx is done or the client is closed. Failed
// pops are retried with exponential backoff.
func (q *RedisQueue) Consume(parent context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	errs := make([]error, workerCount)
	var wg sync.WaitGroup
	for i := range workerCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = q.work(ctx, handler)
			cancel()
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return parent.Err()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	b := q.newBackOff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		if errors.Is(err, redis.Nil) {
			b.Reset()
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return ErrClosed
			}
			next := b.NextBackOff()
			if next == backoff.Stop {
				return fmt.Errorf("redis consume: %w", err)
			}
			q.logger.Warn("redis consume failed, retrying", "key", q.key, "retry_in", next, "error", err)
			if err := sleep(ctx, next); err != nil {
				return err
			}
			continue
		}
		b.Reset()
		if len(values) != 2 {
			continue
		}
		msg, err := decode([]byte(values[1]))
		if err != nil {
			q.logger.Warn("dropping malformed queue message", "key", q.key, "error", err)
			continue
		}
		if err := handler(ctx, msg); err != nil {
			q.logger.Warn("queue handler failed", "job_id", msg.JobID, "error", err)
		}
	}
}

// Close closes the client.
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
