package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig configures a RabbitMQQueue.
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// DefaultRabbitMQQueue is the queue declared when none is configured.
const DefaultRabbitMQQueue = "moduleconv.jobs"

// RabbitMQQueue publishes persistent messages to a durable queue and
// consumes them with manual acknowledgement. A consumer that loses its
// connection redials and redeclares the queue.
type RabbitMQQueue struct {
	cfg        RabbitMQConfig
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

// NewRabbitMQQueue dials the broker and declares the queue.
func NewRabbitMQQueue(cfg RabbitMQConfig, logger *slog.Logger) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	q := newRabbitMQQueue(cfg, logger)
	if err := q.connect(); err != nil {
		return nil, err
	}
	return q, nil
}

func newRabbitMQQueue(cfg RabbitMQConfig, logger *slog.Logger) *RabbitMQQueue {
	if cfg.Queue == "" {
		cfg.Queue = DefaultRabbitMQQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitMQQueue{cfg: cfg, logger: logger, newBackOff: reconnectBackOff}
}

func (q *RabbitMQQueue) connect() error {
	conn, err := amqp.Dial(q.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if q.cfg.Prefetch > 0 {
		if err := ch.Qos(q.cfg.Prefetch, 0, false); err != nil {
			_ = conn.Close()
			return fmt.Errorf("set amqp qos: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(q.cfg.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare amqp queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		_ = conn.Close()
		return ErrClosed
	}
	if q.conn != nil {
		_ = q.conn.Close()
	}
	q.conn, q.ch = conn, ch
	return nil
}

func (q *RabbitMQQueue) channel() (*amqp.Channel, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.ch == nil {
		return nil, errors.New("amqp channel not open")
	}
	return q.ch, nil
}

func (q *RabbitMQQueue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Publish sends msg as a persistent JSON message.
func (q *RabbitMQQueue) Publish(ctx context.Context, msg Message) error {
	body, err := msg.encode()
	if err != nil {
		return err
	}
	ch, err := q.channel()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, "", q.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.JobID,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Consume acknowledges every delivery after its handler returns. When the
// delivery stream ends it reconnects with backoff until ctx is done or the
// queue is closed.
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	for {
		deliveries, err := q.deliveries()
		if err == nil {
			q.drain(ctx, workerCount, deliveries, handler)
			err = errors.New("delivery channel closed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrClosed) || q.isClosed() {
			return ErrClosed
		}
		q.logger.Warn("amqp consumer lost, reconnecting", "queue", q.cfg.Queue, "error", err)
		if err := q.reconnect(ctx); err != nil {
			return err
		}
		q.logger.Info("amqp consumer reconnected", "queue", q.cfg.Queue)
	}
}

func (q *RabbitMQQueue) deliveries() (<-chan amqp.Delivery, error) {
	ch, err := q.channel()
	if err != nil {
		return nil, err
	}
	d, err := ch.Consume(q.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp consume: %w", err)
	}
	return d, nil
}

func (q *RabbitMQQueue) reconnect(ctx context.Context) error {
	operation := func() error {
		err := q.connect()
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		q.logger.Warn("amqp reconnect failed", "queue", q.cfg.Queue, "retry_in", wait, "error", err)
	}
	return backoff.RetryNotify(operation, backoff.WithContext(q.newBackOff(), ctx), notify)
}

// drain returns once deliveries is closed or ctx is done.
func (q *RabbitMQQueue) drain(ctx context.Context, workerCount int, deliveries <-chan amqp.Delivery, handler Handler) {
	var wg sync.WaitGroup
	for range workerCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.handle(ctx, d, handler)
				}
			}
		}()
	}
	wg.Wait()
}

func (q *RabbitMQQueue) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	defer func() { _ = d.Ack(false) }()
	msg, err := decode(d.Body)
	if err != nil {
		q.logger.Warn("dropping malformed queue message", "queue", q.cfg.Queue, "error", err)
		return
	}
	if err := handler(ctx, msg); err != nil {
		q.logger.Warn("queue handler failed", "job_id", msg.JobID, "error", err)
	}
}

// Close closes the channel and connection. Consumers return ErrClosed.
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
