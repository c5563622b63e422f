// Package queue delivers conversion jobs from the API to background workers.
// Backends: in-process channel, Redis list and RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrClosed is returned by Publish after Close, and by Consume when the
// queue is closed underneath it.
var ErrClosed = errors.New("queue closed")

// reconnectBackOff paces consumers waiting for a broker to come back. It
// never gives up; Consume returns only when its context is done.
func reconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Message asks a worker to execute one pending job.
type Message struct {
	JobID           string `json:"job_id"`
	StagingTargetID string `json:"staging_target_id,omitempty"`
}

func (m Message) encode() ([]byte, error) {
	if m.JobID == "" {
		return nil, errors.New("message without job id")
	}
	return json.Marshal(m)
}

func decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.JobID == "" {
		return Message{}, errors.New("message without job id")
	}
	return m, nil
}

// Handler processes one message. Returned errors are logged by the backend;
// messages are never redelivered because job failures are recorded on the job.
type Handler func(ctx context.Context, msg Message) error

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Consumer runs handler on workerCount goroutines until ctx is done or the
// queue is closed.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue is both ends.
type Queue interface {
	Producer
	Consumer
}
