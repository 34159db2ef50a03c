// Package messaging provisions the broker access used by tasks: producers for
// source tasks and pull consumers for sink tasks. Drivers register themselves
// by name, the value of the messaging-driver connector key.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"connectd/internal/connect"
)

type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
	Timestamp time.Time
}

type Producer interface {
	Send(ctx context.Context, topic string, key, value []byte) error
	Close() error
}

// PullConsumer hands out batches on demand. Commit acknowledges messages
// returned by Poll once they are durably processed.
type PullConsumer interface {
	Poll(ctx context.Context, max int) ([]Message, error)
	Commit(ctx context.Context, msgs []Message) error
	Close() error
}

// Access creates per-task clients for one broker cluster.
type Access interface {
	CreateProducer(cfg connect.TaskConfig) (Producer, error)
	CreatePullConsumer(cfg connect.TaskConfig) (PullConsumer, error)
	Close() error
}

type Factory func(Options) (Access, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register is called from each driver's init().
func Register(name string, f Factory) {
	mu.Lock()
	registry[name] = f
	mu.Unlock()
}

// Open returns an Access for the named driver ("sarama", "kafka-go", ...).
func Open(name string, o Options) (Access, error) {
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("messaging: unsupported driver %q", name)
	}
	applyDefaults(&o)
	return f(o)
}
