package datasync

import (
	"context"
	"fmt"
	"time"
)

// Handler receives every record consumed from the subscribed topic.
type Handler func(key, payload []byte)

// Transport is one producer/consumer pair bound to a single log.
// Publish is asynchronous; done is called once the substrate resolves the send.
type Transport interface {
	Start(ctx context.Context, topic, group string, h Handler) error
	Publish(topic string, key, payload []byte, done func(error))
	Close() error
}

type TransportConfig struct {
	Driver   string        `koanf:"driver"` // kafka|nats|memory
	Brokers  []string      `koanf:"brokers"`
	Version  string        `koanf:"version"`
	NatsURL  string        `koanf:"nats_url"`
	ClientID string        `koanf:"client_id"`
	Timeout  time.Duration `koanf:"timeout"`
}

// NewTransport builds a fresh transport for one log. Memory transports share
// DefaultBus.
func NewTransport(cfg TransportConfig) (Transport, error) {
	switch cfg.Driver {
	case "kafka", "":
		return NewKafkaTransport(cfg)
	case "nats":
		return NewNATSTransport(cfg)
	case "memory":
		return DefaultBus.Transport(), nil
	default:
		return nil, fmt.Errorf("datasync: unsupported driver %q", cfg.Driver)
	}
}
