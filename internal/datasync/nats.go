package datasync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const natsKeyHeader = "key"

// NATSTransport uses core NATS subjects: a plain subscription (no queue
// group) fans every record out to every worker.
type NATSTransport struct {
	nc *nats.Conn

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNATSTransport(cfg TransportConfig) (*NATSTransport, error) {
	url := cfg.NatsURL
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	if cfg.ClientID != "" {
		opts = append(opts, nats.Name(cfg.ClientID))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSTransport{nc: nc}, nil
}

func (t *NATSTransport) Start(_ context.Context, topic, _ string, h Handler) error {
	sub, err := t.nc.Subscribe(topic, func(m *nats.Msg) {
		var key []byte
		if m.Header != nil {
			key = []byte(m.Header.Get(natsKeyHeader))
		}
		h(key, m.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	return t.nc.Flush()
}

func (t *NATSTransport) Publish(topic string, key, payload []byte, done func(error)) {
	msg := &nats.Msg{
		Subject: topic,
		Data:    payload,
		Header:  nats.Header{natsKeyHeader: []string{string(key)}},
	}
	err := t.nc.PublishMsg(msg)
	if done != nil {
		done(err)
	}
}

func (t *NATSTransport) Close() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if t.nc != nil {
		t.nc.Close()
	}
	return nil
}
