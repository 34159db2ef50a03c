// Package datasync turns an ordered pub/sub topic into a broadcast medium
// shared by all workers. A BrokerLog delivers every record it consumes,
// including the ones it published itself, to a single callback.
package datasync

import (
	"context"
	"sync"

	"github.com/klauspost/compress/zstd"

	"connectd/internal/kv"
	"connectd/internal/logging"
	"connectd/internal/telemetry"
)

// Callback is invoked on the transport's delivery goroutine.
type Callback[K, V any] func(key K, value V)

// Synchronizer is the contract the position and offset services rely on.
type Synchronizer[K, V any] interface {
	Start(ctx context.Context) error
	Stop() error
	// Send is fire-and-forget; failures are logged, never returned.
	Send(key K, value V)
}

type Option func(*options)

type options struct {
	compress bool
}

// WithCompression zstd-compresses payloads. All workers sharing a topic must
// agree on it.
func WithCompression() Option {
	return func(o *options) { o.compress = true }
}

type BrokerLog[K, V any] struct {
	transport Transport
	topic     string
	group     string
	keys      kv.Codec[K]
	values    kv.Codec[V]
	callback  Callback[K, V]
	opts      options

	stopOnce sync.Once
}

func NewBrokerLog[K, V any](t Transport, topic, group string, cb Callback[K, V], keys kv.Codec[K], values kv.Codec[V], opts ...Option) *BrokerLog[K, V] {
	l := &BrokerLog[K, V]{
		transport: t,
		topic:     topic,
		group:     group,
		keys:      keys,
		values:    values,
		callback:  cb,
	}
	for _, o := range opts {
		o(&l.opts)
	}
	return l
}

func (l *BrokerLog[K, V]) Start(ctx context.Context) error {
	return l.transport.Start(ctx, l.topic, l.group, l.onRecord)
}

func (l *BrokerLog[K, V]) Stop() error {
	var err error
	l.stopOnce.Do(func() { err = l.transport.Close() })
	return err
}

func (l *BrokerLog[K, V]) Send(key K, value V) {
	kb, err := l.keys.Encode(key)
	if err != nil {
		logging.L().Error("datasync: encode key", "topic", l.topic, "err", err)
		return
	}
	vb, err := l.values.Encode(value)
	if err != nil {
		logging.L().Error("datasync: encode value", "topic", l.topic, "err", err)
		return
	}
	if l.opts.compress {
		vb = encoder.EncodeAll(vb, nil)
	}
	l.transport.Publish(l.topic, kb, vb, func(err error) {
		if err != nil {
			telemetry.LogRecords.WithLabelValues(l.topic, "send_failed").Inc()
			logging.L().Error("datasync: publish failed", "topic", l.topic, "err", err)
			return
		}
		telemetry.LogRecords.WithLabelValues(l.topic, "sent").Inc()
	})
}

func (l *BrokerLog[K, V]) onRecord(kb, vb []byte) {
	telemetry.LogRecords.WithLabelValues(l.topic, "received").Inc()
	key, err := l.keys.Decode(kb)
	if err != nil {
		logging.L().Warn("datasync: dropping record with undecodable key", "topic", l.topic, "err", err)
		return
	}
	if l.opts.compress {
		if vb, err = decoder.DecodeAll(vb, nil); err != nil {
			logging.L().Warn("datasync: dropping undecompressable record", "topic", l.topic, "err", err)
			return
		}
	}
	value, err := l.values.Decode(vb)
	if err != nil {
		logging.L().Warn("datasync: dropping record with undecodable value", "topic", l.topic, "err", err)
		return
	}
	l.callback(key, value)
}

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)
