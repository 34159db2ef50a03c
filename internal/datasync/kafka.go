package datasync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"connectd/internal/logging"
)

const defaultStartTimeout = 10 * time.Second

// KafkaTransport publishes through a sarama async producer and consumes the
// log topic with a consumer group private to this worker, so every worker
// sees every record.
type KafkaTransport struct {
	cfg      TransportConfig
	client   sarama.Client
	producer sarama.AsyncProducer

	mu     sync.RWMutex
	closed bool
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaTransport(cfg TransportConfig) (*KafkaTransport, error) {
	sc := sarama.NewConfig()
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest

	cl, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}
	p, err := sarama.NewAsyncProducerFromClient(cl)
	if err != nil {
		_ = cl.Close()
		return nil, err
	}
	t := &KafkaTransport{cfg: cfg, client: cl, producer: p}

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		for m := range p.Successes() {
			resolve(m, nil)
		}
	}()
	go func() {
		defer t.wg.Done()
		for e := range p.Errors() {
			resolve(e.Msg, e.Err)
		}
	}()
	return t, nil
}

func resolve(m *sarama.ProducerMessage, err error) {
	if m == nil {
		return
	}
	if done, ok := m.Metadata.(func(error)); ok && done != nil {
		done(err)
	}
}

func (t *KafkaTransport) Start(ctx context.Context, topic, group string, h Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	cg, err := sarama.NewConsumerGroupFromClient(group, t.client)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	t.group, t.cancel = cg, cancel
	t.mu.Unlock()

	handler := &logHandler{h: h, ready: make(chan struct{})}

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		for {
			if err := cg.Consume(ctx, []string{topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logging.L().Warn("datasync: consume failed", "topic", topic, "err", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer t.wg.Done()
		for err := range cg.Errors() {
			logging.L().Warn("datasync: consumer error", "topic", topic, "err", err)
		}
	}()

	timeout := t.cfg.Timeout
	if timeout == 0 {
		timeout = defaultStartTimeout
	}
	select {
	case <-handler.ready:
	case <-time.After(timeout):
		logging.L().Warn("datasync: claims not yet started; records published now may be missed", "topic", topic, "group", group)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *KafkaTransport) Publish(topic string, key, payload []byte, done func(error)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		if done != nil {
			done(errTransportClosed)
		}
		return
	}
	t.producer.Input() <- &sarama.ProducerMessage{
		Topic:    topic,
		Key:      sarama.ByteEncoder(key),
		Value:    sarama.ByteEncoder(payload),
		Metadata: done,
	}
}

func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, cg := t.cancel, t.group
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	if cg != nil {
		errs = append(errs, cg.Close())
	}
	errs = append(errs, t.producer.Close())
	t.wg.Wait()
	errs = append(errs, t.client.Close())
	return errors.Join(errs...)
}

// logHandler reports ready once every claim of the first session reached
// ConsumeClaim. sarama resolves a claim's starting offset before that call,
// so a record published after ready is seen by this consumer even with
// OffsetNewest.
type logHandler struct {
	h       Handler
	ready   chan struct{}
	once    sync.Once
	pending atomic.Int32
}

func (l *logHandler) Setup(sess sarama.ConsumerGroupSession) error {
	n := 0
	for _, parts := range sess.Claims() {
		n += len(parts)
	}
	l.pending.Store(int32(n))
	if n == 0 {
		l.markReady()
	}
	return nil
}

func (*logHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (l *logHandler) markReady() { l.once.Do(func() { close(l.ready) }) }

func (l *logHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	if l.pending.Add(-1) == 0 {
		l.markReady()
	}
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			l.h(msg.Key, msg.Value)
			sess.MarkMessage(msg, "")
		}
	}
}
