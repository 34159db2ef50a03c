package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"connectd/internal/connect"
	"connectd/internal/logging"
)

var (
	newSyncProducer  = sarama.NewSyncProducer
	newConsumerGroup = sarama.NewConsumerGroup
)

type saramaAccess struct {
	opts Options
	sc   *sarama.Config
}

func openSarama(o Options) (Access, error) {
	sc, err := saramaConfig(o)
	if err != nil {
		return nil, err
	}
	return &saramaAccess{opts: o, sc: sc}, nil
}

func saramaConfig(o Options) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if o.Version != "" {
		ver, err := sarama.ParseKafkaVersion(o.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	if o.ClientID != "" {
		sc.ClientID = o.ClientID
	}
	if o.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if o.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = o.SASLUser, o.SASLPass
	}
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	switch o.StartFrom {
	case StartNewest:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	return sc, nil
}

func (a *saramaAccess) CreateProducer(connect.TaskConfig) (Producer, error) {
	p, err := newSyncProducer(a.opts.Brokers, a.sc)
	if err != nil {
		return nil, fmt.Errorf("sarama producer: %w", err)
	}
	return &saramaProducer{p: p}, nil
}

func (a *saramaAccess) CreatePullConsumer(cfg connect.TaskConfig) (PullConsumer, error) {
	group, topics, err := consumerArgs(cfg)
	if err != nil {
		return nil, err
	}
	g, err := newConsumerGroup(a.opts.Brokers, group, a.sc)
	if err != nil {
		return nil, fmt.Errorf("sarama consumer group %q: %w", group, err)
	}
	c := newSaramaConsumer(g, topics, a.opts)
	c.start()
	return c, nil
}

func (*saramaAccess) Close() error { return nil }

type saramaProducer struct {
	p sarama.SyncProducer
}

func (s *saramaProducer) Send(_ context.Context, topic string, key, value []byte) error {
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(value)}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}
	_, _, err := s.p.SendMessage(msg)
	return err
}

func (s *saramaProducer) Close() error { return s.p.Close() }

// saramaConsumer adapts the push-style consumer group to Poll. Messages are
// buffered between ConsumeClaim and Poll; offsets are marked only on Commit.
type saramaConsumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	timeout time.Duration
	msgs    chan *sarama.ConsumerMessage

	mu   sync.Mutex
	sess sarama.ConsumerGroupSession

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSaramaConsumer(g sarama.ConsumerGroup, topics []string, o Options) *saramaConsumer {
	return &saramaConsumer{
		group:   g,
		topics:  topics,
		timeout: o.PollTimeout,
		msgs:    make(chan *sarama.ConsumerMessage, o.Buffer),
	}
}

func (c *saramaConsumer) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logging.L().Warn("sarama-consumer: consume", "topics", c.topics, "err", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			logging.L().Warn("sarama-consumer: group error", "err", err)
		}
	}()
}

func (c *saramaConsumer) Setup(sess sarama.ConsumerGroupSession) error {
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	return nil
}

func (c *saramaConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()

	// buffered messages belong to partitions we may no longer own
	dropped := 0
	for {
		select {
		case <-c.msgs:
			dropped++
		default:
			if dropped > 0 {
				logging.L().Info("sarama-consumer: rebalance, cleared buffered messages", "count", dropped)
			}
			return nil
		}
	}
}

func (c *saramaConsumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case c.msgs <- m:
			case <-sess.Context().Done():
				return nil
			}
		}
	}
}

func (c *saramaConsumer) Poll(ctx context.Context, max int) ([]Message, error) {
	t := time.NewTimer(c.timeout)
	defer t.Stop()

	var out []Message
	select {
	case m := <-c.msgs:
		out = append(out, fromSarama(m))
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for len(out) < max {
		select {
		case m := <-c.msgs:
			out = append(out, fromSarama(m))
		default:
			return out, nil
		}
	}
	return out, nil
}

// Commit marks msgs and flushes offsets. After a rebalance the session is
// gone and the messages will be redelivered to the new owner.
func (c *saramaConsumer) Commit(_ context.Context, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		c.sess.MarkOffset(m.Topic, m.Partition, m.Offset+1, "")
	}
	c.sess.Commit()
	return nil
}

func (c *saramaConsumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.group.Close()
	c.wg.Wait()
	return err
}

func fromSarama(m *sarama.ConsumerMessage) Message {
	out := Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
	}
	if len(m.Headers) > 0 {
		out.Headers = make(map[string][]byte, len(m.Headers))
		for _, h := range m.Headers {
			out.Headers[string(h.Key)] = h.Value
		}
	}
	return out
}

func init() { Register("sarama", openSarama) }
