package messaging

import (
	"context"
	"sync"
	"time"

	"connectd/internal/connect"
)

// MemoryBroker keeps single-partition topics in process. Consumers of one
// group resume from the group's last committed offset.
type MemoryBroker struct {
	mu        sync.Mutex
	topics    map[string][]Message
	committed map[string]int64 // group/topic -> next offset
	notify    chan struct{}
}

var DefaultBroker = NewMemoryBroker()

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics:    map[string][]Message{},
		committed: map[string]int64{},
		notify:    make(chan struct{}),
	}
}

// Messages returns a copy of everything appended to topic.
func (b *MemoryBroker) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.topics[topic]...)
}

func (b *MemoryBroker) append(topic string, key, value []byte) {
	b.mu.Lock()
	log := b.topics[topic]
	b.topics[topic] = append(log, Message{
		Topic:     topic,
		Offset:    int64(len(log)),
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Timestamp: time.Now(),
	})
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
}

type memoryAccess struct {
	b *MemoryBroker
}

func (a memoryAccess) CreateProducer(connect.TaskConfig) (Producer, error) {
	return memoryProducer{b: a.b}, nil
}

func (a memoryAccess) CreatePullConsumer(cfg connect.TaskConfig) (PullConsumer, error) {
	group, topics, err := consumerArgs(cfg)
	if err != nil {
		return nil, err
	}
	c := &memoryConsumer{b: a.b, group: group, topics: topics, next: map[string]int64{}}
	a.b.mu.Lock()
	for _, t := range topics {
		c.next[t] = a.b.committed[group+"/"+t]
	}
	a.b.mu.Unlock()
	return c, nil
}

func (memoryAccess) Close() error { return nil }

type memoryProducer struct {
	b *MemoryBroker
}

func (p memoryProducer) Send(_ context.Context, topic string, key, value []byte) error {
	p.b.append(topic, key, value)
	return nil
}

func (memoryProducer) Close() error { return nil }

type memoryConsumer struct {
	b      *MemoryBroker
	group  string
	topics []string
	next   map[string]int64
}

func (c *memoryConsumer) Poll(ctx context.Context, max int) ([]Message, error) {
	t := time.NewTimer(500 * time.Millisecond)
	defer t.Stop()
	for {
		c.b.mu.Lock()
		var out []Message
		for _, topic := range c.topics {
			log := c.b.topics[topic]
			for off := c.next[topic]; off < int64(len(log)) && len(out) < max; off++ {
				out = append(out, log[off])
				c.next[topic] = off + 1
			}
		}
		wait := c.b.notify
		c.b.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-wait:
		case <-t.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *memoryConsumer) Commit(_ context.Context, msgs []Message) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	for _, m := range msgs {
		k := c.group + "/" + m.Topic
		if m.Offset+1 > c.b.committed[k] {
			c.b.committed[k] = m.Offset + 1
		}
	}
	return nil
}

func (*memoryConsumer) Close() error { return nil }

func init() {
	Register("memory", func(Options) (Access, error) { return memoryAccess{b: DefaultBroker}, nil })
}
