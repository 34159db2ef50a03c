package datasync

import (
	"context"
	"errors"
	"sync"
)

var errTransportClosed = errors.New("datasync: transport closed")

// MemoryBus is an in-process broadcast substrate. Every subscriber of a topic
// receives every record in publish order, on its own goroutine.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string][]*memorySub
}

var DefaultBus = NewMemoryBus()

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub)}
}

func (b *MemoryBus) Transport() *MemoryTransport {
	return &MemoryTransport{bus: b}
}

func (b *MemoryBus) publish(topic string, key, payload []byte) {
	b.mu.Lock()
	subs := append([]*memorySub(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, s := range subs {
		s.enqueue(memoryRecord{key: clone(key), payload: clone(payload)})
	}
}

func (b *MemoryBus) subscribe(topic string, s *memorySub) {
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()
}

func (b *MemoryBus) unsubscribe(topic string, s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, cur := range list {
		if cur == s {
			b.subs[topic] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

type memoryRecord struct {
	key, payload []byte
}

// memorySub buffers without bound so publishers never block on a slow handler.
type memorySub struct {
	h      Handler
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []memoryRecord
	closed bool
	done   chan struct{}
}

func newMemorySub(h Handler) *memorySub {
	s := &memorySub{h: h, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

func (s *memorySub) enqueue(r memoryRecord) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, r)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *memorySub) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		r := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.h(r.key, r.payload)
	}
}

func (s *memorySub) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	<-s.done
}

type MemoryTransport struct {
	bus *MemoryBus

	mu     sync.Mutex
	topic  string
	sub    *memorySub
	closed bool
}

func (t *MemoryTransport) Start(_ context.Context, topic, _ string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	t.topic = topic
	t.sub = newMemorySub(h)
	t.bus.subscribe(topic, t.sub)
	return nil
}

func (t *MemoryTransport) Publish(topic string, key, payload []byte, done func(error)) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		if done != nil {
			done(errTransportClosed)
		}
		return
	}
	t.bus.publish(topic, key, payload)
	if done != nil {
		done(nil)
	}
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sub, topic := t.sub, t.topic
	t.mu.Unlock()

	if sub != nil {
		t.bus.unsubscribe(topic, sub)
		sub.close()
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
