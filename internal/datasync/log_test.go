package datasync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectd/internal/kv"
)

type received struct {
	mu   sync.Mutex
	keys []string
	vals []map[string]int
}

func (r *received) add(k string, v map[string]int) {
	r.mu.Lock()
	r.keys = append(r.keys, k)
	r.vals = append(r.vals, v)
	r.mu.Unlock()
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func newTestLog(bus *MemoryBus, r *received, opts ...Option) *BrokerLog[string, map[string]int] {
	return NewBrokerLog[string, map[string]int](bus.Transport(), "state", "g", r.add,
		kv.StringCodec{}, kv.MsgpackCodec[map[string]int]{}, opts...)
}

func TestBrokerLog_DeliversOwnAndPeerRecordsInOrder(t *testing.T) {
	bus := NewMemoryBus()
	var a, b received
	la, lb := newTestLog(bus, &a), newTestLog(bus, &b)
	require.NoError(t, la.Start(context.Background()))
	require.NoError(t, lb.Start(context.Background()))
	defer la.Stop()
	defer lb.Stop()

	for i := 0; i < 5; i++ {
		la.Send("CHANGE", map[string]int{"n": i})
	}

	require.Eventually(t, func() bool { return a.len() == 5 && b.len() == 5 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, a.vals[i]["n"])
		assert.Equal(t, i, b.vals[i]["n"])
	}
}

func TestBrokerLog_Compression(t *testing.T) {
	bus := NewMemoryBus()
	var r received
	l := newTestLog(bus, &r, WithCompression())
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	l.Send("ONLINE", map[string]int{"x": 1})
	require.Eventually(t, func() bool { return r.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ONLINE", r.keys[0])
	assert.Equal(t, map[string]int{"x": 1}, r.vals[0])
}

func TestBrokerLog_DropsUndecodableRecords(t *testing.T) {
	bus := NewMemoryBus()
	var r received
	l := newTestLog(bus, &r)
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	raw := bus.Transport()
	raw.Publish("state", []byte("CHANGE"), []byte{0xc1}, nil)
	l.Send("CHANGE", map[string]int{"ok": 1})

	require.Eventually(t, func() bool { return r.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, r.vals[0]["ok"])
}

type countingTransport struct {
	mu    sync.Mutex
	sends int
	err   error
}

func (c *countingTransport) Start(context.Context, string, string, Handler) error { return nil }
func (c *countingTransport) Close() error                                         { return nil }
func (c *countingTransport) Publish(_ string, _, _ []byte, done func(error)) {
	c.mu.Lock()
	c.sends++
	err := c.err
	c.mu.Unlock()
	done(err)
}

func TestBrokerLog_PublishFailureIsSwallowed(t *testing.T) {
	ct := &countingTransport{err: errTransportClosed}
	l := NewBrokerLog[string, map[string]int](ct, "state", "g", func(string, map[string]int) {},
		kv.StringCodec{}, kv.MsgpackCodec[map[string]int]{})

	assert.NotPanics(t, func() { l.Send("CHANGE", map[string]int{"a": 1}) })
	assert.Equal(t, 1, ct.sends)
}

func TestMemoryTransport_PublishAfterClose(t *testing.T) {
	tr := NewMemoryBus().Transport()
	require.NoError(t, tr.Close())

	var got error
	tr.Publish("x", nil, nil, func(err error) { got = err })
	assert.ErrorIs(t, got, errTransportClosed)
}

func TestNewTransport_UnknownDriver(t *testing.T) {
	_, err := NewTransport(TransportConfig{Driver: "carrier-pigeon"})
	assert.Error(t, err)
}
