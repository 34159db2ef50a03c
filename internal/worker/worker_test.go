package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectd/internal/connect"
	"connectd/internal/messaging"
	"connectd/internal/position"
)

type fakeConnector struct {
	starts, stops, reconfigs atomic.Int32
	tasks                    []connect.TaskConfig
}

func (c *fakeConnector) Start(connect.ConnectorConfig) error       { c.starts.Add(1); return nil }
func (c *fakeConnector) Stop() error                               { c.stops.Add(1); return nil }
func (c *fakeConnector) Reconfigure(connect.ConnectorConfig) error { c.reconfigs.Add(1); return nil }
func (c *fakeConnector) TaskClass() string                         { return "fake-source" }
func (c *fakeConnector) TaskConfigs() ([]connect.TaskConfig, error) {
	return c.tasks, nil
}

type probe[T any] struct {
	mu        sync.Mutex
	instances []T
}

func (p *probe[T]) add(v T) {
	p.mu.Lock()
	p.instances = append(p.instances, v)
	p.mu.Unlock()
}

func (p *probe[T]) all() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]T(nil), p.instances...)
}

func registerConnector(class string) *probe[*fakeConnector] {
	p := &probe[*fakeConnector]{}
	connect.RegisterConnector(class, func() connect.Connector {
		c := &fakeConnector{}
		p.add(c)
		return c
	})
	return p
}

type fakeSource struct {
	in     chan connect.SourceRecord
	starts atomic.Int32
	stops  atomic.Int32
	reader connect.PositionReader
}

func (s *fakeSource) Start(connect.TaskConfig) error { s.starts.Add(1); return nil }
func (s *fakeSource) Stop() error                    { s.stops.Add(1); return nil }
func (s *fakeSource) Poll(ctx context.Context) ([]connect.SourceRecord, error) {
	select {
	case r := <-s.in:
		return []connect.SourceRecord{r}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (s *fakeSource) BindPositionReader(r connect.PositionReader) { s.reader = r }

func registerSource(class string) *probe[*fakeSource] {
	p := &probe[*fakeSource]{}
	connect.RegisterTask(class, func() connect.Task {
		s := &fakeSource{in: make(chan connect.SourceRecord, 16)}
		p.add(s)
		return s
	})
	return p
}

type fakeSink struct {
	mu  sync.Mutex
	got []connect.SinkRecord
}

func (s *fakeSink) Start(connect.TaskConfig) error { return nil }
func (s *fakeSink) Stop() error                    { return nil }
func (s *fakeSink) Put(_ context.Context, recs []connect.SinkRecord) error {
	s.mu.Lock()
	s.got = append(s.got, recs...)
	s.mu.Unlock()
	return nil
}
func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type recordingPositions struct {
	mu      sync.Mutex
	puts    []map[position.Key]position.Value
	removed []string
}

func (r *recordingPositions) PutPosition(m map[position.Key]position.Value) {
	r.mu.Lock()
	r.puts = append(r.puts, m)
	r.mu.Unlock()
}

func (r *recordingPositions) RemovePosition(ids []string) {
	r.mu.Lock()
	r.removed = append(r.removed, ids...)
	r.mu.Unlock()
}

type stubReader struct{}

func (stubReader) Position(string, []byte) ([]byte, bool) { return nil, false }

type recordingOffsets struct {
	mu   sync.Mutex
	puts []map[string]position.Offset
}

func (r *recordingOffsets) PutPosition(m map[string]position.Offset) {
	r.mu.Lock()
	r.puts = append(r.puts, m)
	r.mu.Unlock()
}

func connectorCfg(class string, kv ...string) connect.ConnectorConfig {
	m := map[string]string{connect.ConnectorClass: class}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return connect.NewKeyValue(m)
}

func sourceTask(class, topic, slot string) connect.TaskConfig {
	return connect.NewKeyValue(map[string]string{
		connect.TaskClass:       class,
		connect.StoreTopic:      topic,
		connect.MessagingDriver: "memory",
		connect.TaskID:          slot,
	})
}

func TestStartConnectors_StructurallyEqualConfigIsLeftRunning(t *testing.T) {
	p := registerConnector("equal-connector")
	w := New(Options{ID: "w1"})
	defer w.Stop()

	require.NoError(t, w.StartConnectors(map[string]connect.ConnectorConfig{
		"a": connectorCfg("equal-connector", "k", "v"),
	}))
	require.NoError(t, w.StartConnectors(map[string]connect.ConnectorConfig{
		"a": connectorCfg("equal-connector", "k", "v"),
	}))

	require.Len(t, p.all(), 1)
	c := p.all()[0]
	assert.Equal(t, int32(1), c.starts.Load())
	assert.Equal(t, int32(0), c.stops.Load())
	assert.Equal(t, int32(0), c.reconfigs.Load())
}

func TestStartConnectors_RemovedConnectorStoppedOnce(t *testing.T) {
	p := registerConnector("removed-connector")
	w := New(Options{ID: "w1"})

	require.NoError(t, w.StartConnectors(map[string]connect.ConnectorConfig{
		"a": connectorCfg("removed-connector"),
	}))
	require.NoError(t, w.StartConnectors(map[string]connect.ConnectorConfig{}))
	require.NoError(t, w.StartConnectors(map[string]connect.ConnectorConfig{}))

	assert.Empty(t, w.WorkingConnectors())
	assert.Equal(t, int32(1), p.all()[0].stops.Load())
}

func TestStartConnectors_ReconfiguresInPlace(t *testing.T) {
	p := registerConnector("reconf-connector")
	w := New(Options{ID: "w1"})
	defer w.Stop()

	require.NoError(t, w.StartConnectors(map[string]connect.ConnectorConfig{
		"a": connectorCfg("reconf-connector", "k", "v1"),
	}))
	require.NoError(t, w.StartConnectors(map[string]connect.ConnectorConfig{
		"a": connectorCfg("reconf-connector", "k", "v2"),
	}))

	require.Len(t, p.all(), 1)
	assert.Equal(t, int32(1), p.all()[0].reconfigs.Load())
	assert.Equal(t, "v2", w.WorkingConnectors()["a"].Get("k"))
}

func TestStartConnectors_DeletedFlagStopsAndDropsPositions(t *testing.T) {
	p := registerConnector("deleted-connector")
	positions := &recordingPositions{}
	w := New(Options{ID: "w1", Positions: positions})

	cfg := connectorCfg("deleted-connector")
	require.NoError(t, w.StartConnectors(map[string]connect.ConnectorConfig{"a": cfg}))
	require.NoError(t, w.StartConnectors(map[string]connect.ConnectorConfig{"a": cfg.With(connect.ConfigDeleted, "1")}))

	assert.Empty(t, w.WorkingConnectors())
	assert.Equal(t, int32(1), p.all()[0].stops.Load())
	assert.Equal(t, []string{"a"}, positions.removed)
}

func TestStartConnectors_PluginNotFoundAbortsPass(t *testing.T) {
	registerConnector("good-connector")
	w := New(Options{ID: "w1"})
	defer w.Stop()

	desired := map[string]connect.ConnectorConfig{
		"a": connectorCfg("good-connector"),
		"b": connectorCfg("late-connector"),
		"c": connectorCfg("good-connector"),
	}
	err := w.StartConnectors(desired)
	require.Error(t, err)
	assert.True(t, errors.Is(err, connect.ErrPluginNotFound))
	assert.Len(t, w.WorkingConnectors(), 1)

	registerConnector("late-connector")
	require.NoError(t, w.StartConnectors(desired))
	assert.Len(t, w.WorkingConnectors(), 3)
}

func TestTaskConfigs_StampsTaskClass(t *testing.T) {
	p := registerConnector("tasks-connector")
	w := New(Options{ID: "w1"})
	defer w.Stop()
	require.NoError(t, w.StartConnectors(map[string]connect.ConnectorConfig{"a": connectorCfg("tasks-connector")}))
	p.all()[0].tasks = []connect.TaskConfig{connect.NewKeyValue(map[string]string{"x": "1"})}

	tcs, err := w.TaskConfigs("a")
	require.NoError(t, err)
	require.Len(t, tcs, 1)
	assert.Equal(t, "fake-source", tcs[0].Get(connect.TaskClass))

	_, err = w.TaskConfigs("missing")
	assert.ErrorIs(t, err, ErrConnectorNotRunning)
}

func TestStartTasks_DiffsByStructuralEquality(t *testing.T) {
	p := registerSource("diff-source")
	w := New(Options{ID: "w1"})
	defer w.Stop()

	t1 := sourceTask("diff-source", "diff-out", "0")
	t2 := sourceTask("diff-source", "diff-out", "1")
	require.NoError(t, w.StartTasks(map[string][]connect.TaskConfig{"a": {t1, t2}}))
	require.Len(t, w.WorkingTasks(), 2)
	require.Len(t, p.all(), 2)

	t1again := sourceTask("diff-source", "diff-out", "0")
	t3 := sourceTask("diff-source", "diff-out", "2")
	require.NoError(t, w.StartTasks(map[string][]connect.TaskConfig{"a": {t1again, t3}}))

	running := w.WorkingTasks()
	require.Len(t, running, 2)
	require.Len(t, p.all(), 3)

	var stopped int32
	for _, s := range p.all() {
		assert.Equal(t, int32(1), s.starts.Load())
		stopped += s.stops.Load()
	}
	assert.Equal(t, int32(1), stopped)
	for _, task := range running {
		assert.NotEqual(t, "1", task.Config().Get(connect.TaskID))
	}
}

func TestStartTasks_UnknownClassAbortsPass(t *testing.T) {
	w := New(Options{ID: "w1"})
	defer w.Stop()
	err := w.StartTasks(map[string][]connect.TaskConfig{"a": {sourceTask("no-such-task", "x", "0")}})
	assert.ErrorIs(t, err, connect.ErrPluginNotFound)
	assert.Empty(t, w.WorkingTasks())
}

func TestCommitTaskPosition_UnionsSourceTasks(t *testing.T) {
	p := registerSource("commit-source")
	positions := &recordingPositions{}
	w := New(Options{ID: "w1", Positions: positions, Reader: stubReader{}})
	w.now = func() time.Time { return time.UnixMilli(1234) }
	defer w.Stop()

	require.NoError(t, w.StartTasks(map[string][]connect.TaskConfig{
		"a": {sourceTask("commit-source", "commit-out", "0"), sourceTask("commit-source", "commit-out", "1")},
	}))
	srcs := p.all()
	require.Len(t, srcs, 2)
	assert.NotNil(t, srcs[0].reader)

	srcs[0].in <- connect.SourceRecord{Partition: []byte("p0"), Position: []byte("10"), Payload: map[string]any{"n": 1}}
	srcs[1].in <- connect.SourceRecord{Partition: []byte("p1"), Position: []byte("20"), Payload: map[string]any{"n": 2}}
	require.Eventually(t, func() bool {
		return len(messaging.DefaultBroker.Messages("commit-out")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// the position is buffered right after the send returns
	require.Eventually(t, func() bool {
		w.CommitTaskPosition()
		positions.mu.Lock()
		defer positions.mu.Unlock()
		n := 0
		for _, m := range positions.puts {
			n += len(m)
		}
		return n == 2
	}, 2*time.Second, 10*time.Millisecond)

	positions.mu.Lock()
	defer positions.mu.Unlock()
	union := map[position.Key]position.Value{}
	for _, m := range positions.puts {
		for k, v := range m {
			union[k] = v
		}
	}
	assert.Equal(t, position.Value{Partition: []byte("p0"), Position: []byte("10")},
		union[position.Key{Connector: "a", Partition: "p0", Timestamp: 1234}])
	assert.Equal(t, position.Value{Partition: []byte("p1"), Position: []byte("20")},
		union[position.Key{Connector: "a", Partition: "p1", Timestamp: 1234}])
}

func TestSinkTask_PutsAndCommitsOffsets(t *testing.T) {
	sink := &fakeSink{}
	connect.RegisterTask("test-sink", func() connect.Task { return sink })
	offsets := &recordingOffsets{}
	w := New(Options{ID: "w1", Offsets: offsets})
	defer w.Stop()

	acc, err := messaging.Open("memory", messaging.Options{})
	require.NoError(t, err)
	prod, err := acc.CreateProducer(connect.NewKeyValue(nil))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, prod.Send(context.Background(), "sink-in", nil, []byte(`{"i":1}`)))
	}

	cfg := connect.NewKeyValue(map[string]string{
		connect.TaskClass:       "test-sink",
		connect.MessagingDriver: "memory",
		connect.GroupID:         "sink-group",
		connect.Topics:          "sink-in",
	})
	require.NoError(t, w.StartTasks(map[string][]connect.TaskConfig{"s": {cfg}}))
	require.Eventually(t, func() bool { return sink.count() == 3 }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		w.CommitTaskPosition()
		offsets.mu.Lock()
		defer offsets.mu.Unlock()
		for _, m := range offsets.puts {
			if string(m[OffsetKey("s", "sink-in", 0)]) == "3" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRateLimiter_TryAcquire(t *testing.T) {
	r := NewRateLimiter(2)
	defer r.Close()
	assert.True(t, r.TryAcquire(2))
	assert.False(t, r.TryAcquire(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Acquire(ctx))
}

func TestWorkerConnector_StopIsIdempotent(t *testing.T) {
	c := &fakeConnector{}
	wc := newWorkerConnector("a", c, connectorCfg("x"))
	require.NoError(t, wc.Start())
	assert.Equal(t, Running, wc.State())
	require.NoError(t, wc.Stop())
	require.NoError(t, wc.Stop())
	assert.Equal(t, Stopped, wc.State())
	assert.Equal(t, int32(1), c.stops.Load())
}
