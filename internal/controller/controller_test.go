package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectd/internal/connect"
	"connectd/internal/datasync"
)

type fakeWorker struct {
	mu        sync.Mutex
	running   map[string]connect.ConnectorConfig
	tasks     map[string][]connect.TaskConfig
	passes    int
	failTasks error
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{running: map[string]connect.ConnectorConfig{}}
}

func (f *fakeWorker) StartConnectors(desired map[string]connect.ConnectorConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes++
	f.running = map[string]connect.ConnectorConfig{}
	for name, cfg := range desired {
		if !cfg.Deleted() {
			f.running[name] = cfg
		}
	}
	return nil
}

func (f *fakeWorker) StartTasks(desired map[string][]connect.TaskConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTasks != nil {
		return f.failTasks
	}
	f.tasks = desired
	return nil
}

func (f *fakeWorker) TaskConfigs(name string) ([]connect.TaskConfig, error) {
	return []connect.TaskConfig{connect.NewKeyValue(map[string]string{connect.TaskID: "0"})}, nil
}

func (f *fakeWorker) WorkingConnectors() map[string]connect.ConnectorConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]connect.ConnectorConfig{}
	for k, v := range f.running {
		out[k] = v
	}
	return out
}

func source(kv ...string) connect.ConnectorConfig {
	m := map[string]string{connect.ConnectorClass: "replicator"}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return connect.NewKeyValue(m)
}

func TestPutConnector_AppliesAndStampsTasks(t *testing.T) {
	w := newFakeWorker()
	c := New(Options{StoreRoot: t.TempDir(), MessagingDriver: "memory"}, w)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.PutConnector("rep", source(connect.MaxRecordsPerSecond, "50")))

	require.Contains(t, w.running, "rep")
	assert.NotEmpty(t, w.running["rep"].Get(connect.UpdateTimestamp))
	require.Len(t, w.tasks["rep"], 1)
	tc := w.tasks["rep"][0]
	assert.Equal(t, "memory", tc.Get(connect.MessagingDriver))
	assert.Equal(t, connect.DefaultConverter, tc.Get(connect.SourceRecordConverter))
	assert.Equal(t, "rep", tc.Get(connect.GroupID))
	assert.Equal(t, "rep", tc.Get(connect.ConnectorName))
	assert.Equal(t, "50", tc.Get(connect.MaxRecordsPerSecond))
}

func TestPutConnector_RequiresClass(t *testing.T) {
	c := New(Options{StoreRoot: t.TempDir()}, newFakeWorker())
	assert.Error(t, c.PutConnector("x", connect.NewKeyValue(nil)))
	assert.Error(t, c.PutConnector("", source()))
}

func TestStopConnector(t *testing.T) {
	w := newFakeWorker()
	c := New(Options{StoreRoot: t.TempDir()}, w)
	require.NoError(t, c.PutConnector("rep", source()))
	require.NoError(t, c.StopConnector("rep"))

	assert.Empty(t, c.Connectors())
	assert.NotContains(t, w.WorkingConnectors(), "rep")

	err := c.StopConnector("rep")
	assert.True(t, errors.Is(err, ErrUnknownConnector))
}

func TestApply_PropagatesTaskErrors(t *testing.T) {
	w := newFakeWorker()
	w.failTasks = connect.ErrPluginNotFound
	c := New(Options{StoreRoot: t.TempDir()}, w)
	err := c.PutConnector("rep", source())
	assert.ErrorIs(t, err, connect.ErrPluginNotFound)
}

func TestConfigsSurviveRestart(t *testing.T) {
	root := t.TempDir()
	c := New(Options{StoreRoot: root}, newFakeWorker())
	require.NoError(t, c.PutConnector("rep", source("k", "v")))
	require.NoError(t, c.Stop())

	again := New(Options{StoreRoot: root}, newFakeWorker())
	require.NoError(t, again.Start(context.Background()))
	got := again.Connectors()
	require.Contains(t, got, "rep")
	assert.Equal(t, "v", got["rep"].Get("k"))
}

func TestConfigsReplicateToPeers(t *testing.T) {
	bus := datasync.NewMemoryBus()
	ctx := context.Background()
	a := New(Options{StoreRoot: t.TempDir(), WorkerID: "a", Topic: "configs", Transport: bus.Transport()}, newFakeWorker())
	b := New(Options{StoreRoot: t.TempDir(), WorkerID: "b", Topic: "configs", Transport: bus.Transport()}, newFakeWorker())
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Stop()
	defer b.Stop()

	require.NoError(t, a.PutConnector("rep", source()))
	require.Eventually(t, func() bool { _, ok := b.Connectors()["rep"]; return ok }, time.Second, 10*time.Millisecond)

	require.NoError(t, a.StopConnector("rep"))
	require.Eventually(t, func() bool { return len(b.Connectors()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestNewer(t *testing.T) {
	old := source(connect.UpdateTimestamp, "1")
	young := source(connect.UpdateTimestamp, "2")
	assert.True(t, newer(young, old))
	assert.False(t, newer(old, young))
	assert.False(t, newer(old, old))

	x := source(connect.UpdateTimestamp, "1", "k", "x")
	y := source(connect.UpdateTimestamp, "1", "k", "y")
	assert.NotEqual(t, newer(x, y), newer(y, x))
}
