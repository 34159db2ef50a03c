package engine

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectd/internal/config"
	"connectd/internal/connect"
	"connectd/internal/datasync"
	"connectd/internal/messaging"
	"connectd/internal/transport"
	"connectd/internal/worker"
	_ "connectd/sink/stdout"
)

func testConfig(t *testing.T) config.Worker {
	dir := t.TempDir()
	connectors := filepath.Join(dir, "connectors.yml")
	require.NoError(t, os.WriteFile(connectors, []byte(`schema_version: v1
connectors:
  - name: printer
    config:
      connector-class: stdout
      topics: engine-in
      source-record-converter: raw
`), 0o644))

	return config.Worker{
		WorkerID:          "w1",
		Leader:            true,
		StoreRoot:         filepath.Join(dir, "data"),
		CommitInterval:    20 * time.Millisecond,
		ReconcileInterval: 50 * time.Millisecond,
		ConnectorsFile:    connectors,
		Log: config.LogConfig{
			TransportConfig: datasync.TransportConfig{Driver: "memory"},
			PositionTopic:   "engine-position",
			OffsetTopic:     "engine-offset",
			ConfigTopic:     "engine-config",
		},
		Messaging: config.MessagingConfig{Driver: "memory"},
	}
}

func TestEngine_DesiredConnectorConsumesAndCommitsOffsets(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := Bootstrap(ctx, cfg)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	assert.Contains(t, e.Controller().Connectors(), "printer")

	access, err := messaging.Open("memory", messaging.Options{})
	require.NoError(t, err)
	p, err := access.CreateProducer(connect.NewKeyValue(nil))
	require.NoError(t, err)
	require.NoError(t, p.Send(ctx, "engine-in", []byte("k"), []byte("hello")))
	require.NoError(t, p.Send(ctx, "engine-in", []byte("k"), []byte("world")))

	key := worker.OffsetKey("printer", "engine-in", 0)
	require.Eventually(t, func() bool {
		off, ok := e.offsets.PositionTable()[key]
		return ok && string(off) == "2"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngine_ControlServerManagesConnectors(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConnectorsFile = ""
	cfg.Log.PositionTopic, cfg.Log.OffsetTopic, cfg.Log.ConfigTopic = "ctl-position", "ctl-offset", "ctl-config"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := Bootstrap(ctx, cfg)
	require.NoError(t, err)
	go e.Run(ctx)

	port := e.server.Addr().(*net.TCPAddr).Port
	c, err := transport.Dial(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer c.Close()

	id, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "w1", id)

	require.NoError(t, c.PutConnector(ctx, "p2", connect.NewKeyValue(map[string]string{
		connect.ConnectorClass: "stdout",
		connect.Topics:         "ctl-in",
	})))
	list, err := c.ListConnectors(ctx)
	require.NoError(t, err)
	assert.Contains(t, list, "p2")
	assert.Contains(t, e.worker.WorkingConnectors(), "p2")

	require.NoError(t, c.StopConnector(ctx, "p2"))
	assert.NotContains(t, e.worker.WorkingConnectors(), "p2")
}

func TestEngine_UnknownLogDriverFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Driver = "carrier-pigeon"
	_, err := Bootstrap(context.Background(), cfg)
	assert.Error(t, err)
}

func TestSameConfig_IgnoresUpdateTimestamp(t *testing.T) {
	a := connect.NewKeyValue(map[string]string{connect.ConnectorClass: "stdout", connect.UpdateTimestamp: "1"})
	b := connect.NewKeyValue(map[string]string{connect.ConnectorClass: "stdout"})
	assert.True(t, sameConfig(a, b))
	assert.False(t, sameConfig(a, b.With("topics", "x")))
}
