package connect

import (
	"context"
	"time"
)

// Connector is the plugin contract for a connector: it owns the connector
// level configuration and splits the work into task configs.
type Connector interface {
	Start(cfg ConnectorConfig) error
	Stop() error
	// Reconfigure swaps the configuration of a running connector in place.
	Reconfigure(cfg ConnectorConfig) error
	TaskClass() string
	TaskConfigs() ([]TaskConfig, error)
}

type Task interface {
	Start(cfg TaskConfig) error
	Stop() error
}

// SourceTask pulls records, each carrying the position it was read at.
type SourceTask interface {
	Task
	Poll(ctx context.Context) ([]SourceRecord, error)
}

// SinkTask is pushed batches of records read from the message queue.
type SinkTask interface {
	Task
	Put(ctx context.Context, records []SinkRecord) error
}

// PositionReader resolves the last committed position of a source partition.
type PositionReader interface {
	Position(connector string, partition []byte) ([]byte, bool)
}

// PositionReaderAware is optional; source tasks that resume from a
// committed position implement it and are bound before Start.
type PositionReaderAware interface {
	BindPositionReader(r PositionReader)
}

type SourceRecord struct {
	// Partition and Position are opaque to the runtime.
	Partition []byte
	Position  []byte
	Topic     string
	Key       []byte
	Payload   any
}

type SinkRecord struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Payload   any
	Timestamp time.Time
}

// Converter turns record payloads into queue bytes and back.
type Converter interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte) (any, error)
}
