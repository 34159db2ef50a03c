package position

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"unicode/utf8"
)

// Key identifies one checkpoint of a source partition. A newer Timestamp for
// the same connector and partition supersedes older checkpoints.
type Key struct {
	Connector string `json:"connector" msgpack:"connector"`
	Partition string `json:"partition" msgpack:"partition"`
	// Timestamp 0 marks an unversioned checkpoint; any versioned sibling wins.
	Timestamp int64 `json:"timestamp" msgpack:"timestamp"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s-%s-%d", k.Connector, k.Partition, k.Timestamp)
}

// PartitionID renders an opaque partition descriptor for use in a Key.
func PartitionID(partition []byte) string {
	if utf8.Valid(partition) {
		return string(partition)
	}
	return "0x" + hex.EncodeToString(partition)
}

// Value pairs an opaque partition descriptor with an opaque position.
type Value struct {
	Partition []byte `json:"partition" msgpack:"partition"`
	Position  []byte `json:"position" msgpack:"position"`
}

func (v Value) Equal(o Value) bool {
	return bytes.Equal(v.Partition, o.Partition) && bytes.Equal(v.Position, o.Position)
}

// Offset is an opaque consumption offset.
type Offset []byte

func (o Offset) Equal(p Offset) bool { return bytes.Equal(o, p) }

// ChangeKind tags every record on a position or offset log.
type ChangeKind string

const (
	// Online is a full table broadcast by a worker that just joined.
	Online ChangeKind = "ONLINE"
	// Change is an incremental delta.
	Change ChangeKind = "CHANGE"
)

type Entry[K comparable, V any] struct {
	Key   K `msgpack:"k"`
	Value V `msgpack:"v"`
}

type kindCodec struct{}

func (kindCodec) Encode(k ChangeKind) ([]byte, error) { return []byte(k), nil }
func (kindCodec) Decode(b []byte) (ChangeKind, error) {
	switch k := ChangeKind(b); k {
	case Online, Change:
		return k, nil
	default:
		return "", fmt.Errorf("position: unknown change kind %q", string(b))
	}
}
