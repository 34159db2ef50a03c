package position

import (
	"bytes"

	"connectd/internal/datasync"
	"connectd/internal/kv"
)

// PositionManager tracks where each source connector left off. Positions are
// versioned by Key.Timestamp so the newest checkpoint of a partition wins.
type PositionManager struct {
	*Manager[Key, Value]
}

func NewPositionManager(cfg Config, t datasync.Transport) *PositionManager {
	m := &Manager[Key, Value]{
		name:            "position",
		store:           kv.NewFileStore[Key, Value](kv.Path(cfg.StoreRoot, kv.PositionStore), kv.JSONCodec[Key]{}, kv.JSONCodec[Value]{}),
		filterUnchanged: true,
		announce:        cfg.Leader,
		supersedes:      supersedesPosition,
		owns:            func(k Key, connector string) bool { return k.Connector == connector },
	}
	m.attach(t, cfg, "position", kv.MsgpackCodec[[]Entry[Key, Value]]{})
	return &PositionManager{Manager: m}
}

// Position returns the newest stored position for the partition of a
// connector.
func (p *PositionManager) Position(connector string, partition []byte) ([]byte, bool) {
	var (
		best  Key
		found []byte
		ok    bool
	)
	for k, v := range p.PositionTable() {
		if k.Connector != connector || !bytes.Equal(v.Partition, partition) {
			continue
		}
		if !ok || k.Timestamp > best.Timestamp {
			best, found, ok = k, v.Position, true
		}
	}
	return found, ok
}

func supersedesPosition(ak Key, av Value, bk Key, bv Value) int {
	if ak.Connector != bk.Connector || !bytes.Equal(av.Partition, bv.Partition) {
		return 0
	}
	switch {
	case ak.Timestamp > bk.Timestamp:
		return 1
	case ak.Timestamp < bk.Timestamp:
		return -1
	}
	return 0
}
