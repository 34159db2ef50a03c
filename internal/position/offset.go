package position

import (
	"connectd/internal/datasync"
	"connectd/internal/kv"
)

// OffsetManager tracks sink consumption offsets keyed by an opaque string.
// It always announces itself and never filters unchanged offsets.
type OffsetManager struct {
	*Manager[string, Offset]
}

func NewOffsetManager(cfg Config, t datasync.Transport) *OffsetManager {
	m := &Manager[string, Offset]{
		name:     "offset",
		store:    kv.NewFileStore[string, Offset](kv.Path(cfg.StoreRoot, kv.OffsetStore), kv.StringCodec{}, kv.JSONCodec[Offset]{}),
		announce: true,
		owns:     func(k, id string) bool { return k == id },
	}
	m.attach(t, cfg, "offset", kv.MsgpackCodec[[]Entry[string, Offset]]{})
	return &OffsetManager{Manager: m}
}
