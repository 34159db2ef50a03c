// Package position keeps source positions and consumption offsets consistent
// across workers. Each service owns a local file store for durability and a
// replicated log for propagation; incoming deltas are merged entry by entry.
package position

import (
	"context"
	"sync"

	"connectd/internal/datasync"
	"connectd/internal/kv"
	"connectd/internal/logging"
	"connectd/internal/telemetry"
)

type Config struct {
	StoreRoot   string
	Topic       string
	WorkerID    string
	Leader      bool
	Compression bool
}

type equaler[V any] interface {
	Equal(V) bool
}

// Manager is the merge engine shared by the position and offset services.
// Every access to the table goes through mu.
type Manager[K comparable, V equaler[V]] struct {
	name  string
	store kv.Store[K, V]
	log   datasync.Synchronizer[ChangeKind, []Entry[K, V]]

	// filterUnchanged drops entries equal to the stored value in PutPosition.
	filterUnchanged bool
	// announce broadcasts the local table as Online on Start.
	announce bool
	// supersedes orders two different keys; nil treats keys opaquely.
	// It returns 1 when a replaces b, -1 when b replaces a, 0 otherwise.
	supersedes func(ak K, av V, bk K, bv V) int
	// owns reports whether key k belongs to the removal id.
	owns func(k K, id string) bool

	mu        sync.Mutex
	listeners []func()
}

func (m *Manager[K, V]) attach(t datasync.Transport, cfg Config, prefix string, codec kv.Codec[[]Entry[K, V]]) {
	var opts []datasync.Option
	if cfg.Compression {
		opts = append(opts, datasync.WithCompression())
	}
	group := prefix + "-" + cfg.WorkerID
	m.log = datasync.NewBrokerLog[ChangeKind, []Entry[K, V]](t, cfg.Topic, group, m.onRecord, kindCodec{}, codec, opts...)
}

func (m *Manager[K, V]) Start(ctx context.Context) error {
	m.mu.Lock()
	if err := m.store.Load(); err != nil {
		logging.L().Error("position: load store", "service", m.name, "err", err)
	}
	m.mu.Unlock()

	if err := m.log.Start(ctx); err != nil {
		return err
	}
	if m.announce {
		m.log.Send(Online, m.snapshot())
	}
	return nil
}

func (m *Manager[K, V]) Stop() error {
	if err := m.Persist(); err != nil {
		logging.L().Error("position: persist on stop", "service", m.name, "err", err)
	}
	return m.log.Stop()
}

func (m *Manager[K, V]) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Persist()
}

// PositionTable returns a copy of the current table.
func (m *Manager[K, V]) PositionTable() map[K]V {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.store.Map()
	out := make(map[K]V, len(table))
	for k, v := range table {
		out[k] = v
	}
	return out
}

// PutPosition records values observed by local tasks, persists them and
// broadcasts them as a Change.
func (m *Manager[K, V]) PutPosition(batch map[K]V) {
	m.mu.Lock()
	table := m.store.Map()
	before := len(table)
	delta := make([]Entry[K, V], 0, len(batch))
	for k, v := range batch {
		if m.filterUnchanged {
			if cur, ok := table[k]; ok && cur.Equal(v) {
				continue
			}
		}
		// older checkpoints go now, not when our own record comes back
		if m.siblingsLocked(table, k, v) {
			m.count("superseded")
			continue
		}
		table[k] = v
		delta = append(delta, Entry[K, V]{Key: k, Value: v})
	}
	if len(delta) == 0 {
		if len(table) < before {
			m.persistLocked()
		}
		m.mu.Unlock()
		return
	}
	if err := m.store.Persist(); err != nil {
		logging.L().Error("position: persist", "service", m.name, "err", err)
	}
	m.mu.Unlock()

	m.log.Send(Change, delta)
}

// RemovePosition drops every entry owned by one of ids. The removal is local.
func (m *Manager[K, V]) RemovePosition(ids []string) {
	if len(ids) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.store.Map()
	for k := range table {
		for _, id := range ids {
			if m.owns(k, id) {
				delete(table, k)
				break
			}
		}
	}
	if err := m.store.Persist(); err != nil {
		logging.L().Error("position: persist", "service", m.name, "err", err)
	}
}

// RegisterListener adds fn to the set notified after a merge changed the table.
func (m *Manager[K, V]) RegisterListener(fn func()) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager[K, V]) onRecord(kind ChangeKind, delta []Entry[K, V]) {
	m.mu.Lock()
	// durability tracks log receipt even if the merge never completes
	if err := m.store.Persist(); err != nil {
		logging.L().Error("position: persist", "service", m.name, "err", err)
	}

	var (
		changed bool
		echo    []Entry[K, V]
	)
	switch kind {
	case Online:
		changed = m.mergeLocked(delta)
		echo = m.snapshotLocked()
	case Change:
		changed = m.mergeLocked(delta)
	}
	if changed {
		if err := m.store.Persist(); err != nil {
			logging.L().Error("position: persist", "service", m.name, "err", err)
		}
	}
	listeners := append([]func(){}, m.listeners...)
	m.mu.Unlock()

	if echo != nil {
		m.log.Send(Change, echo)
	}
	if changed {
		for _, fn := range listeners {
			fn()
		}
	}
}

// mergeLocked folds delta into the table and reports whether it changed.
// Applying the same delta twice is a no-op the second time.
func (m *Manager[K, V]) mergeLocked(delta []Entry[K, V]) bool {
	table := m.store.Map()
	changed := false
	for _, in := range delta {
		cur, exists := table[in.Key]
		if exists && !cur.Equal(in.Value) {
			table[in.Key] = in.Value
			changed = true
			m.count("updated")
		}

		before := len(table)
		superseded := m.siblingsLocked(table, in.Key, in.Value)
		if len(table) < before {
			changed = true
		}

		if exists {
			continue
		}
		if superseded {
			m.count("superseded")
			continue
		}
		table[in.Key] = in.Value
		changed = true
		m.count("inserted")
	}
	return changed
}

// siblingsLocked evicts every entry that key k with value v supersedes and
// reports whether an existing entry supersedes k instead.
func (m *Manager[K, V]) siblingsLocked(table map[K]V, k K, v V) bool {
	if m.supersedes == nil {
		return false
	}
	superseded := false
	for ok, ov := range table {
		if ok == k {
			continue
		}
		switch m.supersedes(k, v, ok, ov) {
		case 1:
			delete(table, ok)
			m.count("evicted")
		case -1:
			superseded = true
		}
	}
	return superseded
}

func (m *Manager[K, V]) persistLocked() {
	if err := m.store.Persist(); err != nil {
		logging.L().Error("position: persist", "service", m.name, "err", err)
	}
}

func (m *Manager[K, V]) snapshot() []Entry[K, V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager[K, V]) snapshotLocked() []Entry[K, V] {
	table := m.store.Map()
	out := make([]Entry[K, V], 0, len(table))
	for k, v := range table {
		out = append(out, Entry[K, V]{Key: k, Value: v})
	}
	return out
}

func (m *Manager[K, V]) count(outcome string) {
	telemetry.PositionMerges.WithLabelValues(m.name, outcome).Inc()
}
