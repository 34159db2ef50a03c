package kv

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"connectd/internal/logging"
)

// Logical store names; each maps to one file under the store root.
const (
	PositionStore = "position"
	OffsetStore   = "offset"
	ConfigStore   = "config"
)

func Path(root, name string) string {
	return filepath.Join(root, name+".json")
}

// Store is a locally persisted map. The in-memory map is the source of truth;
// Persist must be called before the on-disk image is durable.
type Store[K comparable, V any] interface {
	Load() error
	Persist() error
	Get(k K) (V, bool)
	Put(k K, v V)
	PutAll(m map[K]V)
	Remove(k K)
	// Map returns the live map. Callers own its synchronisation.
	Map() map[K]V
}

// FileStore keeps the whole map in one JSON file, replaced on every Persist.
type FileStore[K comparable, V any] struct {
	path   string
	keys   Codec[K]
	values Codec[V]

	mu sync.RWMutex
	m  map[K]V
}

func NewFileStore[K comparable, V any](path string, keys Codec[K], values Codec[V]) *FileStore[K, V] {
	return &FileStore[K, V]{
		path:   path,
		keys:   keys,
		values: values,
		m:      make(map[K]V),
	}
}

// Load replaces the in-memory map with the file content. A missing file
// yields an empty map.
func (s *FileStore[K, V]) Load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kv: read %s: %w", s.path, err)
	}
	if len(raw) == 0 {
		return nil
	}
	var image map[string][]byte
	if err := json.Unmarshal(raw, &image); err != nil {
		return fmt.Errorf("kv: decode %s: %w", s.path, err)
	}

	m := make(map[K]V, len(image))
	for ks, vb := range image {
		k, err := s.keys.Decode([]byte(ks))
		if err != nil {
			logging.L().Warn("kv: dropping undecodable key", "path", s.path, "key", ks, "err", err)
			continue
		}
		v, err := s.values.Decode(vb)
		if err != nil {
			logging.L().Warn("kv: dropping undecodable value", "path", s.path, "key", ks, "err", err)
			continue
		}
		m[k] = v
	}

	s.mu.Lock()
	s.m = m
	s.mu.Unlock()
	return nil
}

func (s *FileStore[K, V]) Persist() error {
	s.mu.RLock()
	image := make(map[string][]byte, len(s.m))
	for k, v := range s.m {
		kb, err := s.keys.Encode(k)
		if err != nil {
			s.mu.RUnlock()
			return fmt.Errorf("kv: encode key: %w", err)
		}
		vb, err := s.values.Encode(v)
		if err != nil {
			s.mu.RUnlock()
			return fmt.Errorf("kv: encode value: %w", err)
		}
		image[string(kb)] = vb
	}
	s.mu.RUnlock()

	raw, err := json.Marshal(image)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("kv: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("kv: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("kv: replace %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore[K, V]) Get(k K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[k]
	return v, ok
}

func (s *FileStore[K, V]) Put(k K, v V) {
	s.mu.Lock()
	s.m[k] = v
	s.mu.Unlock()
}

func (s *FileStore[K, V]) PutAll(m map[K]V) {
	s.mu.Lock()
	for k, v := range m {
		s.m[k] = v
	}
	s.mu.Unlock()
}

func (s *FileStore[K, V]) Remove(k K) {
	s.mu.Lock()
	delete(s.m, k)
	s.mu.Unlock()
}

func (s *FileStore[K, V]) Map() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m
}
