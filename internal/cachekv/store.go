// Package cachekv implements the durable, order-preserving key/value store
// backing each of a CacheSlot's four stores (spec §3's persisted-state
// layout names them "input_hash[.bak,.dat,.dir]" etc., the classic
// Unix-dbm file triad: a directory/index file, a data file, and a backup of
// the data file's previous generation). Order preservation is what makes
// FIFO eviction exact rather than "whatever a map iterates first" — spec
// §9's open question on eviction order.
//
// Grounded on core/types/validation_cache.go's validatorCache (mutex-guarded
// map, hash-keyed, explicit eviction), generalized from an in-memory cache
// to a store durable across process restarts.
package cachekv

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is one (cache_dir, element, attr)-rooted key/value store: e.g. one
// element's input_hash store, or its output store.
type Store struct {
	dir  string
	name string
	mu   sync.Mutex
}

// Open binds a Store to name within dir. dir is created lazily on first
// write, not on Open, matching spec §3's "slots are created lazily on
// first touch."
func Open(dir, name string) *Store {
	return &Store{dir: dir, name: name}
}

func (s *Store) datPath() string { return filepath.Join(s.dir, s.name+".dat") }
func (s *Store) dirPath() string { return filepath.Join(s.dir, s.name+".dir") }
func (s *Store) bakPath() string { return filepath.Join(s.dir, s.name+".bak") }

// snapshot is the full in-memory contents of a Store, reloaded from disk on
// every operation (these stores are small — per-element instance maps, not
// a general database, per Non-goals "no schema evolution of persisted
// caches" — simplicity is the point).
type snapshot struct {
	order []string
	data  map[string][]byte
}

func (s *Store) load() (snapshot, error) {
	order, err := s.loadOrder()
	if err != nil {
		return snapshot{}, err
	}
	data, err := s.loadData()
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{order: order, data: data}, nil
}

func (s *Store) loadOrder() ([]string, error) {
	b, err := os.ReadFile(s.dirPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cachekv: reading %s: %w", s.dirPath(), err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n"), nil
}

func (s *Store) loadData() (map[string][]byte, error) {
	data, err := s.loadDataFile(s.datPath())
	if err == nil {
		return data, nil
	}
	// Primary data file missing or corrupt: fall back to the backup
	// generation, mirroring dbm's recovery-from-.bak behavior.
	backup, bakErr := s.loadDataFile(s.bakPath())
	if bakErr == nil {
		return backup, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]byte{}, nil
	}
	return nil, fmt.Errorf("cachekv: reading %s: %w (backup also unreadable: %v)", s.datPath(), err, bakErr)
}

func (s *Store) loadDataFile(path string) (map[string][]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	var data map[string][]byte
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&data); err != nil {
		return nil, fmt.Errorf("corrupt store file %s: %w", path, err)
	}
	return data, nil
}

func (s *Store) save(snap snapshot) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("cachekv: creating %s: %w", s.dir, err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap.data); err != nil {
		return fmt.Errorf("cachekv: encoding %s: %w", s.name, err)
	}

	// Back up the previous generation before overwriting, so a crash
	// mid-write leaves a recoverable .bak.
	if existing, err := os.ReadFile(s.datPath()); err == nil {
		_ = os.WriteFile(s.bakPath(), existing, 0o644)
	}

	if err := writeFileAtomic(s.datPath(), buf.Bytes()); err != nil {
		return err
	}
	orderText := strings.Join(snap.order, "\n")
	if len(snap.order) > 0 {
		orderText += "\n"
	}
	return writeFileAtomic(s.dirPath(), []byte(orderText))
}

// WriteFileAtomic writes data to path via a temp-file-then-rename, so a
// reader never observes a partially written file. Exposed for the single
// scalar file (hash.pkl) that sits alongside a CacheSlot's stores but isn't
// itself a Store.
func WriteFileAtomic(path string, data []byte) error {
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("cachekv: creating temp file for %s: %w", path, err)
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmp, 0o644)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cachekv: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cachekv: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// Get returns the value stored for key, and whether it was present.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.load()
	if err != nil {
		return nil, false, err
	}
	v, ok := snap.data[key]
	return v, ok, nil
}

// Set stores value for key, appending key to the insertion order if it is
// new, and leaving its position unchanged if it already existed.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.load()
	if err != nil {
		return err
	}
	if snap.data == nil {
		snap.data = make(map[string][]byte)
	}
	if _, existed := snap.data[key]; !existed {
		snap.order = append(snap.order, key)
	}
	snap.data[key] = value
	return s.save(snap)
}

// Delete removes key, if present.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := snap.data[key]; !ok {
		return nil
	}
	delete(snap.data, key)
	for i, k := range snap.order {
		if k == key {
			snap.order = append(snap.order[:i], snap.order[i+1:]...)
			break
		}
	}
	return s.save(snap)
}

// Keys returns every stored key in insertion order (oldest first).
func (s *Store) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, err := s.loadOrder()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(order))
	copy(out, order)
	return out, nil
}

// Len returns the number of stored keys.
func (s *Store) Len() (int, error) {
	keys, err := s.Keys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Clear removes all three backing files.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range []string{s.datPath(), s.dirPath(), s.bakPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("cachekv: removing %s: %w", p, err)
		}
	}
	return nil
}

// Exists reports whether the store has ever been written.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.datPath())
	return err == nil
}
