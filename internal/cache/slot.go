// Package cache implements the Cacher (spec §4.C): the content-addressed,
// per-element cache gating a Leaf's or Pipeline's computation, backed by
// internal/cachekv's durable stores and internal/hashing's hash factory.
//
// Grounded on core/types/validation_cache.go's compiled-schema cache for the
// "check before recompute, evict the oldest when full" shape, generalized
// from an in-process map to the four durable, instance-keyed stores spec §3
// names.
package cache

import (
	"os"
	"path/filepath"

	"github.com/opal-lang/pipeflow/internal/cachekv"
	"github.com/opal-lang/pipeflow/internal/hashing"
)

const hashFileName = "hash.pkl"

// CacheSlot is the four durable stores rooted at one element's cache
// directory (FileLayout's Dir(CacheDir, ignoreInstance=true)): a scalar code
// hash file plus three instance-keyed stores. The name hash.pkl mirrors
// spec §3's literal persisted-state layout.
type CacheSlot struct {
	dir string

	InputHash  *cachekv.Store
	OutputHash *cachekv.Store
	Output     *cachekv.Store
}

// NewCacheSlot binds a CacheSlot to dir. Nothing is created on disk until
// the first write, matching cachekv.Open's lazy-creation contract.
func NewCacheSlot(dir string) *CacheSlot {
	return &CacheSlot{
		dir:        dir,
		InputHash:  cachekv.Open(dir, "input_hash"),
		OutputHash: cachekv.Open(dir, "output_hash"),
		Output:     cachekv.Open(dir, "output"),
	}
}

func (s *CacheSlot) hashPath() string { return filepath.Join(s.dir, hashFileName) }

// ReadCodeHash reads the scalar code hash file, reporting false if it has
// never been written.
func (s *CacheSlot) ReadCodeHash() (hashing.Hash, bool, error) {
	b, err := os.ReadFile(s.hashPath())
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hashing.Hash(b), true, nil
}

// WriteCodeHash overwrites the scalar code hash file.
func (s *CacheSlot) WriteCodeHash(h hashing.Hash) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return cachekv.WriteFileAtomic(s.hashPath(), []byte(h))
}

// instances returns every instance key with any stored input, in FIFO
// (insertion) order — the InputHash store is the authoritative order since
// SaveInput always precedes SaveOutput in UpdateCache.
func (s *CacheSlot) instances() ([]string, error) {
	return s.InputHash.Keys()
}

// dropInstance removes instance from all three stores.
func (s *CacheSlot) dropInstance(instance string) error {
	if err := s.InputHash.Delete(instance); err != nil {
		return err
	}
	if err := s.OutputHash.Delete(instance); err != nil {
		return err
	}
	return s.Output.Delete(instance)
}

// clearAll removes every backing file, including the scalar code hash.
func (s *CacheSlot) clearAll() error {
	if err := s.InputHash.Clear(); err != nil {
		return err
	}
	if err := s.OutputHash.Clear(); err != nil {
		return err
	}
	if err := s.Output.Clear(); err != nil {
		return err
	}
	if err := os.Remove(s.hashPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// empty reports whether the slot directory holds nothing (or doesn't exist).
func (s *CacheSlot) empty() (bool, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
