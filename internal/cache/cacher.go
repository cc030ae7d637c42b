package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/opal-lang/pipeflow/internal/errs"
	"github.com/opal-lang/pipeflow/internal/hashing"
	"github.com/opal-lang/pipeflow/internal/invariant"
)

// DefaultMaxSaved is spec §3's default FIFO eviction bound: at most this
// many instances survive an UpdateCache call.
const DefaultMaxSaved = 10

// Cacher is the content-addressed cache gating one element's computation.
// codeHash is memoized until Reset, since an element's code identity cannot
// change mid-run; the input hash is not memoized and is recomputed on every
// InputHash call.
type Cacher struct {
	elementName string
	slot        *CacheSlot
	factory     *hashing.Factory
	codeSource  hashing.CodeFingerprinter
	maxSaved    int
	// cacheRoot is the whole Configuration's cache_dir, not this element's
	// slot directory — ClearCacheOldestFiles evicts cache-wide under disk
	// pressure, since the element that happened to hit OutOfSpace is rarely
	// the element hogging the space.
	cacheRoot string
	logger    *slog.Logger

	mu           sync.Mutex
	memoCodeHash *hashing.Hash
	lastMismatch string
}

// New constructs a Cacher. codeSource is the Leaf or Pipeline whose identity
// determines the code hash (it satisfies hashing.CodeFingerprinter).
// cacheRoot is the Configuration-wide cache_dir root.
func New(elementName string, slot *CacheSlot, factory *hashing.Factory, codeSource hashing.CodeFingerprinter, maxSaved int, cacheRoot string, logger *slog.Logger) *Cacher {
	invariant.Precondition(elementName != "", "elementName must not be empty")
	invariant.NotNil(slot, "slot")
	invariant.NotNil(factory, "factory")
	invariant.NotNil(codeSource, "codeSource")
	if maxSaved <= 0 {
		maxSaved = DefaultMaxSaved
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cacher{
		elementName: elementName,
		slot:        slot,
		factory:     factory,
		codeSource:  codeSource,
		maxSaved:    maxSaved,
		cacheRoot:   cacheRoot,
		logger:      logger,
	}
}

// Reset clears the memoized code hash, to be called once at the start of every
// run (spec §4.C: "codeHash is memoized until reset()").
func (c *Cacher) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memoCodeHash = nil
}

// CodeHash returns this element's code hash, memoized until Reset.
func (c *Cacher) CodeHash() (hashing.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.memoCodeHash != nil {
		return *c.memoCodeHash, nil
	}
	h, err := c.factory.Hash(c.codeSource)
	if err != nil {
		return "", fmt.Errorf("cache: code hash for %s: %w", c.elementName, err)
	}
	c.memoCodeHash = &h
	return h, nil
}

// InputHash returns the hash of args. It is a pure function of args, so
// repeated calls within a run need no memoization to stay consistent; unlike
// CodeHash there is no per-element state to invalidate on Reset.
func (c *Cacher) InputHash(args []any) (hashing.Hash, error) {
	h, err := c.factory.Hash(args)
	if err != nil {
		return "", fmt.Errorf("cache: input hash for %s: %w", c.elementName, err)
	}
	return h, nil
}

// SaveInput records instance's input hash and refreshes the scalar code
// hash file, per spec §4.C: every save touches hash.pkl.
func (c *Cacher) SaveInput(instance string, h hashing.Hash) error {
	if err := c.slot.InputHash.Set(instance, []byte(h)); err != nil {
		return fmt.Errorf("cache: saving input hash for %s[%s]: %w", c.elementName, instance, err)
	}
	return c.refreshCodeHashFile()
}

// SaveOutput records instance's output tuple and its hash, and refreshes the
// scalar code hash file.
func (c *Cacher) SaveOutput(instance string, output []any) error {
	data, err := encodeOutput(output)
	if err != nil {
		return fmt.Errorf("cache: encoding output for %s[%s]: %w", c.elementName, instance, err)
	}
	if err := c.slot.Output.Set(instance, data); err != nil {
		return fmt.Errorf("cache: saving output for %s[%s]: %w", c.elementName, instance, err)
	}
	outHash, err := c.factory.Hash(output)
	if err != nil {
		return fmt.Errorf("cache: hashing output for %s[%s]: %w", c.elementName, instance, err)
	}
	if err := c.slot.OutputHash.Set(instance, []byte(outHash)); err != nil {
		return fmt.Errorf("cache: saving output hash for %s[%s]: %w", c.elementName, instance, err)
	}
	return c.refreshCodeHashFile()
}

func (c *Cacher) refreshCodeHashFile() error {
	h, err := c.CodeHash()
	if err != nil {
		return err
	}
	return c.slot.WriteCodeHash(h)
}

// LoadInput loads instance's stored input hash, returning *errs.InvalidCache
// if it is missing.
func (c *Cacher) LoadInput(instance string) (hashing.Hash, error) {
	b, ok, err := c.slot.InputHash.Get(instance)
	if err != nil {
		return "", fmt.Errorf("cache: loading input hash for %s[%s]: %w", c.elementName, instance, err)
	}
	if !ok {
		return "", &errs.InvalidCache{Element: c.elementName, Instance: instance, Reason: "no stored input hash"}
	}
	return hashing.Hash(b), nil
}

// LoadOutputHash loads instance's stored output hash, returning
// *errs.InvalidCache if it is missing.
func (c *Cacher) LoadOutputHash(instance string) (hashing.Hash, error) {
	b, ok, err := c.slot.OutputHash.Get(instance)
	if err != nil {
		return "", fmt.Errorf("cache: loading output hash for %s[%s]: %w", c.elementName, instance, err)
	}
	if !ok {
		return "", &errs.InvalidCache{Element: c.elementName, Instance: instance, Reason: "no stored output hash"}
	}
	return hashing.Hash(b), nil
}

// LoadOutput loads and decodes instance's stored output tuple, returning
// *errs.InvalidCache if it is missing or corrupt.
func (c *Cacher) LoadOutput(instance string) ([]any, error) {
	b, ok, err := c.slot.Output.Get(instance)
	if err != nil {
		return nil, fmt.Errorf("cache: loading output for %s[%s]: %w", c.elementName, instance, err)
	}
	if !ok {
		return nil, &errs.InvalidCache{Element: c.elementName, Instance: instance, Reason: "no stored output"}
	}
	out, err := decodeOutput(b)
	if err != nil {
		return nil, &errs.InvalidCache{Element: c.elementName, Instance: instance, Reason: "corrupt stored output: " + err.Error()}
	}
	return out, nil
}

// CheckInput reports whether instance's stored input hash matches args'
// current hash. A missing or mismatched stored hash is a miss, not an
// error; LastMismatch() explains the most recent miss for diagnostics.
func (c *Cacher) CheckInput(instance string, args []any) (bool, error) {
	h, err := c.InputHash(args)
	if err != nil {
		return false, err
	}
	stored, err := c.LoadInput(instance)
	if err != nil {
		var invalid *errs.InvalidCache
		if errors.As(err, &invalid) {
			c.setMismatch(fmt.Sprintf("%s[%s]: %s", c.elementName, instance, invalid.Reason))
			return false, nil
		}
		return false, err
	}
	if stored != h {
		c.setMismatch(fmt.Sprintf("%s[%s]: input hash mismatch (have %s, want %s)", c.elementName, instance, h, stored))
		return false, nil
	}
	return true, nil
}

func (c *Cacher) setMismatch(msg string) {
	c.mu.Lock()
	c.lastMismatch = msg
	c.mu.Unlock()
}

// LastMismatch returns the human-readable reason the most recent CheckInput
// or CacheExists call returned false, for log messages.
func (c *Cacher) LastMismatch() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMismatch
}

// CacheExistsOptions controls CacheExists's input-matching strictness.
type CacheExistsOptions struct {
	// TrustStoredInput skips recomputing and comparing the input hash,
	// accepting whatever input hash is already on file for instance. A
	// parent deciding to skip a subtree (spec §4.D's fromStep handling)
	// does not have the subtree's real historical input available, only
	// its intent to treat the existing cache as valid — this bypasses the
	// mismatch that would otherwise produce.
	TrustStoredInput bool
}

// CacheExists reports whether instance's cache is usable as-is: the current
// code hash matches the stored one, the input matches (or is trusted, per
// opts), and an output hash is present.
func (c *Cacher) CacheExists(instance string, args []any, opts CacheExistsOptions) (bool, error) {
	codeHash, err := c.CodeHash()
	if err != nil {
		return false, err
	}
	storedCode, ok, err := c.slot.ReadCodeHash()
	if err != nil {
		return false, err
	}
	if !ok || storedCode != codeHash {
		c.setMismatch(fmt.Sprintf("%s: code hash changed", c.elementName))
		return false, nil
	}

	if opts.TrustStoredInput {
		if _, err := c.LoadInput(instance); err != nil {
			return false, nil
		}
	} else {
		matches, err := c.CheckInput(instance, args)
		if err != nil {
			return false, err
		}
		if !matches {
			return false, nil
		}
	}

	if _, err := c.LoadOutputHash(instance); err != nil {
		var invalid *errs.InvalidCache
		if errors.As(err, &invalid) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdateCache persists instance's input and output, refreshes the code hash
// file, then evicts the oldest instances beyond maxSaved.
func (c *Cacher) UpdateCache(instance string, args []any, output []any) error {
	h, err := c.InputHash(args)
	if err != nil {
		return err
	}
	if err := c.SaveInput(instance, h); err != nil {
		return err
	}
	if err := c.SaveOutput(instance, output); err != nil {
		return err
	}
	return c.evictBeyondMaxSaved()
}

// evictBeyondMaxSaved drops the oldest instances until at most maxSaved
// remain, coherently across all three instance-keyed stores.
func (c *Cacher) evictBeyondMaxSaved() error {
	instances, err := c.slot.instances()
	if err != nil {
		return err
	}
	if len(instances) <= c.maxSaved {
		return nil
	}
	for _, instance := range instances[:len(instances)-c.maxSaved] {
		if err := c.dropEvictedInstance(instance); err != nil {
			return fmt.Errorf("cache: evicting %s[%s]: %w", c.elementName, instance, err)
		}
	}
	return nil
}

// dropEvictedInstance removes instance from the backing stores. Cacher's own
// eviction always calls this method; InstancesCacher's UpdateCache and
// CachedCall run their own eviction, which also drops the registry entry.
func (c *Cacher) dropEvictedInstance(instance string) error {
	return c.slot.dropInstance(instance)
}

// Instances returns every instance key with a stored input hash, oldest
// first, for a caller enumerating what a slot has recorded (e.g. RunSteps
// replaying every instance of a targeted step).
func (c *Cacher) Instances() ([]string, error) {
	return c.slot.instances()
}

// ClearCacheInstance drops one instance's entries, for a caller that is
// invalidating a specific subtree.
func (c *Cacher) ClearCacheInstance(instance string) error {
	return c.slot.dropInstance(instance)
}

// ClearCacheForcedAll removes every backing file unconditionally.
func (c *Cacher) ClearCacheForcedAll() error {
	return c.slot.clearAll()
}

// ClearCacheIfEmpty removes the slot directory only if it holds no files —
// a cleanup pass run after every cached call, so a slot that never got used
// doesn't linger.
func (c *Cacher) ClearCacheIfEmpty() error {
	empty, err := c.slot.empty()
	if err != nil {
		return err
	}
	if !empty {
		return nil
	}
	if err := os.Remove(c.slot.dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
