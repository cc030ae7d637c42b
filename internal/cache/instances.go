package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opal-lang/pipeflow/internal/cachekv"
	"github.com/opal-lang/pipeflow/internal/hashing"
	"github.com/opal-lang/pipeflow/internal/invariant"
)

// InstancesCacher extends Cacher with an instance registry: a
// parentInstanceID -> []childInstanceID store (spec §5's "cached_instances"),
// recording which child instances an iterative fan-out produced so a later
// run without live iteration input can still discover them.
type InstancesCacher struct {
	*Cacher
	registry *cachekv.Store
}

// NewInstancesCacher wraps a Cacher with an instance registry rooted
// alongside its CacheSlot.
func NewInstancesCacher(elementName string, slot *CacheSlot, registryDir string, factory *hashing.Factory, codeSource hashing.CodeFingerprinter, maxSaved int, cacheRoot string, logger *slog.Logger) *InstancesCacher {
	invariant.Precondition(registryDir != "", "registryDir must not be empty")
	return &InstancesCacher{
		Cacher:   New(elementName, slot, factory, codeSource, maxSaved, cacheRoot, logger),
		registry: cachekv.Open(registryDir, "cached_instances"),
	}
}

// ChildInstances returns the child instance IDs previously recorded under
// parentInstance, in the order they were first recorded.
func (c *InstancesCacher) ChildInstances(parentInstance string) ([]string, error) {
	b, ok, err := c.registry.Get(parentInstance)
	if err != nil {
		return nil, fmt.Errorf("cache: loading instance registry for %q: %w", parentInstance, err)
	}
	if !ok {
		return nil, nil
	}
	var children []string
	if err := json.Unmarshal(b, &children); err != nil {
		return nil, fmt.Errorf("cache: corrupt instance registry entry for %q: %w", parentInstance, err)
	}
	return children, nil
}

// RecordChildInstance appends childInstance under parentInstance's registry
// entry, if not already present.
func (c *InstancesCacher) RecordChildInstance(parentInstance, childInstance string) error {
	children, err := c.ChildInstances(parentInstance)
	if err != nil {
		return err
	}
	for _, existing := range children {
		if existing == childInstance {
			return nil
		}
	}
	children = append(children, childInstance)
	b, err := json.Marshal(children)
	if err != nil {
		return err
	}
	return c.registry.Set(parentInstance, b)
}

// dropEvictedInstance additionally removes instance's own registry entry
// when it is evicted as a parent, keeping the registry coherent with the
// three backing stores.
func (c *InstancesCacher) dropEvictedInstance(instance string) error {
	if err := c.Cacher.dropEvictedInstance(instance); err != nil {
		return err
	}
	return c.registry.Delete(instance)
}

// UpdateCache shadows Cacher's for the same reason as CachedCall below: it
// runs the registry-aware eviction, so an evicted parent's registry entry
// goes with it.
func (c *InstancesCacher) UpdateCache(instance string, args []any, output []any) error {
	return c.updateCacheEvictingWithRegistry(instance, args, output)
}

// CachedCall shadows Cacher's via the embedded pointer (Go has no virtual
// dispatch): InstancesCacher must drive its own eviction loop so that
// dropEvictedInstance above — not Cacher's — runs when evicting an expired
// parent, keeping the instance registry coherent with the rest of the slot.
func (c *InstancesCacher) CachedCall(instance string, args []any, forceDo, cacheEnabled bool, onCacheHit func(), compute func() ([]any, error)) ([]any, error) {
	defer func() { _ = c.ClearCacheIfEmpty() }()

	if !forceDo {
		hit, err := c.CacheExists(instance, args, CacheExistsOptions{})
		if err != nil {
			return nil, err
		}
		if hit {
			out, err := c.LoadOutput(instance)
			if err == nil {
				if onCacheHit != nil {
					onCacheHit()
				}
				return out, nil
			}
		}
	}

	retried := false
	for {
		out, err := compute()
		if err == nil {
			if cacheEnabled {
				if err := c.updateCacheEvictingWithRegistry(instance, args, out); err != nil {
					return nil, err
				}
			}
			return out, nil
		}
		if oosErr := asOutOfSpace(err); oosErr != nil && !retried {
			retried = true
			if clearErr := ClearCacheOldestFiles(c.cacheRoot, 100); clearErr != nil {
				return nil, clearErr
			}
			continue
		}
		return nil, err
	}
}

// updateCacheEvictingWithRegistry is Cacher.UpdateCache's body, but calling
// c's own (registry-aware) eviction instead of Cacher.evictBeyondMaxSaved.
func (c *InstancesCacher) updateCacheEvictingWithRegistry(instance string, args []any, output []any) error {
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
	instances, err := c.slot.instances()
	if err != nil {
		return err
	}
	if len(instances) <= c.maxSaved {
		return nil
	}
	for _, evict := range instances[:len(instances)-c.maxSaved] {
		if err := c.dropEvictedInstance(evict); err != nil {
			return fmt.Errorf("cache: evicting %s[%s]: %w", c.elementName, evict, err)
		}
	}
	return nil
}
