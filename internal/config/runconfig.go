// Package config implements the two configuration surfaces of spec.md §6/§9:
// RunConfiguration, an opaque-to-the-engine value whose only load-bearing
// property is a stable configID, and Configuration, the global
// cache_dir/results_dir/reports_dir/use_caching settings loaded once at
// startup.
package config

import (
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/opal-lang/pipeflow/internal/hashing"
)

// RunConfiguration is opaque to the engine: the only thing FileLayout and
// the Cacher ever do with one is read ConfigID() and fold it into a path or
// a hash. ToDict exists purely for reporting.
type RunConfiguration struct {
	fields map[string]any

	configID hashing.Hash
}

// NewRunConfiguration builds a RunConfiguration from an arbitrary field map
// and eagerly computes its configID — a deterministic hash of fields, stable
// across process restarts given the same field values (spec.md §4.A:
// "configID: stable hash of its fields").
func NewRunConfiguration(fields map[string]any) (*RunConfiguration, error) {
	r := &RunConfiguration{fields: cloneFields(fields)}
	h, err := hashing.NewFactory(nil).Hash(r)
	if err != nil {
		return nil, err
	}
	r.configID = h
	return r, nil
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// ConfigID returns the stable hash the engine treats as a black-box key.
func (r *RunConfiguration) ConfigID() string { return string(r.configID) }

// ToDict returns a copy of the field map, for reporting.
func (r *RunConfiguration) ToDict() map[string]any { return cloneFields(r.fields) }

// Digest implements hashing.Digestable: a deterministic CBOR-canonical
// encoding of fields sorted by key, so two RunConfigurations with identical
// field values always hash identically regardless of map iteration order or
// field insertion order.
func (r *RunConfiguration) Digest() ([]byte, error) {
	keys := make([]string, 0, len(r.fields))
	for k := range r.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]cbor.RawMessage, 0, len(keys)*2)
	opts, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		kb, err := opts.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := opts.Marshal(r.fields[k])
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, kb, vb)
	}
	return opts.Marshal(ordered)
}

var _ hashing.Digestable = (*RunConfiguration)(nil)
