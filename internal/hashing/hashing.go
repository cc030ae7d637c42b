// Package hashing implements the Cacher's hash factory (spec §4.C): a
// registry mapping types or predicates to hash functions, with built-in
// coverage for primitives, sequences, mappings, sets, and an extensible
// fallback for anything else via deterministic CBOR canonicalization —
// grounded on opal's core/planfmt/canonical.go two-pass
// canonicalize-then-hash shape, generalized from "shell execution tree"
// to "arbitrary Go value."
package hashing

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Hash is a hex-encoded SHA-512 digest.
type Hash string

// HashFunc computes the Hash of a value, or an error if it cannot.
type HashFunc func(v any) (Hash, error)

// CodeFingerprinter is implemented by types whose hash-factory coverage is
// special-cased rather than structural: Leaf (name + source(fn)) and
// Pipeline (name + configID + child hashes). Hashing these via reflection
// would hash unexported internal state instead of code identity, so the
// type itself computes its fingerprint bytes and the factory just digests
// them.
type CodeFingerprinter interface {
	CodeFingerprint() []byte
}

// Digestable is implemented by RunConfiguration-like values whose hash must
// be their own stable deterministic serialization rather than a structural
// hash of their Go representation.
type Digestable interface {
	Digest() ([]byte, error)
}

type predicateEntry struct {
	predicate func(v any) bool
	fn        HashFunc
}

// Factory is the hash-factory registry. The zero value is not usable; call
// NewFactory.
type Factory struct {
	mu         sync.RWMutex
	byType     map[reflect.Type]HashFunc
	predicates []predicateEntry
	logger     *slog.Logger
}

// NewFactory returns a Factory with the built-in coverage of spec §4.C
// already registered.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		byType: make(map[reflect.Type]HashFunc),
		logger: logger,
	}
	return f
}

// RegisterHasher registers fn for every value whose reflect.Type equals t.
// Exact-type registrations are checked before predicates.
func (f *Factory) RegisterHasher(t reflect.Type, fn HashFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byType[t] = fn
}

// RegisterPredicateHasher registers fn for every value for which predicate
// returns true. Predicates are checked in registration order, before the
// structural fallback.
func (f *Factory) RegisterPredicateHasher(predicate func(v any) bool, fn HashFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predicates = append(f.predicates, predicateEntry{predicate: predicate, fn: fn})
}

// Hash computes the Hash of v, trying (in order): CodeFingerprinter,
// Digestable, an exact-type registration, a predicate registration, then
// the structural fallback.
func (f *Factory) Hash(v any) (Hash, error) {
	if v == nil {
		return hashBytes([]byte("<nil>")), nil
	}

	if cf, ok := v.(CodeFingerprinter); ok {
		return hashBytes(cf.CodeFingerprint()), nil
	}
	if d, ok := v.(Digestable); ok {
		b, err := d.Digest()
		if err != nil {
			return "", fmt.Errorf("hashing: digestable value: %w", err)
		}
		return hashBytes(b), nil
	}

	f.mu.RLock()
	typeFn, hasType := f.byType[reflect.TypeOf(v)]
	predicates := f.predicates
	f.mu.RUnlock()

	if hasType {
		return typeFn(v)
	}
	for _, p := range predicates {
		if p.predicate(v) {
			return p.fn(v)
		}
	}

	return f.structural(v)
}

// structural implements the built-in coverage: primitives, sequences,
// mappings, sets, with a CBOR-canonical fallback for everything else.
func (f *Factory) structural(v any) (Hash, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return hashBytes([]byte(rv.String())), nil
	case reflect.Bool:
		return hashBytes([]byte(strconv.FormatBool(rv.Bool()))), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return hashBytes([]byte(strconv.FormatInt(rv.Int(), 10))), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return hashBytes([]byte(strconv.FormatUint(rv.Uint(), 10))), nil
	case reflect.Float32, reflect.Float64:
		return hashBytes([]byte(strconv.FormatFloat(rv.Float(), 'g', -1, 64))), nil

	case reflect.Slice, reflect.Array:
		return f.hashSequence(rv)

	case reflect.Map:
		if isSetLike(rv.Type()) {
			return f.hashSet(rv)
		}
		return f.hashMapping(rv)

	default:
		return f.hashFallback(v)
	}
}

// hashSequence hashes a slice/array as the SHA-512 of its elements' hashes,
// comma-joined, in order — order matters for sequences.
func (f *Factory) hashSequence(rv reflect.Value) (Hash, error) {
	parts := make([]string, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		h, err := f.Hash(rv.Index(i).Interface())
		if err != nil {
			return "", fmt.Errorf("hashing: sequence element %d: %w", i, err)
		}
		parts[i] = string(h)
	}
	return hashBytes([]byte(strings.Join(parts, ","))), nil
}

// hashMapping hashes a map as the SHA-512 of its entries sorted by key,
// "key=value" comma-joined — order does not matter going in, but the sort
// makes the result deterministic regardless of Go's randomized map
// iteration.
func (f *Factory) hashMapping(rv reflect.Value) (Hash, error) {
	type entry struct {
		key  string
		hash string
	}
	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		keyHash, err := f.Hash(iter.Key().Interface())
		if err != nil {
			return "", fmt.Errorf("hashing: map key: %w", err)
		}
		valHash, err := f.Hash(iter.Value().Interface())
		if err != nil {
			return "", fmt.Errorf("hashing: map value for key %v: %w", iter.Key().Interface(), err)
		}
		entries = append(entries, entry{key: fmt.Sprint(iter.Key().Interface()), hash: string(keyHash) + "=" + string(valHash)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.hash
	}
	return hashBytes([]byte(strings.Join(parts, ","))), nil
}

// hashSet hashes a set-like map (map[T]struct{}) as the SHA-512 of its
// elements' hashes, sorted.
func (f *Factory) hashSet(rv reflect.Value) (Hash, error) {
	hashes := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		h, err := f.Hash(iter.Key().Interface())
		if err != nil {
			return "", fmt.Errorf("hashing: set element: %w", err)
		}
		hashes = append(hashes, string(h))
	}
	sort.Strings(hashes)
	return hashBytes([]byte(strings.Join(hashes, ","))), nil
}

// hashFallback attempts deterministic CBOR-canonical serialization of an
// otherwise-unrecognized value (structs, pointers to structs, tensors/
// arrays/frames a caller hasn't registered a specific hasher for). Logs a
// warning, since silently hashing "whatever CBOR did" is a weaker contract
// than a purpose-built hasher.
func (f *Factory) hashFallback(v any) (Hash, error) {
	opts, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return "", fmt.Errorf("hashing: building canonical cbor mode: %w", err)
	}
	b, err := opts.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hashing: no registered hasher for %T and canonical serialization failed: %w", v, err)
	}
	f.logger.Warn("hashing: falling back to canonical CBOR serialization", "type", fmt.Sprintf("%T", v))
	return hashBytes(b), nil
}

// isSetLike reports whether t is a map whose values are the empty struct,
// the idiomatic Go set representation.
func isSetLike(t reflect.Type) bool {
	if t.Kind() != reflect.Map {
		return false
	}
	elem := t.Elem()
	return elem.Kind() == reflect.Struct && elem.NumField() == 0
}

func hashBytes(b []byte) Hash {
	sum := sha512.Sum512(b)
	return Hash(hex.EncodeToString(sum[:]))
}

// HashBytes exposes the same SHA-512-hex digest used internally, for
// callers outside this package that need to hash raw bytes consistently.
func HashBytes(b []byte) Hash { return hashBytes(b) }
