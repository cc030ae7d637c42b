package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validatorCache caches compiled JSON Schema validators by schema hash.
// Grounded on opal's core/types/validation_cache.go; generalized here from a
// per-Validator cache to a package-level one, since Configuration validates
// against exactly one fixed schema but Load may run more than once in a
// process, and each Load after the first reuses the compiled schema.
type validatorCache struct {
	mu      sync.RWMutex
	cache   map[string]*jsonschema.Schema
	maxSize int
}

func newValidatorCache(maxSize int) *validatorCache {
	return &validatorCache{cache: make(map[string]*jsonschema.Schema), maxSize: maxSize}
}

func (c *validatorCache) get(schemaHash string) (*jsonschema.Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.cache[schemaHash]
	return v, ok
}

func (c *validatorCache) put(schemaHash string, validator *jsonschema.Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cache) >= c.maxSize {
		c.cache = make(map[string]*jsonschema.Schema)
	}
	c.cache[schemaHash] = validator
}

var defaultValidatorCache = newValidatorCache(8)

func hashSchemaText(schema []byte) string {
	sum := sha256.Sum256(schema)
	return hex.EncodeToString(sum[:])
}

func compileSchema(schemaJSON []byte) (*jsonschema.Schema, error) {
	hash := hashSchemaText(schemaJSON)
	if v, ok := defaultValidatorCache.get(hash); ok {
		return v, nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	const url = "schema://pipeflow-configuration.json"
	if err := compiler.AddResource(url, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	validator, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	defaultValidatorCache.put(hash, validator)
	return validator, nil
}
