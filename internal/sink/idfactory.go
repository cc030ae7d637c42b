package sink

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/fxamacker/cbor/v2"
)

// deriveHash10 returns the first 10 hex characters of an HKDF-SHA3-256
// stream keyed on seed and domain-separated by info — the same
// digest-to-deterministic-identifier shape as opal's
// core/planfmt/idfactory.go plan-key derivation, narrowed here to a short
// display suffix instead of a 32-byte key.
func deriveHash10(seed []byte, info string) (string, error) {
	kdf := hkdf.New(sha3.New256, seed, nil, []byte(info))
	out := make([]byte, 5)
	if _, err := kdf.Read(out); err != nil {
		return "", fmt.Errorf("sink: deriving hash: %w", err)
	}
	return hex.EncodeToString(out), nil
}

// nameHash10 and cfgHash10 are the two HKDF-derived suffixes spec.md §6's
// reports-root layout names: "<name><nameHash10><cfgHash10>[_debug]".
// Domain-separated info strings keep the two derivations unlinkable from
// each other even when name and configID happen to collide as byte
// strings.
func nameHash10(name string) (string, error) {
	return deriveHash10([]byte(name), "pipeflow/reportsdir/name/v1")
}

func cfgHash10(configID string) (string, error) {
	return deriveHash10([]byte(configID), "pipeflow/reportsdir/config/v1")
}

// artifactID derives a content-addressed identifier for an artifact: the
// hex-encoded SHA3-256 digest of its canonical CBOR encoding, grounded on
// the same canonicalize-then-digest shape internal/hashing uses for code
// and input hashes. Two artifacts with identical content always get the
// same ID regardless of when or where they were published.
func artifactID(content any) (string, error) {
	opts, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return "", fmt.Errorf("sink: building canonical cbor mode: %w", err)
	}
	b, err := opts.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("sink: canonicalizing artifact content: %w", err)
	}
	sum := sha3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
