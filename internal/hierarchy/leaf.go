package hierarchy

import (
	"fmt"
	"reflect"
	"runtime"
)

// LeafFunc is a Leaf's computation. It receives the Leaf itself (so the
// function can inspect its own name/composite name/instance for logging)
// and the input tuple, and returns an output tuple. A nil return value
// means "no output" (spec's empty tuple); a returned []any is the output
// tuple as is, and any other value (a slice of another element type
// included) is a scalar, wrapped into a one-element tuple by the engine that
// calls it — LeafFunc itself just returns whatever `any` it computed.
type LeafFunc func(self *Leaf, args []any) (any, error)

// Leaf is an Element with no children and a computation. version is an
// optional directory discriminant folded into its FileLayout endpoint;
// instanceID is an optional per-run discriminant (may be nested,
// "parent/child"); cacheEnabled gates whether the cached-call protocol is
// applied at all; deletePreviousResult clears the results directory on run
// entry.
type Leaf struct {
	base

	Fn                   LeafFunc
	Version              string
	InstanceID           string
	CacheEnabled         bool
	DeletePreviousResult bool

	// Source optionally overrides the code-fingerprint identity used by the
	// hash factory's code hash (internal/hashing). Go cannot recover a
	// function's source text at runtime, so the hash factory's default
	// identity is Fn's qualified symbol name and file:line via
	// runtime.FuncForPC; Source lets a caller supply an explicit fingerprint
	// when Fn is a closure whose identity is not stable across builds.
	Source string
}

// NewLeaf constructs a Leaf. version, instanceID, and source may be empty.
func NewLeaf(name, description string, hideInShortGraph bool, fn LeafFunc) *Leaf {
	return &Leaf{
		base:         newBase(name, description, hideInShortGraph),
		Fn:           fn,
		CacheEnabled: true,
	}
}

var _ Element = (*Leaf)(nil)

// CodeFingerprint returns the bytes internal/hashing's hash factory digests
// as this Leaf's code hash: its composite name plus an identity for Fn.
// Go cannot recover Fn's source text at runtime, so the identity is Source
// when the caller supplied one, else Fn's qualified symbol name and
// file:line via runtime.FuncForPC — stable across repeated runs of the same
// build, and different whenever Fn is reassigned to a different function
// literal or the surrounding line moves.
func (l *Leaf) CodeFingerprint() []byte {
	identity := l.Source
	if identity == "" {
		identity = fnIdentity(l.Fn)
	}
	return []byte(l.CompositeName() + "\x00" + identity)
}

func fnIdentity(fn LeafFunc) string {
	if fn == nil {
		return "<nil>"
	}
	ptr := reflect.ValueOf(fn).Pointer()
	rf := runtime.FuncForPC(ptr)
	if rf == nil {
		return fmt.Sprintf("%#x", ptr)
	}
	file, line := rf.FileLine(ptr)
	return fmt.Sprintf("%s:%s:%d", rf.Name(), file, line)
}

// Versioned is optionally implemented by elements that contribute a
// "v<version>" path segment to their FileLayout endpoint. Only Leaf carries
// a version discriminant today.
type Versioned interface {
	LayoutVersion() string
}

// LayoutVersion returns l.Version, satisfying Versioned.
func (l *Leaf) LayoutVersion() string { return l.Version }

var _ Versioned = (*Leaf)(nil)
