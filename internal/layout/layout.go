// Package layout implements FileLayout (spec §3/§4.B): a pure function from
// (element, attr, ignoreInstance, configID, instanceID) to a filesystem
// path, plus the memoization and reset/invalidation contract spec §4.B
// describes.
package layout

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/opal-lang/pipeflow/internal/hierarchy"
	"github.com/opal-lang/pipeflow/internal/invariant"
)

// Attr is one of the three path categories spec §3 defines.
type Attr int

const (
	CacheDir Attr = iota
	ResultsDir
	ReportsDir
)

func (a Attr) String() string {
	switch a {
	case CacheDir:
		return "cache_dir"
	case ResultsDir:
		return "results_dir"
	case ReportsDir:
		return "reports_dir"
	default:
		return "unknown_dir"
	}
}

// Roots holds the three base paths a Configuration supplies (spec §6).
type Roots struct {
	CacheDir   string
	ResultsDir string
	ReportsDir string
}

func (r Roots) base(attr Attr) string {
	switch attr {
	case CacheDir:
		return r.CacheDir
	case ResultsDir:
		return r.ResultsDir
	case ReportsDir:
		return r.ReportsDir
	default:
		return ""
	}
}

// nonInstanceSpecific is the placeholder path component used in place of an
// instance ID when none is given or ignoreInstance is requested (spec §6's
// "<instance|nonInstanceSpecific>").
const nonInstanceSpecific = "nonInstanceSpecific"

// maxEndpointLen is the endpoint-segment length above which Layout collapses
// it to a short hash to stay within filesystem path limits (spec §4.B).
const maxEndpointLen = 180

// Layout is a memoizing FileLayout bound to one element. Reset clears the
// memoized paths, and SetInstanceID clears them whenever it sets the
// instance ID (spec §4.B's invariant); the engine's Block and Pipeline call
// SetInstanceID at the start of every run.
type Layout struct {
	roots    Roots
	element  hierarchy.Element
	configID string

	mu         sync.Mutex
	instanceID string
	memo       map[dirKey]string
}

type dirKey struct {
	attr           Attr
	ignoreInstance bool
}

// New binds a Layout to element under roots, for the given configID.
func New(roots Roots, element hierarchy.Element, configID string) *Layout {
	invariant.NotNil(element, "element")
	invariant.Precondition(configID != "", "configID must not be empty")
	return &Layout{roots: roots, element: element, configID: configID}
}

// SetInstanceID updates the bound instance ID and invalidates memoized
// paths, per spec §4.B: "Changing instanceID must invalidate memoized
// paths."
func (l *Layout) SetInstanceID(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.instanceID = instanceID
	l.memo = nil
}

// Reset nulls any memoized derived paths.
func (l *Layout) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.memo = nil
}

// Dir returns the directory for attr, using the currently bound
// instance ID unless ignoreInstance elides it.
func (l *Layout) Dir(attr Attr, ignoreInstance bool) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := dirKey{attr: attr, ignoreInstance: ignoreInstance}
	if l.memo != nil {
		if cached, ok := l.memo[key]; ok {
			return cached
		}
	}

	instanceComponent := nonInstanceSpecific
	if !ignoreInstance && l.instanceID != "" {
		instanceComponent = l.instanceID
	}

	dir := filepath.Join(
		l.roots.base(attr),
		instanceComponent,
		l.configID,
		CollapseIfLong(Endpoint(l.element)),
	)

	if l.memo == nil {
		l.memo = make(map[dirKey]string)
	}
	l.memo[key] = dir
	return dir
}

// Endpoint derives the filesystem endpoint of e: the dot-ancestor-chain
// names joined by "/", with an extra "v<version>" segment when e carries a
// non-empty Versioned version (spec §3's endpoint(e) recursion, expressed
// directly over e.Ancestors() rather than literal recursion since Ancestors
// already walks root-to-parent).
func Endpoint(e hierarchy.Element) string {
	invariant.NotNil(e, "e")
	ancestors := e.Ancestors()
	parts := make([]string, 0, len(ancestors)+2)
	for _, a := range ancestors {
		parts = append(parts, a.Name())
	}
	parts = append(parts, e.Name())

	if v, ok := e.(hierarchy.Versioned); ok {
		if ver := v.LayoutVersion(); ver != "" {
			invariant.Precondition(isWellFormedVersion(ver), "leaf version %q must be semver-like", ver)
			parts = append(parts, "v"+ver)
		}
	}
	return strings.Join(parts, "/")
}

// isWellFormedVersion accepts anything semver.IsValid accepts once
// canonicalized with a leading "v", which covers the common "1.2.3" /
// "v1.2.3" forms Leaf authors are likely to write; it deliberately does not
// reject non-semver free-form discriminants outright elsewhere in the
// system — only Endpoint, which folds the version into a path, enforces it.
func isWellFormedVersion(v string) bool {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.IsValid(v)
}

// CollapseIfLong collapses endpoint to the first 20 hex characters of its
// SHA-512 digest when it exceeds maxEndpointLen, to stay within filesystem
// path-length limits (spec §3/§4.B).
func CollapseIfLong(endpoint string) string {
	if len(endpoint) <= maxEndpointLen {
		return endpoint
	}
	sum := sha512.Sum512([]byte(endpoint))
	return hex.EncodeToString(sum[:])[:20]
}

// ReportsDirName builds the reports-root directory name of spec §6's
// `<name><nameHash10><cfgHash10>[_debug]` convention. The two 10-hex-char
// suffixes are produced by internal/sink (HKDF-derived, not plain SHA-512),
// so this helper only assembles the final string.
func ReportsDirName(name, nameHash10, cfgHash10 string, debug bool) string {
	suffix := ""
	if debug {
		suffix = "_debug"
	}
	return fmt.Sprintf("%s%s%s%s", name, nameHash10, cfgHash10, suffix)
}
