// Package hierarchy implements the acyclic composition tree of spec §3/§4.A:
// Elements (Leaf and Node) organized into a tree, navigable by composite
// name, with in-place structural edits addressed by composite-name suffix.
//
// Parent back-references are weak (golang.org/x/... no — stdlib `weak`,
// Go 1.24+): a Node's children hold strong references to it, but a child's
// reference back to its parent does not keep the parent alive on its own,
// matching the "cyclic parent back-references ... represent as weak
// references" note in spec §9. This also keeps the tree out of any cycle a
// naive serializer would choke on.
package hierarchy

import (
	"fmt"
	"strings"
	"weak"

	"golang.org/x/text/unicode/norm"

	"github.com/opal-lang/pipeflow/internal/invariant"
)

// Element is the contract every tree member satisfies: name/description
// metadata, ancestor navigation, and composite-name derivation.
type Element interface {
	Name() string
	Description() string
	HideInShortGraph() bool
	Parent() *Node
	IsRoot() bool
	Ancestors() []*Node
	CompositeName() string
	IsChildOf(x *Node) bool
}

// base is the shared state embedded by both Leaf and Node.
type base struct {
	name             string
	description      string
	hideInShortGraph bool
	parent           weak.Pointer[Node]
}

func newBase(name, description string, hideInShortGraph bool) base {
	invariant.Precondition(name != "", "element name must not be empty")
	return base{
		name:             norm.NFC.String(name),
		description:      description,
		hideInShortGraph: hideInShortGraph,
	}
}

func (b *base) Name() string             { return b.name }
func (b *base) Description() string      { return b.description }
func (b *base) HideInShortGraph() bool   { return b.hideInShortGraph }
func (b *base) Parent() *Node            { return b.parent.Value() }
func (b *base) IsRoot() bool             { return b.parent.Value() == nil }
func (b *base) setParent(p *Node)        { b.parent = weak.Make(p) }

// Ancestors returns the parent chain from the root down to (but excluding)
// this element.
func (b *base) Ancestors() []*Node {
	var chain []*Node
	for p := b.parent.Value(); p != nil; p = p.parent.Value() {
		chain = append(chain, p)
	}
	// chain is currently leaf-to-root; reverse to root-to-leaf.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// CompositeName is the dot-join of every ancestor's name, root first, ending
// with this element's own name.
func (b *base) CompositeName() string {
	ancestors := b.Ancestors()
	parts := make([]string, 0, len(ancestors)+1)
	for _, a := range ancestors {
		parts = append(parts, a.name)
	}
	parts = append(parts, b.name)
	return strings.Join(parts, ".")
}

// IsChildOf reports whether x appears anywhere in this element's ancestor
// chain (not just as the immediate parent).
func (b *base) IsChildOf(x *Node) bool {
	invariant.NotNil(x, "x")
	for p := b.parent.Value(); p != nil; p = p.parent.Value() {
		if p == x {
			return true
		}
	}
	return false
}

// MostRecentCommonAncestor returns the deepest Node that is an ancestor of
// both a and b, or nil if they belong to different trees.
func MostRecentCommonAncestor(a, b Element) *Node {
	invariant.NotNil(a, "a")
	invariant.NotNil(b, "b")

	aChain := ancestorsIncludingSelfIfNode(a)
	bSet := make(map[*Node]int, len(aChain))
	for i, n := range aChain {
		bSet[n] = i
	}

	bChain := ancestorsIncludingSelfIfNode(b)
	var best *Node
	bestDepth := -1
	for depth, n := range bChain {
		if _, ok := bSet[n]; ok {
			if depth > bestDepth {
				best = n
				bestDepth = depth
			}
		}
	}
	return best
}

// ancestorsIncludingSelfIfNode returns the root-to-self chain of Nodes that
// are ancestors of e, including e itself when e is a Node.
func ancestorsIncludingSelfIfNode(e Element) []*Node {
	chain := e.Ancestors()
	if n, ok := e.(*Node); ok {
		chain = append(chain, n)
	}
	return chain
}

// suffixMatches reports whether compositeName ends with suffix on a
// dot-segment boundary: "B.C" matches "root.A.B.C" but not "XB.C".
func suffixMatches(compositeName, suffix string) bool {
	if suffix == "" {
		return false
	}
	cParts := strings.Split(compositeName, ".")
	sParts := strings.Split(suffix, ".")
	if len(sParts) > len(cParts) {
		return false
	}
	tail := cParts[len(cParts)-len(sParts):]
	return strings.Join(tail, ".") == suffix
}

// ErrNotFound is returned by suffix-addressed operations when no descendant
// matches and okNotExist was not requested. Suggestion, when non-empty, is
// the closest composite name among the searched descendants, fuzzy-matched
// to help diagnose typos in hand-written suffixes.
type ErrNotFound struct {
	Suffix     string
	Suggestion string
}

func (e *ErrNotFound) Error() string {
	if e.Suggestion == "" {
		return fmt.Sprintf("hierarchy: no element found matching suffix %q", e.Suffix)
	}
	return fmt.Sprintf("hierarchy: no element found matching suffix %q (did you mean %q?)", e.Suffix, e.Suggestion)
}
