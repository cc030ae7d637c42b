package hierarchy

import (
	"weak"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/opal-lang/pipeflow/internal/invariant"
)

var zeroWeakNode weak.Pointer[Node]

// Node is an Element with an ordered list of children, each either a Leaf
// or another Node.
type Node struct {
	base
	children []Element
}

var _ Element = (*Node)(nil)

// NewNode constructs an empty Node. Children are attached with Append,
// Prepend, InsertBefore, or InsertAfter.
func NewNode(name, description string, hideInShortGraph bool) *Node {
	return &Node{base: newBase(name, description, hideInShortGraph)}
}

// NamedChildren returns this node's direct children in order, keyed by
// name. Iteration order of the returned slice of pairs is the child order;
// a map would not preserve it.
func (n *Node) NamedChildren() []NamedChild {
	out := make([]NamedChild, len(n.children))
	for i, c := range n.children {
		out[i] = NamedChild{Name: c.Name(), Element: c}
	}
	return out
}

// NamedChild pairs a child's name with the child itself, preserving order.
type NamedChild struct {
	Name    string
	Element Element
}

// Children returns this node's direct children in order.
func (n *Node) Children() []Element {
	out := make([]Element, len(n.children))
	copy(out, n.children)
	return out
}

// FirstChild returns the first direct child, or nil if n has none.
func (n *Node) FirstChild() Element {
	if len(n.children) == 0 {
		return nil
	}
	return n.children[0]
}

// LastChild returns the last direct child, or nil if n has none.
func (n *Node) LastChild() Element {
	if len(n.children) == 0 {
		return nil
	}
	return n.children[len(n.children)-1]
}

// Previous returns the sibling immediately before e within its parent's
// children, or nil if e is first or has no parent.
func (n *Node) Previous(e Element) Element {
	i := n.indexOf(e)
	if i <= 0 {
		return nil
	}
	return n.children[i-1]
}

// Next returns the sibling immediately after e within its parent's
// children, or nil if e is last or has no parent.
func (n *Node) Next(e Element) Element {
	i := n.indexOf(e)
	if i < 0 || i == len(n.children)-1 {
		return nil
	}
	return n.children[i+1]
}

func (n *Node) indexOf(e Element) int {
	for i, c := range n.children {
		if c == e {
			return i
		}
	}
	return -1
}

// CollapsedChildren returns every Leaf descendant in depth-first order.
func (n *Node) CollapsedChildren() []*Leaf {
	var out []*Leaf
	collectLeaves(n, &out)
	return out
}

func collectLeaves(e Element, out *[]*Leaf) {
	switch v := e.(type) {
	case *Leaf:
		*out = append(*out, v)
	case *Node:
		for _, c := range v.children {
			collectLeaves(c, out)
		}
	}
}

// CollapsedChildrenAndParents returns every descendant (Leaf and Node) in
// depth-first order.
func (n *Node) CollapsedChildrenAndParents() []Element {
	var out []Element
	collectAll(n, &out)
	return out
}

func collectAll(e Element, out *[]Element) {
	if node, ok := e.(*Node); ok {
		for _, c := range node.children {
			*out = append(*out, c)
			collectAll(c, out)
		}
	}
}

// CollapsedParents returns every non-leaf descendant (i.e. every descendant
// Node) in depth-first order.
func (n *Node) CollapsedParents() []*Node {
	var out []*Node
	for _, e := range n.CollapsedChildrenAndParents() {
		if node, ok := e.(*Node); ok {
			out = append(out, node)
		}
	}
	return out
}

// PreviousCollapsed returns the Leaf immediately before leaf in the
// flattened leaf sequence rooted at leaf's topmost ancestor, or nil if leaf
// is first.
func PreviousCollapsed(leaf *Leaf) *Leaf {
	seq, idx := collapsedSequence(leaf)
	if idx <= 0 {
		return nil
	}
	return seq[idx-1]
}

// NextCollapsed returns the Leaf immediately after leaf in the flattened
// leaf sequence rooted at leaf's topmost ancestor, or nil if leaf is last.
func NextCollapsed(leaf *Leaf) *Leaf {
	seq, idx := collapsedSequence(leaf)
	if idx < 0 || idx == len(seq)-1 {
		return nil
	}
	return seq[idx+1]
}

func collapsedSequence(leaf *Leaf) ([]*Leaf, int) {
	root := topmostAncestor(leaf)
	var seq []*Leaf
	switch r := root.(type) {
	case *Leaf:
		seq = []*Leaf{r}
	case *Node:
		seq = r.CollapsedChildren()
	}
	for i, l := range seq {
		if l == leaf {
			return seq, i
		}
	}
	return seq, -1
}

func topmostAncestor(e Element) Element {
	ancestors := e.Ancestors()
	if len(ancestors) == 0 {
		return e
	}
	return ancestors[0]
}

// Find returns the first descendant (depth-first order) whose composite
// name ends with suffix on a dot-segment boundary.
func (n *Node) Find(suffix string) (Element, bool) {
	for _, e := range n.CollapsedChildrenAndParents() {
		if suffixMatches(e.CompositeName(), suffix) {
			return e, true
		}
	}
	return nil, false
}

// Append adds child as n's last direct child.
func (n *Node) Append(child Element) {
	invariant.NotNil(child, "child")
	n.attach(child)
	n.children = append(n.children, child)
}

// Prepend adds child as n's first direct child.
func (n *Node) Prepend(child Element) {
	invariant.NotNil(child, "child")
	n.attach(child)
	n.children = append([]Element{child}, n.children...)
}

func (n *Node) attach(child Element) {
	switch c := child.(type) {
	case *Leaf:
		c.setParent(n)
	case *Node:
		c.setParent(n)
	default:
		invariant.Invariant(false, "child must be *Leaf or *Node, got %T", child)
	}
}

// InsertBefore locates the descendant matching suffix (first match,
// depth-first) and inserts newChild as its immediately preceding sibling.
// If no descendant matches: returns *ErrNotFound unless okNotExist is true,
// in which case it is a no-op.
func (n *Node) InsertBefore(suffix string, newChild Element, okNotExist bool) error {
	target, parent, found := n.locate(suffix)
	if !found {
		if okNotExist {
			return nil
		}
		return n.notFound(suffix)
	}
	invariant.NotNil(newChild, "newChild")
	idx := parent.indexOf(target)
	parent.attach(newChild)
	parent.children = insertAt(parent.children, idx, newChild)
	return nil
}

// InsertAfter locates the descendant matching suffix and inserts newChild
// as its immediately following sibling. Same not-found semantics as
// InsertBefore.
func (n *Node) InsertAfter(suffix string, newChild Element, okNotExist bool) error {
	target, parent, found := n.locate(suffix)
	if !found {
		if okNotExist {
			return nil
		}
		return n.notFound(suffix)
	}
	invariant.NotNil(newChild, "newChild")
	idx := parent.indexOf(target)
	parent.attach(newChild)
	parent.children = insertAt(parent.children, idx+1, newChild)
	return nil
}

// Remove deletes the descendant matching suffix from its parent's children.
// Same not-found semantics as InsertBefore.
func (n *Node) Remove(suffix string, okNotExist bool) error {
	target, parent, found := n.locate(suffix)
	if !found {
		if okNotExist {
			return nil
		}
		return n.notFound(suffix)
	}
	idx := parent.indexOf(target)
	parent.children = append(parent.children[:idx], parent.children[idx+1:]...)
	setParentClearedOf(target)
	return nil
}

// Replace substitutes the descendant matching suffix with newChild in
// place. Same not-found semantics as InsertBefore.
func (n *Node) Replace(suffix string, newChild Element, okNotExist bool) error {
	target, parent, found := n.locate(suffix)
	if !found {
		if okNotExist {
			return nil
		}
		return n.notFound(suffix)
	}
	invariant.NotNil(newChild, "newChild")
	idx := parent.indexOf(target)
	parent.attach(newChild)
	parent.children[idx] = newChild
	setParentClearedOf(target)
	return nil
}

// locate finds the first descendant matching suffix and its direct parent
// Node (the "enclosing parent" structural edits operate on).
func (n *Node) locate(suffix string) (target Element, parent *Node, found bool) {
	for _, e := range n.CollapsedChildrenAndParents() {
		if suffixMatches(e.CompositeName(), suffix) {
			p := e.Parent()
			invariant.Invariant(p != nil, "descendant %q must have a parent", e.CompositeName())
			return e, p, true
		}
	}
	return nil, nil, false
}

// notFound builds an ErrNotFound for suffix, suggesting the closest
// composite name among n's descendants via fuzzy ranking.
func (n *Node) notFound(suffix string) *ErrNotFound {
	var candidates []string
	for _, e := range n.CollapsedChildrenAndParents() {
		candidates = append(candidates, e.CompositeName())
	}
	suggestion := ""
	if ranked := fuzzy.RankFindFold(suffix, candidates); len(ranked) > 0 {
		best := ranked[0]
		for _, r := range ranked[1:] {
			if r.Distance < best.Distance {
				best = r
			}
		}
		suggestion = best.Target
	}
	return &ErrNotFound{Suffix: suffix, Suggestion: suggestion}
}

func insertAt(children []Element, idx int, e Element) []Element {
	out := make([]Element, 0, len(children)+1)
	out = append(out, children[:idx]...)
	out = append(out, e)
	out = append(out, children[idx:]...)
	return out
}

// setParentClearedOf detaches e from any parent back-reference. It switches
// on e's concrete type so Remove/Replace can clear it for a Leaf or a Node.
func setParentClearedOf(e Element) {
	switch v := e.(type) {
	case *Leaf:
		v.base.parent = zeroWeakNode
	case *Node:
		v.base.parent = zeroWeakNode
	}
}
