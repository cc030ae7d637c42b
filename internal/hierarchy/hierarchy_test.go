package hierarchy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opal-lang/pipeflow/internal/hierarchy"
)

func noopFn(*hierarchy.Leaf, []any) (any, error) { return nil, nil }

func buildTree() (*hierarchy.Node, *hierarchy.Leaf, *hierarchy.Leaf, *hierarchy.Leaf) {
	root := hierarchy.NewNode("P", "root pipeline", false)
	a := hierarchy.NewLeaf("A", "", false, noopFn)
	b := hierarchy.NewLeaf("B", "", false, noopFn)
	c := hierarchy.NewLeaf("C", "", false, noopFn)
	root.Append(a)
	root.Append(b)
	root.Append(c)
	return root, a, b, c
}

func TestCompositeName(t *testing.T) {
	root, a, b, c := buildTree()
	require.Equal(t, "P", root.CompositeName())
	require.Equal(t, "P.A", a.CompositeName())
	require.Equal(t, "P.B", b.CompositeName())
	require.Equal(t, "P.C", c.CompositeName())
}

func TestAncestorsAndIsChildOf(t *testing.T) {
	root, a, _, _ := buildTree()
	require.Len(t, a.Ancestors(), 1)
	require.Equal(t, root, a.Ancestors()[0])
	require.True(t, a.IsChildOf(root))
	require.True(t, root.IsRoot())
	require.False(t, a.IsRoot())
}

func TestCollapsedChildrenAndNeighbors(t *testing.T) {
	root, a, b, c := buildTree()
	leaves := root.CollapsedChildren()
	require.Equal(t, []*hierarchy.Leaf{a, b, c}, leaves)

	require.Nil(t, hierarchy.PreviousCollapsed(a))
	require.Equal(t, a, hierarchy.PreviousCollapsed(b))
	require.Equal(t, b, hierarchy.PreviousCollapsed(c))
	require.Equal(t, b, hierarchy.NextCollapsed(a))
	require.Nil(t, hierarchy.NextCollapsed(c))
}

func TestPreviousNextSiblings(t *testing.T) {
	root, a, b, c := buildTree()
	require.Nil(t, root.Previous(a))
	require.Equal(t, a, root.Previous(b))
	require.Equal(t, b, root.Previous(c))
	require.Equal(t, b, root.Next(a))
	require.Nil(t, root.Next(c))
}

func TestFindBySuffix(t *testing.T) {
	root, _, b, _ := buildTree()
	found, ok := root.Find("B")
	require.True(t, ok)
	require.Equal(t, b, found)

	found, ok = root.Find("P.B")
	require.True(t, ok)
	require.Equal(t, b, found)

	_, ok = root.Find("XB")
	require.False(t, ok)
}

func TestStructuralEditsRoundTrip(t *testing.T) {
	root, a, _, _ := buildTree()
	extra := hierarchy.NewLeaf("X", "", false, noopFn)

	require.NoError(t, root.InsertBefore("A", extra, false))
	require.Equal(t, []*hierarchy.Leaf{extra, a}, root.CollapsedChildren()[:2])

	require.NoError(t, root.Remove("X", false))
	require.Equal(t, a, root.CollapsedChildren()[0])
}

func TestReplaceRoundTrip(t *testing.T) {
	root, a, _, _ := buildTree()
	x := hierarchy.NewLeaf("X", "", false, noopFn)

	require.NoError(t, root.Replace("A", x, false))
	require.NoError(t, root.Replace("X", a, false))
	require.Equal(t, a, root.CollapsedChildren()[0])
}

func TestNotFoundWithoutOkNotExist(t *testing.T) {
	root, _, _, _ := buildTree()
	err := root.Remove("nonexistent", false)
	require.Error(t, err)
	var nf *hierarchy.ErrNotFound
	require.ErrorAs(t, err, &nf)
}

func TestNotFoundOkNotExistIsNoop(t *testing.T) {
	root, _, _, _ := buildTree()
	require.NoError(t, root.Remove("nonexistent", true))
	require.Len(t, root.CollapsedChildren(), 3)
}

func TestMostRecentCommonAncestor(t *testing.T) {
	root, a, b, _ := buildTree()
	mrca := hierarchy.MostRecentCommonAncestor(a, b)
	require.Equal(t, root, mrca)
}

func TestNestedMostRecentCommonAncestor(t *testing.T) {
	root := hierarchy.NewNode("P", "", false)
	sub := hierarchy.NewNode("Sub", "", false)
	root.Append(sub)
	leaf1 := hierarchy.NewLeaf("L1", "", false, noopFn)
	leaf2 := hierarchy.NewLeaf("L2", "", false, noopFn)
	sub.Append(leaf1)
	sub.Append(leaf2)

	mrca := hierarchy.MostRecentCommonAncestor(leaf1, leaf2)
	require.Equal(t, sub, mrca)
}

func TestGraphShortenedSkipsHiddenSubtree(t *testing.T) {
	root := hierarchy.NewNode("P", "", false)
	a := hierarchy.NewLeaf("A", "", false, noopFn)
	hidden := hierarchy.NewNode("Hidden", "", true)
	hiddenChild := hierarchy.NewLeaf("Inner", "", false, noopFn)
	hidden.Append(hiddenChild)
	root.Append(a)
	root.Append(hidden)

	g := hierarchy.BuildGraph(root)
	short := g.Shortened()

	names := map[string]bool{}
	for _, n := range short.Nodes {
		names[n.Name] = true
	}
	require.True(t, names["P"])
	require.True(t, names["P.A"])
	require.False(t, names["P.Hidden"])
	require.False(t, names["P.Hidden.Inner"])
}
