package hierarchy

// GraphNode is one element's contribution to the emitted graph (spec §4.A).
// Rendering to a human graph format (dot, mermaid, ...) is an external
// collaborator; this package only emits the abstract node/edge set.
type GraphNode struct {
	Name              string
	Label             string
	Color             string
	HiddenInShortened bool
	Description       string
	Rank              int
}

// GraphEdge connects two elements by composite name, From the previous
// sibling to To the current element.
type GraphEdge struct {
	From string
	To   string
}

// Graph is the directed graph of an element tree: one node per element,
// one edge per sibling pair (previous → current).
type Graph struct {
	Nodes []GraphNode
	Edges []GraphEdge
}

// BuildGraph walks root and its descendants, depth-first, emitting a node
// for every element and an edge from each element to its immediately
// following sibling.
func BuildGraph(root Element) Graph {
	var g Graph
	buildGraph(root, 0, &g)
	return g
}

func buildGraph(e Element, rank int, g *Graph) {
	g.Nodes = append(g.Nodes, GraphNode{
		Name:              e.CompositeName(),
		Label:             e.Name(),
		HiddenInShortened: e.HideInShortGraph(),
		Description:       e.Description(),
		Rank:              rank,
	})

	node, ok := e.(*Node)
	if !ok {
		return
	}
	var prev Element
	for _, c := range node.children {
		if prev != nil {
			g.Edges = append(g.Edges, GraphEdge{From: prev.CompositeName(), To: c.CompositeName()})
		}
		buildGraph(c, rank+1, g)
		prev = c
	}
}

// Shortened returns the subset of g with every element whose
// HiddenInShortened is true removed, along with its subtree and any edge
// touching a removed node — mirroring the "shortened traversal skips
// elements with hideInShortGraph=true (including their subtrees for nodes)"
// rule of spec §4.A.
func (g Graph) Shortened() Graph {
	hiddenNames := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.HiddenInShortened {
			hiddenNames[n.Name] = true
		}
	}
	// Propagate hiding to descendants: a node is hidden if its composite
	// name has a hidden ancestor (composite names are dot-prefixed by
	// construction, so a descendant's name always starts with its
	// ancestor's name + ".").
	isHidden := func(name string) bool {
		for hidden := range hiddenNames {
			if name == hidden || (len(name) > len(hidden) && name[:len(hidden)+1] == hidden+".") {
				return true
			}
		}
		return false
	}

	var out Graph
	for _, n := range g.Nodes {
		if !isHidden(n.Name) {
			out.Nodes = append(out.Nodes, n)
		}
	}
	for _, e := range g.Edges {
		if !isHidden(e.From) && !isHidden(e.To) {
			out.Edges = append(out.Edges, e)
		}
	}
	return out
}
