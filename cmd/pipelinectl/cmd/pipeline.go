package cmd

import (
	"fmt"
	"strconv"

	"github.com/opal-lang/pipeflow/internal/hierarchy"
)

// referencePipeline builds the small pipeline pipelinectl's run/cache/graph
// subcommands operate on: ingest parses its arguments as integers,
// summarize totals them. pipeflow has no textual pipeline-definition
// format — hierarchies are built in Go — so this bundled pipeline gives the
// CLI a concrete, runnable target; an embedder builds and wires their own
// hierarchy.Node instead of calling into this package.
func referencePipeline() *hierarchy.Node {
	root := hierarchy.NewNode("pipeline", "reference pipeline bundled with pipelinectl", false)

	ingest := hierarchy.NewLeaf("ingest", "parses its arguments as integers", false,
		func(self *hierarchy.Leaf, args []any) (any, error) {
			nums := make([]int, 0, len(args))
			for _, a := range args {
				s, ok := a.(string)
				if !ok {
					return nil, fmt.Errorf("ingest: expected string argument, got %T", a)
				}
				n, err := strconv.Atoi(s)
				if err != nil {
					return nil, fmt.Errorf("ingest: %w", err)
				}
				nums = append(nums, n)
			}
			return nums, nil
		})

	summarize := hierarchy.NewLeaf("summarize", "sums the ingested integers", false,
		func(self *hierarchy.Leaf, args []any) (any, error) {
			nums, ok := args[0].([]int)
			if !ok {
				return nil, fmt.Errorf("summarize: expected []int input, got %T", args[0])
			}
			total := 0
			for _, n := range nums {
				total += n
			}
			return total, nil
		})

	root.Append(ingest)
	root.Append(summarize)
	return root
}
