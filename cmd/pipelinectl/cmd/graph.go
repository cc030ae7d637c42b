package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opal-lang/pipeflow/internal/hierarchy"
)

func newGraphCmd() *cobra.Command {
	graph := &cobra.Command{
		Use:   "graph",
		Short: "Prints the reference pipeline's element graph",
		RunE:  printGraph,
	}
	graph.Flags().Bool("short", false, "Omit elements marked hideInShortGraph, and their subtrees, before printing")
	return graph
}

func printGraph(cmd *cobra.Command, args []string) error {
	g := hierarchy.BuildGraph(referencePipeline())
	if short, _ := cmd.Flags().GetBool("short"); short {
		g = g.Shortened()
	}
	for _, n := range g.Nodes {
		fmt.Printf("node %s (%s)\n", n.Name, n.Label)
	}
	for _, e := range g.Edges {
		fmt.Printf("edge %s -> %s\n", e.From, e.To)
	}
	return nil
}
