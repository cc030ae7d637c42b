// Command pipelinectl operates a pipeflow pipeline's cache, reports, and
// element graph from the command line.
package main

import "github.com/opal-lang/pipeflow/cmd/pipelinectl/cmd"

func main() {
	cmd.Execute()
}
