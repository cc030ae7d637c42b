package engine

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/opal-lang/pipeflow/internal/cache"
	"github.com/opal-lang/pipeflow/internal/hashing"
	"github.com/opal-lang/pipeflow/internal/hierarchy"
	"github.com/opal-lang/pipeflow/internal/layout"
)

// BuildOptions bundles the run-wide collaborators every Block/Pipeline in a
// built tree shares.
type BuildOptions struct {
	Roots     layout.Roots
	ConfigID  string
	Factory   *hashing.Factory
	Writer    Writer
	Progress  ProgressFunc
	MaxSaved  int
	CacheRoot string
	Logger    *slog.Logger
}

// stepNode is the uniform shape Pipeline's child-walk drives: both *Block
// (a Leaf) and *Pipeline (a Node) satisfy it, so the walk in Pipeline.run
// does not need to type-switch on every step.
type stepNode interface {
	compositeName() string
	// loadCachedOutput returns this step's most recently cached output
	// without recomputing it, trusting whatever input is on file — used when
	// a parent pipeline skips ahead to a fromStep target.
	loadCachedOutput(instanceID string) ([]any, error)
	// emitCachedProgress recursively signals progress for every Leaf
	// descendant (and self, if a Block) without running anything, for the
	// pipeline-level cache-hit path.
	emitCachedProgress()
	// instances returns every instance key this step's Cacher has recorded.
	instances() ([]string, error)
	// loadOutput loads instance's stored output directly from this step's
	// Cacher, without any input/code validity check.
	loadOutput(instance string) ([]any, error)
	// findStep returns self or the first descendant (depth-first) whose
	// composite name matches suffix, or nil if none does.
	findStep(suffix string) stepNode
}

// Build walks element (a *hierarchy.Leaf or *hierarchy.Node) bottom-up into
// a parallel tree of *Block/*Pipeline, wiring each element's own Layout and
// Cacher. Children are built before their parent so a Pipeline's code hash
// (name + configID + child code hashes) can be computed from already-built
// children, per spec's Pipeline hash rule.
func Build(element hierarchy.Element, opts BuildOptions) (stepNode, error) {
	switch e := element.(type) {
	case *hierarchy.Leaf:
		return buildBlock(e, opts)
	case *hierarchy.Node:
		return buildPipeline(e, opts)
	default:
		return nil, fmt.Errorf("engine: build: unsupported element type %T", element)
	}
}

func buildBlock(leaf *hierarchy.Leaf, opts BuildOptions) (*Block, error) {
	lay := layout.New(opts.Roots, leaf, opts.ConfigID)
	slotDir := lay.Dir(layout.CacheDir, true)
	slot := cache.NewCacheSlot(slotDir)
	cacher := cache.New(leaf.CompositeName(), slot, opts.Factory, leaf, opts.MaxSaved, opts.CacheRoot, opts.Logger)
	return newBlock(leaf, cacher, lay, opts.Writer, opts.Progress, opts.Logger), nil
}

func buildPipeline(node *hierarchy.Node, opts BuildOptions) (*Pipeline, error) {
	children := node.Children()
	steps := make([]stepNode, 0, len(children))
	childHashes := make([]hashing.Hash, 0, len(children))
	for _, child := range children {
		built, err := Build(child, opts)
		if err != nil {
			return nil, err
		}
		steps = append(steps, built)

		childHash, err := codeHashOf(built)
		if err != nil {
			return nil, fmt.Errorf("engine: building %s: child code hash: %w", node.CompositeName(), err)
		}
		childHashes = append(childHashes, childHash)
	}

	identity := pipelineCodeIdentity{name: node.CompositeName(), configID: opts.ConfigID, childHashes: childHashes}

	lay := layout.New(opts.Roots, node, opts.ConfigID)
	slotDir := lay.Dir(layout.CacheDir, true)
	slot := cache.NewCacheSlot(slotDir)
	cacher := cache.New(node.CompositeName(), slot, opts.Factory, identity, opts.MaxSaved, opts.CacheRoot, opts.Logger)

	return newPipeline(node, cacher, lay, steps, opts.Writer, opts.Progress, opts.Logger), nil
}

// codeHashOf extracts a freshly built step's own code hash, for folding into
// its parent Pipeline's identity.
func codeHashOf(s stepNode) (hashing.Hash, error) {
	switch v := s.(type) {
	case *Block:
		return v.cacher.CodeHash()
	case *Pipeline:
		return v.cacher.CodeHash()
	default:
		return "", fmt.Errorf("engine: unsupported step type %T", s)
	}
}

// pipelineCodeIdentity implements hashing.CodeFingerprinter with spec
// §4.C's Pipeline rule: SHA-512 of name + configID + child-hashes.
type pipelineCodeIdentity struct {
	name        string
	configID    string
	childHashes []hashing.Hash
}

func (p pipelineCodeIdentity) CodeFingerprint() []byte {
	parts := make([]string, 0, len(p.childHashes)+2)
	parts = append(parts, p.name, p.configID)
	for _, h := range p.childHashes {
		parts = append(parts, string(h))
	}
	return []byte(strings.Join(parts, "\x00"))
}
