package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/opal-lang/pipeflow/internal/cache"
	"github.com/opal-lang/pipeflow/internal/errs"
	"github.com/opal-lang/pipeflow/internal/hierarchy"
	"github.com/opal-lang/pipeflow/internal/layout"
)

// Block runs a single Leaf under the cached-call protocol of spec §4.C,
// mapping its fn's errors onto the error-flow protocol of §7.
type Block struct {
	leaf     *hierarchy.Leaf
	cacher   *cache.Cacher
	layout   *layout.Layout
	writer   Writer
	progress ProgressFunc
	logger   *slog.Logger
}

// newBlock binds a Block to leaf, with its own Cacher and Layout rooted at
// leaf's element hash directory.
func newBlock(leaf *hierarchy.Leaf, cacher *cache.Cacher, lay *layout.Layout, writer Writer, progress ProgressFunc, logger *slog.Logger) *Block {
	if logger == nil {
		logger = slog.Default()
	}
	return &Block{leaf: leaf, cacher: cacher, layout: lay, writer: writer, progress: progress, logger: logger}
}

// Run executes the Leaf's fn under the cache gate, per spec §4.D's
// Block.run: reset, optional results-dir wipe, cache gate, error mapping,
// finalize.
func (b *Block) Run(instance string, args []any, forceDo bool) ([]any, error) {
	b.cacher.Reset()
	b.layout.SetInstanceID(instance)

	if b.leaf.DeletePreviousResult {
		if err := os.RemoveAll(b.layout.Dir(layout.ResultsDir, false)); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("engine: clearing previous results for %s: %w", b.leaf.CompositeName(), err)
		}
	}

	out, err := b.cacher.CachedCall(instance, args, forceDo, b.leaf.CacheEnabled, b.onCacheHit, func() ([]any, error) {
		return b.invoke(args)
	})
	if err != nil {
		return nil, err
	}

	if finalizeErr := b.finalize(); finalizeErr != nil {
		b.logger.Warn("engine: finalize failed", "element", b.leaf.CompositeName(), "error", finalizeErr)
	}
	return out, nil
}

func (b *Block) compositeName() string { return b.leaf.CompositeName() }

// loadCachedOutput returns this Leaf's most recently cached output, trusting
// whatever input is on file rather than recomputing/comparing it — the
// mechanism a parent uses when skipping ahead to a fromStep target.
func (b *Block) loadCachedOutput(instanceID string) ([]any, error) {
	exists, err := b.cacher.CacheExists(instanceID, nil, cache.CacheExistsOptions{TrustStoredInput: true})
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errs.Halt(fmt.Sprintf("no cached output for %s", b.leaf.CompositeName()), nil)
	}
	out, err := b.cacher.LoadOutput(instanceID)
	if err != nil {
		return nil, err
	}
	b.onCacheHit()
	return out, nil
}

// emitCachedProgress signals this Leaf's progress as a cached load.
func (b *Block) emitCachedProgress() { b.onCacheHit() }

// instances returns every instance key this Leaf's Cacher has recorded.
func (b *Block) instances() ([]string, error) { return b.cacher.Instances() }

// loadOutput loads instance's stored output directly, without any
// input/code validity check.
func (b *Block) loadOutput(instance string) ([]any, error) { return b.cacher.LoadOutput(instance) }

// findStep returns b itself if its composite name matches suffix, else nil
// — a Leaf has no descendants to search further.
func (b *Block) findStep(suffix string) stepNode {
	if suffixMatches(b.compositeName(), suffix) {
		return b
	}
	return nil
}

// Clear forwards the bound Writer's Reporter.Clear, if it implements
// Reporter; a no-op otherwise.
func (b *Block) Clear() error {
	if r, ok := b.writer.(Reporter); ok {
		return r.Clear()
	}
	return nil
}

// CreateReport forwards the bound Writer's Reporter.CreateReport, if it
// implements Reporter; a no-op otherwise.
func (b *Block) CreateReport() (string, error) {
	if r, ok := b.writer.(Reporter); ok {
		return r.CreateReport()
	}
	return "", nil
}

// onCacheHit emits the per-Leaf progress signal for a cached load.
func (b *Block) onCacheHit() {
	if b.progress != nil {
		b.progress(b.leaf, true)
	}
}

// invoke calls the Leaf's fn, normalizing its return and mapping any error
// onto spec §7's protocol: signaling errors pass through unchanged,
// everything else becomes a *errs.BlockError wrapped in *errs.PipelineHalted.
func (b *Block) invoke(args []any) ([]any, error) {
	ret, err := b.leaf.Fn(b.leaf, args)
	if err != nil {
		if errs.IsSignaling(err) {
			return nil, err
		}
		return nil, errs.Halt(
			fmt.Sprintf("block %q failed", b.leaf.CompositeName()),
			&errs.BlockError{Name: b.leaf.CompositeName(), Cause: err},
		)
	}

	out := normalizeOutput(ret)
	if b.progress != nil {
		b.progress(b.leaf, false)
	}
	return out, nil
}

// normalizeOutput implements spec §4.D step 2's "fn may return a tuple or a
// scalar; a scalar is wrapped as a 1-tuple. nil yields an empty tuple."
func normalizeOutput(ret any) []any {
	if ret == nil {
		return nil
	}
	if tuple, ok := ret.([]any); ok {
		return tuple
	}
	return []any{ret}
}

// finalize prunes this Leaf's results directory if it ended up empty.
func (b *Block) finalize() error {
	return pruneIfEmpty(b.layout.Dir(layout.ResultsDir, false))
}

// pruneIfEmpty removes dir if it exists and contains nothing.
func pruneIfEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(entries) > 0 {
		return nil
	}
	return os.Remove(dir)
}
