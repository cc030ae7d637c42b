package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/opal-lang/pipeflow/internal/cache"
	"github.com/opal-lang/pipeflow/internal/errs"
	"github.com/opal-lang/pipeflow/internal/hierarchy"
	"github.com/opal-lang/pipeflow/internal/layout"
)

// Pipeline runs a Node's children in order, threading each step's output
// into the next, per spec §4.D's Pipeline._run.
type Pipeline struct {
	node     *hierarchy.Node
	cacher   *cache.Cacher
	layout   *layout.Layout
	children []stepNode
	writer   Writer
	progress ProgressFunc
	logger   *slog.Logger
}

func newPipeline(node *hierarchy.Node, cacher *cache.Cacher, lay *layout.Layout, children []stepNode, writer Writer, progress ProgressFunc, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{node: node, cacher: cacher, layout: lay, children: children, writer: writer, progress: progress, logger: logger}
}

func (p *Pipeline) compositeName() string { return p.node.CompositeName() }

// Run is the entry point for a top-level call: isRoot is always true,
// fromStep always empty (only a recursive call narrows into an ancestor
// pipeline with a live fromStep).
func (p *Pipeline) Run(inp []any, instanceID string, untilStep string, forceDo bool, forceRunSteps []string) ([]any, error) {
	return p.run(inp, instanceID, untilStep, "", forceDo, forceRunSteps, true)
}

// RunAsTask executes the pipeline as a non-root task nested inside a larger
// control structure (spec §4.E's IterativeExecutor calling a cloned inner
// pipeline's `_run(args, untilStep, fromStep, forceDo, accessPoint=false)`):
// unlike Run, isRoot is false, so an UntilStepReached error propagates to
// the caller instead of being unwrapped, and fromStep may be set to resume
// partway through.
func (p *Pipeline) RunAsTask(inp []any, instanceID, untilStep, fromStep string, forceDo bool) ([]any, error) {
	return p.run(inp, instanceID, untilStep, fromStep, forceDo, nil, false)
}

// run implements spec §4.D's Pipeline._run.
func (p *Pipeline) run(inp []any, instanceID, untilStep, fromStep string, forceDo bool, forceRunSteps []string, isRoot bool) ([]any, error) {
	p.cacher.Reset()
	p.layout.SetInstanceID(instanceID)
	if err := os.MkdirAll(p.layout.Dir(layout.ResultsDir, false), 0o755); err != nil {
		return nil, fmt.Errorf("engine: ensuring results dir for %s: %w", p.node.CompositeName(), err)
	}

	if isRoot && untilStep != "" {
		if !p.hasStepNamed(untilStep) {
			return nil, errs.Halt(fmt.Sprintf("until step %q matches no descendant of %s", untilStep, p.node.CompositeName()), nil)
		}
	}

	if !forceDo && untilStep == "" && len(forceRunSteps) == 0 {
		// CacheExists (code hash + input + output hash), not the narrower
		// checkInput spec §4.D's pseudocode names: a child's code-hash
		// change folds into this Pipeline's own code hash (§4.C's Pipeline
		// rule), and only CacheExists notices that on this gate.
		hit, err := p.cacher.CacheExists(instanceID, inp, cache.CacheExistsOptions{})
		if err != nil {
			return nil, err
		}
		if hit {
			out, err := p.cacher.LoadOutput(instanceID)
			if err == nil {
				p.emitCachedProgress()
				return out, nil
			}
			// stored output vanished/corrupt: fall through to a real run.
		}
	}

	out := inp
	localForceDo := forceDo
	localFromStep := fromStep

	for _, child := range p.children {
		executed, result, err := p.runChild(child, out, instanceID, untilStep, localFromStep, localForceDo, forceRunSteps, isRoot)
		if err != nil {
			var untilReached *errs.UntilStepReached
			var brk *errs.PipelineBreak
			var halted *errs.PipelineHalted
			switch {
			case errors.As(err, &untilReached):
				if isRoot {
					return untilReached.Data, nil
				}
				return nil, err
			case errors.As(err, &brk):
				return out, nil
			case errors.As(err, &halted):
				return nil, err
			default:
				_ = p.finalize()
				p.logger.Error("engine: pipeline step failed", "pipeline", p.node.CompositeName(), "step", child.compositeName(), "error", err)
				return nil, errs.Halt(fmt.Sprintf("pipeline %q failed at step %q", p.node.CompositeName(), child.compositeName()), err)
			}
		}

		if !executed {
			// skipped silently while seeking fromStep
			continue
		}

		if suffixMatches(child.compositeName(), localFromStep) {
			localFromStep = ""
			localForceDo = true
		}

		out = result

		if untilStep != "" && suffixMatches(child.compositeName(), untilStep) {
			if child == p.children[len(p.children)-1] {
				if err := p.cacher.UpdateCache(instanceID, inp, out); err != nil {
					return nil, err
				}
			}
			if isRoot {
				return out, nil
			}
			return nil, &errs.UntilStepReached{Data: out}
		}
	}

	if err := p.cacher.UpdateCache(instanceID, inp, out); err != nil {
		return nil, err
	}
	if err := p.finalize(); err != nil {
		p.logger.Warn("engine: finalize failed", "pipeline", p.node.CompositeName(), "error", err)
	}
	return out, nil
}

// runChild executes a single child within the walk, handling the fromStep
// skip/match/descend logic of spec §4.D step 4. executed reports whether
// the child actually ran or loaded (false means "skipped silently, out
// unchanged").
func (p *Pipeline) runChild(child stepNode, out []any, instanceID, untilStep, fromStep string, forceDo bool, forceRunSteps []string, isRoot bool) (executed bool, result []any, err error) {
	if fromStep != "" {
		if suffixMatches(child.compositeName(), fromStep) {
			result, err = child.loadCachedOutput(instanceID)
			if err != nil {
				return false, nil, err
			}
			return true, result, nil
		}
		if childPipeline, ok := child.(*Pipeline); ok && childPipeline.hasStepNamed(fromStep) {
			result, err = childPipeline.run(out, instanceID, untilStep, fromStep, true, forceRunSteps, false)
			if err != nil {
				return false, nil, err
			}
			return true, result, nil
		}
		return false, nil, nil
	}

	switch v := child.(type) {
	case *Pipeline:
		result, err = v.run(out, instanceID, untilStep, "", forceDo, forceRunSteps, false)
	case *Block:
		childForceDo := forceDo || matchesAnyForceRunStep(v.compositeName(), forceRunSteps)
		result, err = v.Run(instanceID, out, childForceDo)
	default:
		return false, nil, fmt.Errorf("engine: unsupported step type %T", child)
	}
	if err != nil {
		return false, nil, err
	}
	return true, result, nil
}

// hasStepNamed reports whether suffix resolves to this pipeline itself or
// any descendant — the "is this Pipeline an ancestor of fromStep/untilStep"
// test spec §4.D's from/until handling needs.
func (p *Pipeline) hasStepNamed(suffix string) bool {
	if suffixMatches(p.node.CompositeName(), suffix) {
		return true
	}
	_, found := p.node.Find(suffix)
	return found
}

// emitCachedProgress recursively signals every descendant Leaf as a cached
// load, for the pipeline-level cache-hit path (spec §4.D step 3).
func (p *Pipeline) emitCachedProgress() {
	for _, child := range p.children {
		child.emitCachedProgress()
	}
}

// loadCachedOutput returns this Pipeline's most recently cached output,
// trusting whatever input is on file, and recursively signals its
// descendants as cached — used when a parent skips ahead to a fromStep
// target that is this Pipeline itself.
func (p *Pipeline) loadCachedOutput(instanceID string) ([]any, error) {
	exists, err := p.cacher.CacheExists(instanceID, nil, cache.CacheExistsOptions{TrustStoredInput: true})
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errs.Halt(fmt.Sprintf("no cached output for %s", p.node.CompositeName()), nil)
	}
	out, err := p.cacher.LoadOutput(instanceID)
	if err != nil {
		return nil, err
	}
	p.emitCachedProgress()
	return out, nil
}

// instances returns every instance key this Pipeline's own Cacher has
// recorded (not its children's).
func (p *Pipeline) instances() ([]string, error) { return p.cacher.Instances() }

// loadOutput loads instance's stored output directly from this Pipeline's
// own Cacher, without any input/code validity check.
func (p *Pipeline) loadOutput(instance string) ([]any, error) { return p.cacher.LoadOutput(instance) }

// findStep returns p itself if its composite name matches suffix, else the
// first matching descendant in depth-first order, else nil.
func (p *Pipeline) findStep(suffix string) stepNode {
	if suffixMatches(p.compositeName(), suffix) {
		return p
	}
	for _, child := range p.children {
		if found := child.findStep(suffix); found != nil {
			return found
		}
	}
	return nil
}

// Clear forwards the bound Writer's Reporter.Clear, if it implements
// Reporter; a no-op otherwise.
func (p *Pipeline) Clear() error {
	if r, ok := p.writer.(Reporter); ok {
		return r.Clear()
	}
	return nil
}

// CreateReport forwards the bound Writer's Reporter.CreateReport, if it
// implements Reporter; a no-op otherwise.
func (p *Pipeline) CreateReport() (string, error) {
	if r, ok := p.writer.(Reporter); ok {
		return r.CreateReport()
	}
	return "", nil
}

// StepOutputs maps a requested step name (as passed to RunSteps) to the
// cached output of every instance registered against it.
type StepOutputs map[string][][]any

// RunSteps implements spec §4.D's targeted replay: force execution up to
// the furthest (by position) of the requested steps, marking all of them
// force-run, then return every registered instance's cached output for each
// requested step.
func (p *Pipeline) RunSteps(instanceID string, names []string, inp []any) (StepOutputs, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("engine: RunSteps requires at least one step name")
	}

	order := p.node.CollapsedChildrenAndParents()
	furthestIdx := -1
	furthestName := ""
	for _, name := range names {
		idx := positionOf(order, name)
		if idx < 0 {
			return nil, fmt.Errorf("engine: RunSteps: step %q not found under %s", name, p.node.CompositeName())
		}
		if idx > furthestIdx {
			furthestIdx = idx
			furthestName = name
		}
	}

	if _, err := p.run(inp, instanceID, furthestName, "", false, names, true); err != nil {
		return nil, err
	}

	out := make(StepOutputs, len(names))
	for _, name := range names {
		step := p.findStep(name)
		if step == nil {
			return nil, fmt.Errorf("engine: RunSteps: step %q not found in built tree", name)
		}
		instances, err := step.instances()
		if err != nil {
			return nil, err
		}
		outputs := make([][]any, 0, len(instances))
		for _, inst := range instances {
			o, err := step.loadOutput(inst)
			if err != nil {
				continue
			}
			outputs = append(outputs, o)
		}
		out[name] = outputs
	}
	return out, nil
}

// positionOf returns the depth-first index of the element whose composite
// name matches suffix, or -1 if none does.
func positionOf(order []hierarchy.Element, suffix string) int {
	for i, e := range order {
		if suffixMatches(e.CompositeName(), suffix) {
			return i
		}
	}
	return -1
}

// finalize prunes this Pipeline's results directory if it ended up empty.
func (p *Pipeline) finalize() error {
	return pruneIfEmpty(p.layout.Dir(layout.ResultsDir, false))
}

// suffixMatches reports whether compositeName ends with suffix on a
// dot-segment boundary (e.g. suffix "b.c" matches "a.b.c" but not "a.xb.c",
// whose last two segments are "xb.c").
// Reimplemented here since hierarchy's is unexported.
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

// matchesAnyForceRunStep reports whether compositeName matches any of the
// forceRunSteps suffixes.
func matchesAnyForceRunStep(compositeName string, forceRunSteps []string) bool {
	for _, suffix := range forceRunSteps {
		if suffixMatches(compositeName, suffix) {
			return true
		}
	}
	return false
}
