// Package iterative implements the IterativeExecutor and Switch components
// of spec.md §4.E, the layer above internal/engine in the dependency order
// (Hierarchy → FileLayout → Cacher → Executor → IterativeExecutor → Switch):
// given a keyed input, it fans out one pipeline run per key, optionally in
// parallel, aggregating outputs and the §7 signaling errors the same way a
// Pipeline aggregates its children's.
package iterative

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opal-lang/pipeflow/internal/cache"
	"github.com/opal-lang/pipeflow/internal/engine"
	"github.com/opal-lang/pipeflow/internal/errs"
	"github.com/opal-lang/pipeflow/internal/hierarchy"
	"github.com/opal-lang/pipeflow/internal/layout"
)

// KeyedInput is the normalized form of spec.md §4.E's three accepted input
// shapes — a mapping key → argTuple, a list of keys (args implicitly
// empty), or a single key — as an explicitly ordered key list plus a
// lookup map, since Go maps do not preserve the insertion order spec.md §5
// requires the aggregate's output to follow.
type KeyedInput struct {
	Keys []string
	Args map[string][]any
}

// NewMappingInput builds a KeyedInput from an explicit key order and their
// argument tuples — the caller's own mapping, made ordered.
func NewMappingInput(keys []string, args map[string][]any) KeyedInput {
	return KeyedInput{Keys: append([]string(nil), keys...), Args: args}
}

// NewKeyListInput treats keys themselves as the whole input, with an empty
// argument tuple per task (spec.md §4.E: "a list of keys (inputs empty)").
func NewKeyListInput(keys []string) KeyedInput {
	args := make(map[string][]any, len(keys))
	for _, k := range keys {
		args[k] = nil
	}
	return KeyedInput{Keys: append([]string(nil), keys...), Args: args}
}

// NewSingleKeyInput treats key as the sole task.
func NewSingleKeyInput(key string, argTuple []any) KeyedInput {
	return KeyedInput{Keys: []string{key}, Args: map[string][]any{key: argTuple}}
}

// NewAnonymousInput treats each element of argTuples as its own task with
// no natural string key, generating a random key for each — the one shape
// of spec.md §4.E's "keyed input" that genuinely has no key to key by.
func NewAnonymousInput(argTuples [][]any) KeyedInput {
	keys := make([]string, len(argTuples))
	args := make(map[string][]any, len(argTuples))
	for i, a := range argTuples {
		k := uuid.NewString()
		keys[i] = k
		args[k] = a
	}
	return KeyedInput{Keys: keys, Args: args}
}

// Result is an IterativeExecutor invocation's return value: spec.md §4.E's
// "ordered mapping of key → output".
type Result struct {
	Keys    []string
	Outputs map[string][]any
}

// AsOutputTuple wraps Result as the one-element tuple spec.md §4.E
// describes ("wrapped in a 1-tuple"), for a caller threading this
// executor's result into something that expects a Block/Pipeline-shaped
// output.
func (r Result) AsOutputTuple() []any {
	mapping := make(map[string]any, len(r.Outputs))
	for k, v := range r.Outputs {
		mapping[k] = v
	}
	return []any{mapping}
}

// Executor runs a wrapped pipeline once per key of a KeyedInput (spec.md
// §4.E). Its own cache is never consulted for validity — only each task's
// own pipeline cache is — but it is an InstancesCacher: every invocation
// records which child instance IDs it produced, for later enumeration or
// targeted cache clearing.
type Executor struct {
	node *hierarchy.Node
	sw   *Switch
	opts engine.BuildOptions

	registry *cache.InstancesCacher
	logger   *slog.Logger

	// Parallel, when > 0, bounds the number of tasks run concurrently.
	// Zero means sequential, independent tasks.
	Parallel int
	// SequentialInstances, when true, feeds each task's output as the next
	// task's input, overriding Parallel (spec.md §4.E's "sequentialInstances
	// mode").
	SequentialInstances bool
	// MaxTries bounds retries of an unknown (non-signaling) task error,
	// with a 1s backoff between attempts. Defaults to 1 (no retry).
	MaxTries int
}

// NewExecutor wraps node's pipeline for per-key fan-out.
func NewExecutor(node *hierarchy.Node, opts engine.BuildOptions) *Executor {
	return newExecutor(node, nil, opts)
}

// NewSwitchedExecutor wraps sw, selecting which pipeline variant runs at
// each iteration index per spec.md §4.E's Switch rules.
func NewSwitchedExecutor(sw *Switch, opts engine.BuildOptions) *Executor {
	return newExecutor(nil, sw, opts)
}

func newExecutor(node *hierarchy.Node, sw *Switch, opts engine.BuildOptions) *Executor {
	anchor := node
	if anchor == nil {
		anchor = sw.anchor()
	}

	lay := layout.New(opts.Roots, anchor, opts.ConfigID)
	slotDir := lay.Dir(layout.CacheDir, true)
	slot := cache.NewCacheSlot(slotDir)
	identity := codeIdentity{name: anchor.CompositeName(), configID: opts.ConfigID}
	registry := cache.NewInstancesCacher(anchor.CompositeName(), slot, slotDir, opts.Factory, identity, opts.MaxSaved, opts.CacheRoot, opts.Logger)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{node: node, sw: sw, opts: opts, registry: registry, logger: logger, MaxTries: 1}
}

// codeIdentity is a minimal hashing.CodeFingerprinter for the registry's
// own Cacher — never used to gate validity (the iterative level's own
// cache is disabled per spec.md §4.E), only to satisfy InstancesCacher's
// constructor.
type codeIdentity struct{ name, configID string }

func (c codeIdentity) CodeFingerprint() []byte {
	return []byte(c.name + "\x00" + c.configID)
}

// nodeAt returns the pipeline variant effective at iteration i: the static
// wrapped node, or the Switch's selection at i.
func (e *Executor) nodeAt(i int) *hierarchy.Node {
	if e.sw != nil {
		return e.sw.NodeAt(i)
	}
	return e.node
}

// ChildInstances returns the child instance IDs this executor has
// previously recorded under parentInstance, for enumeration or targeted
// cache clearing.
func (e *Executor) ChildInstances(parentInstance string) ([]string, error) {
	return e.registry.ChildInstances(parentInstance)
}

// Run executes one task per key of input (spec.md §4.E). isRoot controls
// how a task's UntilStepReached is surfaced: returned as a normal result
// at the root, re-raised as UntilStepReached otherwise (spec.md §9's
// iterative-root exception-taxonomy resolution).
func (e *Executor) Run(input KeyedInput, parentInstance, untilStep, fromStep string, forceDo, isRoot bool) (Result, error) {
	if len(input.Keys) == 0 {
		return Result{}, fmt.Errorf("iterative: input has no keys")
	}
	maxTries := e.MaxTries
	if maxTries <= 0 {
		maxTries = 1
	}

	for _, key := range input.Keys {
		if err := e.registry.RecordChildInstance(parentInstance, e.childInstanceID(parentInstance, key)); err != nil {
			return Result{}, err
		}
	}

	type taskOutcome struct {
		out   []any
		err   error
		until *errs.UntilStepReached
	}
	outcomes := make([]taskOutcome, len(input.Keys))

	runOne := func(i int) {
		key := input.Keys[i]
		out, err := e.runOneWithRetry(e.nodeAt(i), e.childInstanceID(parentInstance, key), input.Args[key], untilStep, fromStep, forceDo, maxTries)
		var until *errs.UntilStepReached
		if errors.As(err, &until) {
			outcomes[i] = taskOutcome{out: until.Data, until: until}
			return
		}
		outcomes[i] = taskOutcome{out: out, err: err}
	}

	switch {
	case e.SequentialInstances:
		for i, key := range input.Keys {
			args := input.Args[key]
			if i > 0 && outcomes[i-1].err == nil {
				args = outcomes[i-1].out
			}
			input.Args[key] = args
			runOne(i)
		}
	case e.Parallel > 0:
		e.runParallel(input, runOne)
	default:
		for i := range input.Keys {
			runOne(i)
		}
	}

	outputs := make(map[string][]any, len(input.Keys))
	var failures int
	var untilHit *errs.UntilStepReached
	for i, key := range input.Keys {
		o := outcomes[i]
		switch {
		case o.until != nil:
			untilHit = o.until
			outputs[key] = o.out
		case o.err != nil:
			var skip *errs.SkipIteration
			if errors.As(o.err, &skip) {
				e.logger.Warn("iterative: task skipped", "key", key, "error", o.err)
			} else {
				e.logger.Warn("iterative: task failed", "key", key, "error", o.err)
			}
			failures++
		default:
			outputs[key] = o.out
		}
	}

	if failures == len(input.Keys) {
		return Result{}, &errs.SkipIteration{Key: parentInstance, Reason: fmt.Errorf("all %d iterations failed", len(input.Keys))}
	}

	result := Result{Keys: input.Keys, Outputs: outputs}
	if untilHit != nil {
		if isRoot {
			return result, nil
		}
		return result, &errs.UntilStepReached{Data: result.AsOutputTuple()}
	}
	return result, nil
}

// runParallel runs runOne(i) for every key index, bounded to e.Parallel
// concurrent goroutines, using stdlib sync/channels rather than a pool
// library — matching the corpus's own preference for stdlib concurrency
// primitives.
func (e *Executor) runParallel(input KeyedInput, runOne func(i int)) {
	sem := make(chan struct{}, e.Parallel)
	var wg sync.WaitGroup
	for i := range input.Keys {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			runOne(i)
		}(i)
	}
	wg.Wait()
}

// runOneWithRetry builds a fresh clone of node's pipeline — spec.md §4.E's
// "per-instance clone of the inner pipeline" — and runs it as a task,
// retrying up to maxTries times with a 1s backoff on an unknown (
// non-signaling) error. Signaling errors (SkipIteration, UntilStepReached)
// are never retried.
func (e *Executor) runOneWithRetry(node *hierarchy.Node, instance string, args []any, untilStep, fromStep string, forceDo bool, maxTries int) ([]any, error) {
	built, err := engine.Build(node, e.opts)
	if err != nil {
		return nil, err
	}
	pipeline, ok := built.(*engine.Pipeline)
	if !ok {
		return nil, fmt.Errorf("iterative: %s is not a pipeline element", node.CompositeName())
	}

	var lastErr error
	for attempt := 0; attempt < maxTries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Second)
		}
		out, err := pipeline.RunAsTask(args, instance, untilStep, fromStep, forceDo)
		if err == nil {
			return out, nil
		}
		var until *errs.UntilStepReached
		var skip *errs.SkipIteration
		if errors.As(err, &until) || errors.As(err, &skip) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// childInstanceID implements spec.md §4.E's "instanceID = parentInstance/key
// (if the outer has an instance) else key."
func (e *Executor) childInstanceID(parentInstance, key string) string {
	if parentInstance == "" {
		return key
	}
	return parentInstance + "/" + key
}
