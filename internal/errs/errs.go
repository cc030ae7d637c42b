// Package errs defines the error-flow protocol of the pipeline engine
// (spec §7): a small set of distinct error kinds that carry control flow
// out of a running Block or Pipeline without being confused with one
// another. Each is a concrete Go type so callers discriminate with
// errors.As instead of string comparison.
package errs

import "fmt"

// InvalidCache means a CacheSlot store is missing or unreadable for a given
// instance. The Cacher's Load* methods return it to their callers; its
// CheckInput, CacheExists and CachedCall treat it as a cache miss.
type InvalidCache struct {
	Element string
	Instance string
	Reason  string
}

func (e *InvalidCache) Error() string {
	return fmt.Sprintf("invalid cache for %s[%s]: %s", e.Element, e.Instance, e.Reason)
}

// SkipIteration signals that one iterative task cannot proceed. The
// IterativeExecutor logs it and counts the task as failed; if every task in
// a fan-out fails, SkipIteration is re-raised to the caller of the whole
// iterative step.
type SkipIteration struct {
	Key    string
	Reason error
}

func (e *SkipIteration) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("skip iteration %q: %v", e.Key, e.Reason)
	}
	return fmt.Sprintf("skip iteration %q", e.Key)
}

func (e *SkipIteration) Unwrap() error { return e.Reason }

// PipelineBreak voluntarily terminates the *current* pipeline early,
// returning whatever output had accumulated so far. It never propagates
// past the pipeline that catches it.
type PipelineBreak struct {
	// Reason is optional context for logging; it does not change behavior.
	Reason string
}

func (e *PipelineBreak) Error() string {
	if e.Reason == "" {
		return "pipeline break"
	}
	return "pipeline break: " + e.Reason
}

// UntilStepReached carries the output produced by the step matching an
// in-flight `untilStep` request. It propagates up through ancestor
// pipelines until it reaches the root, which unwraps it and returns Data
// directly to its caller.
type UntilStepReached struct {
	Data []any
}

func (e *UntilStepReached) Error() string {
	return "until-step reached"
}

// BlockError wraps any non-signaling error raised inside a Leaf's
// computation. It is never returned bare — the Block wrapper always raises
// it as the Cause of a PipelineHalted.
type BlockError struct {
	Name  string
	Trace string
	Cause error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("block %q failed: %v", e.Name, e.Cause)
}

func (e *BlockError) Unwrap() error { return e.Cause }

// PipelineHalted is the fatal, user-surfaced error of the engine: it is
// what a run() call returns to its original caller when something other
// than PipelineBreak or UntilStepReached interrupted execution.
type PipelineHalted struct {
	Msg   string
	Cause error
}

func (e *PipelineHalted) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *PipelineHalted) Unwrap() error { return e.Cause }

// Halt wraps cause (which may itself be a *BlockError) into a
// *PipelineHalted carrying msg.
func Halt(msg string, cause error) *PipelineHalted {
	return &PipelineHalted{Msg: msg, Cause: cause}
}

// OutOfSpace means the filesystem holding cache_dir is at or below the
// free-space threshold checked by cache.CheckFreeSpace. When a cached call's
// compute returns it, the cached-call protocol catches it once per call,
// evicts the oldest entries cache-wide, and retries; cache writes themselves
// never produce it.
type OutOfSpace struct {
	Path string
	// FreeBytes is the free space observed at the time of the check, for
	// logging; it is not re-validated by the caller.
	FreeBytes uint64
}

func (e *OutOfSpace) Error() string {
	return fmt.Sprintf("out of space writing cache under %s (%d bytes free)", e.Path, e.FreeBytes)
}

// IsSignaling reports whether err is one of the three kinds a Block's
// wrapper must re-raise unmodified rather than wrap as a BlockError:
// SkipIteration, UntilStepReached, PipelineBreak.
func IsSignaling(err error) bool {
	switch err.(type) {
	case *SkipIteration, *UntilStepReached, *PipelineBreak:
		return true
	default:
		return false
	}
}
