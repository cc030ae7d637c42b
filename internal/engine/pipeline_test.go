package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opal-lang/pipeflow/internal/engine"
	"github.com/opal-lang/pipeflow/internal/errs"
	"github.com/opal-lang/pipeflow/internal/hashing"
	"github.com/opal-lang/pipeflow/internal/hierarchy"
	"github.com/opal-lang/pipeflow/internal/layout"
)

func testRoots(t *testing.T) layout.Roots {
	t.Helper()
	base := t.TempDir()
	return layout.Roots{
		CacheDir:   base + "/cache",
		ResultsDir: base + "/results",
		ReportsDir: base + "/reports",
	}
}

func buildOpts(t *testing.T, roots layout.Roots) engine.BuildOptions {
	t.Helper()
	return engine.BuildOptions{
		Roots:     roots,
		ConfigID:  "cfg1",
		Factory:   hashing.NewFactory(nil),
		MaxSaved:  0,
		CacheRoot: roots.CacheDir,
	}
}

func buildTwoStepPipeline(t *testing.T, roots layout.Roots, calls *int) *engine.Pipeline {
	t.Helper()
	root := hierarchy.NewNode("root", "", false)
	step1 := hierarchy.NewLeaf("step1", "", false, func(self *hierarchy.Leaf, args []any) (any, error) {
		*calls++
		return append(append([]any{}, args...), "step1"), nil
	})
	step2 := hierarchy.NewLeaf("step2", "", false, func(self *hierarchy.Leaf, args []any) (any, error) {
		*calls++
		return append(append([]any{}, args...), "step2"), nil
	})
	step2.Source = "step2"
	root.Append(step1)
	root.Append(step2)

	built, err := engine.Build(root, buildOpts(t, roots))
	require.NoError(t, err)
	p, ok := built.(*engine.Pipeline)
	require.True(t, ok)
	return p
}

func TestStraightChainColdThenWarm(t *testing.T) {
	roots := testRoots(t)
	calls := 0
	p := buildTwoStepPipeline(t, roots, &calls)

	out1, err := p.Run([]any{"in"}, "", "", false, nil)
	require.NoError(t, err)
	require.Equal(t, []any{"in", "step1", "step2"}, out1)
	require.Equal(t, 2, calls)

	out2, err := p.Run([]any{"in"}, "", "", false, nil)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
	require.Equal(t, 2, calls, "warm run must not re-invoke either step")
}

func TestDifferentInputMisses(t *testing.T) {
	roots := testRoots(t)
	calls := 0
	p := buildTwoStepPipeline(t, roots, &calls)

	_, err := p.Run([]any{"a"}, "", "", false, nil)
	require.NoError(t, err)
	_, err = p.Run([]any{"b"}, "", "", false, nil)
	require.NoError(t, err)
	require.Equal(t, 4, calls, "distinct input must force both steps to recompute")
}

func TestCodeHashChangeInvalidatesCache(t *testing.T) {
	roots := testRoots(t)
	calls := 0
	p1 := buildTwoStepPipeline(t, roots, &calls)
	_, err := p1.Run([]any{"in"}, "", "", false, nil)
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	// Rebuild a structurally-identical tree, but give step1 a different
	// explicit source fingerprint: its code hash must change, forcing a
	// cold rerun even though the input is unchanged. step2 is a new function
	// literal here, so it keeps the same explicit fingerprint as in the first
	// build to leave its code hash unchanged.
	root := hierarchy.NewNode("root", "", false)
	step1 := hierarchy.NewLeaf("step1", "", false, func(self *hierarchy.Leaf, args []any) (any, error) {
		calls++
		return append(append([]any{}, args...), "step1"), nil
	})
	step1.Source = "changed"
	step2 := hierarchy.NewLeaf("step2", "", false, func(self *hierarchy.Leaf, args []any) (any, error) {
		calls++
		return append(append([]any{}, args...), "step2"), nil
	})
	step2.Source = "step2"
	root.Append(step1)
	root.Append(step2)
	built, err := engine.Build(root, buildOpts(t, roots))
	require.NoError(t, err)
	p2 := built.(*engine.Pipeline)

	_, err = p2.Run([]any{"in"}, "", "", false, nil)
	require.NoError(t, err)
	require.Equal(t, 3, calls, "step1's code hash changed so it must recompute; step2's did not")
}

func TestUntilStepStopsEarlyAtRoot(t *testing.T) {
	roots := testRoots(t)
	calls := 0
	p := buildTwoStepPipeline(t, roots, &calls)

	out, err := p.Run([]any{"in"}, "", "step1", false, nil)
	require.NoError(t, err)
	require.Equal(t, []any{"in", "step1"}, out)
	require.Equal(t, 1, calls, "step2 must not run when untilStep stops at step1")
}

func TestUntilStepNotFoundHalts(t *testing.T) {
	roots := testRoots(t)
	calls := 0
	p := buildTwoStepPipeline(t, roots, &calls)

	_, err := p.Run([]any{"in"}, "", "nonexistent", false, nil)
	require.Error(t, err)
	var halted *errs.PipelineHalted
	require.True(t, errors.As(err, &halted))
}

func TestPipelineBreakReturnsAccumulatedOutput(t *testing.T) {
	roots := testRoots(t)
	root := hierarchy.NewNode("root", "", false)
	step1 := hierarchy.NewLeaf("step1", "", false, func(self *hierarchy.Leaf, args []any) (any, error) {
		return append(append([]any{}, args...), "step1"), nil
	})
	step2 := hierarchy.NewLeaf("step2", "", false, func(self *hierarchy.Leaf, args []any) (any, error) {
		return nil, &errs.PipelineBreak{Reason: "enough"}
	})
	step3 := hierarchy.NewLeaf("step3", "", false, func(self *hierarchy.Leaf, args []any) (any, error) {
		t.Fatal("step3 must not run after a PipelineBreak at step2")
		return nil, nil
	})
	root.Append(step1)
	root.Append(step2)
	root.Append(step3)

	built, err := engine.Build(root, buildOpts(t, roots))
	require.NoError(t, err)
	p := built.(*engine.Pipeline)

	out, err := p.Run([]any{"in"}, "", "", false, nil)
	require.NoError(t, err)
	require.Equal(t, []any{"in", "step1"}, out)
}

func TestLeafErrorHaltsPipeline(t *testing.T) {
	roots := testRoots(t)
	root := hierarchy.NewNode("root", "", false)
	boom := errors.New("boom")
	step1 := hierarchy.NewLeaf("step1", "", false, func(self *hierarchy.Leaf, args []any) (any, error) {
		return nil, boom
	})
	root.Append(step1)

	built, err := engine.Build(root, buildOpts(t, roots))
	require.NoError(t, err)
	p := built.(*engine.Pipeline)

	_, err = p.Run([]any{"in"}, "", "", false, nil)
	require.Error(t, err)
	var halted *errs.PipelineHalted
	require.True(t, errors.As(err, &halted))
	var blockErr *errs.BlockError
	require.True(t, errors.As(err, &blockErr))
	require.Equal(t, boom, blockErr.Cause)
}

func TestForceRunStepsRecomputesEvenOnCacheHit(t *testing.T) {
	roots := testRoots(t)
	calls := 0
	p := buildTwoStepPipeline(t, roots, &calls)

	_, err := p.Run([]any{"in"}, "", "", false, nil)
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	_, err = p.Run([]any{"in"}, "", "", false, []string{"step1"})
	require.NoError(t, err)
	require.Equal(t, 3, calls, "forceRunSteps must recompute step1 even though its input is unchanged")
}
