package iterative_test

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opal-lang/pipeflow/internal/engine"
	"github.com/opal-lang/pipeflow/internal/errs"
	"github.com/opal-lang/pipeflow/internal/hashing"
	"github.com/opal-lang/pipeflow/internal/hierarchy"
	"github.com/opal-lang/pipeflow/internal/iterative"
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

// doublingNode builds a single-leaf pipeline whose step doubles its sole
// input argument, counting invocations in calls.
func doublingNode(calls *int32) *hierarchy.Node {
	root := hierarchy.NewNode("root", "", false)
	step := hierarchy.NewLeaf("double", "", false, func(self *hierarchy.Leaf, args []any) (any, error) {
		atomic.AddInt32(calls, 1)
		n := args[0].(int)
		return n * 2, nil
	})
	root.Append(step)
	return root
}

func TestRunSequentialPreservesKeyOrder(t *testing.T) {
	roots := testRoots(t)
	var calls int32
	node := doublingNode(&calls)

	ex := iterative.NewExecutor(node, buildOpts(t, roots))
	input := iterative.NewMappingInput([]string{"a", "b", "c"}, map[string][]any{
		"a": {1}, "b": {2}, "c": {3},
	})

	result, err := ex.Run(input, "", "", "", false, true)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, result.Keys)
	require.Equal(t, []any{2}, result.Outputs["a"])
	require.Equal(t, []any{4}, result.Outputs["b"])
	require.Equal(t, []any{6}, result.Outputs["c"])
}

func TestRunParallelPreservesKeyOrder(t *testing.T) {
	roots := testRoots(t)
	var calls int32
	node := doublingNode(&calls)

	ex := iterative.NewExecutor(node, buildOpts(t, roots))
	ex.Parallel = 4

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	args := make(map[string][]any, len(keys))
	for i, k := range keys {
		args[k] = []any{i}
	}
	input := iterative.NewMappingInput(keys, args)

	result, err := ex.Run(input, "", "", "", false, true)
	require.NoError(t, err)
	require.Equal(t, keys, result.Keys)
	for i, k := range keys {
		require.Equal(t, []any{i * 2}, result.Outputs[k])
	}
	require.EqualValues(t, len(keys), calls)
}

func TestRunSequentialInstancesChainsOutputToInput(t *testing.T) {
	roots := testRoots(t)
	var calls int32
	node := doublingNode(&calls)

	ex := iterative.NewExecutor(node, buildOpts(t, roots))
	ex.SequentialInstances = true

	input := iterative.NewMappingInput([]string{"a", "b", "c"}, map[string][]any{
		"a": {1}, "b": nil, "c": nil,
	})

	result, err := ex.Run(input, "", "", "", false, true)
	require.NoError(t, err)
	require.Equal(t, []any{2}, result.Outputs["a"])
	require.Equal(t, []any{4}, result.Outputs["b"])
	require.Equal(t, []any{8}, result.Outputs["c"])
}

func TestRunAllTasksFailingRaisesSkipIteration(t *testing.T) {
	roots := testRoots(t)
	root := hierarchy.NewNode("root", "", false)
	step := hierarchy.NewLeaf("fails", "", false, func(self *hierarchy.Leaf, args []any) (any, error) {
		return nil, &errs.SkipIteration{Key: "x", Reason: nil}
	})
	root.Append(step)

	ex := iterative.NewExecutor(root, buildOpts(t, roots))
	input := iterative.NewKeyListInput([]string{"a", "b"})

	_, err := ex.Run(input, "", "", "", false, true)
	require.Error(t, err)
	var skip *errs.SkipIteration
	require.ErrorAs(t, err, &skip)
}

func TestRunPartialFailureStillAggregatesSucceeding(t *testing.T) {
	roots := testRoots(t)
	root := hierarchy.NewNode("root", "", false)
	step := hierarchy.NewLeaf("maybeFail", "", false, func(self *hierarchy.Leaf, args []any) (any, error) {
		n := args[0].(int)
		if n < 0 {
			return nil, &errs.SkipIteration{Key: "neg"}
		}
		return n * 2, nil
	})
	root.Append(step)

	ex := iterative.NewExecutor(root, buildOpts(t, roots))
	input := iterative.NewMappingInput([]string{"good", "bad"}, map[string][]any{
		"good": {3}, "bad": {-1},
	})

	result, err := ex.Run(input, "", "", "", false, true)
	require.NoError(t, err)
	require.Equal(t, []any{6}, result.Outputs["good"])
	_, hasBad := result.Outputs["bad"]
	require.False(t, hasBad)
}

func TestChildInstanceIDNestsUnderParentInstance(t *testing.T) {
	roots := testRoots(t)
	var calls int32
	node := doublingNode(&calls)

	ex := iterative.NewExecutor(node, buildOpts(t, roots))
	input := iterative.NewSingleKeyInput("k1", []any{5})

	_, err := ex.Run(input, "outer", "", "", false, true)
	require.NoError(t, err)

	children, err := ex.ChildInstances("outer")
	require.NoError(t, err)
	require.Equal(t, []string{"outer/k1"}, children)
}

func TestNewAnonymousInputGeneratesDistinctKeys(t *testing.T) {
	input := iterative.NewAnonymousInput([][]any{{1}, {2}, {3}})
	require.Len(t, input.Keys, 3)

	seen := make(map[string]bool)
	for _, k := range input.Keys {
		require.False(t, seen[k], "expected distinct generated keys")
		seen[k] = true
	}
}

func TestSwitchListIndexAtWithAscendingSteps(t *testing.T) {
	l1 := hierarchy.NewNode("l1", "", false)
	l2 := hierarchy.NewNode("l2", "", false)
	l3 := hierarchy.NewNode("l3", "", false)

	sw, err := iterative.NewStepSwitch([]*hierarchy.Node{l1, l2, l3}, []int{0, 2, 5})
	require.NoError(t, err)

	require.Equal(t, 0, sw.ListIndexAt(0))
	require.Equal(t, 1, sw.ListIndexAt(1))
	require.Equal(t, 1, sw.ListIndexAt(2))
	require.Equal(t, 2, sw.ListIndexAt(3))
	require.Equal(t, 2, sw.ListIndexAt(4))
	require.Equal(t, 2, sw.ListIndexAt(5))
	require.Equal(t, 2, sw.ListIndexAt(6))
	require.Equal(t, 2, sw.ListIndexAt(100))
}

func TestSwitchListIndexAtWithPeriodicEvery(t *testing.T) {
	l1 := hierarchy.NewNode("l1", "", false)
	l2 := hierarchy.NewNode("l2", "", false)

	sw, err := iterative.NewPeriodicSwitch([]*hierarchy.Node{l1, l2}, 2)
	require.NoError(t, err)

	require.Equal(t, 0, sw.ListIndexAt(0))
	require.Equal(t, 0, sw.ListIndexAt(1))
	require.Equal(t, 1, sw.ListIndexAt(2))
	require.Equal(t, 1, sw.ListIndexAt(3))
	require.Equal(t, 0, sw.ListIndexAt(4))
}

func TestSwitchTransitionsEmitsOneEdgePerChange(t *testing.T) {
	l1 := hierarchy.NewNode("l1", "", false)
	l2 := hierarchy.NewNode("l2", "", false)

	sw, err := iterative.NewPeriodicSwitch([]*hierarchy.Node{l1, l2}, 2)
	require.NoError(t, err)

	transitions := sw.Transitions(4)
	require.Equal(t, []iterative.Transition{
		{AtIteration: 0, ListIndex: 0},
		{AtIteration: 2, ListIndex: 1},
	}, transitions)
}

func TestNewStepSwitchRejectsNonZeroFirstBoundary(t *testing.T) {
	l1 := hierarchy.NewNode("l1", "", false)
	_, err := iterative.NewStepSwitch([]*hierarchy.Node{l1}, []int{1})
	require.Error(t, err)
}

func TestExecutorConcurrentRunsAreDataRaceFree(t *testing.T) {
	roots := testRoots(t)
	var calls int32
	node := doublingNode(&calls)
	ex := iterative.NewExecutor(node, buildOpts(t, roots))
	ex.Parallel = 8

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := strconv.Itoa(i)
			args := map[string][]any{key: {i}}
			_, err := ex.Run(iterative.NewMappingInput([]string{key}, args), "outer", "", "", false, true)
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()
}
