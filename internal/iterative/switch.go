package iterative

import (
	"fmt"

	"github.com/opal-lang/pipeflow/internal/hierarchy"
)

// Switch is the specialization of spec.md §4.E: a list of pipeline variants
// ("step lists", here each represented as the Node whose children are that
// variant's steps) plus a rule selecting which variant is active at a given
// iteration index — either an ascending boundary list (switchSteps) or a
// periodic divisor (switchStepsEvery). Exactly one of Steps/Every is set.
type Switch struct {
	// Lists holds one Node per step-list variant, in the order the source
	// spec enumerates stepsLists.
	Lists []*hierarchy.Node
	// Steps is an ascending boundary list whose first element is 0:
	// listIndex at iteration i is the index of the first boundary >= i,
	// clamped to the last list when no boundary qualifies. Mutually
	// exclusive with Every.
	Steps []int
	// Every, when > 0, selects variant (i / Every) mod len(Lists) at
	// iteration i. Mutually exclusive with Steps.
	Every int
}

// NewStepSwitch builds a Switch keyed on an ascending boundary list (spec.md
// §4.E's "ascending switchSteps boundary list (initial values include 0)").
func NewStepSwitch(lists []*hierarchy.Node, steps []int) (*Switch, error) {
	if len(steps) == 0 || steps[0] != 0 {
		return nil, fmt.Errorf("iterative: switchSteps must be non-empty and start at 0")
	}
	for i := 1; i < len(steps); i++ {
		if steps[i] <= steps[i-1] {
			return nil, fmt.Errorf("iterative: switchSteps must be strictly ascending")
		}
	}
	return &Switch{Lists: lists, Steps: append([]int(nil), steps...)}, nil
}

// NewPeriodicSwitch builds a Switch keyed on a periodic divisor (spec.md
// §4.E's "periodic switchStepsEvery > 0").
func NewPeriodicSwitch(lists []*hierarchy.Node, every int) (*Switch, error) {
	if every <= 0 {
		return nil, fmt.Errorf("iterative: switchStepsEvery must be > 0")
	}
	return &Switch{Lists: lists, Every: every}, nil
}

// anchor is the node NewExecutor uses for Layout/Cacher derivation: Switch
// has no single static pipeline, so its first variant stands in — every
// variant shares the same composite name space under a Switch in practice,
// since only their steps differ across iterations.
func (s *Switch) anchor() *hierarchy.Node {
	if len(s.Lists) == 0 {
		return nil
	}
	return s.Lists[0]
}

// ListIndexAt implements spec.md §4.E's listIndex rule for iteration i.
func (s *Switch) ListIndexAt(i int) int {
	if len(s.Steps) > 0 {
		for idx, boundary := range s.Steps {
			if boundary >= i {
				return idx
			}
		}
		return len(s.Steps) - 1
	}
	return (i / s.Every) % len(s.Lists)
}

// NodeAt returns the pipeline variant effective at iteration i.
func (s *Switch) NodeAt(i int) *hierarchy.Node {
	return s.Lists[s.ListIndexAt(i)]
}

// Transition is one edge spec.md §4.E's graph emission draws: the iteration
// at which the active variant changes, and which variant becomes active.
type Transition struct {
	AtIteration int
	ListIndex   int
}

// Transitions computes every distinct variant change across iterations
// [0, maxIter), for graph-emission edge labels ("the iteration where each
// takes effect").
func (s *Switch) Transitions(maxIter int) []Transition {
	if maxIter <= 0 || len(s.Lists) == 0 {
		return nil
	}
	var transitions []Transition
	last := -1
	for i := 0; i < maxIter; i++ {
		idx := s.ListIndexAt(i)
		if idx != last {
			transitions = append(transitions, Transition{AtIteration: i, ListIndex: idx})
			last = idx
		}
	}
	return transitions
}
