// Package aspect implements the BEFORE/AFTER synthetic side-effect
// expansion (spec.md §4.7). Expand is a pure function: modeled as a
// group-sort-interleave pass in the style of
// gomind/pkg/orchestration/executor.go's groupStepsByOrder.
package aspect

import (
	"fmt"
	"sort"

	"github.com/mbarcia/pipelineframework/pipeline"
)

// Expand builds the expanded step list E from the declared steps and
// aspect set, per spec.md §4.7:
//  1. Partition aspects by position, each group ascending by Order,
//     ties broken by aspect name lexicographic order.
//  2. For each step, insert a synthetic SIDE_EFFECT step just before it
//     for every matching BEFORE aspect, typed as the step's InputType.
//  3. Likewise insert matching AFTER aspects immediately after the
//     step, typed as its OutputType.
//
// Synthetic step ids follow "observe-<aspect>-<type>-side-effect"
// (spec.md §4.7 point 4) and are stable for telemetry. Expansion is
// pure: the same inputs always yield the same sequence.
func Expand(steps []pipeline.Step, aspects []pipeline.Aspect) []pipeline.Step {
	before, after := partition(aspects)

	expanded := make([]pipeline.Step, 0, len(steps)*2)
	for _, s := range steps {
		for _, a := range before {
			if a.Enabled && a.Matches(s) {
				expanded = append(expanded, syntheticStep(a, s, s.InputType))
			}
		}
		expanded = append(expanded, s)
		for _, a := range after {
			if a.Enabled && a.Matches(s) {
				expanded = append(expanded, syntheticStep(a, s, s.OutputType))
			}
		}
	}
	return expanded
}

// partition splits aspects into BEFORE and AFTER groups, each sorted
// ascending by Order with a lexicographic Name tiebreak (spec.md §4.7).
func partition(aspects []pipeline.Aspect) (before, after []pipeline.Aspect) {
	for _, a := range aspects {
		switch a.Position {
		case pipeline.BeforeStep:
			before = append(before, a)
		case pipeline.AfterStep:
			after = append(after, a)
		}
	}
	sortByOrderThenName(before)
	sortByOrderThenName(after)
	return before, after
}

func sortByOrderThenName(aspects []pipeline.Aspect) {
	sort.SliceStable(aspects, func(i, j int) bool {
		if aspects[i].Order != aspects[j].Order {
			return aspects[i].Order < aspects[j].Order
		}
		return aspects[i].Name < aspects[j].Name
	})
}

func syntheticStep(a pipeline.Aspect, target pipeline.Step, typ string) pipeline.Step {
	return pipeline.Step{
		ID:            fmt.Sprintf("observe-%s-%s-side-effect", a.Name, typ),
		InputType:     typ,
		OutputType:    typ,
		Cardinality:   pipeline.SideEffect,
		ExecutionMode: pipeline.Default,
		IsSynthetic:   true,
	}
}

// CountForAspect reports how many synthetic side-effect steps aspect a
// would produce against steps, used to verify spec.md §8 invariant 5
// (GLOBAL -> one per non-synthetic step; STEPS -> |targetSteps|).
func CountForAspect(steps []pipeline.Step, a pipeline.Aspect) int {
	if !a.Enabled {
		return 0
	}
	n := 0
	for _, s := range steps {
		if a.Matches(s) {
			n++
		}
	}
	return n
}
