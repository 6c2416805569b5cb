package schemas

import (
	"strconv"
	"strings"
)

// -- Goal & Adversary Schemas --

// ExhaustionTarget is the goal target that asks planners to infer their own
// goals from the ability graph.
const ExhaustionTarget = "exhaustion"

// MaxGoalCount is the count used when a goal does not declare one.
const MaxGoalCount = 1 << 20

// Goal is a target condition over the facts of an operation.
type Goal struct {
	Target   string `json:"target" yaml:"target"`
	Value    string `json:"value,omitempty" yaml:"value,omitempty"`
	Count    int    `json:"count,omitempty" yaml:"count,omitempty"`
	Operator string `json:"operator,omitempty" yaml:"operator,omitempty"`
}

// RequiredCount is the number of matching facts needed to satisfy the goal.
func (g Goal) RequiredCount() int {
	if g.Count <= 0 {
		return MaxGoalCount
	}
	return g.Count
}

// Satisfied reports whether enough facts match the goal.
func (g Goal) Satisfied(facts []Fact) bool {
	matched := 0
	for _, f := range facts {
		if f.Trait == g.Target && compare(g.Operator, g.Value, f.Value) {
			matched++
		}
	}
	return matched >= g.RequiredCount()
}

// compare evaluates "want <op> have". Values that both parse as numbers are
// compared numerically, everything else lexically.
func compare(op, want, have string) bool {
	switch op {
	case "*":
		return true
	case "in":
		return strings.Contains(have, want)
	case "", "==":
		return want == have
	case "!=":
		return want != have
	}

	c := strings.Compare(want, have)
	wf, errW := strconv.ParseFloat(want, 64)
	hf, errH := strconv.ParseFloat(have, 64)
	if errW == nil && errH == nil {
		switch {
		case wf < hf:
			c = -1
		case wf > hf:
			c = 1
		default:
			c = 0
		}
	}
	switch op {
	case "<":
		return c < 0
	case ">":
		return c > 0
	case "<=":
		return c <= 0
	case ">=":
		return c >= 0
	}
	return false
}

// Adversary bundles the canonical ability sequence and the campaign goals.
type Adversary struct {
	ID             string   `json:"adversary_id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	AtomicOrdering []string `json:"atomic_ordering" yaml:"atomic_ordering"`
	Goals          []Goal   `json:"goals,omitempty" yaml:"goals,omitempty"`
}
