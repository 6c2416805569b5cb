package attackgraph

import (
	"math"

	"github.com/samber/lo"

	"github.com/xkilldash9x/waypoint/api/schemas"
)

// DistanceTable scores abilities by closeness to a goal. Higher is closer.
type DistanceTable struct {
	// Absolute holds the reversed shortest-path scores. Every score is >= 1.
	Absolute map[string]float64
	// GoalActions are abilities one ability-hop away from a goal trait.
	GoalActions map[string]bool
	// MaxLength is the longest raw path length seen while building.
	MaxLength int
}

// BuildDistanceTable computes, for every ability that can reach a goal trait,
// the number of abilities on its shortest path to the closest goal, then
// reverses the scale with abs(length-max)+1 so the nearest abilities score
// highest. Goals whose target is not in the graph contribute nothing.
func BuildDistanceTable(g *Graph, goals []schemas.Goal) DistanceTable {
	lengths := map[string]int{}
	var order []string
	table := DistanceTable{
		Absolute:    map[string]float64{},
		GoalActions: map[string]bool{},
	}

	for _, goal := range goals {
		target := TraitNode(goal.Target)
		paths := g.ShortestPathsTo(target)
		for _, n := range g.Nodes() {
			path, ok := paths[n]
			if !ok || n.Kind != KindAbility {
				continue
			}
			length := lo.CountBy(path, func(p Node) bool { return p.Kind == KindAbility })

			if length == 1 {
				table.GoalActions[n.Name] = true
			}
			if length > table.MaxLength {
				table.MaxLength = length
			}
			if prev, seen := lengths[n.Name]; seen {
				if length > prev {
					continue
				}
			} else {
				order = append(order, n.Name)
			}
			lengths[n.Name] = length
		}
	}

	for _, id := range order {
		table.Absolute[id] = math.Abs(float64(lengths[id]-table.MaxLength)) + 1
	}
	return table
}

// Effective returns a fresh copy of the absolute scores to be decayed.
func (t DistanceTable) Effective() map[string]float64 {
	out := make(map[string]float64, len(t.Absolute))
	for k, v := range t.Absolute {
		out[k] = v
	}
	return out
}

// Contains reports whether the ability has a path to any goal.
func (t DistanceTable) Contains(abilityID string) bool {
	_, ok := t.Absolute[abilityID]
	return ok
}

// Max returns the highest absolute score, zero for an empty table.
func (t DistanceTable) Max() float64 {
	if len(t.Absolute) == 0 {
		return 0
	}
	return lo.Max(lo.Values(t.Absolute))
}
