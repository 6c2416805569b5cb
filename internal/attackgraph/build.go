package attackgraph

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
)

// placeholderRe matches #{trait} placeholders in command templates.
var placeholderRe = regexp.MustCompile(`(?s)#\{(.*?)\}`)

// Placeholder is one fact variable of a command template.
type Placeholder struct {
	// Text is the placeholder as written, braces included.
	Text  string
	Trait string
}

// CommandPlaceholders returns the fact placeholders of a command template in
// order of appearance, without repeats. A bounded suffix such as
// "host.file[limit=2]" is stripped from the trait and agent-reserved
// placeholders are skipped.
func CommandPlaceholders(command string) []Placeholder {
	var out []Placeholder
	for _, m := range placeholderRe.FindAllStringSubmatch(command, -1) {
		trait := m[1]
		if i := strings.Index(trait, "["); i >= 0 {
			trait = trait[:i]
		}
		if trait == "" || schemas.ReservedPlaceholders[trait] {
			continue
		}
		out = append(out, Placeholder{Text: m[0], Trait: trait})
	}
	return lo.UniqBy(out, func(p Placeholder) string { return p.Text })
}

// CommandTraits returns the fact traits a command template consumes, in order
// of appearance.
func CommandTraits(command string) []string {
	return lo.Uniq(lo.Map(CommandPlaceholders(command), func(p Placeholder, _ int) string { return p.Trait }))
}

// Build constructs the attack graph for the given abilities as seen by each
// agent. For every (ability, agent) pair the agent's preferred executor
// contributes ability->trait edges for its parser outputs and trait->ability
// edges for its command placeholders. Declared requirement relationships add
// source->ability and source->target edges. A pair without a usable executor
// contributes nothing.
func Build(abilities []schemas.Ability, agents []schemas.Agent) *Graph {
	g := New()
	for i := range abilities {
		ability := &abilities[i]
		for j := range agents {
			ex := agents[j].PreferredExecutor(ability)
			if ex == nil {
				continue
			}
			addOutputEdges(g, ability, ex)
			addInputEdges(g, ability, ex)
			addRequirementEdges(g, ability)
		}
	}
	return g
}

func addOutputEdges(g *Graph, ability *schemas.Ability, ex *schemas.Executor) {
	node := AbilityNode(ability.ID)
	for _, p := range ex.Parsers {
		for _, cfg := range p.Configs {
			if cfg.Source != "" {
				g.AddEdge(node, TraitNode(cfg.Source))
			}
			if cfg.Target != "" {
				g.AddEdge(node, TraitNode(cfg.Target))
			}
		}
	}
}

func addInputEdges(g *Graph, ability *schemas.Ability, ex *schemas.Executor) {
	node := AbilityNode(ability.ID)
	for _, trait := range CommandTraits(ex.Command) {
		g.AddEdge(TraitNode(trait), node)
	}
}

func addRequirementEdges(g *Graph, ability *schemas.Ability) {
	node := AbilityNode(ability.ID)
	for _, req := range ability.Requirements {
		for _, rel := range req.Relationships {
			if rel.Source == "" {
				continue
			}
			g.AddEdge(TraitNode(rel.Source), node)
			if rel.Target != "" {
				g.AddEdge(TraitNode(rel.Source), TraitNode(rel.Target))
			}
		}
	}
}

// TerminalGoals infers one wildcard goal per trait node with no outgoing edges.
// The required count is the trait's multiplicity times multiplier. Inference
// never fails: a panic while walking the graph is logged and yields no goals.
func TerminalGoals(g *Graph, multiplier int, logger *zap.Logger) (goals []schemas.Goal) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("Goal inference failed, continuing without inferred goals.", zap.String("panic", fmt.Sprint(r)))
			goals = nil
		}
	}()

	counts := map[string]int{}
	var order []string
	for _, n := range g.Nodes() {
		if n.Kind != KindTrait || g.OutDegree(n) != 0 {
			continue
		}
		if counts[n.Name] == 0 {
			order = append(order, n.Name)
		}
		counts[n.Name]++
	}

	for _, trait := range order {
		goals = append(goals, schemas.Goal{Target: trait, Operator: "*", Count: counts[trait] * multiplier})
	}
	return goals
}
