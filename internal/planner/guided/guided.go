// Package guided implements the goal-directed planner. It scores abilities by
// their distance to goal traits in the attack graph and decays the scores of
// actions that stop making progress.
package guided

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/attackgraph"
	"github.com/xkilldash9x/waypoint/internal/config"
	"github.com/xkilldash9x/waypoint/internal/planner"
)

const (
	Name   = "guided"
	Bucket = "guided"
)

// Options tunes the planner. The zero value is not usable; start from
// DefaultOptions or OptionsFromConfig.
type Options struct {
	Decay               attackgraph.Decay
	GoalWeight          float64
	FactScoreWeight     float64
	GoalCountMultiplier int
	// Agent restricts graph construction and tasking to one agent.
	Agent *schemas.Agent
}

// DefaultOptions returns pure graph-distance weighting with the stock decay constants.
func DefaultOptions() Options {
	return Options{
		Decay:               attackgraph.DefaultDecay(),
		GoalWeight:          1,
		FactScoreWeight:     0,
		GoalCountMultiplier: 1,
	}
}

// OptionsFromConfig maps the configuration section onto Options.
func OptionsFromConfig(cfg config.GuidedConfig) Options {
	return Options{
		Decay: attackgraph.Decay{
			HalfLifePenalty: cfg.HalfLifePenalty,
			HalfLifeGain:    cfg.HalfLifeGain,
			GoalActionDecay: cfg.GoalActionDecay,
		},
		GoalWeight:          cfg.GoalWeight,
		FactScoreWeight:     cfg.FactScoreWeight,
		GoalCountMultiplier: cfg.GoalCountMultiplier,
	}
}

// Planner is the guided planner. It owns its distance tables for the
// lifetime of one planning episode.
type Planner struct {
	*planner.StateMachine
	op     planner.Operation
	facade planner.Facade
	data   schemas.DataService
	opts   Options
	logger *zap.Logger

	// lastAction is the ability id of the most recently chosen link.
	lastAction string
}

// New creates a guided planner for op.
func New(op planner.Operation, facade planner.Facade, opts Options, stopping []schemas.Fact) (*Planner, error) {
	if op == nil || facade == nil {
		return nil, errors.New("guided planner requires an operation and a planning facade")
	}
	data := facade.DataService()
	if data == nil {
		return nil, errors.New("guided planner requires a data service")
	}
	if opts.Decay.HalfLifePenalty <= 0 || opts.Decay.HalfLifeGain <= 0 || opts.Decay.GoalActionDecay <= 0 {
		return nil, fmt.Errorf("guided planner decay constants must be positive: %+v", opts.Decay)
	}
	sm, err := planner.NewStateMachine(Bucket)
	if err != nil {
		return nil, err
	}
	sm.SetStoppingConditions(stopping)

	p := &Planner{
		StateMachine: sm,
		op:           op,
		facade:       facade,
		data:         data,
		opts:         opts,
		logger:       facade.Logger().Named(Name),
	}
	sm.Handle(Bucket, p.guided)
	return p, nil
}

func (p *Planner) Name() string { return Name }

func (p *Planner) guided(ctx context.Context) error {
	adversary := p.op.Adversary()
	return p.Plan(ctx, adversary.AtomicOrdering, adversary.Goals)
}

// Plan runs one planning episode over the given abilities toward goals. An
// empty goal list, or one starting with the exhaustion marker, makes the
// planner infer goals from the terminal traits of the graph. The planner is
// terminal when Plan returns without error.
func (p *Planner) Plan(ctx context.Context, abilityIDs []string, goals []schemas.Goal) error {
	abilities, err := p.data.LocateAbilities(ctx, abilityIDs...)
	if err != nil {
		return fmt.Errorf("failed to locate abilities: %w", err)
	}
	agents := p.op.Agents()
	if p.opts.Agent != nil {
		agents = []schemas.Agent{*p.opts.Agent}
	}
	graph := attackgraph.Build(abilities, agents)

	var active []schemas.Goal
	if len(goals) == 0 || goals[0].Target == schemas.ExhaustionTarget {
		active = attackgraph.TerminalGoals(graph, p.opts.GoalCountMultiplier, p.logger)
		p.logger.Debug("Inferred goals from the attack graph.", zap.Int("goals", len(active)))
	} else {
		active = slices.Clone(goals)
	}

	table := attackgraph.BuildDistanceTable(graph, active)
	effective := table.Effective()

	candidates, err := p.candidates(ctx)
	if err != nil {
		return err
	}
	links := goalLinks(candidates, table)
	for len(active) > 0 && len(links) > 0 {
		ids, err := p.taskAgents(ctx, links, effective, abilityIDs)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}
		if err := p.op.WaitForLinksCompletion(ctx, ids); err != nil {
			return err
		}
		if p.op.IsFinished() {
			p.logger.Debug("Operation finished mid-episode.")
			break
		}
		if planner.StoppingConditionMet(ctx, p.op, p.StoppingConditions(), p.logger) {
			p.logger.Debug("Stopping condition met mid-episode.")
			break
		}

		before := len(active)
		active = p.UpdateGoals(ctx, active)

		candidates, err := p.candidates(ctx)
		if err != nil {
			return err
		}
		if len(active) < before {
			table = attackgraph.BuildDistanceTable(graph, active)
			effective = table.Effective()
		} else {
			p.penalize(table, effective, goalLinks(candidates, table))
		}
		links = goalLinks(candidates, table)
	}

	p.logger.Debug("No more links available or all goals satisfied, planner complete.",
		zap.Int("remaining_goals", len(active)))
	p.Halt()
	return nil
}

// UpdateGoals drops every goal the operation's facts now satisfy. The result
// is never larger than goals and keeps their order. Unreadable facts leave the
// goals unchanged.
func (p *Planner) UpdateGoals(ctx context.Context, goals []schemas.Goal) []schemas.Goal {
	facts, err := p.op.AllFacts(ctx)
	if err != nil {
		p.logger.Debug("Could not read facts to update goals.", zap.Error(err))
		return goals
	}
	return lo.Filter(goals, func(g schemas.Goal, _ int) bool {
		if g.Satisfied(facts) {
			p.logger.Debug("Goal accomplished.",
				zap.String("target", g.Target), zap.String("operator", g.Operator), zap.String("value", g.Value))
			return false
		}
		return true
	})
}

// penalize applies the no-progress penalty to the last chosen ability and the
// passive gain to every ability. links are the goal links still available.
func (p *Planner) penalize(table attackgraph.DistanceTable, effective map[string]float64, links []schemas.Link) {
	if len(links) == 0 {
		return
	}
	maxVal := lo.Max(lo.Map(links, func(l schemas.Link, _ int) float64 { return table.Absolute[l.AbilityID()] }))
	if id := p.lastAction; table.Contains(id) {
		before := effective[id]
		effective[id] = p.opts.Decay.Penalize(before, table.Absolute[id], maxVal, table.GoalActions[id])
		p.logger.Debug("Penalized last action.",
			zap.String("ability_id", id), zap.Float64("before", before), zap.Float64("after", effective[id]))
	}
	p.opts.Decay.Gain(table.Absolute, effective)
}

func (p *Planner) candidates(ctx context.Context) ([]schemas.Link, error) {
	return p.facade.GetLinks(ctx, p.op, planner.LinkQuery{Agent: p.opts.Agent, Trim: true})
}

// goalLinks keeps the links whose ability can reach a goal.
func goalLinks(links []schemas.Link, table attackgraph.DistanceTable) []schemas.Link {
	return lo.Filter(links, func(l schemas.Link, _ int) bool { return table.Contains(l.AbilityID()) })
}

// taskAgents picks and applies the best goal link of each agent in scope,
// preceded by its supporting links. It returns every applied link id.
func (p *Planner) taskAgents(ctx context.Context, links []schemas.Link, effective map[string]float64, ordering []string) ([]string, error) {
	agents := p.op.Agents()
	if p.opts.Agent != nil {
		agents = []schemas.Agent{*p.opts.Agent}
	}

	var ids []string
	for _, agent := range agents {
		agentLinks := lo.Filter(links, func(l schemas.Link, _ int) bool { return l.Paw == agent.Paw })
		if len(agentLinks) == 0 {
			continue
		}
		best := p.rank(agentLinks, effective)[0]

		supporting, err := p.supportingLinks(ctx, &agent, best, ordering)
		if err != nil {
			return ids, err
		}
		applied, err := planner.ApplyAll(ctx, p.op, append(supporting, best)...)
		ids = append(ids, applied...)
		if err != nil {
			return ids, err
		}
		p.lastAction = best.AbilityID()
		p.logger.Debug("Tasked agent.",
			zap.String("paw", agent.Paw),
			zap.String("ability_id", best.AbilityID()),
			zap.Float64("effective_distance", effective[best.AbilityID()]),
			zap.Int("supporting_links", len(supporting)))
	}
	return ids, nil
}

// rank orders links by goalWeight*effective + factScoreWeight*score, then by
// link score, then by arrival.
func (p *Planner) rank(links []schemas.Link, effective map[string]float64) []schemas.Link {
	weight := func(l schemas.Link) float64 {
		return effective[l.AbilityID()]*p.opts.GoalWeight + float64(l.Score)*p.opts.FactScoreWeight
	}
	ranked := slices.Clone(links)
	sort.SliceStable(ranked, func(i, j int) bool {
		wi, wj := weight(ranked[i]), weight(ranked[j])
		if wi != wj {
			return wi > wj
		}
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// supportingLinks returns the links of abilities sitting between the previous
// and the chosen ability in the atomic ordering that produce no facts for this
// agent. Without a previous action the range starts at the first ability.
func (p *Planner) supportingLinks(ctx context.Context, agent *schemas.Agent, chosen schemas.Link, ordering []string) ([]schemas.Link, error) {
	start := 0
	if last := slices.Index(ordering, p.lastAction); p.lastAction != "" && last >= 0 {
		start = last + 1
	}
	end := slices.Index(ordering, chosen.AbilityID())
	if end <= start {
		return nil, nil
	}

	between := lo.Uniq(ordering[start:end])
	abilities, err := p.data.LocateAbilities(ctx, between...)
	if err != nil {
		return nil, fmt.Errorf("failed to locate supporting abilities: %w", err)
	}
	silent := lo.FilterMap(abilities, func(a schemas.Ability, _ int) (string, bool) {
		return a.ID, !agent.PreferredExecutor(&a).HasOutputFacts()
	})
	if len(silent) == 0 {
		return nil, nil
	}

	candidates, err := p.facade.GetLinks(ctx, p.op, planner.LinkQuery{Agent: agent, Trim: true})
	if err != nil {
		return nil, err
	}
	var out []schemas.Link
	for _, id := range silent {
		for _, l := range candidates {
			if l.AbilityID() == id && l.Paw == agent.Paw {
				out = append(out, l)
			}
		}
	}
	return out, nil
}
