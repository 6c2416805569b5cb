// Package lookahead implements the look-ahead planner. It scores abilities by
// their discounted immediate reward plus the best reward reachable through
// abilities that consume their output, and runs one link per iteration.
package lookahead

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/config"
	"github.com/xkilldash9x/waypoint/internal/planner"
)

const (
	Name   = "look_ahead"
	Bucket = "look_ahead"
)

// Options tunes the reward recursion.
type Options struct {
	Depth          int
	Discount       float64
	DefaultReward  float64
	AbilityRewards map[string]float64
}

// DefaultOptions returns depth 3, discount 0.9 and a reward of 1 for every ability.
func DefaultOptions() Options {
	return Options{Depth: 3, Discount: 0.9, DefaultReward: 1}
}

// OptionsFromConfig maps the configuration section onto Options.
func OptionsFromConfig(cfg config.LookAheadConfig) Options {
	return Options{
		Depth:          cfg.Depth,
		Discount:       cfg.Discount,
		DefaultReward:  cfg.DefaultReward,
		AbilityRewards: cfg.AbilityRewards,
	}
}

// Planner is the look-ahead planner.
type Planner struct {
	*planner.StateMachine
	op     planner.Operation
	facade planner.Facade
	data   schemas.DataService
	opts   Options
	logger *zap.Logger
}

// New creates a look-ahead planner for op.
func New(op planner.Operation, facade planner.Facade, opts Options, stopping []schemas.Fact) (*Planner, error) {
	if op == nil || facade == nil {
		return nil, errors.New("look-ahead planner requires an operation and a planning facade")
	}
	data := facade.DataService()
	if data == nil {
		return nil, errors.New("look-ahead planner requires a data service")
	}
	if opts.Depth < 0 {
		return nil, fmt.Errorf("look-ahead depth must not be negative, got %d", opts.Depth)
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
	sm.Handle(Bucket, p.lookAhead)
	return p, nil
}

func (p *Planner) Name() string { return Name }

type scoredLink struct {
	link   schemas.Link
	reward float64
}

func (p *Planner) lookAhead(ctx context.Context) error {
	abilities, err := p.data.LocateAbilities(ctx, lo.Uniq(p.op.Adversary().AtomicOrdering)...)
	if err != nil {
		return fmt.Errorf("failed to locate abilities: %w", err)
	}

	var best []scoredLink
	for _, agent := range p.op.Agents() {
		capable := agent.Capabilities(abilities)
		links, err := p.facade.GetLinks(ctx, p.op, planner.LinkQuery{Agent: &agent, Trim: true})
		if err != nil {
			return err
		}

		rewards := p.Rewards(&agent, capable)
		for _, r := range rewards {
			if l, ok := lo.Find(links, func(l schemas.Link) bool { return l.AbilityID() == r.AbilityID }); ok {
				best = append(best, scoredLink{link: l, reward: r.Reward})
				p.logger.Debug("Best look-ahead link for agent.",
					zap.String("paw", agent.Paw), zap.String("ability_id", r.AbilityID), zap.Float64("reward", r.Reward))
				break
			}
		}
	}

	if len(best) == 0 {
		p.logger.Debug("No agent yields a rewarded link, planner complete.")
		p.Halt()
		return nil
	}
	sort.SliceStable(best, func(i, j int) bool { return best[i].reward > best[j].reward })

	ids, err := planner.ApplyAll(ctx, p.op, best[0].link)
	if err != nil {
		return err
	}
	return p.op.WaitForLinksCompletion(ctx, ids)
}

// AbilityReward pairs an ability with its future reward.
type AbilityReward struct {
	AbilityID string
	Reward    float64
}

// Rewards scores every ability for the agent, highest first. Ties keep the
// input order.
func (p *Planner) Rewards(agent *schemas.Agent, abilities []schemas.Ability) []AbilityReward {
	out := make([]AbilityReward, 0, len(abilities))
	for i := range abilities {
		out = append(out, AbilityReward{
			AbilityID: abilities[i].ID,
			Reward:    p.FutureReward(agent, &abilities[i], abilities, 0),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Reward > out[j].Reward })
	return out
}

// FutureReward is R(a)·discount^depth plus the best future reward of the
// abilities that follow a, rounded to three decimals. Past the maximum depth
// it is 0. Each recursion step removes the current ability from the pool, so
// cycles in the follows-relation terminate.
func (p *Planner) FutureReward(agent *schemas.Agent, current *schemas.Ability, pool []schemas.Ability, depth int) float64 {
	if depth > p.opts.Depth {
		return 0
	}
	remaining := lo.Filter(pool, func(a schemas.Ability, _ int) bool { return a.ID != current.ID })

	future := 0.0
	for _, next := range Followers(agent, current, remaining) {
		next := next
		future = math.Max(future, p.FutureReward(agent, &next, remaining, depth+1))
	}

	base, ok := p.opts.AbilityRewards[current.ID]
	if !ok {
		base = p.opts.DefaultReward
	}
	return round3(base*math.Pow(p.opts.Discount, float64(depth)) + future)
}

// Followers returns the abilities whose command, as the agent would run it,
// mentions a trait produced by the parsers of current. An ability without an
// executor for the agent neither follows nor is followed.
func Followers(agent *schemas.Agent, current *schemas.Ability, pool []schemas.Ability) []schemas.Ability {
	traits := agent.PreferredExecutor(current).OutputTraits()
	if len(traits) == 0 {
		return nil
	}
	return lo.Filter(pool, func(a schemas.Ability, _ int) bool {
		ex := agent.PreferredExecutor(&a)
		if ex == nil || ex.Command == "" {
			return false
		}
		return slices.ContainsFunc(traits, func(t string) bool { return strings.Contains(ex.Command, t) })
	})
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
