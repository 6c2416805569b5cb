// Package planning implements the planning service planners use to turn
// abilities and collected facts into concrete links.
package planning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/attackgraph"
	"github.com/xkilldash9x/waypoint/internal/config"
	"github.com/xkilldash9x/waypoint/internal/planner"
)

// DefaultLinkVisibility is the visibility of links whose ability sets none.
const DefaultLinkVisibility = 50

// Service implements planner.Facade.
type Service struct {
	data       schemas.DataService
	cfg        config.PlanningConfig
	logger     *zap.Logger
	driverOpts []planner.DriverOption
}

var _ planner.Facade = (*Service)(nil)

// New creates a planning service over the given data service. Driver options
// are applied to every planner the service executes.
func New(data schemas.DataService, cfg config.PlanningConfig, logger *zap.Logger, driverOpts ...planner.DriverOption) (*Service, error) {
	if data == nil {
		return nil, errors.New("planning service requires a data service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		data:       data,
		cfg:        cfg,
		logger:     logger.Named("planning"),
		driverOpts: driverOpts,
	}, nil
}

func (s *Service) DataService() schemas.DataService { return s.data }
func (s *Service) Logger() *zap.Logger              { return s.logger }

// ExecutePlanner runs p to completion against op.
func (s *Service) ExecutePlanner(ctx context.Context, op planner.Operation, p planner.Planner) error {
	opts := append([]planner.DriverOption{planner.WithLogger(s.logger)}, s.driverOpts...)
	return planner.Execute(ctx, op, p, opts...)
}

// GetLinks generates candidate links for every trusted agent of op, or only
// for q.Agent, from the abilities of the adversary's atomic ordering. Links
// are ordered by score, highest first, keeping generation order on ties.
func (s *Service) GetLinks(ctx context.Context, op planner.Operation, q planner.LinkQuery) ([]schemas.Link, error) {
	abilities, err := s.data.LocateAbilities(ctx, lo.Uniq(op.Adversary().AtomicOrdering)...)
	if err != nil {
		return nil, fmt.Errorf("failed to locate abilities: %w", err)
	}
	if len(q.Buckets) > 0 {
		abilities = lo.Filter(abilities, func(a schemas.Ability, _ int) bool {
			return lo.SomeBy(q.Buckets, func(b string) bool { return a.InBucket(b) })
		})
	}
	facts, err := op.AllFacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read operation facts: %w", err)
	}

	var agents []schemas.Agent
	if q.Agent != nil {
		agents = []schemas.Agent{*q.Agent}
	} else {
		agents = lo.Filter(op.Agents(), func(a schemas.Agent, _ int) bool { return a.Trusted })
	}

	var links []schemas.Link
	for i := range agents {
		agent := &agents[i]
		for j := range abilities {
			ability := &abilities[j]
			if !agent.CanRun(ability) {
				continue
			}
			links = append(links, s.generate(agent, ability, facts)...)
		}
	}

	if q.Trim {
		links = s.trim(op, links)
	}
	sort.SliceStable(links, func(i, j int) bool { return links[i].Score > links[j].Score })
	return links, nil
}

// generate expands the fact placeholders of the agent's preferred executor
// into one link per combination of distinct fact values. A placeholder
// without facts yields a single link with the command left unresolved.
func (s *Service) generate(agent *schemas.Agent, ability *schemas.Ability, facts []schemas.Fact) []schemas.Link {
	ex := agent.PreferredExecutor(ability)
	if ex == nil {
		return nil
	}
	command := agent.ReplaceReserved(ex.Command)
	placeholders := attackgraph.CommandPlaceholders(command)

	visibility := ability.Visibility
	if visibility <= 0 {
		visibility = DefaultLinkVisibility
	}
	newLink := func(cmd string, used []schemas.Fact) schemas.Link {
		return schemas.Link{
			Paw:        agent.Paw,
			Ability:    *ability,
			Executor:   *ex,
			Command:    schemas.EncodeCommand(cmd),
			Status:     schemas.StatusExecute,
			Score:      lo.SumBy(used, func(f schemas.Fact) int { return f.Score }),
			Visibility: visibility,
			Used:       used,
		}
	}

	options := make([][]schemas.Fact, len(placeholders))
	for i, p := range placeholders {
		options[i] = lo.UniqBy(schemas.FactsWithTrait(facts, p.Trait), func(f schemas.Fact) string { return f.Value })
		if len(options[i]) == 0 {
			return []schemas.Link{newLink(command, nil)}
		}
	}

	var links []schemas.Link
	for _, combo := range combinations(options, s.cfg.MaxLinksPerAbility) {
		cmd := command
		for i, p := range placeholders {
			cmd = strings.ReplaceAll(cmd, p.Text, combo[i].Value)
		}
		links = append(links, newLink(cmd, combo))
	}
	return links
}

// combinations enumerates the cartesian product of options in lexical order,
// stopping after limit entries. A limit of zero or less means no limit.
func combinations(options [][]schemas.Fact, limit int) [][]schemas.Fact {
	out := [][]schemas.Fact{nil}
	for _, opts := range options {
		var next [][]schemas.Fact
	expand:
		for _, prefix := range out {
			for _, f := range opts {
				combo := make([]schemas.Fact, len(prefix), len(prefix)+1)
				copy(combo, prefix)
				next = append(next, append(combo, f))
				if limit > 0 && len(next) >= limit {
					break expand
				}
			}
		}
		out = next
	}
	return out
}

// trim drops links that still carry fact placeholders, links noisier than the
// operation allows, and non-repeatable links the agent has already been given.
func (s *Service) trim(op planner.Operation, links []schemas.Link) []schemas.Link {
	type run struct{ paw, command string }
	done := lo.SliceToMap(op.Chain(), func(l schemas.Link) (run, bool) { return run{l.Paw, l.Command}, true })

	return lo.Filter(links, func(l schemas.Link, _ int) bool {
		if len(l.Used) == 0 {
			if cmd, err := l.DecodedCommand(); err != nil || len(attackgraph.CommandPlaceholders(cmd)) > 0 {
				return false
			}
		}
		if l.Visibility > op.Visibility() {
			s.logger.Debug("Dropping link above operation visibility.",
				zap.String("ability_id", l.AbilityID()), zap.Int("visibility", l.Visibility))
			return false
		}
		if !l.Ability.Repeatable && done[run{l.Paw, l.Command}] {
			return false
		}
		return true
	})
}

// ExhaustBucket applies every link of the bucket, batch after batch, until no
// new link appears, the operation finishes or a stopping condition is met.
// A command is run at most once per agent within one call.
func (s *Service) ExhaustBucket(ctx context.Context, op planner.Operation, bucket string, stopping []schemas.Fact) error {
	type run struct{ paw, command string }
	applied := map[run]bool{}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if op.IsFinished() {
			return nil
		}
		links, err := s.GetLinks(ctx, op, planner.LinkQuery{Buckets: []string{bucket}, Trim: true})
		if err != nil {
			return err
		}
		links = lo.Filter(links, func(l schemas.Link, _ int) bool { return !applied[run{l.Paw, l.Command}] })
		if len(links) == 0 {
			s.logger.Debug("Bucket exhausted.", zap.String("bucket", bucket))
			return nil
		}
		for _, l := range links {
			applied[run{l.Paw, l.Command}] = true
		}

		ids, err := planner.ApplyAll(ctx, op, links...)
		if err != nil {
			return err
		}
		if err := op.WaitForLinksCompletion(ctx, ids); err != nil {
			return err
		}
		if planner.StoppingConditionMet(ctx, op, stopping, s.logger) {
			s.logger.Debug("Stopping condition met while exhausting bucket.", zap.String("bucket", bucket))
			return nil
		}
	}
}
