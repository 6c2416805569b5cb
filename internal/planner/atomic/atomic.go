// Package atomic implements the deterministic baseline planner: each agent
// runs the candidate link that comes first in the adversary's atomic ordering.
package atomic

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/planner"
)

const (
	Name   = "atomic"
	Bucket = "atomic"
)

// Planner runs one link per agent per iteration until no agent has a
// selectable link.
type Planner struct {
	*planner.StateMachine
	op     planner.Operation
	facade planner.Facade
	logger *zap.Logger
}

// New creates an atomic planner for op.
func New(op planner.Operation, facade planner.Facade, stopping []schemas.Fact) (*Planner, error) {
	if op == nil || facade == nil {
		return nil, errors.New("atomic planner requires an operation and a planning facade")
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
		logger:       facade.Logger().Named(Name),
	}
	sm.Handle(Bucket, p.atomic)
	return p, nil
}

func (p *Planner) Name() string { return Name }

func (p *Planner) atomic(ctx context.Context) error {
	ordering := p.op.Adversary().AtomicOrdering
	var ids []string

	for _, agent := range p.op.Agents() {
		links, err := p.facade.GetLinks(ctx, p.op, planner.LinkQuery{Agent: &agent, Trim: true})
		if err != nil {
			return err
		}
		next, ok := planner.NextAtomicLink(ordering, links)
		if !ok {
			continue
		}
		applied, err := planner.ApplyAll(ctx, p.op, next)
		if err != nil {
			return err
		}
		p.logger.Debug("Selected next atomic link.", zap.String("paw", agent.Paw), zap.String("ability_id", next.AbilityID()))
		ids = append(ids, applied...)
	}

	if len(ids) == 0 {
		p.logger.Debug("No agent has a selectable link, planner complete.")
		p.Halt()
		return nil
	}
	return p.op.WaitForLinksCompletion(ctx, ids)
}
