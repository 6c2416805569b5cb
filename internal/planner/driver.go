package planner

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
)

// TransitionHook observes every bucket the driver is about to run.
type TransitionHook func(planner, bucket string)

// DriverOption configures Execute.
type DriverOption func(*driver)

type driver struct {
	logger *zap.Logger
	hook   TransitionHook
}

// WithLogger sets the driver's logger.
func WithLogger(l *zap.Logger) DriverOption {
	return func(d *driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithTransitionHook publishes bucket transitions to hook.
func WithTransitionHook(hook TransitionHook) DriverOption {
	return func(d *driver) { d.hook = hook }
}

// Execute drives p until it is terminal, a stopping condition is met, the
// operation finishes or ctx is done. Stopping conditions are evaluated before
// the first bucket and after every bucket; a met condition halts the planner.
// Only context cancellation and bucket errors are returned.
func Execute(ctx context.Context, op Operation, p Planner, opts ...DriverOption) error {
	d := &driver{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	logger := d.logger.With(zap.String("planner", p.Name()))

	if StoppingConditionMet(ctx, op, p.StoppingConditions(), logger) {
		p.Halt()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if op.IsFinished() {
			logger.Debug("Operation finished, stopping planner.")
			return nil
		}
		bucket, ok := p.NextBucket()
		if !ok {
			logger.Debug("Planner is terminal.")
			return nil
		}

		logger.Debug("Running bucket.", zap.String("bucket", bucket))
		if d.hook != nil {
			d.hook(p.Name(), bucket)
		}
		if err := p.RunBucket(ctx, bucket); err != nil {
			return fmt.Errorf("planner %s bucket %s: %w", p.Name(), bucket, err)
		}

		if StoppingConditionMet(ctx, op, p.StoppingConditions(), logger) {
			logger.Debug("Stopping condition met.")
			p.Halt()
		}
	}
}

// StoppingConditionMet reports whether any condition fact is among the
// operation's facts, compared by trait and value. Facts that cannot be read count as not met.
func StoppingConditionMet(ctx context.Context, op Operation, conditions []schemas.Fact, logger *zap.Logger) bool {
	if len(conditions) == 0 {
		return false
	}
	facts, err := op.AllFacts(ctx)
	if err != nil {
		logger.Debug("Could not read facts for stopping conditions.", zap.Error(err))
		return false
	}
	have := lo.SliceToMap(facts, func(f schemas.Fact) (string, struct{}) { return f.Unique(), struct{}{} })
	return lo.SomeBy(conditions, func(c schemas.Fact) bool {
		_, ok := have[c.Unique()]
		return ok
	})
}

// NextAtomicLink returns the link whose ability appears earliest in the
// ordering. When several links share an ability, the last one wins.
func NextAtomicLink(ordering []string, links []schemas.Link) (schemas.Link, bool) {
	byAbility := make(map[string]schemas.Link, len(links))
	for _, l := range links {
		byAbility[l.AbilityID()] = l
	}
	for _, id := range ordering {
		if l, ok := byAbility[id]; ok {
			return l, true
		}
	}
	return schemas.Link{}, false
}

// ApplyAll schedules links in order and returns their ids. It stops at the
// first failure, returning the ids applied so far.
func ApplyAll(ctx context.Context, op Operation, links ...schemas.Link) ([]string, error) {
	ids := make([]string, 0, len(links))
	for _, l := range links {
		id, err := op.Apply(ctx, l)
		if err != nil {
			return ids, fmt.Errorf("failed to apply link for ability %s: %w", l.AbilityID(), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
