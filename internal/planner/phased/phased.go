// Package phased implements the multi-phase sequencer that exhausts the links
// of one ability bucket before moving to the next.
package phased

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/planner"
)

const Name = "phased"

// DefaultBuckets is the stock phase order.
var DefaultBuckets = []string{"enumeration", "goals", "lateral_movement", "misc"}

// Planner walks its buckets in order, running every link of each bucket.
type Planner struct {
	*planner.StateMachine
	op     planner.Operation
	facade planner.Facade
	logger *zap.Logger
}

// New creates a phased planner. An empty bucket list selects DefaultBuckets.
func New(op planner.Operation, facade planner.Facade, buckets []string, stopping []schemas.Fact) (*Planner, error) {
	if op == nil || facade == nil {
		return nil, errors.New("phased planner requires an operation and a planning facade")
	}
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	sm, err := planner.NewStateMachine(buckets...)
	if err != nil {
		return nil, err
	}
	sm.SetStoppingConditions(stopping)

	p := &Planner{StateMachine: sm, op: op, facade: facade, logger: facade.Logger().Named(Name)}
	for _, b := range buckets {
		sm.Handle(b, p.exhaust(b))
	}
	return p, nil
}

func (p *Planner) Name() string { return Name }

func (p *Planner) exhaust(bucket string) planner.BucketFunc {
	return func(ctx context.Context) error {
		p.logger.Debug("Exhausting bucket.", zap.String("bucket", bucket))
		if err := p.facade.ExhaustBucket(ctx, p.op, bucket, p.StoppingConditions()); err != nil {
			return err
		}
		p.Advance()
		return nil
	}
}
