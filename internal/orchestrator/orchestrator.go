// File: internal/orchestrator/orchestrator.go
// Description: Manages the lifecycle of one operation. It is injected with the
// data service and link executor via interfaces, making it decoupled and testable.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/config"
	"github.com/xkilldash9x/waypoint/internal/engine"
	"github.com/xkilldash9x/waypoint/internal/observability"
	"github.com/xkilldash9x/waypoint/internal/operation"
	"github.com/xkilldash9x/waypoint/internal/planner"
	"github.com/xkilldash9x/waypoint/internal/planner/atomic"
	"github.com/xkilldash9x/waypoint/internal/planner/bayes"
	"github.com/xkilldash9x/waypoint/internal/planner/guided"
	"github.com/xkilldash9x/waypoint/internal/planner/lookahead"
	"github.com/xkilldash9x/waypoint/internal/planner/phased"
	"github.com/xkilldash9x/waypoint/internal/planning"
)

// ErrUnknownPlanner is returned for a planner name outside the registry.
var ErrUnknownPlanner = errors.New("unknown planner")

// PlannerNames lists the registered planners.
var PlannerNames = []string{atomic.Name, phased.Name, guided.Name, lookahead.Name, bayes.Name}

// persistTimeout bounds saving the record once the run context may be gone.
const persistTimeout = 30 * time.Second

// NewPlanner builds the named planner with its parameters from cfg.
func NewPlanner(name string, op planner.Operation, facade planner.Facade, cfg config.PlannersConfig, stopping []schemas.Fact) (planner.Planner, error) {
	switch name {
	case atomic.Name:
		return atomic.New(op, facade, stopping)
	case phased.Name:
		return phased.New(op, facade, cfg.Phased.Buckets, stopping)
	case guided.Name:
		return guided.New(op, facade, guided.OptionsFromConfig(cfg.Guided), stopping)
	case lookahead.Name:
		return lookahead.New(op, facade, lookahead.OptionsFromConfig(cfg.LookAhead), stopping)
	case bayes.Name:
		return bayes.New(op, facade, bayes.OptionsFromConfig(cfg.Bayes), stopping)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPlanner, name)
}

// Request describes the operation to run.
type Request struct {
	Name string
	// Planner defaults to the configured default planner.
	Planner            string
	Adversary          schemas.Adversary
	Agents             []schemas.Agent
	Visibility         int
	Facts              []schemas.Fact
	StoppingConditions []schemas.Fact
	// Persist saves the finished record to the history store.
	Persist bool
}

// Result is the outcome of a run.
type Result struct {
	Record schemas.OperationRecord
	Facts  []schemas.Fact
}

// Orchestrator wires the engine, operation, planning service and planner for
// one run.
type Orchestrator struct {
	cfg      config.Interface
	logger   *zap.Logger
	data     schemas.DataService
	executor engine.LinkExecutor
	history  schemas.HistoryStore
	// progressEvery is how often progress is logged while planning.
	progressEvery time.Duration
}

// New creates an Orchestrator with its dependencies provided as interfaces.
func New(cfg config.Interface, logger *zap.Logger, data schemas.DataService, executor engine.LinkExecutor) (*Orchestrator, error) {
	if cfg == nil ||
		logger == nil ||
		data == nil ||
		executor == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Orchestrator{
		cfg:           cfg,
		logger:        logger.Named("orchestrator"),
		data:          data,
		executor:      executor,
		progressEvery: 10 * time.Second,
	}, nil
}

// WithHistoryStore sets where persisted runs are saved.
func (o *Orchestrator) WithHistoryStore(store schemas.HistoryStore) *Orchestrator {
	o.history = store
	return o
}

// Run executes one operation to completion and returns its record. The record
// is returned even when planning fails.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	name := req.Planner
	if name == "" {
		name = o.cfg.Planners().Default
	}

	id := uuid.NewString()
	logger := observability.ForOperation(o.logger, id, name)

	eng, err := engine.New(o.cfg, logger, o.executor)
	if err != nil {
		return Result{}, err
	}
	op, err := operation.New(operation.Options{
		ID:         id,
		Name:       req.Name,
		Planner:    name,
		Adversary:  req.Adversary,
		Agents:     req.Agents,
		Visibility: req.Visibility,
		Facts:      req.Facts,
	}, eng, logger)
	if err != nil {
		return Result{}, err
	}
	svc, err := planning.New(o.data, o.cfg.Planning(), logger)
	if err != nil {
		return Result{}, err
	}
	p, err := NewPlanner(name, op, svc, o.cfg.Planners(), req.StoppingConditions)
	if err != nil {
		return Result{}, err
	}

	logger.Info("Starting operation.",
		zap.String("adversary", req.Adversary.Name),
		zap.Int("agents", len(req.Agents)))

	eng.Start(ctx)
	planErr := o.plan(ctx, svc, op, p)
	eng.Stop()

	record := op.Finish()
	facts, _ := op.AllFacts(ctx)
	result := Result{Record: record, Facts: facts}

	if saveErr := o.save(ctx, record, req.Persist); saveErr != nil {
		return result, errors.Join(planErr, saveErr)
	}
	if planErr != nil {
		return result, fmt.Errorf("planner %s failed: %w", name, planErr)
	}
	o.logger.Info("Operation complete.",
		observability.OperationID(record.ID),
		zap.Int("links", len(record.Chain)),
		zap.Int("facts", len(facts)))
	return result, nil
}

// plan runs the planner next to a progress reporter that exits once planning does.
func (o *Orchestrator) plan(ctx context.Context, svc *planning.Service, op *operation.Operation, p planner.Planner) error {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		return svc.ExecutePlanner(gctx, op, p)
	})
	g.Go(func() error {
		ticker := time.NewTicker(o.progressEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-ticker.C:
				o.logger.Info("Operation in progress.",
					observability.OperationID(op.ID()),
					zap.Int("links", len(op.Chain())))
			}
		}
	})
	return g.Wait()
}

// save records the finished run in memory when the data service keeps
// history, and in the external store when persisting was requested.
func (o *Orchestrator) save(ctx context.Context, record schemas.OperationRecord, persist bool) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if mem, ok := o.data.(schemas.HistoryStore); ok {
		if err := mem.SaveOperation(saveCtx, record); err != nil {
			o.logger.Warn("Failed to record operation in memory.", zap.Error(err))
		}
	}
	if !persist {
		return nil
	}
	if o.history == nil {
		return errors.New("persist requested but no history store is configured")
	}
	if err := o.history.SaveOperation(saveCtx, record); err != nil {
		return fmt.Errorf("failed to persist operation %s: %w", record.ID, err)
	}
	o.logger.Info("Operation persisted.", observability.OperationID(record.ID))
	return nil
}
