// Package bayes implements the historical-probability planner. Candidate links
// are scored with a naive-Bayes estimate of their success probability over
// past operations; links without enough history fall back to atomic ordering.
package bayes

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/config"
	"github.com/xkilldash9x/waypoint/internal/history"
	"github.com/xkilldash9x/waypoint/internal/planner"
)

const (
	Name   = "bayes"
	Bucket = "bayes_state"
)

// Options tunes the planner.
type Options struct {
	// MinLinkData is the number of matching past links needed for an estimate.
	MinLinkData int
	// MinProbLinkSuccess below zero derives the threshold from the operation visibility.
	MinProbLinkSuccess float64
	// DelayExecutionLinks are ability ids always treated as lacking history.
	DelayExecutionLinks   []string
	ExcludedTraitPrefixes []string
	// RebuildEvery is the number of executed links between matrix rebuilds.
	RebuildEvery int
	// Debug logs every selection decision.
	Debug bool
	// History overrides the data service as the source of past operations.
	History history.Source
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MinLinkData:           3,
		MinProbLinkSuccess:    -1,
		ExcludedTraitPrefixes: history.DefaultExcludedPrefixes,
		RebuildEvery:          10,
	}
}

// OptionsFromConfig maps the configuration section onto Options.
func OptionsFromConfig(cfg config.BayesConfig) Options {
	return Options{
		MinLinkData:           cfg.MinLinkData,
		MinProbLinkSuccess:    cfg.MinProbLinkSuccess,
		DelayExecutionLinks:   cfg.DelayExecutionLinks,
		ExcludedTraitPrefixes: cfg.ExcludedTraitPrefixes,
		RebuildEvery:          cfg.RebuildEvery,
		Debug:                 cfg.Debug,
	}
}

// Planner is the Bayes planner. Its model belongs to this instance only.
type Planner struct {
	*planner.StateMachine
	op        planner.Operation
	facade    planner.Facade
	source    history.Source
	opts      Options
	threshold float64
	delayed   map[string]bool
	logger    *zap.Logger

	model         *history.Model
	linksExecuted int
	lastRebuild   int
}

// New creates a Bayes planner for op.
func New(op planner.Operation, facade planner.Facade, opts Options, stopping []schemas.Fact) (*Planner, error) {
	if op == nil || facade == nil {
		return nil, errors.New("bayes planner requires an operation and a planning facade")
	}
	source := opts.History
	if source == nil {
		if ds := facade.DataService(); ds != nil {
			source = ds
		}
	}
	if source == nil {
		return nil, errors.New("bayes planner requires a history source")
	}
	if opts.RebuildEvery <= 0 {
		return nil, fmt.Errorf("bayes planner rebuild interval must be positive, got %d", opts.RebuildEvery)
	}
	sm, err := planner.NewStateMachine(Bucket)
	if err != nil {
		return nil, err
	}
	sm.SetStoppingConditions(stopping)

	threshold := opts.MinProbLinkSuccess
	if threshold < 0 {
		threshold = history.ThresholdFromVisibility(op.Visibility())
	}

	p := &Planner{
		StateMachine: sm,
		op:           op,
		facade:       facade,
		source:       source,
		opts:         opts,
		threshold:    threshold,
		delayed:      lo.SliceToMap(opts.DelayExecutionLinks, func(id string) (string, bool) { return id, true }),
		logger:       facade.Logger().Named(Name),
	}
	sm.Handle(Bucket, p.bayesState)
	return p, nil
}

func (p *Planner) Name() string { return Name }

// Threshold is the minimum success probability a link needs to be chosen on
// its own merit.
func (p *Planner) Threshold() float64 { return p.threshold }

func (p *Planner) bayesState(ctx context.Context) error {
	if p.model == nil || p.linksExecuted-p.lastRebuild >= p.opts.RebuildEvery {
		if err := p.rebuild(ctx); err != nil {
			return err
		}
	}

	var ids []string
	for _, agent := range p.op.Agents() {
		links, err := p.facade.GetLinks(ctx, p.op, planner.LinkQuery{Agent: &agent, Trim: true})
		if err != nil {
			return err
		}
		next, ok := p.SelectLink(links)
		if !ok {
			continue
		}
		applied, err := planner.ApplyAll(ctx, p.op, next)
		if err != nil {
			return err
		}
		ids = append(ids, applied...)
	}

	if len(ids) == 0 {
		p.debug("Operation concluded.")
		p.Halt()
		return nil
	}
	if err := p.op.WaitForLinksCompletion(ctx, ids); err != nil {
		return err
	}
	p.linksExecuted += len(ids)
	return nil
}

// rebuild reloads the historical matrix.
func (p *Planner) rebuild(ctx context.Context) error {
	ops, err := p.source.LocateOperations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load historical operations: %w", err)
	}
	p.model = history.NewModel(history.BuildMatrix(ops, p.opts.ExcludedTraitPrefixes, p.logger))
	p.lastRebuild = p.linksExecuted
	p.debug("Rebuilt historical link matrix.",
		zap.Int("operations", len(ops)), zap.Int("rows", p.model.Matrix().Len()))
	return nil
}

// SelectLink picks the link with the highest defined success probability when
// it clears the threshold. Otherwise the earliest link in atomic ordering among
// those without enough history is chosen. Links with enough history and a
// probability below the threshold are never chosen.
func (p *Planner) SelectLink(links []schemas.Link) (schemas.Link, bool) {
	if p.model == nil {
		p.model = history.NewModel(nil)
	}

	var (
		insufficient []schemas.Link
		bestIdx      = -1
		best         history.Estimate
	)
	for i := range links {
		est := p.model.SuccessProbability(history.LinkQuery(&links[i], p.opts.ExcludedTraitPrefixes), p.opts.MinLinkData)
		if !est.Defined || p.delayed[links[i].AbilityID()] {
			insufficient = append(insufficient, links[i])
			continue
		}
		if bestIdx < 0 || est.Probability > best.Probability {
			bestIdx, best = i, est
		}
	}

	if bestIdx >= 0 && best.Probability >= p.threshold {
		p.debug("Best link selected.",
			zap.String("ability_id", links[bestIdx].AbilityID()),
			zap.Float64("probability", best.Probability),
			zap.Int("observations", best.Observations))
		return links[bestIdx], true
	}
	if bestIdx >= 0 {
		p.debug("Skipping links with insufficient likelihood of success.",
			zap.Float64("best_probability", best.Probability), zap.Float64("threshold", p.threshold))
	}

	next, ok := planner.NextAtomicLink(p.op.Adversary().AtomicOrdering, insufficient)
	if ok {
		p.debug("Link selected with backup atomic ordering.", zap.String("ability_id", next.AbilityID()))
	}
	return next, ok
}

func (p *Planner) debug(msg string, fields ...zap.Field) {
	if p.opts.Debug {
		p.logger.Debug(msg, fields...)
	}
}
