// Package operation is the in-process run context planners schedule links
// into. It owns the link chain and the collected facts, hands links to the
// execution engine and merges the results back.
package operation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/engine"
)

var (
	// ErrOperationFinished is returned when links are applied to a finished operation.
	ErrOperationFinished = errors.New("operation is finished")
	// ErrUnknownLink is returned when waiting on a link the operation never applied.
	ErrUnknownLink = errors.New("unknown link")
	// ErrUnknownAgent is returned when a link names an agent outside the operation.
	ErrUnknownAgent = errors.New("unknown agent")
)

// DefaultVisibility is used when an operation does not set one.
const DefaultVisibility = 50

// Dispatcher hands applied links to whatever executes them.
type Dispatcher interface {
	Submit(ctx context.Context, d engine.Dispatch) error
}

// Options describes a new operation.
type Options struct {
	ID         string
	Name       string
	Planner    string
	Obfuscator string
	Adversary  schemas.Adversary
	Agents     []schemas.Agent
	Visibility int
	// Facts seed the operation's knowledge.
	Facts []schemas.Fact
}

// Operation implements planner.Operation and schemas.ResultSink.
type Operation struct {
	id         string
	name       string
	plannerID  string
	obfuscator string
	adversary  schemas.Adversary
	visibility int
	dispatcher Dispatcher
	logger     *zap.Logger

	mu            sync.RWMutex
	agents        []schemas.Agent
	chain         []schemas.Link
	linkIndex     map[string]int
	done          map[string]chan struct{}
	facts         []schemas.Fact
	factIndex     map[string]int
	relationships []schemas.Relationship
	relIndex      map[string]bool
	state         schemas.OperationState
	startedAt     time.Time
	finishedAt    time.Time
}

// New creates a running operation. A missing id is generated.
func New(opts Options, dispatcher Dispatcher, logger *zap.Logger) (*Operation, error) {
	if dispatcher == nil {
		return nil, errors.New("operation requires a dispatcher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Visibility == 0 {
		opts.Visibility = DefaultVisibility
	}
	if opts.Visibility < 1 || opts.Visibility > 100 {
		return nil, fmt.Errorf("operation visibility must be between 1 and 100, got %d", opts.Visibility)
	}

	op := &Operation{
		id:         opts.ID,
		name:       opts.Name,
		plannerID:  opts.Planner,
		obfuscator: opts.Obfuscator,
		adversary:  opts.Adversary,
		visibility: opts.Visibility,
		dispatcher: dispatcher,
		logger:     logger.Named("operation"),
		agents:     slices.Clone(opts.Agents),
		linkIndex:  map[string]int{},
		done:       map[string]chan struct{}{},
		factIndex:  map[string]int{},
		relIndex:   map[string]bool{},
		state:      schemas.OperationRunning,
		startedAt:  time.Now().UTC(),
	}
	op.mergeFacts(opts.Facts)
	return op, nil
}

func (o *Operation) ID() string                   { return o.id }
func (o *Operation) Name() string                 { return o.name }
func (o *Operation) Adversary() schemas.Adversary { return o.adversary }
func (o *Operation) Visibility() int              { return o.visibility }

func (o *Operation) Agents() []schemas.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.agents)
}

// Apply records the link with status Execute and dispatches it.
func (o *Operation) Apply(ctx context.Context, link schemas.Link) (string, error) {
	o.mu.Lock()
	if o.state == schemas.OperationFinished {
		o.mu.Unlock()
		return "", ErrOperationFinished
	}
	agent, ok := lo.Find(o.agents, func(a schemas.Agent) bool { return a.Paw == link.Paw })
	if !ok {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, link.Paw)
	}

	link.ID = uuid.NewString()
	link.BindOriginLinkID()
	link.Status = schemas.StatusExecute
	link.Decide = time.Now().UTC()
	o.linkIndex[link.ID] = len(o.chain)
	o.chain = append(o.chain, link)
	done := make(chan struct{})
	o.done[link.ID] = done
	o.mu.Unlock()

	o.logger.Debug("Applying link.",
		zap.String("link_id", link.ID), zap.String("paw", link.Paw), zap.String("ability_id", link.AbilityID()))

	if err := o.dispatcher.Submit(ctx, engine.Dispatch{Link: link, Agent: agent, Sink: o}); err != nil {
		o.Report(ctx, schemas.LinkResult{LinkID: link.ID, Status: schemas.StatusDiscard, Output: err.Error()})
		return link.ID, fmt.Errorf("failed to dispatch link %s: %w", link.ID, err)
	}
	return link.ID, nil
}

// Report merges an execution result into the operation. Results for unknown
// links, or links that already finished, are ignored.
func (o *Operation) Report(_ context.Context, result schemas.LinkResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx, ok := o.linkIndex[result.LinkID]
	if !ok {
		o.logger.Debug("Ignoring result for unknown link.", zap.String("link_id", result.LinkID))
		return
	}
	link := &o.chain[idx]
	if link.Status.IsTerminal() {
		o.logger.Debug("Ignoring duplicate result.", zap.String("link_id", result.LinkID))
		return
	}

	link.Status = result.Status
	link.Finish = result.Finished
	if link.Finish.IsZero() {
		link.Finish = time.Now().UTC()
	}
	for i := range result.Facts {
		if result.Facts[i].Source == "" {
			result.Facts[i].Source = link.ID
		}
	}
	link.Facts = append(link.Facts, result.Facts...)
	link.Relationships = append(link.Relationships, result.Relationships...)
	o.mergeFacts(result.Facts)
	o.mergeRelationships(result.Relationships)

	o.logger.Debug("Link finished.",
		zap.String("link_id", link.ID), zap.Stringer("status", link.Status), zap.Int("facts", len(result.Facts)))

	if ch, ok := o.done[link.ID]; ok {
		close(ch)
		delete(o.done, link.ID)
	}
}

// mergeFacts adds facts not yet known by trait and value. For known facts
// the collecting agents are unioned. Callers hold mu.
func (o *Operation) mergeFacts(facts []schemas.Fact) {
	for _, f := range facts {
		if idx, ok := o.factIndex[f.Unique()]; ok {
			existing := &o.facts[idx]
			existing.CollectedBy = lo.Union(existing.CollectedBy, f.CollectedBy)
			continue
		}
		o.factIndex[f.Unique()] = len(o.facts)
		o.facts = append(o.facts, f)
	}
}

func (o *Operation) mergeRelationships(rels []schemas.Relationship) {
	for _, r := range rels {
		if o.relIndex[r.Unique()] {
			continue
		}
		o.relIndex[r.Unique()] = true
		o.relationships = append(o.relationships, r)
	}
}

// WaitForLinksCompletion blocks until every listed link reported a result.
func (o *Operation) WaitForLinksCompletion(ctx context.Context, linkIDs []string) error {
	for _, id := range linkIDs {
		o.mu.RLock()
		_, known := o.linkIndex[id]
		ch, pending := o.done[id]
		o.mu.RUnlock()

		if !known {
			return fmt.Errorf("%w: %s", ErrUnknownLink, id)
		}
		if !pending {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (o *Operation) AllFacts(_ context.Context) ([]schemas.Fact, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.facts), nil
}

func (o *Operation) AllRelationships(_ context.Context) ([]schemas.Relationship, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.relationships), nil
}

func (o *Operation) Chain() []schemas.Link {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.chain)
}

func (o *Operation) IsFinished() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state == schemas.OperationFinished
}

// Finish marks the operation finished and returns its record. Calling it
// again returns the same record.
func (o *Operation) Finish() schemas.OperationRecord {
	o.mu.Lock()
	if o.state != schemas.OperationFinished {
		o.state = schemas.OperationFinished
		o.finishedAt = time.Now().UTC()
		o.logger.Info("Operation finished.", zap.Int("links", len(o.chain)), zap.Int("facts", len(o.facts)))
	}
	o.mu.Unlock()
	return o.Record()
}

// Record snapshots the operation.
func (o *Operation) Record() schemas.OperationRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return schemas.OperationRecord{
		ID:         o.id,
		Name:       o.name,
		Planner:    o.plannerID,
		Obfuscator: o.obfuscator,
		Adversary:  o.adversary,
		Agents:     slices.Clone(o.agents),
		Chain:      slices.Clone(o.chain),
		Visibility: o.visibility,
		State:      o.state,
		StartedAt:  o.startedAt,
		FinishedAt: o.finishedAt,
	}
}
