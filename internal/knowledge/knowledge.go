// Package knowledge provides the in-memory data service planners query for
// abilities, agents and past operations.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/history"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("not found")

// InMemory is a fast, ephemeral implementation of schemas.DataService and
// schemas.HistoryStore. Past operations can additionally be read from an
// external history source.
type InMemory struct {
	mu           sync.RWMutex
	abilities    map[string]schemas.Ability
	abilityOrder []string
	agents       map[string]schemas.Agent
	operations   []schemas.OperationRecord
	opIndex      map[string]int
	external     history.Source
	log          *zap.Logger
}

var (
	_ schemas.DataService  = (*InMemory)(nil)
	_ schemas.HistoryStore = (*InMemory)(nil)
)

// NewInMemory creates an empty data service.
func NewInMemory(logger *zap.Logger) *InMemory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemory{
		abilities: make(map[string]schemas.Ability),
		agents:    make(map[string]schemas.Agent),
		opIndex:   make(map[string]int),
		log:       logger.Named("knowledge"),
	}
}

// WithHistory adds an external source of past operations, such as the
// PostgreSQL store. Its operations are merged after the in-memory ones.
func (s *InMemory) WithHistory(src history.Source) *InMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.external = src
	return s
}

// AddAbility stores an ability, overwriting one with the same id.
func (s *InMemory) AddAbility(a schemas.Ability) error {
	if a.ID == "" {
		return errors.New("ability id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.abilities[a.ID]; !exists {
		s.abilityOrder = append(s.abilityOrder, a.ID)
	}
	s.abilities[a.ID] = a
	s.log.Debug("Ability added or updated", zap.String("ability_id", a.ID))
	return nil
}

// AddAgent stores an agent, overwriting one with the same paw.
func (s *InMemory) AddAgent(a schemas.Agent) error {
	if a.Paw == "" {
		return errors.New("agent paw cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.Paw] = a
	return nil
}

// LocateAbilities returns the abilities with the given ids in the requested
// order, skipping unknown and repeated ids. With no ids every ability is
// returned in insertion order.
func (s *InMemory) LocateAbilities(_ context.Context, ids ...string) ([]schemas.Ability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(ids) == 0 {
		ids = s.abilityOrder
	}
	seen := make(map[string]bool, len(ids))
	out := make([]schemas.Ability, 0, len(ids))
	for _, id := range ids {
		a, ok := s.abilities[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, a)
	}
	return out, nil
}

func (s *InMemory) LocateAgent(_ context.Context, paw string) (schemas.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[paw]
	if !ok {
		return schemas.Agent{}, fmt.Errorf("agent %q: %w", paw, ErrNotFound)
	}
	return a, nil
}

// SaveOperation stores a finished operation, replacing one with the same id.
func (s *InMemory) SaveOperation(_ context.Context, op schemas.OperationRecord) error {
	if op.ID == "" {
		return errors.New("operation id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.opIndex[op.ID]; ok {
		s.operations[idx] = op
		return nil
	}
	s.opIndex[op.ID] = len(s.operations)
	s.operations = append(s.operations, op)
	return nil
}

// LocateOperations returns the stored operations followed by those of the
// external history source, without duplicate ids.
func (s *InMemory) LocateOperations(ctx context.Context) ([]schemas.OperationRecord, error) {
	s.mu.RLock()
	external := s.external
	s.mu.RUnlock()

	if external == nil {
		return s.stored(ctx)
	}
	return history.NewMultiSource(s.log, sourceFunc(s.stored), external).LocateOperations(ctx)
}

func (s *InMemory) stored(context.Context) ([]schemas.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.operations), nil
}

type sourceFunc func(context.Context) ([]schemas.OperationRecord, error)

func (f sourceFunc) LocateOperations(ctx context.Context) ([]schemas.OperationRecord, error) {
	return f(ctx)
}
