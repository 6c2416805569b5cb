package engine

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/xkilldash9x/waypoint/api/schemas"
)

// Outcome scripts how the simulated executor answers links of one ability.
type Outcome struct {
	// SuccessRate in [0,1]. Attempts succeed deterministically so that over n
	// attempts floor(n*rate) of them succeed.
	SuccessRate float64
	// Facts replace the facts synthesized from the executor's parsers.
	Facts []schemas.Fact
	// Delay is how long the agent takes to answer.
	Delay time.Duration
}

// SimulatedExecutor answers links without real agents. Abilities without a
// scripted outcome always succeed. On success every parser config of the link's
// executor yields a fact, unless the outcome scripts facts explicitly.
type SimulatedExecutor struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
	attempts map[string]int
}

// NewSimulatedExecutor creates an executor with outcomes keyed by ability id.
func NewSimulatedExecutor(outcomes map[string]Outcome) *SimulatedExecutor {
	if outcomes == nil {
		outcomes = map[string]Outcome{}
	}
	return &SimulatedExecutor{outcomes: outcomes, attempts: map[string]int{}}
}

// Attempts reports how many times links of the ability were executed.
func (s *SimulatedExecutor) Attempts(abilityID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[abilityID]
}

func (s *SimulatedExecutor) Execute(ctx context.Context, d Dispatch) (schemas.LinkResult, error) {
	abilityID := d.Link.AbilityID()

	s.mu.Lock()
	outcome, scripted := s.outcomes[abilityID]
	s.attempts[abilityID]++
	n := s.attempts[abilityID]
	s.mu.Unlock()

	if !scripted {
		outcome = Outcome{SuccessRate: 1}
	}

	if outcome.Delay > 0 {
		timer := time.NewTimer(outcome.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return schemas.LinkResult{}, ctx.Err()
		case <-timer.C:
		}
	}

	if !succeeds(outcome.SuccessRate, n) {
		return schemas.LinkResult{Status: schemas.StatusError, Output: "simulated failure"}, nil
	}

	facts := slices.Clone(outcome.Facts)
	var rels []schemas.Relationship
	if facts == nil {
		facts, rels = synthesize(&d.Link)
	}
	for i := range facts {
		facts[i].Source = d.Link.ID
		facts[i].CollectedBy = []string{d.Link.Paw}
	}
	return schemas.LinkResult{
		Status:        schemas.StatusSuccess,
		Output:        fmt.Sprintf("simulated %s on %s", abilityID, d.Link.Paw),
		Facts:         facts,
		Relationships: rels,
	}, nil
}

// succeeds reports whether the n-th attempt (1-based) is a success.
func succeeds(rate float64, n int) bool {
	switch {
	case rate >= 1:
		return true
	case rate <= 0:
		return false
	}
	return math.Floor(float64(n)*rate) > math.Floor(float64(n-1)*rate)
}

// synthesize produces one fact per declared parser output. Values are derived
// from the agent and the trait so repeated runs collapse onto the same fact.
func synthesize(link *schemas.Link) ([]schemas.Fact, []schemas.Relationship) {
	var (
		facts []schemas.Fact
		rels  []schemas.Relationship
	)
	for _, p := range link.Executor.Parsers {
		for _, cfg := range p.Configs {
			if cfg.Source == "" {
				continue
			}
			source := schemas.Fact{Trait: cfg.Source, Value: simulatedValue(link.Paw, cfg.Source), Score: 1}
			facts = append(facts, source)

			rel := schemas.Relationship{Source: source, Edge: cfg.Edge, Score: 1}
			if cfg.Target != "" {
				target := schemas.Fact{Trait: cfg.Target, Value: simulatedValue(link.Paw, cfg.Target), Score: 1}
				facts = append(facts, target)
				rel.Target = &target
			}
			if cfg.Edge != "" {
				rels = append(rels, rel)
			}
		}
	}
	return facts, rels
}

func simulatedValue(paw, trait string) string {
	return paw + ":" + trait
}
