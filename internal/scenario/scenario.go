// Package scenario loads YAML descriptions of a simulated environment: the
// abilities and agents available, the adversary to emulate, how each ability
// behaves when run and the operations that ran before.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/engine"
	"github.com/xkilldash9x/waypoint/internal/knowledge"
)

// Scenario is the decoded form of a scenario file.
type Scenario struct {
	Name       string            `yaml:"name"`
	Visibility int               `yaml:"visibility"`
	Abilities  []schemas.Ability `yaml:"abilities"`
	Agents     []schemas.Agent   `yaml:"agents"`
	Adversary  schemas.Adversary `yaml:"adversary"`
	// Facts seed the operation before the first link runs.
	Facts              []schemas.Fact         `yaml:"facts"`
	StoppingConditions []schemas.Fact         `yaml:"stopping_conditions"`
	Outcomes           map[string]OutcomeSpec `yaml:"outcomes"`
	History            []PastOperation        `yaml:"history"`
}

// OutcomeSpec scripts the simulated result of one ability.
type OutcomeSpec struct {
	// SuccessRate defaults to 1 when omitted.
	SuccessRate *float64       `yaml:"success_rate"`
	Facts       []schemas.Fact `yaml:"facts"`
	Delay       time.Duration  `yaml:"delay"`
}

// PastOperation is a compact record of an earlier operation.
type PastOperation struct {
	Name       string     `yaml:"name"`
	Planner    string     `yaml:"planner"`
	Obfuscator string     `yaml:"obfuscator"`
	Visibility int        `yaml:"visibility"`
	Links      []PastLink `yaml:"links"`
}

// PastLink describes Repeat identical executions of an ability.
type PastLink struct {
	Ability string `yaml:"ability"`
	Paw     string `yaml:"paw"`
	// Status is one of success, error, timeout or discard.
	Status string `yaml:"status"`
	// Command overrides the executor's template.
	Command string         `yaml:"command"`
	Used    []schemas.Fact `yaml:"used"`
	Repeat  int            `yaml:"repeat"`
}

var statusNames = map[string]schemas.LinkStatus{
	"success": schemas.StatusSuccess,
	"error":   schemas.StatusError,
	"timeout": schemas.StatusTimeout,
	"discard": schemas.StatusDiscard,
}

// Load reads and validates the scenario at path. A leading ~ is expanded.
func Load(path string) (*Scenario, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand scenario path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", expanded, err)
	}
	return s, nil
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every reference in the scenario resolves.
func (s *Scenario) Validate() error {
	var errs []error

	if s.Visibility < 0 || s.Visibility > 100 {
		errs = append(errs, fmt.Errorf("visibility %d must be between 0 and 100", s.Visibility))
	}
	if len(s.Abilities) == 0 {
		errs = append(errs, errors.New("at least one ability is required"))
	}
	if len(s.Agents) == 0 {
		errs = append(errs, errors.New("at least one agent is required"))
	}

	known := make(map[string]bool, len(s.Abilities))
	for i, a := range s.Abilities {
		switch {
		case a.ID == "":
			errs = append(errs, fmt.Errorf("abilities[%d]: id is required", i))
		case known[a.ID]:
			errs = append(errs, fmt.Errorf("abilities[%d]: duplicate id %q", i, a.ID))
		case len(a.Executors) == 0:
			errs = append(errs, fmt.Errorf("ability %q has no executors", a.ID))
		}
		if a.Visibility < 0 || a.Visibility > 100 {
			errs = append(errs, fmt.Errorf("ability %q: visibility %d must be between 0 and 100", a.ID, a.Visibility))
		}
		known[a.ID] = true
	}

	paws := map[string]bool{}
	for i, a := range s.Agents {
		switch {
		case a.Paw == "":
			errs = append(errs, fmt.Errorf("agents[%d]: paw is required", i))
		case paws[a.Paw]:
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate paw %q", i, a.Paw))
		}
		paws[a.Paw] = true
	}

	for _, id := range s.Adversary.AtomicOrdering {
		if !known[id] {
			errs = append(errs, fmt.Errorf("adversary references unknown ability %q", id))
		}
	}
	for id, o := range s.Outcomes {
		if !known[id] {
			errs = append(errs, fmt.Errorf("outcome for unknown ability %q", id))
		}
		if o.SuccessRate != nil && (*o.SuccessRate < 0 || *o.SuccessRate > 1) {
			errs = append(errs, fmt.Errorf("outcome %q: success_rate must be between 0 and 1", id))
		}
	}
	for i, op := range s.History {
		for j, l := range op.Links {
			if !known[l.Ability] {
				errs = append(errs, fmt.Errorf("history[%d].links[%d]: unknown ability %q", i, j, l.Ability))
			}
			if _, ok := statusNames[l.Status]; !ok {
				errs = append(errs, fmt.Errorf("history[%d].links[%d]: unknown status %q", i, j, l.Status))
			}
		}
	}
	return errors.Join(errs...)
}

// EngineOutcomes converts the scripted outcomes for the simulated executor.
func (s *Scenario) EngineOutcomes() map[string]engine.Outcome {
	return lo.MapValues(s.Outcomes, func(o OutcomeSpec, _ string) engine.Outcome {
		rate := 1.0
		if o.SuccessRate != nil {
			rate = *o.SuccessRate
		}
		return engine.Outcome{SuccessRate: rate, Facts: o.Facts, Delay: o.Delay}
	})
}

// Operations expands the history into operation records. Links are attributed
// to the scenario agent with the given paw when there is one, and use that
// agent's preferred executor.
func (s *Scenario) Operations() []schemas.OperationRecord {
	abilities := lo.KeyBy(s.Abilities, func(a schemas.Ability) string { return a.ID })
	agents := lo.KeyBy(s.Agents, func(a schemas.Agent) string { return a.Paw })
	adversary := s.Adversary

	records := make([]schemas.OperationRecord, 0, len(s.History))
	for i, past := range s.History {
		rec := schemas.OperationRecord{
			ID:         fmt.Sprintf("history-%d", i+1),
			Name:       past.Name,
			Planner:    past.Planner,
			Obfuscator: past.Obfuscator,
			Adversary:  adversary,
			Visibility: past.Visibility,
			State:      schemas.OperationFinished,
		}
		seen := map[string]bool{}
		for _, pl := range past.Links {
			ability := abilities[pl.Ability]
			agent, known := agents[pl.Paw]
			if known && !seen[pl.Paw] {
				seen[pl.Paw] = true
				rec.Agents = append(rec.Agents, agent)
			}
			var ex schemas.Executor
			if p := agent.PreferredExecutor(&ability); p != nil {
				ex = *p
			} else if len(ability.Executors) > 0 {
				ex = ability.Executors[0]
			}
			command := pl.Command
			if command == "" {
				command = ex.Command
			}
			repeat := max(pl.Repeat, 1)
			for n := 0; n < repeat; n++ {
				rec.Chain = append(rec.Chain, schemas.Link{
					ID:         fmt.Sprintf("%s-link-%d", rec.ID, len(rec.Chain)+1),
					Paw:        pl.Paw,
					Ability:    ability,
					Executor:   ex,
					Command:    schemas.EncodeCommand(command),
					Status:     statusNames[pl.Status],
					Visibility: ability.Visibility,
					Used:       pl.Used,
				})
			}
		}
		records = append(records, rec)
	}
	return records
}

// Populate loads abilities, agents and history into the data service.
func (s *Scenario) Populate(ctx context.Context, ds *knowledge.InMemory) error {
	for _, a := range s.Abilities {
		if err := ds.AddAbility(a); err != nil {
			return err
		}
	}
	for _, a := range s.Agents {
		if err := ds.AddAgent(a); err != nil {
			return err
		}
	}
	for _, rec := range s.Operations() {
		if err := ds.SaveOperation(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
