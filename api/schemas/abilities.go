package schemas

import (
	"time"

	"github.com/samber/lo"
)

// -- Ability Schemas --

// Privilege levels an ability may require from the agent running it.
const (
	PrivilegeElevated = "Elevated"
	PrivilegeUser     = "User"
)

// ParserConfig declares a fact (and optionally a relationship) a parser emits
// from the raw output of an executor.
type ParserConfig struct {
	Source string `json:"source" yaml:"source"`
	Edge   string `json:"edge,omitempty" yaml:"edge,omitempty"`
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

// Parser names an output parser module and the facts it is configured to produce.
type Parser struct {
	Module  string         `json:"module" yaml:"module"`
	Configs []ParserConfig `json:"parserconfigs" yaml:"parserconfigs"`
}

// Executor is the per-platform rendition of an ability.
type Executor struct {
	Name     string        `json:"name" yaml:"name"`
	Platform string        `json:"platform" yaml:"platform"`
	Command  string        `json:"command" yaml:"command"`
	Parsers  []Parser      `json:"parsers,omitempty" yaml:"parsers,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// HasOutputFacts reports whether any parser on the executor declares output facts.
func (e *Executor) HasOutputFacts() bool {
	if e == nil {
		return false
	}
	for _, p := range e.Parsers {
		if len(p.Configs) > 0 {
			return true
		}
	}
	return false
}

// OutputTraits lists every source and target trait the executor's parsers produce,
// in declaration order and without duplicates.
func (e *Executor) OutputTraits() []string {
	if e == nil {
		return nil
	}
	var traits []string
	for _, p := range e.Parsers {
		for _, cfg := range p.Configs {
			if cfg.Source != "" {
				traits = append(traits, cfg.Source)
			}
			if cfg.Target != "" {
				traits = append(traits, cfg.Target)
			}
		}
	}
	return lo.Uniq(traits)
}

// RelationshipMatch is a declarative constraint between two traits.
type RelationshipMatch struct {
	Source string `json:"source" yaml:"source"`
	Edge   string `json:"edge,omitempty" yaml:"edge,omitempty"`
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

// Requirement gates which facts may be combined into a link. Only its
// declared relationships are consumed here; enforcement happens elsewhere.
type Requirement struct {
	Module        string              `json:"module" yaml:"module"`
	Relationships []RelationshipMatch `json:"relationship_match,omitempty" yaml:"relationship_match,omitempty"`
}

// Ability is a reusable capability with per-platform command templates.
type Ability struct {
	ID         string `json:"ability_id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	Tactic     string `json:"tactic,omitempty" yaml:"tactic,omitempty"`
	Technique  string `json:"technique,omitempty" yaml:"technique,omitempty"`
	Privilege  string `json:"privilege,omitempty" yaml:"privilege,omitempty"`
	Repeatable bool   `json:"repeatable,omitempty" yaml:"repeatable,omitempty"`
	// Visibility is how noticeable running the ability is, 1 to 100. Zero means the default.
	Visibility   int           `json:"visibility,omitempty" yaml:"visibility,omitempty"`
	Buckets      []string      `json:"buckets,omitempty" yaml:"buckets,omitempty"`
	Executors    []Executor    `json:"executors" yaml:"executors"`
	Requirements []Requirement `json:"requirements,omitempty" yaml:"requirements,omitempty"`
}

// FindExecutor returns the executor matching the given name and platform, or nil.
func (a *Ability) FindExecutor(name, platform string) *Executor {
	for i := range a.Executors {
		if a.Executors[i].Name == name && a.Executors[i].Platform == platform {
			return &a.Executors[i]
		}
	}
	return nil
}

// InBucket reports whether the ability is tagged with the given bucket.
func (a *Ability) InBucket(bucket string) bool {
	return lo.Contains(a.Buckets, bucket)
}
