// Package planner defines the contract every planning strategy implements,
// the collaborators a strategy talks to, and the driver loop that runs it.
package planner

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
)

// Planner is a bucket-sequenced planning strategy. The driver repeatedly asks
// for the next bucket and runs it until the planner is terminal.
type Planner interface {
	Name() string
	// Buckets lists the planner's phases in order.
	Buckets() []string
	// NextBucket returns the bucket to run next; false means terminal.
	NextBucket() (string, bool)
	IsTerminal() bool
	RunBucket(ctx context.Context, bucket string) error
	// StoppingConditions are facts whose presence ends planning early.
	StoppingConditions() []schemas.Fact
	// Halt forces the planner terminal.
	Halt()
}

// Operation is the run context a planner schedules links into.
type Operation interface {
	ID() string
	Name() string
	Agents() []schemas.Agent
	Adversary() schemas.Adversary
	Visibility() int
	// Apply schedules a link for dispatch and returns its id.
	Apply(ctx context.Context, link schemas.Link) (string, error)
	// WaitForLinksCompletion blocks until every listed link is terminal.
	WaitForLinksCompletion(ctx context.Context, linkIDs []string) error
	AllFacts(ctx context.Context) ([]schemas.Fact, error)
	AllRelationships(ctx context.Context) ([]schemas.Relationship, error)
	// Chain returns every link applied so far, in application order.
	Chain() []schemas.Link
	IsFinished() bool
}

// LinkQuery selects candidate links.
type LinkQuery struct {
	// Agent restricts candidates to one agent; nil means every trusted agent.
	Agent *schemas.Agent
	// Buckets restricts candidates to abilities tagged with any of these buckets.
	Buckets []string
	// Trim drops links that cannot or should not run yet.
	Trim bool
}

// Facade is the planning service planners use to generate links and reach
// the other services.
type Facade interface {
	GetLinks(ctx context.Context, op Operation, q LinkQuery) ([]schemas.Link, error)
	ExecutePlanner(ctx context.Context, op Operation, p Planner) error
	// ExhaustBucket runs every link of the bucket until none remain or a
	// stopping condition is met.
	ExhaustBucket(ctx context.Context, op Operation, bucket string, stopping []schemas.Fact) error
	DataService() schemas.DataService
	Logger() *zap.Logger
}
