package schemas

import (
	"context"
)

// -- Centralized Core Service Interfaces --

// DataService is the query/history service consulted by the planners. It
// abstracts where abilities, agents and past operations are stored.
type DataService interface {
	// LocateAbilities returns the abilities with the given ids, in the order
	// requested. Unknown ids are skipped. With no ids, every ability is returned.
	LocateAbilities(ctx context.Context, ids ...string) ([]Ability, error)
	// LocateAgent returns the agent with the given paw.
	LocateAgent(ctx context.Context, paw string) (Agent, error)
	// LocateOperations returns every stored historical operation.
	LocateOperations(ctx context.Context) ([]OperationRecord, error)
}

// HistoryStore persists finished operations so later planners can learn from them.
type HistoryStore interface {
	LocateOperations(ctx context.Context) ([]OperationRecord, error)
	SaveOperation(ctx context.Context, op OperationRecord) error
}

// ResultSink receives link results from the execution layer.
type ResultSink interface {
	Report(ctx context.Context, result LinkResult)
}
