// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/config"
	"github.com/xkilldash9x/waypoint/internal/planner"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	return m.Called().Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	return m.Called().Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Engine() config.EngineConfig {
	return m.Called().Get(0).(config.EngineConfig)
}

func (m *MockConfig) Planning() config.PlanningConfig {
	return m.Called().Get(0).(config.PlanningConfig)
}

func (m *MockConfig) Planners() config.PlannersConfig {
	return m.Called().Get(0).(config.PlannersConfig)
}

// --- Setters ---

func (m *MockConfig) SetEngineWorkerConcurrency(w int) { m.Called(w) }
func (m *MockConfig) SetEngineDispatchRate(r float64)  { m.Called(r) }
func (m *MockConfig) SetDefaultPlanner(name string)    { m.Called(name) }

// -- Operation Mock --

// MockOperation mocks planner.Operation.
type MockOperation struct {
	mock.Mock
}

func (m *MockOperation) ID() string   { return m.Called().String(0) }
func (m *MockOperation) Name() string { return m.Called().String(0) }

func (m *MockOperation) Agents() []schemas.Agent {
	agents, _ := m.Called().Get(0).([]schemas.Agent)
	return agents
}

func (m *MockOperation) Adversary() schemas.Adversary {
	return m.Called().Get(0).(schemas.Adversary)
}

func (m *MockOperation) Visibility() int { return m.Called().Int(0) }

func (m *MockOperation) Apply(ctx context.Context, link schemas.Link) (string, error) {
	args := m.Called(ctx, link)
	return args.String(0), args.Error(1)
}

func (m *MockOperation) WaitForLinksCompletion(ctx context.Context, linkIDs []string) error {
	return m.Called(ctx, linkIDs).Error(0)
}

func (m *MockOperation) AllFacts(ctx context.Context) ([]schemas.Fact, error) {
	args := m.Called(ctx)
	facts, _ := args.Get(0).([]schemas.Fact)
	return facts, args.Error(1)
}

func (m *MockOperation) AllRelationships(ctx context.Context) ([]schemas.Relationship, error) {
	args := m.Called(ctx)
	rels, _ := args.Get(0).([]schemas.Relationship)
	return rels, args.Error(1)
}

func (m *MockOperation) Chain() []schemas.Link {
	chain, _ := m.Called().Get(0).([]schemas.Link)
	return chain
}

func (m *MockOperation) IsFinished() bool { return m.Called().Bool(0) }

// -- Planning Facade Mock --

// MockFacade mocks planner.Facade.
type MockFacade struct {
	mock.Mock
}

func (m *MockFacade) GetLinks(ctx context.Context, op planner.Operation, q planner.LinkQuery) ([]schemas.Link, error) {
	args := m.Called(ctx, op, q)
	links, _ := args.Get(0).([]schemas.Link)
	return links, args.Error(1)
}

func (m *MockFacade) ExecutePlanner(ctx context.Context, op planner.Operation, p planner.Planner) error {
	return m.Called(ctx, op, p).Error(0)
}

func (m *MockFacade) ExhaustBucket(ctx context.Context, op planner.Operation, bucket string, stopping []schemas.Fact) error {
	return m.Called(ctx, op, bucket, stopping).Error(0)
}

func (m *MockFacade) DataService() schemas.DataService {
	ds, _ := m.Called().Get(0).(schemas.DataService)
	return ds
}

func (m *MockFacade) Logger() *zap.Logger {
	if l, ok := m.Called().Get(0).(*zap.Logger); ok && l != nil {
		return l
	}
	return zap.NewNop()
}

// -- Data Service Mock --

// MockDataService mocks schemas.DataService.
type MockDataService struct {
	mock.Mock
}

func (m *MockDataService) LocateAbilities(ctx context.Context, ids ...string) ([]schemas.Ability, error) {
	args := m.Called(ctx, ids)
	abilities, _ := args.Get(0).([]schemas.Ability)
	return abilities, args.Error(1)
}

func (m *MockDataService) LocateAgent(ctx context.Context, paw string) (schemas.Agent, error) {
	args := m.Called(ctx, paw)
	agent, _ := args.Get(0).(schemas.Agent)
	return agent, args.Error(1)
}

func (m *MockDataService) LocateOperations(ctx context.Context) ([]schemas.OperationRecord, error) {
	args := m.Called(ctx)
	ops, _ := args.Get(0).([]schemas.OperationRecord)
	return ops, args.Error(1)
}

// -- History Store Mock --

// MockHistoryStore mocks schemas.HistoryStore.
type MockHistoryStore struct {
	mock.Mock
}

func (m *MockHistoryStore) LocateOperations(ctx context.Context) ([]schemas.OperationRecord, error) {
	args := m.Called(ctx)
	ops, _ := args.Get(0).([]schemas.OperationRecord)
	return ops, args.Error(1)
}

func (m *MockHistoryStore) SaveOperation(ctx context.Context, op schemas.OperationRecord) error {
	return m.Called(ctx, op).Error(0)
}

// -- Result Sink Mock --

// MockResultSink mocks schemas.ResultSink.
type MockResultSink struct {
	mock.Mock
}

func (m *MockResultSink) Report(ctx context.Context, result schemas.LinkResult) {
	m.Called(ctx, result)
}
