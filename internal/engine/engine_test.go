// internal/engine/engine_test.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/config"
	"github.com/xkilldash9x/waypoint/internal/mocks"
)

// -- Test Helpers --

// collectingSink records every result it receives.
type collectingSink struct {
	mu      sync.Mutex
	results map[string]schemas.LinkResult
}

func newCollectingSink() *collectingSink {
	return &collectingSink{results: map[string]schemas.LinkResult{}}
}

func (s *collectingSink) Report(_ context.Context, r schemas.LinkResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.LinkID] = r
}

func (s *collectingSink) get(id string) (schemas.LinkResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	return r, ok
}

type executorFunc func(ctx context.Context, d Dispatch) (schemas.LinkResult, error)

func (f executorFunc) Execute(ctx context.Context, d Dispatch) (schemas.LinkResult, error) {
	return f(ctx, d)
}

func engineConfig(mutate func(*config.EngineConfig)) *mocks.MockConfig {
	cfg := config.EngineConfig{QueueSize: 8, WorkerConcurrency: 2, LinkTimeout: time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	m := new(mocks.MockConfig)
	m.On("Engine").Return(cfg)
	return m
}

func dispatch(id, ability string, sink schemas.ResultSink) Dispatch {
	return Dispatch{
		Link: schemas.Link{ID: id, Paw: "p1", Ability: schemas.Ability{ID: ability}},
		Sink: sink,
	}
}

// -- Test Cases --

func TestNew_Validation(t *testing.T) {
	exec := NewSimulatedExecutor(nil)
	_, err := New(nil, zap.NewNop(), exec)
	assert.Error(t, err)
	_, err = New(engineConfig(nil), nil, exec)
	assert.Error(t, err)
	_, err = New(engineConfig(nil), zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestEngine_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := newCollectingSink()
	e, err := New(engineConfig(nil), zap.NewNop(), NewSimulatedExecutor(nil))
	require.NoError(t, err)

	ctx := context.Background()
	e.Start(ctx)
	e.Start(ctx) // second start is ignored

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Submit(ctx, dispatch(fmt.Sprintf("l%d", i), "a", sink)))
	}
	e.Stop()
	e.Stop()

	for i := 0; i < 5; i++ {
		r, ok := sink.get(fmt.Sprintf("l%d", i))
		require.True(t, ok)
		assert.Equal(t, schemas.StatusSuccess, r.Status)
		assert.False(t, r.Finished.IsZero())
	}
	assert.ErrorIs(t, e.Submit(ctx, dispatch("late", "a", sink)), ErrEngineStopped)
}

func TestEngine_LinkTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := newCollectingSink()
	exec := NewSimulatedExecutor(map[string]Outcome{"slow": {SuccessRate: 1, Delay: time.Minute}})
	e, err := New(engineConfig(func(c *config.EngineConfig) { c.LinkTimeout = 20 * time.Millisecond }), zap.NewNop(), exec)
	require.NoError(t, err)

	ctx := context.Background()
	e.Start(ctx)
	require.NoError(t, e.Submit(ctx, dispatch("l1", "slow", sink)))
	e.Stop()

	r, ok := sink.get("l1")
	require.True(t, ok)
	assert.Equal(t, schemas.StatusTimeout, r.Status)
}

func TestEngine_ExecutorErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := newCollectingSink()
	exec := executorFunc(func(ctx context.Context, d Dispatch) (schemas.LinkResult, error) {
		return schemas.LinkResult{Status: schemas.StatusSuccess}, errors.New("agent vanished")
	})
	e, err := New(engineConfig(nil), zap.NewNop(), exec)
	require.NoError(t, err)

	ctx := context.Background()
	e.Start(ctx)
	require.NoError(t, e.Submit(ctx, dispatch("l1", "a", sink)))
	e.Stop()

	r, ok := sink.get("l1")
	require.True(t, ok)
	assert.Equal(t, schemas.StatusError, r.Status)
	assert.Equal(t, "agent vanished", r.Output)
}

func TestEngine_CancelledContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := newCollectingSink()
	e, err := New(engineConfig(nil), zap.NewNop(), NewSimulatedExecutor(nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	cancel()
	e.Stop()

	assert.ErrorIs(t, e.Submit(context.Background(), dispatch("l1", "a", sink)), ErrEngineStopped)
}

func TestEngine_SubmitRequiresSink(t *testing.T) {
	e, err := New(engineConfig(nil), zap.NewNop(), NewSimulatedExecutor(nil))
	require.NoError(t, err)
	assert.Error(t, e.Submit(context.Background(), Dispatch{Link: schemas.Link{ID: "x"}}))
}

func TestEngine_DispatchPacing(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := newCollectingSink()
	e, err := New(engineConfig(func(c *config.EngineConfig) {
		c.DispatchRate = 20
		c.DispatchBurst = 1
	}), zap.NewNop(), NewSimulatedExecutor(nil))
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()
	e.Start(ctx)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Submit(ctx, dispatch(fmt.Sprintf("l%d", i), "a", sink)))
	}
	e.Stop()

	// One token up front, then one every 50ms.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestSimulatedExecutor_SuccessRate(t *testing.T) {
	exec := NewSimulatedExecutor(map[string]Outcome{
		"half":  {SuccessRate: 0.5},
		"never": {SuccessRate: 0},
	})
	ctx := context.Background()

	var statuses []schemas.LinkStatus
	for i := 0; i < 4; i++ {
		r, err := exec.Execute(ctx, dispatch("l", "half", nil))
		require.NoError(t, err)
		statuses = append(statuses, r.Status)
	}
	assert.Equal(t, []schemas.LinkStatus{schemas.StatusError, schemas.StatusSuccess, schemas.StatusError, schemas.StatusSuccess}, statuses)
	assert.Equal(t, 4, exec.Attempts("half"))

	r, err := exec.Execute(ctx, dispatch("l", "never", nil))
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusError, r.Status)
}

func TestSimulatedExecutor_Facts(t *testing.T) {
	exec := NewSimulatedExecutor(map[string]Outcome{
		"scripted": {SuccessRate: 1, Facts: []schemas.Fact{{Trait: "domain.admin", Value: "alice"}}},
	})
	ctx := context.Background()

	d := dispatch("l1", "parsed", nil)
	d.Link.Executor = schemas.Executor{Parsers: []schemas.Parser{{
		Module:  "line",
		Configs: []schemas.ParserConfig{{Source: "host.user", Edge: "has_password", Target: "host.cred"}},
	}}}
	r, err := exec.Execute(ctx, d)
	require.NoError(t, err)
	require.Len(t, r.Facts, 2)
	assert.Equal(t, "host.user", r.Facts[0].Trait)
	assert.Equal(t, "p1:host.user", r.Facts[0].Value)
	assert.Equal(t, "l1", r.Facts[0].Source)
	require.Len(t, r.Relationships, 1)
	assert.Equal(t, "host.cred", r.Relationships[0].Target.Trait)

	r, err = exec.Execute(ctx, dispatch("l2", "scripted", nil))
	require.NoError(t, err)
	require.Len(t, r.Facts, 1)
	assert.Equal(t, "alice", r.Facts[0].Value)
	assert.Equal(t, []string{"p1"}, r.Facts[0].CollectedBy)
}
