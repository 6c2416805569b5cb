package operation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/config"
	"github.com/xkilldash9x/waypoint/internal/engine"
	"github.com/xkilldash9x/waypoint/internal/planner"
)

var _ planner.Operation = (*Operation)(nil)
var _ schemas.ResultSink = (*Operation)(nil)

// -- Test Helpers --

// heldDispatcher keeps submitted links until the test releases them.
type heldDispatcher struct {
	mu   sync.Mutex
	held []engine.Dispatch
	err  error
}

func (d *heldDispatcher) Submit(_ context.Context, dispatch engine.Dispatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.held = append(d.held, dispatch)
	return nil
}

func (d *heldDispatcher) release(status schemas.LinkStatus, facts ...schemas.Fact) {
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.mu.Unlock()
	for _, h := range held {
		h.Sink.Report(context.Background(), schemas.LinkResult{LinkID: h.Link.ID, Status: status, Facts: facts})
	}
}

func newOperation(t *testing.T, d Dispatcher) *Operation {
	t.Helper()
	op, err := New(Options{
		Name:       "test",
		Planner:    "atomic",
		Agents:     []schemas.Agent{{Paw: "p1", Platform: "linux", Executors: []string{"sh"}}},
		Visibility: 40,
		Facts:      []schemas.Fact{{Trait: "domain.name", Value: "corp.local", Score: 1}},
	}, d, zap.NewNop())
	require.NoError(t, err)
	return op
}

func abilityLink(ability string) schemas.Link {
	return schemas.Link{Paw: "p1", Ability: schemas.Ability{ID: ability}, Command: schemas.EncodeCommand("whoami")}
}

// -- Test Cases --

func TestNew(t *testing.T) {
	_, err := New(Options{}, nil, nil)
	assert.Error(t, err)

	op, err := New(Options{}, &heldDispatcher{}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID())
	assert.Equal(t, DefaultVisibility, op.Visibility())

	_, err = New(Options{Visibility: 101}, &heldDispatcher{}, nil)
	assert.Error(t, err)
}

func TestApplyAndWait(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	d := &heldDispatcher{}
	op := newOperation(t, d)

	id, err := op.Apply(ctx, abilityLink("a"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	chain := op.Chain()
	require.Len(t, chain, 1)
	assert.Equal(t, schemas.StatusExecute, chain[0].Status)
	assert.False(t, chain[0].Decide.IsZero())

	waited := make(chan error, 1)
	go func() { waited <- op.WaitForLinksCompletion(ctx, []string{id}) }()

	select {
	case <-waited:
		t.Fatal("wait returned before the link finished")
	case <-time.After(20 * time.Millisecond):
	}

	d.release(schemas.StatusSuccess, schemas.Fact{Trait: "host.user", Value: "root"})
	require.NoError(t, <-waited)

	chain = op.Chain()
	assert.Equal(t, schemas.StatusSuccess, chain[0].Status)
	require.Len(t, chain[0].Facts, 1)
	assert.Equal(t, id, chain[0].Facts[0].Source)

	facts, err := op.AllFacts(ctx)
	require.NoError(t, err)
	assert.Len(t, facts, 2)

	// Waiting on finished links returns immediately.
	assert.NoError(t, op.WaitForLinksCompletion(ctx, []string{id}))
}

func TestApplyBindsOriginLinkID(t *testing.T) {
	ctx := context.Background()
	d := &heldDispatcher{}
	op := newOperation(t, d)

	l := abilityLink("beacon")
	l.Command = schemas.EncodeCommand("beacon --parent #{origin_link_id}")
	id, err := op.Apply(ctx, l)
	require.NoError(t, err)

	require.Len(t, d.held, 1)
	dispatched, err := d.held[0].Link.DecodedCommand()
	require.NoError(t, err)
	assert.Equal(t, "beacon --parent "+id, dispatched)

	chain := op.Chain()
	require.Len(t, chain, 1)
	assert.Equal(t, d.held[0].Link.Command, chain[0].Command, "the chain records the command that was dispatched")
}

func TestWaitHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := &heldDispatcher{}
	op := newOperation(t, d)

	id, err := op.Apply(context.Background(), abilityLink("a"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, op.WaitForLinksCompletion(ctx, []string{id}), context.DeadlineExceeded)

	assert.ErrorIs(t, op.WaitForLinksCompletion(context.Background(), []string{"nope"}), ErrUnknownLink)
}

func TestReportDeduplicatesFacts(t *testing.T) {
	ctx := context.Background()
	d := &heldDispatcher{}
	op := newOperation(t, d)

	_, err := op.Apply(ctx, abilityLink("a"))
	require.NoError(t, err)
	_, err = op.Apply(ctx, abilityLink("b"))
	require.NoError(t, err)

	d.release(schemas.StatusSuccess,
		schemas.Fact{Trait: "host.user", Value: "root", CollectedBy: []string{"p1"}},
		schemas.Fact{Trait: "domain.name", Value: "corp.local"},
	)

	facts, err := op.AllFacts(ctx)
	require.NoError(t, err)
	assert.Len(t, facts, 2, "facts are unique by trait and value")

	users := schemas.FactsWithTrait(facts, "host.user")
	require.Len(t, users, 1)
	assert.Equal(t, []string{"p1"}, users[0].CollectedBy)
}

func TestReportIgnoresUnknownAndDuplicateResults(t *testing.T) {
	ctx := context.Background()
	d := &heldDispatcher{}
	op := newOperation(t, d)

	op.Report(ctx, schemas.LinkResult{LinkID: "ghost", Status: schemas.StatusSuccess})
	assert.Empty(t, op.Chain())

	id, err := op.Apply(ctx, abilityLink("a"))
	require.NoError(t, err)
	op.Report(ctx, schemas.LinkResult{LinkID: id, Status: schemas.StatusError})
	op.Report(ctx, schemas.LinkResult{LinkID: id, Status: schemas.StatusSuccess})
	assert.Equal(t, schemas.StatusError, op.Chain()[0].Status)
}

func TestApplyErrors(t *testing.T) {
	ctx := context.Background()
	d := &heldDispatcher{err: errors.New("queue closed")}
	op := newOperation(t, d)

	id, err := op.Apply(ctx, abilityLink("a"))
	assert.Error(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, schemas.StatusDiscard, op.Chain()[0].Status)
	assert.NoError(t, op.WaitForLinksCompletion(ctx, []string{id}), "a discarded link never blocks waiters")

	stranger := abilityLink("a")
	stranger.Paw = "p9"
	_, err = op.Apply(ctx, stranger)
	assert.ErrorIs(t, err, ErrUnknownAgent)

	record := op.Finish()
	assert.Equal(t, schemas.OperationFinished, record.State)
	assert.True(t, op.IsFinished())
	_, err = op.Apply(ctx, abilityLink("a"))
	assert.ErrorIs(t, err, ErrOperationFinished)
}

func TestFinishRecord(t *testing.T) {
	ctx := context.Background()
	d := &heldDispatcher{}
	op := newOperation(t, d)

	_, err := op.Apply(ctx, abilityLink("a"))
	require.NoError(t, err)
	d.release(schemas.StatusSuccess)

	record := op.Finish()
	again := op.Finish()
	assert.Equal(t, record.FinishedAt, again.FinishedAt)
	assert.Equal(t, "atomic", record.Planner)
	assert.Equal(t, 40, record.Visibility)
	require.Len(t, record.Chain, 1)
	assert.False(t, record.StartedAt.After(record.FinishedAt))
}

// TestOperationWithEngine runs links through the real execution engine.
func TestOperationWithEngine(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	cfg := config.NewDefaultConfig()
	cfg.SetEngineWorkerConcurrency(2)
	eng, err := engine.New(cfg, zap.NewNop(), engine.NewSimulatedExecutor(nil))
	require.NoError(t, err)
	eng.Start(ctx)
	defer eng.Stop()

	op := newOperation(t, eng)
	link := abilityLink("a")
	link.Executor = schemas.Executor{Name: "sh", Platform: "linux", Parsers: []schemas.Parser{{
		Module: "line", Configs: []schemas.ParserConfig{{Source: "host.user"}},
	}}}
	ids, err := planner.ApplyAll(ctx, op, link, abilityLink("b"))
	require.NoError(t, err)
	require.NoError(t, op.WaitForLinksCompletion(ctx, ids))

	facts, err := op.AllFacts(ctx)
	require.NoError(t, err)
	assert.Len(t, schemas.FactsWithTrait(facts, "host.user"), 1)
	for _, l := range op.Chain() {
		assert.Equal(t, schemas.StatusSuccess, l.Status)
	}
}
