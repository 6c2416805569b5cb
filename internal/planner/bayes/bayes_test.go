package bayes_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/mocks"
	"github.com/xkilldash9x/waypoint/internal/planner/bayes"
)

func link(id, abilityID string) schemas.Link {
	return schemas.Link{
		ID:       id,
		Paw:      "p1",
		Ability:  schemas.Ability{ID: abilityID},
		Executor: schemas.Executor{Name: "sh", Platform: "linux"},
		Command:  schemas.EncodeCommand("run " + abilityID),
	}
}

func executed(id, abilityID string, status schemas.LinkStatus) schemas.Link {
	l := link(id, abilityID)
	l.Status = status
	return l
}

// pastOperations holds three successful runs of "good" and three failed runs of "bad".
func pastOperations() []schemas.OperationRecord {
	return []schemas.OperationRecord{{
		ID:      "past",
		Planner: "atomic",
		Agents:  []schemas.Agent{{Paw: "p1", Platform: "linux", Trusted: true}},
		Chain: []schemas.Link{
			executed("1", "good", schemas.StatusSuccess),
			executed("2", "good", schemas.StatusSuccess),
			executed("3", "good", schemas.StatusSuccess),
			executed("4", "bad", schemas.StatusError),
			executed("5", "bad", schemas.StatusError),
			executed("6", "bad", schemas.StatusTimeout),
		},
	}}
}

type harness struct {
	op     *mocks.MockOperation
	facade *mocks.MockFacade
	ds     *mocks.MockDataService
}

func setup(t *testing.T, ordering ...string) harness {
	t.Helper()
	h := harness{op: &mocks.MockOperation{}, facade: &mocks.MockFacade{}, ds: &mocks.MockDataService{}}
	h.op.On("Visibility").Return(50)
	h.op.On("Agents").Return([]schemas.Agent{{Paw: "p1", Platform: "linux", Executors: []string{"sh"}}})
	h.op.On("Adversary").Return(schemas.Adversary{AtomicOrdering: ordering})
	h.facade.On("DataService").Return(h.ds)
	h.facade.On("Logger").Return(nil)
	return h
}

func (h harness) planner(t *testing.T, opts bayes.Options) *bayes.Planner {
	t.Helper()
	p, err := bayes.New(h.op, h.facade, opts, nil)
	require.NoError(t, err)
	return p
}

func TestNewValidates(t *testing.T) {
	_, err := bayes.New(nil, &mocks.MockFacade{}, bayes.DefaultOptions(), nil)
	assert.Error(t, err)

	h := setup(t)
	opts := bayes.DefaultOptions()
	opts.RebuildEvery = 0
	_, err = bayes.New(h.op, h.facade, opts, nil)
	assert.Error(t, err)

	facade := &mocks.MockFacade{}
	facade.On("DataService").Return(nil)
	_, err = bayes.New(h.op, facade, bayes.DefaultOptions(), nil)
	assert.Error(t, err, "a history source is required")
}

func TestThreshold(t *testing.T) {
	h := setup(t)
	assert.InDelta(t, 0.49, h.planner(t, bayes.DefaultOptions()).Threshold(), 1e-9, "derived from visibility 50")

	opts := bayes.DefaultOptions()
	opts.MinProbLinkSuccess = 0.2
	assert.Equal(t, 0.2, h.planner(t, opts).Threshold())
}

func TestSelectLink(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		opts     func(*bayes.Options)
		links    []schemas.Link
		wantID   string
		wantNone bool
	}{
		{
			name:   "highest probability above threshold",
			links:  []schemas.Link{link("l1", "bad"), link("l2", "new"), link("l3", "good")},
			wantID: "l3",
		},
		{
			name:   "below threshold falls back to atomic ordering over unknown links",
			links:  []schemas.Link{link("l1", "bad"), link("l2", "new")},
			wantID: "l2",
		},
		{
			name:     "only known low probability links",
			links:    []schemas.Link{link("l1", "bad")},
			wantNone: true,
		},
		{
			name:   "delayed abilities count as lacking history",
			opts:   func(o *bayes.Options) { o.DelayExecutionLinks = []string{"good"} },
			links:  []schemas.Link{link("l1", "bad"), link("l3", "good")},
			wantID: "l3",
		},
		{
			name:   "zero threshold accepts a defined zero",
			opts:   func(o *bayes.Options) { o.MinProbLinkSuccess = 0 },
			links:  []schemas.Link{link("l1", "bad"), link("l2", "new")},
			wantID: "l1",
		},
		{
			name:   "more data required than history holds",
			opts:   func(o *bayes.Options) { o.MinLinkData = 4 },
			links:  []schemas.Link{link("l3", "good"), link("l1", "bad")},
			wantID: "l1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setup(t, "bad", "good", "new")
			h.ds.On("LocateOperations", ctx).Return(pastOperations(), nil)
			h.facade.On("GetLinks", ctx, h.op, mock.Anything).Return(nil, nil)

			opts := bayes.DefaultOptions()
			if tt.opts != nil {
				tt.opts(&opts)
			}
			p := h.planner(t, opts)
			// Loads the matrix; no links are offered so the planner halts.
			require.NoError(t, p.RunBucket(ctx, bayes.Bucket))

			got, ok := p.SelectLink(tt.links)
			if tt.wantNone {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.wantID, got.ID)
		})
	}
}

func TestSelectLinkWithoutHistoryUsesAtomicOrdering(t *testing.T) {
	h := setup(t, "c", "b", "a")
	p := h.planner(t, bayes.DefaultOptions())

	got, ok := p.SelectLink([]schemas.Link{link("1", "a"), link("2", "b")})
	require.True(t, ok)
	assert.Equal(t, "2", got.ID)
}

func TestBayesRebuildsMatrixPeriodically(t *testing.T) {
	ctx := context.Background()
	h := setup(t, "new")
	h.ds.On("LocateOperations", ctx).Return(pastOperations(), nil)
	h.facade.On("GetLinks", ctx, h.op, mock.Anything).Return([]schemas.Link{link("l", "new")}, nil)
	h.op.On("Apply", ctx, mock.Anything).Return("run", nil)
	h.op.On("WaitForLinksCompletion", ctx, []string{"run"}).Return(nil)

	opts := bayes.DefaultOptions()
	opts.RebuildEvery = 2
	p := h.planner(t, opts)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.RunBucket(ctx, bayes.Bucket))
	}
	assert.False(t, p.IsTerminal())
	h.op.AssertNumberOfCalls(t, "Apply", 3)
	h.ds.AssertNumberOfCalls(t, "LocateOperations", 2)
}

func TestBayesHistoryErrors(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	h.ds.On("LocateOperations", ctx).Return(nil, errors.New("db down"))

	p := h.planner(t, bayes.DefaultOptions())
	assert.ErrorContains(t, p.RunBucket(ctx, bayes.Bucket), "db down")
}

func TestBayesPrefersExplicitHistorySource(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	store := &mocks.MockHistoryStore{}
	store.On("LocateOperations", ctx).Return(pastOperations(), nil)
	h.facade.On("GetLinks", ctx, h.op, mock.Anything).Return(nil, nil)

	opts := bayes.DefaultOptions()
	opts.History = store
	p := h.planner(t, opts)

	require.NoError(t, p.RunBucket(ctx, bayes.Bucket))
	assert.True(t, p.IsTerminal())
	store.AssertExpectations(t)
	h.ds.AssertNotCalled(t, "LocateOperations", mock.Anything)
}
