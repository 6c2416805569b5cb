package atomic_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/mocks"
	"github.com/xkilldash9x/waypoint/internal/planner"
	"github.com/xkilldash9x/waypoint/internal/planner/atomic"
)

func link(id, paw, ability string) schemas.Link {
	return schemas.Link{ID: id, Paw: paw, Ability: schemas.Ability{ID: ability}}
}

func forAgent(paw string) interface{} {
	return mock.MatchedBy(func(q planner.LinkQuery) bool { return q.Agent != nil && q.Agent.Paw == paw && q.Trim })
}

func setup(t *testing.T) (*mocks.MockOperation, *mocks.MockFacade) {
	t.Helper()
	op := &mocks.MockOperation{}
	op.On("Agents").Return([]schemas.Agent{{Paw: "p1"}, {Paw: "p2"}})
	op.On("Adversary").Return(schemas.Adversary{AtomicOrdering: []string{"a", "b", "c"}})

	facade := &mocks.MockFacade{}
	facade.On("Logger").Return(nil)
	return op, facade
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := atomic.New(nil, &mocks.MockFacade{}, nil)
	assert.Error(t, err)
}

func TestAtomicIteration(t *testing.T) {
	ctx := context.Background()
	op, facade := setup(t)

	facade.On("GetLinks", ctx, op, forAgent("p1")).Return([]schemas.Link{link("1", "p1", "c"), link("2", "p1", "b")}, nil)
	facade.On("GetLinks", ctx, op, forAgent("p2")).Return([]schemas.Link{link("3", "p2", "a")}, nil)
	op.On("Apply", ctx, mock.MatchedBy(func(l schemas.Link) bool { return l.ID == "2" })).Return("id-2", nil)
	op.On("Apply", ctx, mock.MatchedBy(func(l schemas.Link) bool { return l.ID == "3" })).Return("id-3", nil)
	op.On("WaitForLinksCompletion", ctx, []string{"id-2", "id-3"}).Return(nil)

	p, err := atomic.New(op, facade, nil)
	require.NoError(t, err)
	require.NoError(t, p.RunBucket(ctx, atomic.Bucket))

	assert.False(t, p.IsTerminal())
	op.AssertExpectations(t)
}

func TestAtomicTerminatesWithoutLinks(t *testing.T) {
	ctx := context.Background()
	op, facade := setup(t)
	facade.On("GetLinks", ctx, op, mock.Anything).Return([]schemas.Link{link("9", "p1", "unordered")}, nil)

	p, err := atomic.New(op, facade, nil)
	require.NoError(t, err)
	require.NoError(t, p.RunBucket(ctx, atomic.Bucket))

	assert.True(t, p.IsTerminal())
	op.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
	op.AssertNotCalled(t, "WaitForLinksCompletion", mock.Anything, mock.Anything)
}

func TestAtomicPropagatesLinkErrors(t *testing.T) {
	ctx := context.Background()
	op, facade := setup(t)
	facade.On("GetLinks", ctx, op, mock.Anything).Return(nil, errors.New("no data service"))

	p, err := atomic.New(op, facade, nil)
	require.NoError(t, err)
	assert.Error(t, p.RunBucket(ctx, atomic.Bucket))
}
