package intentgraph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ccos/runtime/intentgraph"
)

func TestCreateAndGetRoundTrip(t *testing.T) {
	g := intentgraph.NewMemoryGraph()
	ctx := context.Background()
	require.NoError(t, g.Create(ctx, &intentgraph.Intent{IntentID: "i1", Goal: "test"}))

	got, err := g.Get(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, intentgraph.StatusActive, got.Status)
	require.True(t, g.Contains(ctx, "i1"))
}

func TestCreateDuplicateFails(t *testing.T) {
	g := intentgraph.NewMemoryGraph()
	ctx := context.Background()
	require.NoError(t, g.Create(ctx, &intentgraph.Intent{IntentID: "i1"}))
	require.Error(t, g.Create(ctx, &intentgraph.Intent{IntentID: "i1"}))
}

func TestTransitionStatusRecordsHistory(t *testing.T) {
	g := intentgraph.NewMemoryGraph()
	ctx := context.Background()
	require.NoError(t, g.Create(ctx, &intentgraph.Intent{IntentID: "i1"}))

	change, err := g.TransitionStatus(ctx, "i1", intentgraph.StatusExecuting, "action-1", "plan started")
	require.NoError(t, err)
	require.Equal(t, intentgraph.StatusActive, change.OldStatus)
	require.Equal(t, intentgraph.StatusExecuting, change.NewStatus)

	hist, err := g.History(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestTransitionFromCompletedOnlyAllowsArchived(t *testing.T) {
	g := intentgraph.NewMemoryGraph()
	ctx := context.Background()
	require.NoError(t, g.Create(ctx, &intentgraph.Intent{IntentID: "i1"}))
	_, err := g.TransitionStatus(ctx, "i1", intentgraph.StatusCompleted, "a1", "done")
	require.NoError(t, err)

	_, err = g.TransitionStatus(ctx, "i1", intentgraph.StatusExecuting, "a2", "bad")
	require.ErrorIs(t, err, intentgraph.ErrInvalidTransition)

	_, err = g.TransitionStatus(ctx, "i1", intentgraph.StatusArchived, "a3", "archive")
	require.NoError(t, err)
}

func TestTransitionMissingIntentFails(t *testing.T) {
	g := intentgraph.NewMemoryGraph()
	_, err := g.TransitionStatus(context.Background(), "missing", intentgraph.StatusCompleted, "a1", "x")
	require.ErrorIs(t, err, intentgraph.ErrNotFound)
}
