package planarchive_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ccos/runtime/planarchive"
)

func TestSaveAndGetRoundTrip(t *testing.T) {
	a := planarchive.NewMemoryArchive()
	ctx := context.Background()
	p := &planarchive.Plan{PlanID: "p1", Status: planarchive.StatusDraft, Body: planarchive.RtfsBody("(do)")}
	require.NoError(t, a.Save(ctx, p))

	got, err := a.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "p1", got.PlanID)
	require.True(t, a.Contains(ctx, "p1"))
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	a := planarchive.NewMemoryArchive()
	_, err := a.Get(context.Background(), "missing")
	require.ErrorIs(t, err, planarchive.ErrNotFound)
}

func TestSaveOnTerminalPlanIsImmutable(t *testing.T) {
	a := planarchive.NewMemoryArchive()
	ctx := context.Background()
	p := &planarchive.Plan{PlanID: "p1", Status: planarchive.StatusCompleted}
	require.NoError(t, a.Save(ctx, p))

	err := a.Save(ctx, &planarchive.Plan{PlanID: "p1", Status: planarchive.StatusDraft})
	require.ErrorIs(t, err, planarchive.ErrImmutable)
}

func TestUpdateStatusTransitionsToTerminal(t *testing.T) {
	a := planarchive.NewMemoryArchive()
	ctx := context.Background()
	require.NoError(t, a.Save(ctx, &planarchive.Plan{PlanID: "p1", Status: planarchive.StatusActive}))
	require.NoError(t, a.UpdateStatus(ctx, "p1", planarchive.StatusCompleted))

	got, err := a.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, planarchive.StatusCompleted, got.Status)
}
