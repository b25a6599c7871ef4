package causalchain_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ccos/runtime/causalchain"
)

type fakePrereq struct {
	plans   map[string]bool
	intents map[string]bool
}

func (f *fakePrereq) PlanExists(ctx context.Context, planID string) bool   { return f.plans[planID] }
func (f *fakePrereq) IntentExists(ctx context.Context, intentID string) bool { return f.intents[intentID] }

func TestAppendRejectsUnknownPlan(t *testing.T) {
	chain := causalchain.NewChain(&fakePrereq{plans: map[string]bool{}, intents: map[string]bool{}})
	_, err := chain.Append(context.Background(), &causalchain.Action{ActionType: causalchain.ActionPlanStarted, PlanID: "p1"})
	require.ErrorIs(t, err, causalchain.ErrPrerequisiteViolated)
}

func TestAppendRejectsUnknownIntent(t *testing.T) {
	chain := causalchain.NewChain(&fakePrereq{plans: map[string]bool{"p1": true}, intents: map[string]bool{}})
	_, err := chain.Append(context.Background(), &causalchain.Action{ActionType: causalchain.ActionPlanStarted, PlanID: "p1", IntentID: "i1"})
	require.ErrorIs(t, err, causalchain.ErrPrerequisiteViolated)
}

func TestAppendAssignsSequenceAndHashLink(t *testing.T) {
	chain := causalchain.NewChain(&fakePrereq{plans: map[string]bool{"p1": true}, intents: map[string]bool{"i1": true}})
	_, err := chain.Append(context.Background(), &causalchain.Action{ActionType: causalchain.ActionPlanStarted, PlanID: "p1", IntentID: "i1"})
	require.NoError(t, err)
	_, err = chain.Append(context.Background(), &causalchain.Action{ActionType: causalchain.ActionPlanCompleted, PlanID: "p1", IntentID: "i1"})
	require.NoError(t, err)

	snap := chain.Snapshot(context.Background())
	require.Len(t, snap, 2)
	require.Equal(t, uint64(1), snap[0].Sequence())
	require.Equal(t, uint64(2), snap[1].Sequence())
	require.NotEqual(t, snap[0].Hash(), snap[1].Hash())
}

func TestSinkObservesInAppendOrder(t *testing.T) {
	chain := causalchain.NewChain(nil)
	var observed []causalchain.ActionType
	chain.RegisterSink(sinkFunc(func(ctx context.Context, a *causalchain.Action) {
		observed = append(observed, a.ActionType)
	}))

	_, err := chain.Append(context.Background(), &causalchain.Action{ActionType: causalchain.ActionPlanStarted, PlanID: "p1"})
	require.NoError(t, err)
	_, err = chain.Append(context.Background(), &causalchain.Action{ActionType: causalchain.ActionPlanCompleted, PlanID: "p1"})
	require.NoError(t, err)

	require.Equal(t, []causalchain.ActionType{causalchain.ActionPlanStarted, causalchain.ActionPlanCompleted}, observed)
}

func TestSinkPanicDoesNotFailAppend(t *testing.T) {
	chain := causalchain.NewChain(nil)
	chain.RegisterSink(sinkFunc(func(ctx context.Context, a *causalchain.Action) {
		panic("boom")
	}))
	_, err := chain.Append(context.Background(), &causalchain.Action{ActionType: causalchain.ActionPlanStarted, PlanID: "p1"})
	require.NoError(t, err)
}

func TestExportPlanActionsFiltersByPlanID(t *testing.T) {
	chain := causalchain.NewChain(nil)
	_, _ = chain.Append(context.Background(), &causalchain.Action{ActionType: causalchain.ActionPlanStarted, PlanID: "p1"})
	_, _ = chain.Append(context.Background(), &causalchain.Action{ActionType: causalchain.ActionPlanStarted, PlanID: "p2"})

	out := chain.ExportPlanActions(context.Background(), "p1")
	require.Len(t, out, 1)
	require.Equal(t, "p1", out[0].PlanID)
}

type sinkFunc func(ctx context.Context, a *causalchain.Action)

func (f sinkFunc) Observe(ctx context.Context, a *causalchain.Action) { f(ctx, a) }
