package workingmemory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/causalchain"
	"goa.design/ccos/runtime/intentgraph"
	"goa.design/ccos/runtime/planarchive"
	"goa.design/ccos/runtime/workingmemory"
)

func newChain(t *testing.T) (causalchain.Chain, planarchive.Archive, intentgraph.Graph) {
	t.Helper()
	ctx := context.Background()
	plans := planarchive.NewMemoryArchive()
	intents := intentgraph.NewMemoryGraph()
	require.NoError(t, plans.Save(ctx, &planarchive.Plan{PlanID: "plan-1", Status: planarchive.StatusDraft}))
	require.NoError(t, intents.Create(ctx, &intentgraph.Intent{IntentID: "intent-1", Status: intentgraph.StatusActive}))
	chain := causalchain.NewChain(causalchain.NewPrerequisiteChecker(plans, func(ctx context.Context, id string) bool {
		return intents.Contains(ctx, id)
	}))
	return chain, plans, intents
}

func TestSinkObservesChainActions(t *testing.T) {
	ctx := context.Background()
	chain, _, _ := newChain(t)
	sink := workingmemory.New(0, 0, chain)
	chain.RegisterSink(sink)

	_, err := chain.Append(ctx, &causalchain.Action{
		ActionType: causalchain.ActionCapabilityCall,
		PlanID:     "plan-1",
		IntentID:   "intent-1",
		Name:       "ccos.math.add",
		Args:       []value.Value{value.Int(2), value.Int(3)},
	})
	require.NoError(t, err)
	result := value.Int(5)
	_, err = chain.Append(ctx, &causalchain.Action{
		ActionType: causalchain.ActionCapabilityResult,
		PlanID:     "plan-1",
		IntentID:   "intent-1",
		Name:       "ccos.math.add",
		Result:     &result,
	})
	require.NoError(t, err)

	records := sink.Records()
	require.Len(t, records, 2)
	require.Equal(t, "CapabilityCall", records[0].Kind)
	require.Equal(t, "ccos.math.add", records[0].Provider)
	require.Equal(t, "CapabilityResult", records[1].Kind)
	require.NotEmpty(t, records[1].AttestationHash)
}

func TestSinkEvictsOverMaxEntries(t *testing.T) {
	ctx := context.Background()
	chain, _, _ := newChain(t)
	sink := workingmemory.New(1, 0, chain)
	chain.RegisterSink(sink)

	for i := 0; i < 3; i++ {
		_, err := chain.Append(ctx, &causalchain.Action{
			ActionType: causalchain.ActionCapabilityCall,
			PlanID:     "plan-1",
			IntentID:   "intent-1",
			Name:       "ccos.echo",
		})
		require.NoError(t, err)
	}
	require.Len(t, sink.Records(), 1)
}

func TestSinkIngestSingleAndBatch(t *testing.T) {
	ctx := context.Background()
	sink := workingmemory.New(0, 0, nil)

	rec := value.NewMap().
		Put(value.KeywordKey("summary"), value.String("manual note")).
		Put(value.KeywordKey("plan_id"), value.String("plan-1")).
		Build()
	require.NoError(t, sink.IngestSingle(ctx, rec))

	batch := value.Vector([]value.Value{rec, rec})
	require.NoError(t, sink.IngestBatch(ctx, batch.Vec()))

	require.Len(t, sink.Records(), 3)
	require.Equal(t, "manual note", sink.Records()[0].Summary)
}

func TestSinkReplayReconstructsFromChain(t *testing.T) {
	ctx := context.Background()
	chain, _, _ := newChain(t)
	sink := workingmemory.New(0, 0, chain)

	_, err := chain.Append(ctx, &causalchain.Action{
		ActionType: causalchain.ActionPlanStarted,
		PlanID:     "plan-1",
		IntentID:   "intent-1",
		Name:       "plan-1",
	})
	require.NoError(t, err)

	require.Empty(t, sink.Records())
	require.NoError(t, sink.Replay(ctx))
	require.Len(t, sink.Records(), 1)
	require.Equal(t, "PlanStarted", sink.Records()[0].Kind)
}

func TestSinkReplayWithoutChainFails(t *testing.T) {
	sink := workingmemory.New(0, 0, nil)
	require.Error(t, sink.Replay(context.Background()))
}
