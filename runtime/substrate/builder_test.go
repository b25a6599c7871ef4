package substrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ccos/runtime/autorepair"
	"goa.design/ccos/runtime/governance"
	"goa.design/ccos/runtime/intentgraph"
	"goa.design/ccos/runtime/orchestrator"
	"goa.design/ccos/runtime/planarchive"
	"goa.design/ccos/runtime/security"
	"goa.design/ccos/runtime/substrate"
	"goa.design/ccos/runtime/synthesis"
)

func newPlan(ctx context.Context, t *testing.T, s *substrate.Substrate, planID, intentID, source string) *planarchive.Plan {
	t.Helper()
	require.NoError(t, s.Intents.Create(ctx, &intentgraph.Intent{IntentID: intentID, Name: intentID, Status: intentgraph.StatusActive}))
	plan := &planarchive.Plan{
		PlanID:    planID,
		Name:      planID,
		IntentIDs: []string{intentID},
		Language:  planarchive.LanguageRtfs20,
		Body:      planarchive.RtfsBody(source),
		Status:    planarchive.StatusDraft,
	}
	require.NoError(t, s.Plans.Save(ctx, plan))
	return plan
}

func TestSubstrateSubmitRunsPlanThroughFullStack(t *testing.T) {
	ctx := context.Background()
	s, err := substrate.New(substrate.Config{})
	require.NoError(t, err)

	plan := newPlan(ctx, t, s, "plan-1", "intent-1", `(step "add" (call :ccos.math.add 2 3))`)

	res, err := s.Submit(ctx, plan, security.New())
	require.NoError(t, err)
	require.False(t, res.Paused)
	require.Equal(t, int64(5), res.Value.Int())

	records := s.WorkingMemory.Records()
	require.NotEmpty(t, records)
}

func TestSubstrateGovernanceDeniesDisallowedCapability(t *testing.T) {
	ctx := context.Background()
	s, err := substrate.New(substrate.Config{
		Policy: governance.Policy{DeniedCapabilities: map[string]bool{"ccos.math.add": true}},
	})
	require.NoError(t, err)

	plan := newPlan(ctx, t, s, "plan-1", "intent-1", `(step "add" (call :ccos.math.add 2 3))`)

	_, err = s.Submit(ctx, plan, security.New())
	require.Error(t, err)

	var gerr *governance.GovernanceError
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, governance.ErrorPolicyDenied, gerr.Kind)
}

func TestSubstrateSubmitQueuesMissingCapability(t *testing.T) {
	ctx := context.Background()
	queue := synthesis.NewMemoryQueue()
	s, err := substrate.New(substrate.Config{SynthesisQueue: queue})
	require.NoError(t, err)

	plan := newPlan(ctx, t, s, "plan-1", "intent-1", `(step "lookup" (call :ccos.nonexistent.capability))`)

	_, err = s.Submit(ctx, plan, security.New())
	require.Error(t, err)

	var unknown *orchestrator.UnknownCapabilityError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "ccos.nonexistent.capability", unknown.CapabilityID)

	pending := queue.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "ccos.nonexistent.capability", pending[0].CapabilityID)
}

func TestSubstrateRepairFailsUnavailableWithoutArbiter(t *testing.T) {
	ctx := context.Background()
	s, err := substrate.New(substrate.Config{})
	require.NoError(t, err)

	plan := newPlan(ctx, t, s, "plan-1", "intent-1", `(step "lookup" (call :ccos.nonexistent.capability))`)

	_, repairErr := s.Repair(ctx, plan, context.DeadlineExceeded)
	require.Error(t, repairErr)
	var rerr *autorepair.RepairError
	require.ErrorAs(t, repairErr, &rerr)
	require.Equal(t, autorepair.ErrorUnavailable, rerr.Kind)
}
