package substrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/catalog"
	"goa.design/ccos/runtime/causalchain"
	"goa.design/ccos/runtime/security"
	"goa.design/ccos/runtime/substrate"
)

func TestSubmitRecordsCatalogReuseHitAboveThreshold(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New()
	cat.Register(catalog.Entry{
		ID:     "catalog-add",
		Name:   "add-plan",
		Kind:   catalog.KindPlan,
		Source: catalog.SourceRegistered,
		Goal:   "ccos.math.add",
	})

	s, err := substrate.New(substrate.Config{
		Catalog:           cat,
		CatalogThresholds: catalog.Thresholds{PlanMinScore: 0.1, KeywordMinScore: 0.1},
	})
	require.NoError(t, err)

	plan := newPlan(ctx, t, s, "add-plan", "intent-1", `(step "add" (call :ccos.math.add 2 3))`)
	plan.RequiredCapabilities = []string{"ccos.math.add"}
	require.NoError(t, s.Plans.Save(ctx, plan))

	res, err := s.Submit(ctx, plan, security.New())
	require.NoError(t, err)
	require.False(t, res.Paused)
	require.NotNil(t, res.Metadata)

	reuse, ok := res.Metadata["catalog_reuse"]
	require.True(t, ok)
	id, ok := reuse.Get(value.KeywordKey("id"))
	require.True(t, ok)
	require.Equal(t, "catalog-add", id.Str())

	actions := s.Chain.ExportPlanActions(ctx, "add-plan")
	found := false
	for _, a := range actions {
		if a.ActionType == causalchain.ActionCatalogReuse {
			found = true
			require.Equal(t, "catalog-add", a.Metadata["catalog_entry_id"].Str())
			require.Equal(t, "semantic", a.Metadata["catalog_mode"].Str())
		}
	}
	require.True(t, found, "expected a CatalogReuse action in the chain")
}

func TestSubmitOmitsCatalogReuseWhenNoEntryMatches(t *testing.T) {
	ctx := context.Background()
	s, err := substrate.New(substrate.Config{})
	require.NoError(t, err)

	plan := newPlan(ctx, t, s, "plan-1", "intent-1", `(step "add" (call :ccos.math.add 2 3))`)

	res, err := s.Submit(ctx, plan, security.New())
	require.NoError(t, err)
	require.Nil(t, res.Metadata)

	actions := s.Chain.ExportPlanActions(ctx, "plan-1")
	for _, a := range actions {
		require.NotEqual(t, causalchain.ActionCatalogReuse, a.ActionType)
	}
}
