// Package synthesis implements the Synthesis Hook of spec.md section 3: a
// post-execution pass that may register new capabilities discovered during
// a run, or enqueue missing-capability resolution when a plan failed
// because it referenced one the Marketplace never had.
package synthesis

import (
	"context"
	"errors"
	"time"

	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/causalchain"
	"goa.design/ccos/runtime/marketplace"
	"goa.design/ccos/runtime/orchestrator"
	"goa.design/ccos/runtime/planarchive"
)

// Hook is the Synthesis Hook. Construct one per substrate and call
// AfterExecution once per Orchestrator/Governance invocation, whether it
// succeeded or failed.
type Hook struct {
	marketplace *marketplace.Marketplace
	chain       causalchain.Chain
	queue       Queue
	// httpHandler dispatches any newly registered HTTP-provider
	// capability; capabilities/builtins.HTTPFetch is the usual choice,
	// since a synthesized capability is just a named, schema-validated
	// alias over the same generic fetch.
	httpHandler marketplace.Handler
}

// New builds a Hook. httpHandler may be nil if the substrate never expects
// to synthesize HTTP-provider capabilities; any such capability discovered
// at execution time is then skipped rather than registered.
func New(m *marketplace.Marketplace, chain causalchain.Chain, queue Queue, httpHandler marketplace.Handler) *Hook {
	return &Hook{marketplace: m, chain: chain, queue: queue, httpHandler: httpHandler}
}

// AfterExecution runs the post-execution pass for plan. execErr is the
// error (if any) returned by the Governance Kernel or Orchestrator for this
// invocation; pass nil for a successful run.
//
// On an UnknownCapabilityError, the missing id is enqueued for resolution.
// On success, every CapabilityResult action recorded for this plan is
// scanned for the `{:new-capability {...}}` envelope convention (see
// parseNewCapability) and any found manifest is registered.
func (h *Hook) AfterExecution(ctx context.Context, plan *planarchive.Plan, execErr error) error {
	if execErr != nil {
		var unknown *orchestrator.UnknownCapabilityError
		if errors.As(execErr, &unknown) {
			return h.queue.Enqueue(ctx, MissingCapabilityRequest{
				CapabilityID: unknown.CapabilityID,
				PlanID:       plan.PlanID,
				IntentID:     primaryIntentID(plan),
				RequestedAt:  now(),
				Reason:       execErr.Error(),
			})
		}
		return nil
	}
	return h.registerSynthesized(ctx, plan)
}

func (h *Hook) registerSynthesized(ctx context.Context, plan *planarchive.Plan) error {
	if h.chain == nil {
		return nil
	}
	var errs []error
	for _, a := range h.chain.ExportPlanActions(ctx, plan.PlanID) {
		if a.ActionType != causalchain.ActionCapabilityResult || a.Result == nil {
			continue
		}
		spec, ok := parseNewCapability(*a.Result)
		if !ok {
			continue
		}
		if h.httpHandler == nil {
			continue
		}
		manifest := marketplace.CapabilityManifest{
			ID:           spec.ID,
			Name:         spec.ID,
			Description:  spec.Description,
			Provider:     marketplace.ProviderHTTP,
			Domains:      spec.Domains,
			Categories:   spec.Categories,
			InputSchema:  spec.InputSchema,
			OutputSchema: spec.OutputSchema,
		}
		if err := h.marketplace.Register(manifest, h.httpHandler); err != nil && !marketplace.IsConflict(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func primaryIntentID(plan *planarchive.Plan) string {
	if len(plan.IntentIDs) == 0 {
		return ""
	}
	return plan.IntentIDs[0]
}

// now is a seam so tests can observe deterministic timestamps if ever
// needed; production code just wants wall-clock time.
var now = func() time.Time { return time.Now().UTC() }

// NewCapabilitySpec is the manifest a plan result may carry under the
// `:new-capability` key, requesting the Synthesis Hook register it.
type NewCapabilitySpec struct {
	ID           string
	Description  string
	Domains      []string
	Categories   []string
	InputSchema  []byte
	OutputSchema []byte
}

// parseNewCapability recognizes the envelope convention
// `{:new-capability {:id "..." :description "..." :domains [...]
// :categories [...] :input-schema "..." :output-schema "..."}}` in a
// capability result value. This is advisory: any capability's result may
// carry it, not just a dedicated "discovery" capability, so new providers
// can be synthesized from whatever step happens to produce one.
func parseNewCapability(v value.Value) (NewCapabilitySpec, bool) {
	if v.Kind() != value.KindMap {
		return NewCapabilitySpec{}, false
	}
	inner, ok := v.Get(value.KeywordKey("new-capability"))
	if !ok || inner.Kind() != value.KindMap {
		return NewCapabilitySpec{}, false
	}
	id, ok := strField(inner, "id")
	if !ok || id == "" {
		return NewCapabilitySpec{}, false
	}
	desc, _ := strField(inner, "description")
	spec := NewCapabilitySpec{
		ID:          id,
		Description: desc,
		Domains:     strVecField(inner, "domains"),
		Categories:  strVecField(inner, "categories"),
	}
	if s, ok := strField(inner, "input-schema"); ok {
		spec.InputSchema = []byte(s)
	}
	if s, ok := strField(inner, "output-schema"); ok {
		spec.OutputSchema = []byte(s)
	}
	return spec, true
}

func strField(m value.Value, key string) (string, bool) {
	v, ok := m.Get(value.KeywordKey(key))
	if !ok || (v.Kind() != value.KindString && v.Kind() != value.KindKeyword) {
		return "", false
	}
	return v.Str(), true
}

func strVecField(m value.Value, key string) []string {
	v, ok := m.Get(value.KeywordKey(key))
	if !ok || (v.Kind() != value.KindVector && v.Kind() != value.KindList) {
		return nil
	}
	items := v.Vec()
	if v.Kind() == value.KindList {
		items = v.Lst()
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it.Kind() == value.KindString || it.Kind() == value.KindKeyword {
			out = append(out, it.Str())
		}
	}
	return out
}
