package orchestrator

import (
	"context"

	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/causalchain"
	"goa.design/ccos/runtime/marketplace"
)

// chainAuditRecorder adapts a causalchain.Chain into the narrow
// marketplace.AuditRecorder interface, so every Marketplace.Execute call
// satisfies spec.md section 4.2's mandatory dual-audit requirement without
// the marketplace package needing to import causalchain.
type chainAuditRecorder struct {
	chain causalchain.Chain
}

// NewChainAuditRecorder builds the marketplace-facing audit recorder backed
// by chain. Wire it into marketplace.New via marketplace.WithAuditRecorder
// before any capability Execute call is made.
func NewChainAuditRecorder(chain causalchain.Chain) marketplace.AuditRecorder {
	return &chainAuditRecorder{chain: chain}
}

func (r *chainAuditRecorder) RecordCapabilityCall(ctx context.Context, planID, intentID, capabilityID string, args []value.Value) (string, error) {
	return r.chain.Append(ctx, &causalchain.Action{
		ActionType: causalchain.ActionCapabilityCall,
		PlanID:     planID,
		IntentID:   intentID,
		Name:       capabilityID,
		Args:       args,
	})
}

func (r *chainAuditRecorder) RecordCapabilityResult(ctx context.Context, planID, intentID, parentActionID, capabilityID string, result value.Value, resultErr error) {
	action := &causalchain.Action{
		ActionType:     causalchain.ActionCapabilityResult,
		ParentActionID: parentActionID,
		PlanID:         planID,
		IntentID:       intentID,
		Name:           capabilityID,
	}
	if resultErr != nil {
		action.Error = resultErr.Error()
	} else {
		action.Result = &result
	}
	// A malformed/missing prerequisite here would already have surfaced on
	// the paired RecordCapabilityCall; there is nothing more useful to do
	// with a result-recording failure than drop it, mirroring Sink.Observe's
	// must-not-block contract.
	_, _ = r.chain.Append(ctx, action)
}
