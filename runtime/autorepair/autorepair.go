// Package autorepair implements the Auto-Repair Loop of spec.md section
// 4.5: on a plan compile/eval failure, request a corrected plan body from
// an external arbiter and retry within a bound, never touching the
// original archived plan.
package autorepair

import (
	"context"

	"github.com/google/uuid"

	"goa.design/ccos/pkg/parser"
	"goa.design/ccos/runtime/planarchive"
)

// Arbiter is the external component that turns a composed repair prompt
// into a corrected plan body. Out of core scope per spec.md section 1: the
// concrete implementation (an LLM provider call) is supplied by the
// caller, never imported here.
type Arbiter interface {
	Repair(ctx context.Context, prompt string) (string, error)
}

// Loop drives the bounded repair retry described in spec.md section 4.5.
type Loop struct {
	arbiter     Arbiter
	prompts     PromptStore
	plans       planarchive.Archive
	maxAttempts int
}

// New builds a Loop. maxAttempts <= 0 is treated as 1 (a single repair
// request, no retry). plans may be nil; when set, a successful repair is
// persisted as a new draft before being returned. arbiter may be nil: every
// Repair call then fails fast with ErrorUnavailable.
func New(arbiter Arbiter, prompts PromptStore, plans planarchive.Archive, maxAttempts int) *Loop {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Loop{arbiter: arbiter, prompts: prompts, plans: plans, maxAttempts: maxAttempts}
}

// Repair attempts to produce a parseable replacement for plan's body given
// the compile/eval failure cause. On success it returns a new Plan (a
// fresh PlanID, Status Draft, AutoRepairAttempts stamped) that the caller
// may re-submit to the Governance Kernel; the original plan argument is
// never mutated. On exhaustion or arbiter unavailability it returns a
// *RepairError.
func (l *Loop) Repair(ctx context.Context, plan *planarchive.Plan, cause error) (*planarchive.Plan, error) {
	if l.arbiter == nil {
		return nil, &RepairError{Kind: ErrorUnavailable, PlanID: plan.PlanID, Cause: cause}
	}

	hints := []string(nil)
	if l.prompts != nil {
		hints = l.prompts.GrammarHints()
	}

	diag := Diagnostic{Stage: "parse", Message: cause.Error()}
	source := plan.Body.Source
	var lastErr error

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		prompt, err := composePrompt(diag, hints, source)
		if err != nil {
			return nil, err
		}
		body, err := l.arbiter.Repair(ctx, prompt)
		if err != nil {
			return nil, &RepairError{Kind: ErrorExhausted, PlanID: plan.PlanID, Attempts: attempt, Cause: err}
		}
		if _, perr := parser.ParseProgram(body); perr == nil {
			repaired := draftFrom(plan, body, attempt)
			if l.plans != nil {
				if err := l.plans.Save(ctx, repaired); err != nil {
					return nil, err
				}
			}
			return repaired, nil
		} else {
			diag = Diagnostic{Stage: "parse", Message: perr.Error()}
			source = body
			lastErr = perr
		}
	}
	return nil, &RepairError{Kind: ErrorExhausted, PlanID: plan.PlanID, Attempts: l.maxAttempts, Cause: lastErr}
}

// draftFrom builds the new-draft Plan a successful repair produces: same
// identity metadata (name, intents, policies), a fresh id so the original
// archived record is never touched, and AutoRepairAttempts advanced by the
// number of attempts this Repair call consumed.
func draftFrom(plan *planarchive.Plan, body string, attempts int) *planarchive.Plan {
	cp := *plan
	cp.PlanID = plan.PlanID + "-repair-" + uuid.New().String()
	cp.Body = planarchive.RtfsBody(body)
	cp.Status = planarchive.StatusDraft
	cp.AutoRepairAttempts = plan.AutoRepairAttempts + attempts
	return &cp
}
