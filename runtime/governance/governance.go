// Package governance implements the Governance Kernel of spec.md section
// 4.7: a thin pre-execution stage invoked before the Orchestrator ever sees
// a plan. It validates the plan against policy (resource ceilings, schema
// well-formedness, capability domain/category allow-lists), scaffolds
// missing plan metadata, optionally sanitizes the plan, and only then
// forwards it to the Orchestrator. Failures are typed and logged with a
// PlanAborted action, mirroring the policy.Engine.Decide shape of
// consulting several narrow collaborators rather than owning the decision
// logic itself.
package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/ccos/pkg/ast"
	"goa.design/ccos/pkg/parser"
	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/causalchain"
	"goa.design/ccos/runtime/intentgraph"
	"goa.design/ccos/runtime/marketplace"
	"goa.design/ccos/runtime/orchestrator"
	"goa.design/ccos/runtime/planarchive"
	"goa.design/ccos/runtime/security"
	"goa.design/ccos/runtime/stepprofile"
)

// Sanitizer optionally rewrites a plan after it passes policy checks but
// before it is handed to the Orchestrator, e.g. stripping disallowed
// annotations. Returning the plan unchanged is a valid no-op.
type Sanitizer func(plan *planarchive.Plan) (*planarchive.Plan, error)

// Policy is the set of ceilings and allow-lists a Kernel enforces. A zero
// Policy enforces no ceilings and allows every domain/category; only an
// explicit DeniedCapabilities entry can reject a plan on its own.
type Policy struct {
	// MaxSteps caps the number of top-level (step ...) forms in a plan
	// body. Zero means unlimited.
	MaxSteps int

	// MaxPlanSourceBytes caps the size of the plan's RTFS source text.
	// Zero means unlimited.
	MaxPlanSourceBytes int

	// AllowedDomains, if non-empty, restricts every referenced capability
	// to one whose manifest.Domains intersects this set.
	AllowedDomains map[string]bool

	// AllowedCategories, if non-empty, restricts every referenced
	// capability to one whose manifest.Categories intersects this set.
	AllowedCategories map[string]bool

	// DeniedCapabilities blocks specific capability ids outright,
	// regardless of domain/category or SecurityContext allow-lists.
	DeniedCapabilities map[string]bool

	// Sanitize, if set, runs after all checks pass and before the
	// Orchestrator is invoked.
	Sanitize Sanitizer
}

// Kernel is the Governance Kernel. It owns no execution state of its own;
// it consults the Marketplace's registered manifests, applies Policy, and
// delegates actual execution to an Orchestrator.
type Kernel struct {
	orch        *orchestrator.Orchestrator
	marketplace *marketplace.Marketplace
	chain       causalchain.Chain
	plans       planarchive.Archive
	intents     intentgraph.Graph
	policy      Policy
}

// New builds a Kernel wrapping orch, consulting m for capability manifests
// and enforcing policy before every plan is forwarded.
func New(orch *orchestrator.Orchestrator, m *marketplace.Marketplace, chain causalchain.Chain, plans planarchive.Archive, intents intentgraph.Graph, policy Policy) *Kernel {
	return &Kernel{orch: orch, marketplace: m, chain: chain, plans: plans, intents: intents, policy: policy}
}

// Govern validates plan, scaffolds missing metadata, optionally sanitizes
// it, and — on success — executes it via the wrapped Orchestrator. On
// failure it appends a PlanAborted action, transitions the plan and its
// primary intent to a terminal failed state, and returns a *GovernanceError
// without ever invoking the Orchestrator.
func (k *Kernel) Govern(ctx context.Context, plan *planarchive.Plan, sec *security.Context) (orchestrator.ExecutionResult, error) {
	if plan.Body.Kind != planarchive.BodyKindRtfs {
		return orchestrator.ExecutionResult{}, fmt.Errorf("governance: unsupported plan body kind %q", plan.Body.Kind)
	}

	if k.policy.MaxPlanSourceBytes > 0 && len(plan.Body.Source) > k.policy.MaxPlanSourceBytes {
		return k.deny(ctx, plan, newGovError(ErrorQuotaExceeded, plan.PlanID, "plan source exceeds the configured byte ceiling", nil))
	}

	program, err := parser.ParseProgram(plan.Body.Source)
	if err != nil {
		return k.deny(ctx, plan, newGovError(ErrorSchemaViolation, plan.PlanID, "plan body does not parse", err))
	}

	if k.policy.MaxSteps > 0 {
		if n := countSteps(program); n > k.policy.MaxSteps {
			return k.deny(ctx, plan, newGovError(ErrorQuotaExceeded, plan.PlanID, fmt.Sprintf("plan has %d steps, exceeding the configured ceiling of %d", n, k.policy.MaxSteps), nil))
		}
	}

	if gerr := k.checkSchemas(plan); gerr != nil {
		return k.deny(ctx, plan, gerr)
	}

	ids := stepprofile.CollectCallIDs(program)
	if gerr := k.checkCapabilities(plan, ids); gerr != nil {
		return k.deny(ctx, plan, gerr)
	}

	scaffold(plan, ids)
	if err := k.plans.Save(ctx, plan); err != nil {
		return orchestrator.ExecutionResult{}, fmt.Errorf("governance: persist scaffolded plan: %w", err)
	}

	if k.policy.Sanitize != nil {
		sanitized, err := k.policy.Sanitize(plan)
		if err != nil {
			return k.deny(ctx, plan, newGovError(ErrorPolicyDenied, plan.PlanID, "sanitize rejected plan", err))
		}
		plan = sanitized
	}

	return k.orch.ExecutePlan(ctx, plan, sec)
}

// countSteps returns the number of top-level `(step "name" body)` forms in
// program, mirroring the recognition the Orchestrator itself performs at
// execution time (pkg/parser.parseStepAsCall's structural-sugar shape).
func countSteps(program *ast.Do) int {
	n := 0
	for _, e := range program.Exprs {
		if isStepCall(e) {
			n++
		}
	}
	return n
}

func isStepCall(e ast.Expr) bool {
	fc, ok := e.(*ast.FunctionCall)
	if !ok {
		return false
	}
	sym, ok := fc.Callee.(*ast.Symbol)
	if !ok || sym.Name != "step" || len(fc.Args) < 2 {
		return false
	}
	_, ok = fc.Args[0].(*ast.Literal)
	return ok
}

// checkSchemas requires that any declared input/output schema is itself a
// well-formed JSON Schema document, catching an author's typo before the
// Marketplace ever tries to validate real call arguments against it.
func (k *Kernel) checkSchemas(plan *planarchive.Plan) *GovernanceError {
	if len(plan.InputSchema) > 0 {
		if _, err := compileSchema("governance://input-schema.json", plan.InputSchema); err != nil {
			return newGovError(ErrorSchemaViolation, plan.PlanID, "input schema does not compile", err)
		}
	}
	if len(plan.OutputSchema) > 0 {
		if _, err := compileSchema("governance://output-schema.json", plan.OutputSchema); err != nil {
			return newGovError(ErrorSchemaViolation, plan.PlanID, "output schema does not compile", err)
		}
	}
	return nil
}

func compileSchema(resourceName string, schemaBytes []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(resourceName)
}

// checkCapabilities enforces Policy's denial list and domain/category
// allow-lists against every capability id referenced by the plan body.
// Unknown (unregistered) capability ids are left for the Orchestrator's own
// preflight to reject, since registration is an execution-readiness
// concern, not a policy concern.
func (k *Kernel) checkCapabilities(plan *planarchive.Plan, ids []string) *GovernanceError {
	for _, id := range ids {
		if k.policy.DeniedCapabilities[id] {
			return newGovError(ErrorPolicyDenied, plan.PlanID, fmt.Sprintf("capability %q is denied by policy", id), nil)
		}
		manifest, ok := k.marketplace.Get(id)
		if !ok {
			continue
		}
		if len(k.policy.AllowedDomains) > 0 && !anyAllowed(manifest.Domains, k.policy.AllowedDomains) {
			return newGovError(ErrorPolicyDenied, plan.PlanID, fmt.Sprintf("capability %q has no allowed domain", id), nil)
		}
		if len(k.policy.AllowedCategories) > 0 && !anyAllowed(manifest.Categories, k.policy.AllowedCategories) {
			return newGovError(ErrorPolicyDenied, plan.PlanID, fmt.Sprintf("capability %q has no allowed category", id), nil)
		}
	}
	return nil
}

func anyAllowed(values []string, allowed map[string]bool) bool {
	for _, v := range values {
		if allowed[v] {
			return true
		}
	}
	return false
}

// scaffold fills in metadata a hand- or LLM-authored plan commonly omits:
// non-nil Metadata/Policies maps, and a RequiredCapabilities list derived
// from the plan body when the author left it empty.
func scaffold(plan *planarchive.Plan, ids []string) {
	if plan.Metadata == nil {
		plan.Metadata = map[string]value.Value{}
	}
	if plan.Policies == nil {
		plan.Policies = map[string]string{}
	}
	plan.Policies["governed"] = "true"
	if len(plan.RequiredCapabilities) == 0 && len(ids) > 0 {
		deduped := make(map[string]bool, len(ids))
		var unique []string
		for _, id := range ids {
			if !deduped[id] {
				deduped[id] = true
				unique = append(unique, id)
			}
		}
		sort.Strings(unique)
		plan.RequiredCapabilities = unique
	}
}

func (k *Kernel) deny(ctx context.Context, plan *planarchive.Plan, gerr *GovernanceError) (orchestrator.ExecutionResult, error) {
	intentID := ""
	if len(plan.IntentIDs) > 0 {
		intentID = plan.IntentIDs[0]
	}
	_, _ = k.chain.Append(ctx, &causalchain.Action{
		ActionType: causalchain.ActionPlanAborted,
		PlanID:     plan.PlanID,
		IntentID:   intentID,
		Error:      gerr.Error(),
	})
	if intentID != "" {
		_, _ = k.intents.TransitionStatus(ctx, intentID, intentgraph.StatusFailed, "", gerr.Error())
	}
	_ = k.plans.UpdateStatus(ctx, plan.PlanID, planarchive.StatusFailed)
	return orchestrator.ExecutionResult{}, gerr
}
