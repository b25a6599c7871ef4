// Package orchestrator implements the execution engine of spec.md section
// 4.5: it walks a Plan's top-level `(step name body)` forms, derives a
// StepProfile for each via the Step-Profile Deriver, drives the Evaluator's
// yield/resume protocol for the step's body, dispatches host calls through
// the Capability Marketplace, and checkpoints a step that must suspend for
// external input instead of forcing the whole plan to block.
//
// A plan's body is interpreted in a single exclusive-write pass (spec.md
// section 5): the Orchestrator never runs two steps of the same plan
// concurrently, though independent plans may run concurrently against
// shared stores.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/ccos/pkg/ast"
	"goa.design/ccos/pkg/evaluator"
	"goa.design/ccos/pkg/parser"
	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/causalchain"
	"goa.design/ccos/runtime/checkpoint"
	"goa.design/ccos/runtime/host"
	"goa.design/ccos/runtime/intentgraph"
	"goa.design/ccos/runtime/marketplace"
	"goa.design/ccos/runtime/planarchive"
	"goa.design/ccos/runtime/security"
	"goa.design/ccos/runtime/stepprofile"
)

// UnknownCapabilityError is the typed preflight failure of spec.md section
// 4.5: a plan referenced a capability id the Marketplace does not carry (or
// the SecurityContext disallows) before its first action was appended.
type UnknownCapabilityError struct {
	CapabilityID string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("orchestrator: unknown or disallowed capability :%s", e.CapabilityID)
}

// ExecutionResult is the outcome of a single ExecutePlan/ResumeFromCheckpoint
// call: either the plan ran to completion (Value set, Paused false) or it
// suspended awaiting external input (Paused true, CheckpointID and
// RequiresCapability set).
type ExecutionResult struct {
	Value              value.Value
	Paused             bool
	CheckpointID       string
	RequiresCapability string

	// Metadata carries advisory annotations that sit outside the plan's own
	// execution, such as a Catalog-reuse hit (spec.md section 4.5). Nil
	// unless a collaborator above the Orchestrator (the Substrate's
	// Catalog-reuse check) populates it.
	Metadata map[string]value.Value
}

// Orchestrator is the execution engine described above. Construct one with
// New, wiring it to the same Marketplace/Chain/Archive/Graph instances a
// substrate.New assembles.
type Orchestrator struct {
	marketplace *marketplace.Marketplace
	chain       causalchain.Chain
	plans       planarchive.Archive
	intents     intentgraph.Graph
	checkpoints checkpoint.Archive
	deriver     *stepprofile.Deriver
}

// New constructs an Orchestrator over the given collaborators.
func New(m *marketplace.Marketplace, chain causalchain.Chain, plans planarchive.Archive, intents intentgraph.Graph, checkpoints checkpoint.Archive, deriver *stepprofile.Deriver) *Orchestrator {
	return &Orchestrator{
		marketplace: m,
		chain:       chain,
		plans:       plans,
		intents:     intents,
		checkpoints: checkpoints,
		deriver:     deriver,
	}
}

// ReplayContext is the result of ReconstructReplayContext: everything a
// replay tool needs to re-derive a plan's execution without re-running it
// against live capabilities.
type ReplayContext struct {
	Plan    *planarchive.Plan
	Intents []*intentgraph.Intent
	Actions []*causalchain.Action
}

// ReconstructReplayContext returns the Plan Archive entry, every Intent
// Graph entry the plan references, and the Causal Chain's full ordered
// action export for planID, sufficient to audit or replay the execution
// offline.
func (o *Orchestrator) ReconstructReplayContext(ctx context.Context, planID string) (ReplayContext, error) {
	plan, err := o.plans.Get(ctx, planID)
	if err != nil {
		return ReplayContext{}, fmt.Errorf("orchestrator: reconstruct replay context: %w", err)
	}
	intents := make([]*intentgraph.Intent, 0, len(plan.IntentIDs))
	for _, id := range plan.IntentIDs {
		intent, err := o.intents.Get(ctx, id)
		if err != nil {
			return ReplayContext{}, fmt.Errorf("orchestrator: reconstruct replay context: intent %q: %w", id, err)
		}
		intents = append(intents, intent)
	}
	return ReplayContext{
		Plan:    plan,
		Intents: intents,
		Actions: o.chain.ExportPlanActions(ctx, planID),
	}, nil
}

// ExecutePlan runs plan from its first top-level step. plan must already be
// present in the Plan Archive (and its intents in the Intent Graph), since
// every Causal Chain append validates that prerequisite.
func (o *Orchestrator) ExecutePlan(ctx context.Context, plan *planarchive.Plan, sec *security.Context) (ExecutionResult, error) {
	if plan.Body.Kind != planarchive.BodyKindRtfs {
		return ExecutionResult{}, fmt.Errorf("orchestrator: unsupported plan body kind %q", plan.Body.Kind)
	}
	program, err := parser.ParseProgram(plan.Body.Source)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("orchestrator: parse plan body: %w", err)
	}
	if err := o.preflightCapabilities(program, sec); err != nil {
		return ExecutionResult{}, err
	}

	intentID := primaryIntentID(plan)
	startID, err := o.chain.Append(ctx, &causalchain.Action{
		ActionType: causalchain.ActionPlanStarted,
		PlanID:     plan.PlanID,
		IntentID:   intentID,
		Name:       plan.Name,
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	if intentID != "" {
		if _, err := o.intents.TransitionStatus(ctx, intentID, intentgraph.StatusExecuting, startID, "plan execution started"); err != nil {
			return ExecutionResult{}, err
		}
	}
	if err := o.plans.UpdateStatus(ctx, plan.PlanID, planarchive.StatusActive); err != nil {
		return ExecutionResult{}, err
	}

	env := evaluator.NewEnvironment(evaluator.NewStdlib())
	bindCrossPlanParams(env, sec)

	return o.runFrom(ctx, plan, intentID, program, 0, env, value.Nil, sec)
}

// ResumeFromCheckpoint rehydrates the step suspended at checkpointID,
// replays the host-call results already recorded for it, delivers injected
// as the answer to the call that caused the suspension, and continues
// executing the plan's remaining top-level steps. sec may be nil to fall
// back to the default resource class for any still-unexecuted steps.
func (o *Orchestrator) ResumeFromCheckpoint(ctx context.Context, planID, intentID, checkpointID string, injected value.Value, sec *security.Context) (ExecutionResult, error) {
	cp, err := o.checkpoints.Get(ctx, checkpointID, planID, intentID)
	if err != nil {
		return ExecutionResult{}, err
	}
	plan, err := o.plans.Get(ctx, planID)
	if err != nil {
		return ExecutionResult{}, err
	}

	if _, err := o.chain.Append(ctx, &causalchain.Action{
		ActionType: causalchain.ActionPlanResumed,
		PlanID:     planID,
		IntentID:   intentID,
		Name:       cp.SerializedContext.StepName,
	}); err != nil {
		return ExecutionResult{}, err
	}
	if intentID != "" {
		if _, err := o.intents.TransitionStatus(ctx, intentID, intentgraph.StatusExecuting, "", "plan resumed from checkpoint"); err != nil {
			return ExecutionResult{}, err
		}
	}
	if err := o.plans.UpdateStatus(ctx, planID, planarchive.StatusActive); err != nil {
		return ExecutionResult{}, err
	}

	bindings, err := checkpoint.DecodeBindings(cp.SerializedContext.Bindings)
	if err != nil {
		return ExecutionResult{}, err
	}
	env := evaluator.FromBindings(bindings)

	topExpr, err := parser.ParseExpr(cp.SerializedContext.StepSource)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("orchestrator: reparse checkpoint step source: %w", err)
	}
	stepName, body, isStep := isStepCall(topExpr)
	runExpr := topExpr
	if isStep {
		runExpr = body
	} else {
		stepName = cp.SerializedContext.StepName
	}

	replay := &replayState{
		queued:          cp.SerializedContext.PriorResults,
		injectedValue:   &injected,
		pendingActionID: cp.Metadata["pending_call_action_id"],
	}

	result, pause, err := o.driveStep(ctx, runExpr, env, plan, intentID, replay)
	if err != nil {
		o.abort(ctx, plan, intentID, err)
		return ExecutionResult{}, err
	}
	if pause != nil {
		res, serr := o.suspend(ctx, plan, intentID, stepName, cp.SerializedContext.StepSource, env, pause)
		if serr != nil {
			return ExecutionResult{}, serr
		}
		return res, nil
	}
	if isStep {
		if _, err := o.chain.Append(ctx, &causalchain.Action{
			ActionType: causalchain.ActionStepCompleted,
			PlanID:     planID,
			IntentID:   intentID,
			Name:       stepName,
			Result:     &result,
		}); err != nil {
			return ExecutionResult{}, err
		}
	}
	if err := o.checkpoints.Delete(ctx, checkpointID); err != nil {
		return ExecutionResult{}, err
	}

	program, err := parser.ParseProgram(plan.Body.Source)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("orchestrator: parse plan body: %w", err)
	}
	nextIndex := len(program.Exprs)
	if idx, ok := stepIndexByName(program, stepName); ok {
		nextIndex = idx + 1
	}
	return o.runFrom(ctx, plan, intentID, program, nextIndex, env, result, sec)
}

// runFrom executes program's top-level expressions starting at startIndex,
// sharing env across steps, and appends PlanCompleted once every remaining
// step finishes without pausing or erroring.
func (o *Orchestrator) runFrom(ctx context.Context, plan *planarchive.Plan, intentID string, program *ast.Do, startIndex int, env *evaluator.Environment, seedLast value.Value, sec *security.Context) (ExecutionResult, error) {
	last := seedLast
	for _, topExpr := range program.Exprs[startIndex:] {
		stepName, body, isStep := isStepCall(topExpr)
		runExpr := topExpr
		if isStep {
			runExpr = body
		}

		var parentActionID string
		if isStep {
			profile := o.deriver.Derive(stepName, body, sec)
			profileID, err := o.chain.Append(ctx, &causalchain.Action{
				ActionType: causalchain.ActionStepProfileDerived,
				PlanID:     plan.PlanID,
				IntentID:   intentID,
				Name:       stepName,
				Metadata:   profileMetadata(profile),
			})
			if err != nil {
				return ExecutionResult{}, err
			}
			parentActionID = profileID
			if _, err := o.chain.Append(ctx, &causalchain.Action{
				ActionType:     causalchain.ActionStepStarted,
				ParentActionID: parentActionID,
				PlanID:         plan.PlanID,
				IntentID:       intentID,
				Name:           stepName,
			}); err != nil {
				return ExecutionResult{}, err
			}
		}

		result, pause, err := o.driveStep(ctx, runExpr, env, plan, intentID, &replayState{})
		if err != nil {
			o.abort(ctx, plan, intentID, err)
			return ExecutionResult{}, err
		}
		if pause != nil {
			stepSource := stepSourceText(plan, topExpr)
			return o.suspend(ctx, plan, intentID, stepName, stepSource, env, pause)
		}
		if isStep {
			if _, err := o.chain.Append(ctx, &causalchain.Action{
				ActionType: causalchain.ActionStepCompleted,
				PlanID:     plan.PlanID,
				IntentID:   intentID,
				Name:       stepName,
				Result:     &result,
			}); err != nil {
				return ExecutionResult{}, err
			}
		}
		last = result
	}

	if _, err := o.chain.Append(ctx, &causalchain.Action{
		ActionType: causalchain.ActionPlanCompleted,
		PlanID:     plan.PlanID,
		IntentID:   intentID,
		Result:     &last,
	}); err != nil {
		return ExecutionResult{}, err
	}
	if intentID != "" {
		if _, err := o.intents.TransitionStatus(ctx, intentID, intentgraph.StatusCompleted, "", "plan execution completed"); err != nil {
			return ExecutionResult{}, err
		}
	}
	if err := o.plans.UpdateStatus(ctx, plan.PlanID, planarchive.StatusCompleted); err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{Value: last}, nil
}

// pauseInfo describes a step that suspended on a host call requiring
// external input rather than synchronous dispatch.
type pauseInfo struct {
	capabilityID    string
	pendingActionID string
	performed       []checkpoint.ReplayedHostResult
}

// replayState threads a step's replay/resume bookkeeping through driveStep:
// queued results already recorded on a checkpoint are fed back without
// touching the Marketplace; injectedValue (once) supplies the external
// answer to the call that caused the original suspension.
type replayState struct {
	queued          []checkpoint.ReplayedHostResult
	injectedValue   *value.Value
	pendingActionID string
}

// driveStep runs expr to completion, to a genuine runtime error, or to a new
// suspension point, dispatching every host yield that isn't satisfied by
// replay or injection through the Marketplace.
func (o *Orchestrator) driveStep(ctx context.Context, expr ast.Expr, env *evaluator.Environment, plan *planarchive.Plan, intentID string, replay *replayState) (value.Value, *pauseInfo, error) {
	co := evaluator.Evaluate(ctx, expr, env)
	var performed []checkpoint.ReplayedHostResult
	idx := 0

	for {
		outcome, err := co.Next()
		if err != nil {
			return value.Nil, nil, err
		}
		if outcome.Kind == evaluator.OutcomeComplete {
			return outcome.Value, nil, nil
		}

		call := *outcome.Host

		if idx < len(replay.queued) {
			pr := replay.queued[idx]
			idx++
			v, rerr := decodeReplayed(pr)
			performed = append(performed, pr)
			co.Resume(host.Result{Value: v, Err: rerr})
			continue
		}

		if replay.injectedValue != nil {
			injected := *replay.injectedValue
			replay.injectedValue = nil
			if replay.pendingActionID != "" {
				if _, err := o.chain.Append(ctx, &causalchain.Action{
					ActionType:     causalchain.ActionCapabilityResult,
					ParentActionID: replay.pendingActionID,
					PlanID:         plan.PlanID,
					IntentID:       intentID,
					Name:           call.CapabilityID,
					Result:         &injected,
				}); err != nil {
					return value.Nil, nil, err
				}
			}
			performed = append(performed, encodeReplayedResult(call.CapabilityID, injected, nil))
			co.Resume(host.Result{Value: injected})
			continue
		}

		manifest, found := o.marketplace.Get(call.CapabilityID)
		if found && requiresPause(manifest) {
			actionID, err := o.chain.Append(ctx, &causalchain.Action{
				ActionType: causalchain.ActionCapabilityCall,
				PlanID:     plan.PlanID,
				IntentID:   intentID,
				Name:       call.CapabilityID,
				Args:       call.Args,
			})
			if err != nil {
				return value.Nil, nil, err
			}
			return value.Nil, &pauseInfo{
				capabilityID:    call.CapabilityID,
				pendingActionID: actionID,
				performed:       performed,
			}, nil
		}

		result, execErr := o.marketplace.Execute(ctx, marketplace.ExecuteContext{PlanID: plan.PlanID, IntentID: intentID}, call.CapabilityID, call.Args, call.Metadata)
		performed = append(performed, encodeReplayedResult(call.CapabilityID, result, execErr))
		co.Resume(host.Result{Value: result, Err: execErr})
	}
}

// suspend mints and stores a Checkpoint for a step that must wait on
// external input, and records the PlanPaused/Suspended transition.
func (o *Orchestrator) suspend(ctx context.Context, plan *planarchive.Plan, intentID, stepName, stepSource string, env *evaluator.Environment, pause *pauseInfo) (ExecutionResult, error) {
	bindings, err := checkpoint.EncodeBindings(env.Flatten())
	if err != nil {
		return ExecutionResult{}, err
	}
	sc := checkpoint.SerializedContext{
		StepName:     stepName,
		StepSource:   stepSource,
		Bindings:     bindings,
		PriorResults: pause.performed,
	}
	metadata := map[string]string{
		"pending_call_action_id": pause.pendingActionID,
		"pending_capability_id":  pause.capabilityID,
	}
	cp, err := checkpoint.Mint(plan.PlanID, intentID, sc, metadata, nil, true)
	if err != nil {
		return ExecutionResult{}, err
	}
	if err := o.checkpoints.Save(ctx, cp); err != nil {
		return ExecutionResult{}, err
	}

	if _, err := o.chain.Append(ctx, &causalchain.Action{
		ActionType:     causalchain.ActionPlanPaused,
		ParentActionID: pause.pendingActionID,
		PlanID:         plan.PlanID,
		IntentID:       intentID,
		Name:           pause.capabilityID,
		Metadata: map[string]value.Value{
			"checkpoint_id":       value.String(cp.CheckpointID),
			"requires_capability": value.String(pause.capabilityID),
		},
	}); err != nil {
		return ExecutionResult{}, err
	}
	if intentID != "" {
		if _, err := o.intents.TransitionStatus(ctx, intentID, intentgraph.StatusSuspended, "", "plan paused for host interaction"); err != nil {
			return ExecutionResult{}, err
		}
	}
	if err := o.plans.UpdateStatus(ctx, plan.PlanID, planarchive.StatusPaused); err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{Paused: true, CheckpointID: cp.CheckpointID, RequiresCapability: pause.capabilityID}, nil
}

// abort records a PlanAborted action and transitions the plan/intent to
// their failed terminal states. Best-effort: a failure recording the
// failure itself has no further recovery path.
func (o *Orchestrator) abort(ctx context.Context, plan *planarchive.Plan, intentID string, cause error) {
	_, _ = o.chain.Append(ctx, &causalchain.Action{
		ActionType: causalchain.ActionPlanAborted,
		PlanID:     plan.PlanID,
		IntentID:   intentID,
		Error:      cause.Error(),
	})
	if intentID != "" {
		_, _ = o.intents.TransitionStatus(ctx, intentID, intentgraph.StatusFailed, "", cause.Error())
	}
	_ = o.plans.UpdateStatus(ctx, plan.PlanID, planarchive.StatusFailed)
}

// preflightCapabilities validates every literal `(call :id ...)` target in
// program against the Marketplace and SecurityContext before the plan's
// first action is appended (spec.md section 4.5).
func (o *Orchestrator) preflightCapabilities(program *ast.Do, sec *security.Context) error {
	for _, id := range stepprofile.CollectCallIDs(program) {
		if _, ok := o.marketplace.Get(id); !ok {
			return &UnknownCapabilityError{CapabilityID: id}
		}
		if sec != nil && !sec.AllowsCapability(id) {
			return &UnknownCapabilityError{CapabilityID: id}
		}
	}
	return nil
}

// requiresPause reports whether manifest is tagged to force suspension
// instead of synchronous dispatch (e.g. ccos.user.ask).
func requiresPause(manifest marketplace.CapabilityManifest) bool {
	return manifest.Metadata != nil && manifest.Metadata["yields"] == "true"
}

// isStepCall recognizes the `(step "name" body)` structural-sugar shape the
// parser produces (pkg/parser.parseStepAsCall); ok is false for any other
// top-level expression, which is then run directly with no StepProfile
// bookkeeping.
func isStepCall(e ast.Expr) (name string, body ast.Expr, ok bool) {
	fc, isFC := e.(*ast.FunctionCall)
	if !isFC {
		return "", nil, false
	}
	sym, isSym := fc.Callee.(*ast.Symbol)
	if !isSym || sym.Name != "step" || len(fc.Args) < 2 {
		return "", nil, false
	}
	lit, isLit := fc.Args[0].(*ast.Literal)
	if !isLit || lit.Kind != ast.LitString {
		return "", nil, false
	}
	return lit.Str, fc.Args[1], true
}

// stepIndexByName finds the top-level step whose name matches, for
// continuing execution after a resume (step names must be unique within a
// plan for unambiguous continuation).
func stepIndexByName(program *ast.Do, name string) (int, bool) {
	for i, e := range program.Exprs {
		if n, _, ok := isStepCall(e); ok && n == name {
			return i, true
		}
	}
	return -1, false
}

func stepSourceText(plan *planarchive.Plan, e ast.Expr) string {
	span := e.Span()
	if span.Start < 0 || span.End > len(plan.Body.Source) || span.Start > span.End {
		return plan.Body.Source
	}
	return plan.Body.Source[span.Start:span.End]
}

func primaryIntentID(plan *planarchive.Plan) string {
	if len(plan.IntentIDs) == 0 {
		return ""
	}
	return plan.IntentIDs[0]
}

func bindCrossPlanParams(env *evaluator.Environment, sec *security.Context) {
	if sec == nil {
		return
	}
	for k, v := range sec.CrossPlanParams {
		rv, err := value.FromPlain(v)
		if err != nil {
			continue
		}
		env.Define(k, rv)
	}
}

func profileMetadata(p stepprofile.StepProfile) map[string]value.Value {
	return map[string]value.Value{
		"profile_id":         value.String(p.ProfileID),
		"isolation_level":    value.String(string(p.IsolationLevel)),
		"deterministic":      value.Bool(p.Deterministic),
		"time_limit_ms":      value.Int(p.MicrovmConfig.TimeLimit.Milliseconds()),
		"memory_limit_bytes": value.Int(p.MicrovmConfig.MemoryLimitBytes),
		"cpu_limit":          value.Float(p.MicrovmConfig.CPULimit),
	}
}

func decodeReplayed(pr checkpoint.ReplayedHostResult) (value.Value, error) {
	if pr.Err != "" {
		return value.Nil, errors.New(pr.Err)
	}
	if len(pr.Value) == 0 {
		return value.Nil, nil
	}
	return value.FromJSON(string(pr.Value))
}

func encodeReplayedResult(capID string, v value.Value, err error) checkpoint.ReplayedHostResult {
	if err != nil {
		return checkpoint.ReplayedHostResult{CapabilityID: capID, Err: err.Error()}
	}
	enc, encErr := value.ToJSON(v)
	if encErr != nil {
		return checkpoint.ReplayedHostResult{CapabilityID: capID, Err: encErr.Error()}
	}
	return checkpoint.ReplayedHostResult{CapabilityID: capID, Value: json.RawMessage(enc)}
}
