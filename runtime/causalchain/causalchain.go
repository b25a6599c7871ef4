// Package causalchain implements the append-only, hash-linked action log
// described in spec.md section 3 and 4.4. It is the canonical source of
// truth for plan introspection and replay, mirroring the durable run-event
// log pattern (append + cursor-paged list, sinks observing in append order)
// used elsewhere in this codebase for agent run logs.
package causalchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/planarchive"
)

// ErrPrerequisiteViolated is the ChainConsistencyError of spec.md section 7:
// an action referenced a plan_id or intent_id that does not (yet) exist in
// the owning store.
var ErrPrerequisiteViolated = errors.New("causalchain: plan/intent prerequisite violated")

// ActionType enumerates the Causal Chain action types named in spec.md
// section 3.
type ActionType string

const (
	ActionPlanStarted        ActionType = "PlanStarted"
	ActionPlanCompleted      ActionType = "PlanCompleted"
	ActionPlanAborted        ActionType = "PlanAborted"
	ActionPlanPaused         ActionType = "PlanPaused"
	ActionPlanResumed        ActionType = "PlanResumed"
	ActionStepStarted        ActionType = "StepStarted"
	ActionStepCompleted      ActionType = "StepCompleted"
	ActionStepProfileDerived ActionType = "StepProfileDerived"
	ActionCapabilityCall     ActionType = "CapabilityCall"
	ActionCapabilityResult   ActionType = "CapabilityResult"
	ActionIntentStatusChanged ActionType = "IntentStatusChanged"
	ActionCatalogReuse       ActionType = "CatalogReuse"
	ActionDelegationEvent    ActionType = "DelegationEvent"
)

// Action is a single immutable Causal Chain entry.
type Action struct {
	ActionID       string
	ParentActionID string
	ActionType     ActionType
	PlanID         string
	IntentID       string
	Name           string
	Args           []value.Value
	Timestamp      time.Time
	Result         *value.Value
	Error          string
	Cost           float64
	DurationMS     int64
	Metadata       map[string]value.Value

	// sequence and hash are chain-internal bookkeeping, exposed read-only
	// via Sequence()/Hash() for callers that need to verify linkage.
	sequence uint64
	hash     string
}

// Sequence returns the monotonically increasing position of this action
// within its chain instance.
func (a *Action) Sequence() uint64 { return a.sequence }

// Hash returns the hash link computed at append time, binding this action to
// its predecessor.
func (a *Action) Hash() string { return a.hash }

// Sink observes appended actions. Chain implementations call Observe
// synchronously on the appending goroutine, after the action is stored and
// the chain lock is released, so Append returns only once every sink has
// returned; delivery is not asynchronous. A sink that panics does not fail
// the append: the panic is recovered and the observation dropped.
type Sink interface {
	Observe(ctx context.Context, action *Action)
}

// PrerequisiteChecker validates that a plan_id/intent_id referenced by an
// about-to-be-appended action already exists in their owning stores. The
// Orchestrator wires this to the real Plan Archive / Intent Graph; tests may
// stub it.
type PrerequisiteChecker interface {
	PlanExists(ctx context.Context, planID string) bool
	IntentExists(ctx context.Context, intentID string) bool
}

// archivePrereqChecker adapts a planarchive.Archive + intent existence func
// into a PrerequisiteChecker.
type archivePrereqChecker struct {
	plans        planarchive.Archive
	intentExists func(ctx context.Context, intentID string) bool
}

// NewPrerequisiteChecker builds a PrerequisiteChecker backed by a real Plan
// Archive and an intent-existence predicate (typically intentgraph.Graph's
// Contains method), avoiding an import cycle between causalchain and
// intentgraph.
func NewPrerequisiteChecker(plans planarchive.Archive, intentExists func(ctx context.Context, intentID string) bool) PrerequisiteChecker {
	return &archivePrereqChecker{plans: plans, intentExists: intentExists}
}

func (c *archivePrereqChecker) PlanExists(ctx context.Context, planID string) bool {
	return c.plans.Contains(ctx, planID)
}

func (c *archivePrereqChecker) IntentExists(ctx context.Context, intentID string) bool {
	if c.intentExists == nil {
		return true
	}
	return c.intentExists(ctx, intentID)
}

// Chain is the append-only action log contract of spec.md section 4.4.
type Chain interface {
	// Append validates plan/intent prerequisites, assigns action_id,
	// sequence, and hash link, stores the action, and fans it out to
	// registered sinks. Returns the assigned action_id.
	Append(ctx context.Context, action *Action) (string, error)

	// Snapshot returns every appended action in append order.
	Snapshot(ctx context.Context) []*Action

	// ActionsForIntent returns every action carrying the given intent_id,
	// in append order.
	ActionsForIntent(ctx context.Context, intentID string) []*Action

	// ExportPlanActions returns every action carrying the given plan_id,
	// in append order, sufficient to reconstruct a replay context.
	ExportPlanActions(ctx context.Context, planID string) []*Action

	// RegisterSink adds a sink observing all future appends.
	RegisterSink(sink Sink)
}

type memoryChain struct {
	mu       sync.Mutex
	actions  []*Action
	lastHash string
	prereq   PrerequisiteChecker
	sinks    []Sink
}

// NewChain constructs an in-memory Chain. prereq may be nil, in which case
// prerequisite checks are skipped (useful for isolated evaluator/parser unit
// tests that never touch the Orchestrator).
func NewChain(prereq PrerequisiteChecker) Chain {
	return &memoryChain{prereq: prereq}
}

func (c *memoryChain) Append(ctx context.Context, action *Action) (string, error) {
	if action == nil {
		return "", errors.New("causalchain: action is required")
	}
	if action.ActionType == "" {
		return "", errors.New("causalchain: action_type is required")
	}

	c.mu.Lock()
	if c.prereq != nil {
		if action.PlanID == "" || !c.prereq.PlanExists(ctx, action.PlanID) {
			c.mu.Unlock()
			return "", fmt.Errorf("%w: plan_id %q", ErrPrerequisiteViolated, action.PlanID)
		}
		if action.IntentID != "" && !c.prereq.IntentExists(ctx, action.IntentID) {
			c.mu.Unlock()
			return "", fmt.Errorf("%w: intent_id %q", ErrPrerequisiteViolated, action.IntentID)
		}
	}

	cp := *action
	cp.ActionID = uuid.New().String()
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	cp.sequence = uint64(len(c.actions)) + 1
	cp.hash = nextHash(c.lastHash, &cp)
	c.lastHash = cp.hash
	c.actions = append(c.actions, &cp)
	sinks := append([]Sink(nil), c.sinks...)
	c.mu.Unlock()

	for _, s := range sinks {
		observeSafely(ctx, s, &cp)
	}
	return cp.ActionID, nil
}

func observeSafely(ctx context.Context, s Sink, a *Action) {
	defer func() { _ = recover() }()
	s.Observe(ctx, a)
}

func (c *memoryChain) Snapshot(ctx context.Context) []*Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Action, len(c.actions))
	copy(out, c.actions)
	return out
}

func (c *memoryChain) ActionsForIntent(ctx context.Context, intentID string) []*Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Action
	for _, a := range c.actions {
		if a.IntentID == intentID {
			out = append(out, a)
		}
	}
	return out
}

func (c *memoryChain) ExportPlanActions(ctx context.Context, planID string) []*Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Action
	for _, a := range c.actions {
		if a.PlanID == planID {
			out = append(out, a)
		}
	}
	return out
}

func (c *memoryChain) RegisterSink(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, sink)
}

// nextHash computes the hash link for an action given the previous action's
// hash, binding the chain together.
func nextHash(prevHash string, a *Action) string {
	return NextHash(prevHash, a)
}

// NextHash computes the hash link for an action given the previous action's
// hash, binding the chain together. Exported so durable Chain
// implementations (stores/mongo) can reproduce the identical hash-chain
// semantics the in-memory Chain enforces.
func NextHash(prevHash string, a *Action) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(a.ActionID))
	h.Write([]byte(a.ActionType))
	h.Write([]byte(a.PlanID))
	h.Write([]byte(a.IntentID))
	h.Write([]byte(a.Timestamp.Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}
