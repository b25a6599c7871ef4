package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/ccos/pkg/value"
)

// conflictError is returned by Register when a manifest with the same id is
// already registered.
type conflictError struct{ id string }

func (e *conflictError) Error() string { return fmt.Sprintf("marketplace: capability %q already registered", e.id) }

// IsConflict reports whether err is the "already registered" error Register
// returns.
func IsConflict(err error) bool {
	_, ok := err.(*conflictError)
	return ok
}

// AuditRecorder is the narrow slice of causalchain.Chain the Marketplace
// needs to satisfy spec.md section 4.2's mandatory dual-audit requirement
// (every execute appends CapabilityCall and CapabilityResult/error), kept as
// a local interface to avoid a marketplace -> causalchain -> marketplace
// import cycle risk and to let tests stub it trivially.
type AuditRecorder interface {
	RecordCapabilityCall(ctx context.Context, planID, intentID, capabilityID string, args []value.Value) (actionID string, err error)
	RecordCapabilityResult(ctx context.Context, planID, intentID, parentActionID, capabilityID string, result value.Value, resultErr error)
}

// registration pairs a manifest with its dispatch handler.
type registration struct {
	manifest        CapabilityManifest
	handler         Handler
	inputValidator  *jsonschema.Schema
	outputValidator *jsonschema.Schema
}

// Marketplace is the registry + dispatcher of spec.md section 4.2.
type Marketplace struct {
	mu          sync.RWMutex
	entries     map[string]*registration
	coalescing  CoalescingCache
	audit       AuditRecorder
	sessionPool *SessionPool
	rateLimit   *rateLimiterRegistry
}

// Option configures a Marketplace at construction time.
type Option func(*Marketplace)

// WithCoalescingCache overrides the default in-process CoalescingCache,
// e.g. with a Redis-backed implementation for multi-process deployments.
func WithCoalescingCache(c CoalescingCache) Option {
	return func(m *Marketplace) { m.coalescing = c }
}

// WithAuditRecorder wires the Causal Chain recorder used to satisfy the
// dual-audit invariant on every Execute.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(m *Marketplace) { m.audit = a }
}

// New constructs an empty Marketplace. Call Bootstrap to load built-ins.
func New(opts ...Option) *Marketplace {
	m := &Marketplace{
		entries:     make(map[string]*registration),
		coalescing:  NewMemoryCoalescingCache(),
		sessionPool: NewSessionPool(),
		rateLimit:   newRateLimiterRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SessionPool exposes the marketplace's session pool so MCP provider
// factories can be registered against it during Bootstrap.
func (m *Marketplace) SessionPool() *SessionPool { return m.sessionPool }

// Register adds manifest and its dispatch handler to the marketplace.
// Returns a conflict error (see IsConflict) if the id is already registered.
func (m *Marketplace) Register(manifest CapabilityManifest, handler Handler) error {
	if manifest.ID == "" {
		return fmt.Errorf("marketplace: manifest id is required")
	}
	if handler == nil {
		return fmt.Errorf("marketplace: handler is required for %q", manifest.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[manifest.ID]; exists {
		return &conflictError{id: manifest.ID}
	}

	reg := &registration{manifest: manifest, handler: handler}
	if len(manifest.InputSchema) > 0 {
		schema, err := compileSchema(manifest.ID+"#input", manifest.InputSchema)
		if err != nil {
			return fmt.Errorf("marketplace: compile input schema for %q: %w", manifest.ID, err)
		}
		reg.inputValidator = schema
	}
	if len(manifest.OutputSchema) > 0 {
		schema, err := compileSchema(manifest.ID+"#output", manifest.OutputSchema)
		if err != nil {
			return fmt.Errorf("marketplace: compile output schema for %q: %w", manifest.ID, err)
		}
		reg.outputValidator = schema
	}
	m.entries[manifest.ID] = reg
	return nil
}

// Get returns the manifest registered under id, and whether it was found.
func (m *Marketplace) Get(id string) (CapabilityManifest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.entries[id]
	if !ok {
		return CapabilityManifest{}, false
	}
	return reg.manifest, true
}

// List returns every registered manifest, for preflight validation and
// discovery capabilities.
func (m *Marketplace) List() []CapabilityManifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CapabilityManifest, 0, len(m.entries))
	for _, reg := range m.entries {
		out = append(out, reg.manifest)
	}
	return out
}

// ExecuteContext carries the plan/intent/parent-action identifiers needed to
// satisfy the Causal Chain's append prerequisites and hash-chain linkage
// when the Marketplace records its mandatory CapabilityCall/CapabilityResult
// pair.
type ExecuteContext struct {
	PlanID   string
	IntentID string
}

// Execute resolves id to a registered capability and dispatches args to its
// handler, enforcing schema validation, in-flight coalescing, and the
// dual-audit invariant of spec.md section 4.2. Every call — even one served
// from the coalescing cache — causes exactly one CapabilityCall and one
// terminal CapabilityResult-class action, per spec.md section 8 invariant 5.
func (m *Marketplace) Execute(ctx context.Context, ec ExecuteContext, id string, args []value.Value, metadata value.Value) (value.Value, error) {
	m.mu.RLock()
	reg, ok := m.entries[id]
	m.mu.RUnlock()

	var actionID string
	if m.audit != nil {
		var err error
		actionID, err = m.audit.RecordCapabilityCall(ctx, ec.PlanID, ec.IntentID, id, args)
		if err != nil {
			return value.Nil, fmt.Errorf("marketplace: record capability call: %w", err)
		}
	}

	if !ok {
		capErr := newCapError(ErrorNotFound, id, "capability not registered", nil)
		m.recordResult(ctx, ec, actionID, id, value.Nil, capErr)
		return value.Nil, capErr
	}

	if reg.inputValidator != nil {
		if err := validateArgs(reg.inputValidator, args); err != nil {
			capErr := newCapError(ErrorSchemaViolation, id, "input schema violation", err)
			m.recordResult(ctx, ec, actionID, id, value.Nil, capErr)
			return value.Nil, capErr
		}
	}

	result, err := m.dispatch(ctx, ec, reg, id, args, metadata)
	if err != nil {
		m.recordResult(ctx, ec, actionID, id, value.Nil, err)
		return value.Nil, err
	}

	if reg.outputValidator != nil {
		if verr := validateArgs(reg.outputValidator, []value.Value{result}); verr != nil {
			capErr := newCapError(ErrorSchemaViolation, id, "output schema violation", verr)
			m.recordResult(ctx, ec, actionID, id, value.Nil, capErr)
			return value.Nil, capErr
		}
	}

	m.recordResult(ctx, ec, actionID, id, result, nil)
	return result, nil
}

func (m *Marketplace) recordResult(ctx context.Context, ec ExecuteContext, actionID, capabilityID string, result value.Value, err error) {
	if m.audit == nil {
		return
	}
	m.audit.RecordCapabilityResult(ctx, ec.PlanID, ec.IntentID, actionID, capabilityID, result, err)
}

// dispatch applies the idempotency coalescing policy (when declared) and
// then calls the handler directly.
func (m *Marketplace) dispatch(ctx context.Context, ec ExecuteContext, reg *registration, id string, args []value.Value, metadata value.Value) (value.Value, error) {
	if reg.manifest.Idempotency != IdempotencyInFlight {
		return m.invoke(ctx, reg, id, args, metadata)
	}

	fp, err := Fingerprint(id, args)
	if err != nil {
		return value.Nil, newCapError(ErrorInternal, id, "fingerprint computation failed", err)
	}

	leader, wait := m.coalescing.Claim(ctx, fp)
	if !leader {
		select {
		case res := <-wait:
			return res.Value, res.Err
		case <-ctx.Done():
			return value.Nil, newCapError(ErrorCancelled, id, "context cancelled while awaiting coalesced result", ctx.Err())
		}
	}

	result, err := m.invoke(ctx, reg, id, args, metadata)
	m.coalescing.Publish(ctx, fp, result, err)
	return result, err
}

func (m *Marketplace) invoke(ctx context.Context, reg *registration, id string, args []value.Value, metadata value.Value) (value.Value, error) {
	select {
	case <-ctx.Done():
		return value.Nil, newCapError(ErrorCancelled, id, "context cancelled before dispatch", ctx.Err())
	default:
	}

	if err := m.rateLimit.wait(ctx, id, reg.manifest.RateLimitPerSecond, reg.manifest.RateLimitBurst); err != nil {
		return value.Nil, newCapError(ErrorCancelled, id, "context cancelled while waiting for rate limit", err)
	}

	result, err := reg.handler.Execute(ctx, reg.manifest, args, metadata)
	if err != nil {
		if capErr, ok := err.(*CapabilityError); ok {
			return value.Nil, capErr
		}
		return value.Nil, newCapError(ErrorInternal, id, "handler error", err)
	}
	return result, nil
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

// validateArgs validates a vector of Values against a compiled schema by
// treating them as a plain JSON array document, matching the Vector(args)
// shape providers receive per spec.md section 6.
func validateArgs(schema *jsonschema.Schema, args []value.Value) error {
	doc, err := value.ToPlain(value.Vector(args))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}
