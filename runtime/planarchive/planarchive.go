// Package planarchive implements the content-addressed, immutable store of
// Plans described in spec.md section 3: the authoritative source for replay,
// consulted by the Orchestrator before any Causal Chain action referencing a
// plan_id may be appended.
package planarchive

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/ccos/pkg/value"
)

// ErrNotFound is returned when a plan id does not exist in the archive.
var ErrNotFound = errors.New("planarchive: plan not found")

// ErrImmutable is returned by Save when the stored plan's status already
// forecloses further mutation (Completed, Failed, Aborted).
var ErrImmutable = errors.New("planarchive: plan is immutable in its current status")

// Language identifies the plan body's source language.
type Language string

const (
	LanguageRtfs20 Language = "Rtfs20"
)

// Status is the plan lifecycle status named in spec.md section 6.
type Status string

const (
	StatusDraft     Status = "Draft"
	StatusActive    Status = "Active"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusAborted   Status = "Aborted"
	StatusPaused    Status = "Paused"
)

// BodyKind distinguishes how a plan's body is represented.
type BodyKind string

const (
	BodyKindRtfs   BodyKind = "Rtfs"
	BodyKindWasm   BodyKind = "Wasm"
	BodyKindSource BodyKind = "Source"
)

// Body is the plan body sum type: Rtfs(source), Wasm(bytes), or
// Source(string) per spec.md section 3.
type Body struct {
	Kind   BodyKind
	Source string
	Wasm   []byte
}

// RtfsBody constructs a Body carrying RTFS source text.
func RtfsBody(source string) Body { return Body{Kind: BodyKindRtfs, Source: source} }

// Plan is the immutable-once-archived plan record.
type Plan struct {
	PlanID              string
	Name                string
	IntentIDs           []string
	Language            Language
	Body                Body
	Status              Status
	CreatedAt           time.Time
	Metadata            map[string]value.Value
	InputSchema         []byte
	OutputSchema        []byte
	Policies            map[string]string
	RequiredCapabilities []string
	Annotations         map[string]value.Value
	AutoRepairAttempts  int
}

// Archive stores Plans keyed by plan_id. Implementations must be safe for
// concurrent use: readers take snapshots, writers serialize, matching the
// single exclusive-write discipline of spec.md section 5.
type Archive interface {
	// Save stores or replaces the plan. Save on a plan whose stored Status
	// is already terminal (Completed/Failed/Aborted) returns ErrImmutable;
	// UpdateStatus is not subject to that check.
	Save(ctx context.Context, plan *Plan) error

	// Get retrieves a plan by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, planID string) (*Plan, error)

	// Contains reports whether planID exists in the archive, the
	// prerequisite check the Causal Chain enforces before every append.
	Contains(ctx context.Context, planID string) bool

	// UpdateStatus transitions a plan's status in place. This is the one
	// mutation the Orchestrator performs on an otherwise immutable record.
	UpdateStatus(ctx context.Context, planID string, status Status) error
}

// memoryArchive is the default in-process Archive implementation, the
// starting point before a durable stores/mongo backend is wired in.
type memoryArchive struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewMemoryArchive constructs an in-memory Archive.
func NewMemoryArchive() Archive {
	return &memoryArchive{plans: make(map[string]*Plan)}
}

func (a *memoryArchive) Save(ctx context.Context, plan *Plan) error {
	if plan == nil || plan.PlanID == "" {
		return errors.New("planarchive: plan id is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.plans[plan.PlanID]; ok && isTerminal(existing.Status) {
		return ErrImmutable
	}
	cp := *plan
	a.plans[plan.PlanID] = &cp
	return nil
}

func (a *memoryArchive) Get(ctx context.Context, planID string) (*Plan, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (a *memoryArchive) Contains(ctx context.Context, planID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.plans[planID]
	return ok
}

func (a *memoryArchive) UpdateStatus(ctx context.Context, planID string, status Status) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.plans[planID]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	return nil
}

func isTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}
