// Package substrate wires every runtime package into a single Substrate,
// the top-level object an embedder constructs once and calls for the
// lifetime of a process. No package below substrate keeps package-level
// mutable state; every store, cache, and queue is an explicit field reached
// only through the Builder, so two Substrates in the same process never
// share state by accident.
package substrate

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"goa.design/ccos/capabilities/builtins"
	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/autorepair"
	"goa.design/ccos/runtime/catalog"
	"goa.design/ccos/runtime/causalchain"
	"goa.design/ccos/runtime/checkpoint"
	"goa.design/ccos/runtime/governance"
	"goa.design/ccos/runtime/intentgraph"
	"goa.design/ccos/runtime/marketplace"
	"goa.design/ccos/runtime/orchestrator"
	"goa.design/ccos/runtime/planarchive"
	"goa.design/ccos/runtime/security"
	"goa.design/ccos/runtime/stepprofile"
	"goa.design/ccos/runtime/synthesis"
	"goa.design/ccos/runtime/telemetry"
	"goa.design/ccos/runtime/workingmemory"
)

// Config configures a Substrate's stores, policy ceilings, and optional
// collaborators. Every field has a usable zero value: an unconfigured
// Config builds an all-in-memory substrate with no policy ceilings, no
// auto-repair arbiter, and no telemetry backend beyond the no-op triple.
type Config struct {
	// Plans, Intents, Checkpoints back the Plan Archive, Intent Graph, and
	// Checkpoint Archive respectively. Nil selects the in-memory default.
	Plans       planarchive.Archive
	Intents     intentgraph.Graph
	Checkpoints checkpoint.Archive

	// Chain backs the Causal Chain. Nil builds an in-memory Chain wired to
	// Plans/Intents via causalchain.NewPrerequisiteChecker. A durable Chain
	// (stores/mongo.Chain) already has its own prerequisite checker baked
	// in at construction time and should be supplied here directly.
	Chain causalchain.Chain

	// MarketplaceOptions are passed through to marketplace.New verbatim
	// (coalescing cache, audit recorder override); the Builder always
	// supplies its own audit recorder unless one is already present here.
	MarketplaceOptions []marketplace.Option

	// Policy is the Governance Kernel's ceiling/allow-list configuration.
	Policy governance.Policy

	// Arbiter drives the Auto-Repair Loop. Nil means Repair always fails
	// with autorepair.ErrorUnavailable, matching spec.md's "repair is
	// opt-in" framing: a substrate with no arbiter configured simply
	// surfaces execution failures rather than attempting to self-correct.
	Arbiter autorepair.Arbiter

	// MaxRepairAttempts bounds the Auto-Repair Loop. Zero or negative is
	// treated as 1 (a single repair request, no retry) by autorepair.New.
	MaxRepairAttempts int

	// WorkingMemoryMaxEntries/WorkingMemoryMaxTokens bound the
	// Working-Memory Sink. Zero means unbounded on that dimension.
	WorkingMemoryMaxEntries int
	WorkingMemoryMaxTokens  int

	// HTTPHandler dispatches capabilities synthesized by the Synthesis
	// Hook. Nil means discovered capabilities are never registered.
	HTTPHandler marketplace.Handler

	// SynthesisQueue receives missing-capability requests. Nil selects an
	// in-process synthesis.MemoryQueue.
	SynthesisQueue synthesis.Queue

	// Catalog backs the Catalog-reuse audit step (spec.md section 4.5).
	// Nil selects an in-process catalog.Service seeded with no entries, so
	// Catalog-reuse is wired but produces no hits until something
	// registers an entry with Catalog.Register.
	Catalog *catalog.Service

	// CatalogThresholds gates how confident a Catalog-reuse hit must be
	// before it is recorded. Zero value selects catalog.DefaultThresholds.
	CatalogThresholds catalog.Thresholds

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Substrate is the fully wired CCOS runtime: every [MODULE] of spec.md
// section 2 reachable from one object, per spec.md section 9's "no global
// mutable state" design note.
type Substrate struct {
	Marketplace   *marketplace.Marketplace
	Chain         causalchain.Chain
	Plans         planarchive.Archive
	Intents       intentgraph.Graph
	Checkpoints   checkpoint.Archive
	Orchestrator  *orchestrator.Orchestrator
	Governance    *governance.Kernel
	AutoRepair    *autorepair.Loop
	WorkingMemory *workingmemory.Sink
	Synthesis     *synthesis.Hook
	Catalog       *catalog.Service

	catalogThresholds catalog.Thresholds
	logger            telemetry.Logger
	metrics           telemetry.Metrics
	tracer            telemetry.Tracer
}

// New builds a Substrate from cfg, registering the ccos.* built-in
// capabilities and wiring every collaborator's cross-dependencies in the
// order the Orchestrator/Marketplace/Causal Chain require: Chain and
// Archives first (nothing else can construct without them), then
// Marketplace (needs the Chain's audit adapter), then the Working-Memory
// Sink (registers itself as a Chain Sink and backs the ingest built-ins
// Bootstrap registers), then Orchestrator (needs Marketplace + Chain +
// Archives + a StepProfile Deriver), then Governance and Auto-Repair (wrap
// the Orchestrator), and the Synthesis Hook last.
func New(cfg Config) (*Substrate, error) {
	plans := cfg.Plans
	if plans == nil {
		plans = planarchive.NewMemoryArchive()
	}
	intents := cfg.Intents
	if intents == nil {
		intents = intentgraph.NewMemoryGraph()
	}
	checkpoints := cfg.Checkpoints
	if checkpoints == nil {
		checkpoints = checkpoint.NewMemoryArchive()
	}

	chain := cfg.Chain
	if chain == nil {
		chain = causalchain.NewChain(causalchain.NewPrerequisiteChecker(plans, func(ctx context.Context, intentID string) bool {
			return intents.Contains(ctx, intentID)
		}))
	}

	auditRecorder := orchestrator.NewChainAuditRecorder(chain)
	marketOpts := append([]marketplace.Option{marketplace.WithAuditRecorder(auditRecorder)}, cfg.MarketplaceOptions...)
	mkt := marketplace.New(marketOpts...)

	kv := builtins.NewKVStore()
	sink := workingmemory.New(cfg.WorkingMemoryMaxEntries, cfg.WorkingMemoryMaxTokens, chain)
	chain.RegisterSink(sink)
	ingest := &builtins.IngestFuncs{Single: sink.IngestSingle, Batch: sink.IngestBatch, Replay: sink.Replay}
	if err := builtins.Bootstrap(mkt, kv, nil, ingest); err != nil {
		return nil, fmt.Errorf("substrate: bootstrap built-in capabilities: %w", err)
	}

	deriver := stepprofile.NewDeriver(func() string { return uuid.NewString() })
	orch := orchestrator.New(mkt, chain, plans, intents, checkpoints, deriver)

	kernel := governance.New(orch, mkt, chain, plans, intents, cfg.Policy)

	repairLoop := autorepair.New(cfg.Arbiter, autorepair.NewDefaultPromptStore(), plans, cfg.MaxRepairAttempts)

	queue := cfg.SynthesisQueue
	if queue == nil {
		queue = synthesis.NewMemoryQueue()
	}
	hook := synthesis.New(mkt, chain, queue, cfg.HTTPHandler)

	cat := cfg.Catalog
	if cat == nil {
		cat = catalog.New()
	}
	thresholds := cfg.CatalogThresholds
	if thresholds == (catalog.Thresholds{}) {
		thresholds = catalog.DefaultThresholds()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	return &Substrate{
		Marketplace:   mkt,
		Chain:         chain,
		Plans:         plans,
		Intents:       intents,
		Checkpoints:   checkpoints,
		Orchestrator:  orch,
		Governance:    kernel,
		AutoRepair:    repairLoop,
		WorkingMemory: sink,
		Synthesis:     hook,
		Catalog:       cat,

		catalogThresholds: thresholds,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
	}, nil
}

// Submit validates plan through the Governance Kernel and, on success, runs
// it to completion or first suspension via the Orchestrator. The Synthesis
// Hook always runs afterward, whether Submit succeeds or fails, so a
// missing-capability failure is queued and a successful run's discovered
// capabilities are registered before Submit returns.
func (s *Substrate) Submit(ctx context.Context, plan *planarchive.Plan, sec *security.Context) (orchestrator.ExecutionResult, error) {
	s.logger.Info(ctx, "substrate: submitting plan", "plan_id", plan.PlanID)

	reuseHit, reuseMode, hasReuseHit := s.queryCatalogForReuse(plan)
	if hasReuseHit {
		if logErr := s.logCatalogReuseAction(ctx, plan, reuseHit, reuseMode); logErr != nil {
			s.logger.Warn(ctx, "substrate: log catalog reuse action failed", "plan_id", plan.PlanID, "error", logErr.Error())
		}
	}

	result, err := s.Governance.Govern(ctx, plan, sec)
	if hasReuseHit {
		if result.Metadata == nil {
			result.Metadata = map[string]value.Value{}
		}
		result.Metadata["catalog_reuse"] = catalogHitValue(reuseHit, reuseMode)
	}

	s.metrics.IncCounter("substrate.submit", 1, "plan_id", plan.PlanID)
	if hookErr := s.Synthesis.AfterExecution(ctx, plan, err); hookErr != nil {
		s.logger.Warn(ctx, "substrate: synthesis hook failed", "plan_id", plan.PlanID, "error", hookErr.Error())
	}
	if err != nil {
		s.logger.Warn(ctx, "substrate: plan rejected or failed", "plan_id", plan.PlanID, "error", err.Error())
	}
	return result, err
}

// queryCatalogForReuse looks up plan in the Catalog, trying a semantic
// search first and falling back to a keyword search, each gated by its own
// threshold (spec.md section 4.5). It never blocks or alters execution;
// absence of a Catalog entry simply means hasHit is false.
func (s *Substrate) queryCatalogForReuse(plan *planarchive.Plan) (hit catalog.Hit, mode catalog.QueryMode, hasHit bool) {
	query := buildCatalogQuery(plan)
	if query == "" {
		return catalog.Hit{}, "", false
	}
	filter := &catalog.Filter{Kind: catalog.KindPlan}

	if hits := s.Catalog.SearchSemantic(context.Background(), query, filter, 5); len(hits) > 0 {
		if best := bestHit(hits); best.Score >= s.catalogThresholds.PlanMinScore {
			return best, catalog.ModeSemantic, true
		}
	}
	if hits := s.Catalog.SearchKeyword(context.Background(), query, filter, 5); len(hits) > 0 {
		if best := bestHit(hits); best.Score >= s.catalogThresholds.KeywordMinScore {
			return best, catalog.ModeKeyword, true
		}
	}
	return catalog.Hit{}, "", false
}

func bestHit(hits []catalog.Hit) catalog.Hit {
	best := hits[0]
	for _, h := range hits[1:] {
		if h.Score > best.Score {
			best = h
		}
	}
	return best
}

// buildCatalogQuery assembles the reuse-search fingerprint for plan: plan
// id, name, goal (metadata first, then annotations), then every required
// capability id.
func buildCatalogQuery(plan *planarchive.Plan) string {
	metadataGoal, _ := catalog.ValueToQueryToken(plan.Metadata["goal"])
	annotationsGoal, _ := catalog.ValueToQueryToken(plan.Annotations["goal"])
	return catalog.BuildPlanQuery(plan.PlanID, plan.Name, metadataGoal, annotationsGoal, plan.RequiredCapabilities)
}

// logCatalogReuseAction appends the CatalogReuse Causal Chain action
// spec.md section 4.5 describes: a successful, Nil-valued action carrying
// the match's identifying metadata, so the chain records that a reuse
// opportunity was surfaced without claiming execution itself was skipped.
func (s *Substrate) logCatalogReuseAction(ctx context.Context, plan *planarchive.Plan, hit catalog.Hit, mode catalog.QueryMode) error {
	intentID := "catalog-reuse"
	if len(plan.IntentIDs) > 0 {
		intentID = plan.IntentIDs[0]
	}
	result := value.Nil
	_, err := s.Chain.Append(ctx, &causalchain.Action{
		ActionType: causalchain.ActionCatalogReuse,
		PlanID:     plan.PlanID,
		IntentID:   intentID,
		Result:     &result,
		Metadata: map[string]value.Value{
			"catalog_entry_id":   value.String(hit.Entry.ID),
			"catalog_entry_kind": value.String(string(hit.Entry.Kind)),
			"catalog_mode":       value.String(string(mode)),
			"catalog_score":      value.Float(hit.Score),
			"catalog_source":     value.String(string(hit.Entry.Source)),
			"catalog_entry_name": value.String(hit.Entry.Name),
		},
	})
	return err
}

// catalogHitValue renders hit/mode as the "catalog_reuse" map attached to
// a Submit result's Metadata, mirroring logCatalogReuseAction's fields.
func catalogHitValue(hit catalog.Hit, mode catalog.QueryMode) value.Value {
	b := value.NewMap().
		Put(value.KeywordKey("id"), value.String(hit.Entry.ID)).
		Put(value.KeywordKey("name"), value.String(hit.Entry.Name)).
		Put(value.KeywordKey("score"), value.Float(hit.Score)).
		Put(value.KeywordKey("mode"), value.String(string(mode))).
		Put(value.KeywordKey("kind"), value.String(string(hit.Entry.Kind))).
		Put(value.KeywordKey("source"), value.String(string(hit.Entry.Source)))
	if hit.Entry.Goal != "" {
		b = b.Put(value.KeywordKey("goal"), value.String(hit.Entry.Goal))
	}
	return b.Build()
}

// Resume continues a suspended plan from the named checkpoint with an
// externally supplied answer. Governance only gates initial submission
// (spec.md section 4.7); a resume re-enters the same Orchestrator state
// machine the original Submit call suspended, so it bypasses the Kernel.
func (s *Substrate) Resume(ctx context.Context, planID, intentID, checkpointID string, injected value.Value, sec *security.Context) (orchestrator.ExecutionResult, error) {
	result, err := s.Orchestrator.ResumeFromCheckpoint(ctx, planID, intentID, checkpointID, injected, sec)
	plan, getErr := s.Plans.Get(ctx, planID)
	if getErr == nil {
		if hookErr := s.Synthesis.AfterExecution(ctx, plan, err); hookErr != nil {
			s.logger.Warn(ctx, "substrate: synthesis hook failed", "plan_id", planID, "error", hookErr.Error())
		}
	}
	return result, err
}

// Repair runs the Auto-Repair Loop over plan given the failure cause,
// returning a new unarchived draft plan that Submit can be called with
// again. It does not resubmit the draft itself; callers decide whether and
// when to retry.
func (s *Substrate) Repair(ctx context.Context, plan *planarchive.Plan, cause error) (*planarchive.Plan, error) {
	return s.AutoRepair.Repair(ctx, plan, cause)
}

// ReconstructReplayContext returns planID's Plan Archive entry, referenced
// Intent Graph entries, and full Causal Chain action export, for audit or
// offline replay tooling.
func (s *Substrate) ReconstructReplayContext(ctx context.Context, planID string) (orchestrator.ReplayContext, error) {
	return s.Orchestrator.ReconstructReplayContext(ctx, planID)
}
