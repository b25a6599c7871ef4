package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/planarchive"
)

const defaultPlanCollection = "ccos_plans"

var _ planarchive.Archive = (*PlanArchive)(nil)

// PlanArchiveOptions configures the Mongo-backed planarchive.Archive.
type PlanArchiveOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// planDocument is the BSON surrogate for a planarchive.Plan. Metadata and
// Annotations go through value's tagged-envelope JSON codec, the same one
// the Checkpoint Archive and Causal Chain use for value.Value-typed fields,
// so a round trip preserves Keyword/Symbol/Error values exactly.
type planDocument struct {
	ID                   bson.ObjectID     `bson:"_id,omitempty"`
	PlanID               string            `bson:"plan_id"`
	Name                 string            `bson:"name"`
	IntentIDs            []string          `bson:"intent_ids,omitempty"`
	Language             string            `bson:"language"`
	BodyKind             string            `bson:"body_kind"`
	BodySource           string            `bson:"body_source,omitempty"`
	BodyWasm             []byte            `bson:"body_wasm,omitempty"`
	Status               string            `bson:"status"`
	CreatedAt            time.Time         `bson:"created_at"`
	Metadata             map[string]string `bson:"metadata,omitempty"`
	InputSchema          []byte            `bson:"input_schema,omitempty"`
	OutputSchema         []byte            `bson:"output_schema,omitempty"`
	Policies             map[string]string `bson:"policies,omitempty"`
	RequiredCapabilities []string          `bson:"required_capabilities,omitempty"`
	Annotations          map[string]string `bson:"annotations,omitempty"`
	AutoRepairAttempts   int               `bson:"auto_repair_attempts"`
}

// PlanArchive is a durable planarchive.Archive backed by a MongoDB
// collection. Save/UpdateStatus implement the archive's "replace" semantics
// as a delete-then-insert pair: the shared collection interface this
// package wraps (see chain.go) exposes no update primitive, and extending
// it would ripple into every existing fake collection without adding any
// capability Plan Archive actually needs, since a plan record is small
// enough that a full replace costs nothing extra over a partial update.
type PlanArchive struct {
	coll    collection
	timeout time.Duration
}

// NewPlanArchive returns a durable planarchive.Archive backed by
// opts.Client.
func NewPlanArchive(ctx context.Context, opts PlanArchiveOptions) (*PlanArchive, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultPlanCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := wrapper.Indexes().CreateOne(ictx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "plan_id", Value: 1}},
	}); err != nil {
		return nil, err
	}
	return &PlanArchive{coll: wrapper, timeout: timeout}, nil
}

func (a *PlanArchive) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

func (a *PlanArchive) Save(ctx context.Context, plan *planarchive.Plan) error {
	if plan == nil || plan.PlanID == "" {
		return errors.New("mongo: plan id is required")
	}
	octx, cancel := a.withTimeout(ctx)
	defer cancel()

	existing, err := a.findByPlanID(octx, plan.PlanID)
	if err != nil {
		return err
	}
	if existing != nil && isTerminal(planarchive.Status(existing.Status)) {
		return planarchive.ErrImmutable
	}

	doc, err := toPlanDocument(plan)
	if err != nil {
		return err
	}
	if existing != nil {
		if _, err := a.coll.DeleteOne(octx, bson.M{"plan_id": plan.PlanID}); err != nil {
			return fmt.Errorf("mongo: replace plan: %w", err)
		}
	}
	if _, err := a.coll.InsertOne(octx, doc); err != nil {
		return fmt.Errorf("mongo: insert plan: %w", err)
	}
	return nil
}

func (a *PlanArchive) Get(ctx context.Context, planID string) (*planarchive.Plan, error) {
	octx, cancel := a.withTimeout(ctx)
	defer cancel()
	doc, err := a.findByPlanID(octx, planID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, planarchive.ErrNotFound
	}
	return fromPlanDocument(*doc)
}

func (a *PlanArchive) Contains(ctx context.Context, planID string) bool {
	octx, cancel := a.withTimeout(ctx)
	defer cancel()
	doc, err := a.findByPlanID(octx, planID)
	return err == nil && doc != nil
}

func (a *PlanArchive) UpdateStatus(ctx context.Context, planID string, status planarchive.Status) error {
	octx, cancel := a.withTimeout(ctx)
	defer cancel()
	doc, err := a.findByPlanID(octx, planID)
	if err != nil {
		return err
	}
	if doc == nil {
		return planarchive.ErrNotFound
	}
	doc.Status = string(status)
	if _, err := a.coll.DeleteOne(octx, bson.M{"plan_id": planID}); err != nil {
		return fmt.Errorf("mongo: replace plan: %w", err)
	}
	if _, err := a.coll.InsertOne(octx, *doc); err != nil {
		return fmt.Errorf("mongo: insert plan: %w", err)
	}
	return nil
}

func (a *PlanArchive) findByPlanID(ctx context.Context, planID string) (*planDocument, error) {
	cur, err := a.coll.Find(ctx, bson.M{"plan_id": planID}, options.Find().SetLimit(1))
	if err != nil {
		return nil, fmt.Errorf("mongo: query plan: %w", err)
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		return nil, cur.Err()
	}
	var doc planDocument
	if err := cur.Decode(&doc); err != nil {
		return nil, fmt.Errorf("mongo: decode plan: %w", err)
	}
	return &doc, nil
}

func isTerminal(s planarchive.Status) bool {
	switch s {
	case planarchive.StatusCompleted, planarchive.StatusFailed, planarchive.StatusAborted:
		return true
	default:
		return false
	}
}

func toPlanDocument(p *planarchive.Plan) (planDocument, error) {
	doc := planDocument{
		PlanID:               p.PlanID,
		Name:                 p.Name,
		IntentIDs:            p.IntentIDs,
		Language:             string(p.Language),
		BodyKind:             string(p.Body.Kind),
		BodySource:           p.Body.Source,
		BodyWasm:             p.Body.Wasm,
		Status:               string(p.Status),
		CreatedAt:            p.CreatedAt,
		InputSchema:          p.InputSchema,
		OutputSchema:         p.OutputSchema,
		Policies:             p.Policies,
		RequiredCapabilities: p.RequiredCapabilities,
		AutoRepairAttempts:   p.AutoRepairAttempts,
	}
	metadata, err := encodeValueMap(p.Metadata)
	if err != nil {
		return planDocument{}, fmt.Errorf("mongo: encode plan metadata: %w", err)
	}
	doc.Metadata = metadata
	annotations, err := encodeValueMap(p.Annotations)
	if err != nil {
		return planDocument{}, fmt.Errorf("mongo: encode plan annotations: %w", err)
	}
	doc.Annotations = annotations
	return doc, nil
}

func fromPlanDocument(doc planDocument) (*planarchive.Plan, error) {
	p := &planarchive.Plan{
		PlanID:    doc.PlanID,
		Name:      doc.Name,
		IntentIDs: doc.IntentIDs,
		Language:  planarchive.Language(doc.Language),
		Body: planarchive.Body{
			Kind:   planarchive.BodyKind(doc.BodyKind),
			Source: doc.BodySource,
			Wasm:   doc.BodyWasm,
		},
		Status:               planarchive.Status(doc.Status),
		CreatedAt:            doc.CreatedAt,
		InputSchema:          doc.InputSchema,
		OutputSchema:         doc.OutputSchema,
		Policies:             doc.Policies,
		RequiredCapabilities: doc.RequiredCapabilities,
		AutoRepairAttempts:   doc.AutoRepairAttempts,
	}
	metadata, err := decodeValueMap(doc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("mongo: decode plan metadata: %w", err)
	}
	p.Metadata = metadata
	annotations, err := decodeValueMap(doc.Annotations)
	if err != nil {
		return nil, fmt.Errorf("mongo: decode plan annotations: %w", err)
	}
	p.Annotations = annotations
	return p, nil
}

// encodeValueMap/decodeValueMap adapt a map[string]value.Value to the
// map[string]string BSON representation every value.Value-carrying
// document in this package uses, reusing value.ToJSON/FromJSON's tagged
// envelope codec field by field.
func encodeValueMap(m map[string]value.Value) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		enc, err := value.ToJSON(v)
		if err != nil {
			return nil, err
		}
		out[k] = enc
	}
	return out, nil
}

func decodeValueMap(m map[string]string) (map[string]value.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]value.Value, len(m))
	for k, enc := range m {
		v, err := value.FromJSON(enc)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
