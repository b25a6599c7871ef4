package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/ccos/runtime/intentgraph"
)

const defaultIntentCollection = "ccos_intents"

var _ intentgraph.Graph = (*Graph)(nil)

// IntentGraphOptions configures the Mongo-backed intentgraph.Graph.
type IntentGraphOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// statusChangeDocument is the BSON surrogate for an intentgraph.StatusChange,
// embedded in its owning intentDocument since history is always read and
// written alongside its intent.
type statusChangeDocument struct {
	OldStatus          string    `bson:"old_status"`
	NewStatus          string    `bson:"new_status"`
	TriggeringActionID string    `bson:"triggering_action_id,omitempty"`
	Reason             string    `bson:"reason,omitempty"`
	Timestamp          time.Time `bson:"timestamp"`
}

// intentDocument is the BSON surrogate for an intentgraph.Intent plus its
// status history, following planDocument's map[string]string encoding for
// every metadata-shaped field.
type intentDocument struct {
	ID                bson.ObjectID          `bson:"_id,omitempty"`
	IntentID          string                 `bson:"intent_id"`
	Name              string                 `bson:"name"`
	OriginalRequest   string                 `bson:"original_request,omitempty"`
	Goal              string                 `bson:"goal,omitempty"`
	Constraints       map[string]string      `bson:"constraints,omitempty"`
	Preferences       map[string]string      `bson:"preferences,omitempty"`
	SuccessCriteria   string                 `bson:"success_criteria,omitempty"`
	ParentIntent      string                 `bson:"parent_intent,omitempty"`
	ChildIntents      []string               `bson:"child_intents,omitempty"`
	TriggeredBy       string                 `bson:"triggered_by,omitempty"`
	GenerationContext map[string]string      `bson:"generation_context,omitempty"`
	Status            string                 `bson:"status"`
	Priority          int                    `bson:"priority"`
	CreatedAt         time.Time              `bson:"created_at"`
	UpdatedAt         time.Time              `bson:"updated_at"`
	Metadata          map[string]string      `bson:"metadata,omitempty"`
	History           []statusChangeDocument `bson:"history,omitempty"`
}

// Graph is a durable intentgraph.Graph backed by a MongoDB collection. Like
// PlanArchive, every mutation is a delete-then-insert replace of the full
// document rather than a partial field update, trading a little extra I/O
// for staying on the same narrow collection interface chain.go already
// defines.
type Graph struct {
	coll    collection
	timeout time.Duration
}

// NewGraph returns a durable intentgraph.Graph backed by opts.Client.
func NewGraph(ctx context.Context, opts IntentGraphOptions) (*Graph, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultIntentCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := wrapper.Indexes().CreateOne(ictx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "intent_id", Value: 1}},
	}); err != nil {
		return nil, err
	}
	return &Graph{coll: wrapper, timeout: timeout}, nil
}

func (g *Graph) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Graph) Create(ctx context.Context, intent *intentgraph.Intent) error {
	if intent == nil || intent.IntentID == "" {
		return errors.New("mongo: intent id is required")
	}
	octx, cancel := g.withTimeout(ctx)
	defer cancel()

	existing, err := g.findByIntentID(octx, intent.IntentID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("mongo: intent %q already exists", intent.IntentID)
	}

	cp := *intent
	if cp.Status == "" {
		cp.Status = intentgraph.StatusActive
	}
	doc, err := toIntentDocument(&cp, nil)
	if err != nil {
		return fmt.Errorf("mongo: encode intent metadata: %w", err)
	}
	if _, err := g.coll.InsertOne(octx, doc); err != nil {
		return fmt.Errorf("mongo: insert intent: %w", err)
	}
	return nil
}

func (g *Graph) Get(ctx context.Context, intentID string) (*intentgraph.Intent, error) {
	octx, cancel := g.withTimeout(ctx)
	defer cancel()
	doc, err := g.findByIntentID(octx, intentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, intentgraph.ErrNotFound
	}
	return fromIntentDocument(*doc)
}

func (g *Graph) Contains(ctx context.Context, intentID string) bool {
	octx, cancel := g.withTimeout(ctx)
	defer cancel()
	doc, err := g.findByIntentID(octx, intentID)
	return err == nil && doc != nil
}

func (g *Graph) TransitionStatus(ctx context.Context, intentID string, newStatus intentgraph.Status, triggeringActionID, reason string) (intentgraph.StatusChange, error) {
	octx, cancel := g.withTimeout(ctx)
	defer cancel()
	doc, err := g.findByIntentID(octx, intentID)
	if err != nil {
		return intentgraph.StatusChange{}, err
	}
	if doc == nil {
		return intentgraph.StatusChange{}, intentgraph.ErrNotFound
	}
	if !validTransition(intentgraph.Status(doc.Status), newStatus) {
		return intentgraph.StatusChange{}, fmt.Errorf("%w: %s -> %s", intentgraph.ErrInvalidTransition, doc.Status, newStatus)
	}

	change := intentgraph.StatusChange{
		IntentID:           intentID,
		OldStatus:          intentgraph.Status(doc.Status),
		NewStatus:          newStatus,
		TriggeringActionID: triggeringActionID,
		Reason:             reason,
		Timestamp:          time.Now().UTC(),
	}
	doc.Status = string(newStatus)
	doc.UpdatedAt = change.Timestamp
	doc.History = append(doc.History, statusChangeDocument{
		OldStatus:          string(change.OldStatus),
		NewStatus:          string(change.NewStatus),
		TriggeringActionID: change.TriggeringActionID,
		Reason:             change.Reason,
		Timestamp:          change.Timestamp,
	})

	if _, err := g.coll.DeleteOne(octx, bson.M{"intent_id": intentID}); err != nil {
		return intentgraph.StatusChange{}, fmt.Errorf("mongo: replace intent: %w", err)
	}
	if _, err := g.coll.InsertOne(octx, *doc); err != nil {
		return intentgraph.StatusChange{}, fmt.Errorf("mongo: insert intent: %w", err)
	}
	return change, nil
}

func (g *Graph) History(ctx context.Context, intentID string) ([]intentgraph.StatusChange, error) {
	octx, cancel := g.withTimeout(ctx)
	defer cancel()
	doc, err := g.findByIntentID(octx, intentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, intentgraph.ErrNotFound
	}
	out := make([]intentgraph.StatusChange, len(doc.History))
	for i, h := range doc.History {
		out[i] = intentgraph.StatusChange{
			IntentID:           intentID,
			OldStatus:          intentgraph.Status(h.OldStatus),
			NewStatus:          intentgraph.Status(h.NewStatus),
			TriggeringActionID: h.TriggeringActionID,
			Reason:             h.Reason,
			Timestamp:          h.Timestamp,
		}
	}
	return out, nil
}

func (g *Graph) findByIntentID(ctx context.Context, intentID string) (*intentDocument, error) {
	cur, err := g.coll.Find(ctx, bson.M{"intent_id": intentID}, options.Find().SetLimit(1))
	if err != nil {
		return nil, fmt.Errorf("mongo: query intent: %w", err)
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		return nil, cur.Err()
	}
	var doc intentDocument
	if err := cur.Decode(&doc); err != nil {
		return nil, fmt.Errorf("mongo: decode intent: %w", err)
	}
	return &doc, nil
}

// validTransition mirrors intentgraph's in-memory transition rules exactly:
// same-status transitions are idempotent re-audits, Completed/Failed may
// only advance to Archived, and Archived is terminal.
func validTransition(from, to intentgraph.Status) bool {
	if from == to {
		return true
	}
	switch from {
	case intentgraph.StatusCompleted, intentgraph.StatusFailed:
		return to == intentgraph.StatusArchived
	case intentgraph.StatusArchived:
		return false
	default:
		return true
	}
}

func toIntentDocument(i *intentgraph.Intent, history []statusChangeDocument) (intentDocument, error) {
	metadata, err := encodeValueMap(i.Metadata)
	if err != nil {
		return intentDocument{}, err
	}
	return intentDocument{
		IntentID:          i.IntentID,
		Name:              i.Name,
		OriginalRequest:   i.OriginalRequest,
		Goal:              i.Goal,
		Constraints:       i.Constraints,
		Preferences:       i.Preferences,
		SuccessCriteria:   i.SuccessCriteria,
		ParentIntent:      i.ParentIntent,
		ChildIntents:      i.ChildIntents,
		TriggeredBy:       string(i.TriggeredBy),
		GenerationContext: i.GenerationContext,
		Status:            string(i.Status),
		Priority:          i.Priority,
		CreatedAt:         i.CreatedAt,
		UpdatedAt:         i.UpdatedAt,
		Metadata:          metadata,
		History:           history,
	}, nil
}

func fromIntentDocument(doc intentDocument) (*intentgraph.Intent, error) {
	metadata, err := decodeValueMap(doc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("mongo: decode intent metadata: %w", err)
	}
	return &intentgraph.Intent{
		IntentID:          doc.IntentID,
		Name:              doc.Name,
		OriginalRequest:   doc.OriginalRequest,
		Goal:              doc.Goal,
		Constraints:       doc.Constraints,
		Preferences:       doc.Preferences,
		SuccessCriteria:   doc.SuccessCriteria,
		ParentIntent:      doc.ParentIntent,
		ChildIntents:      doc.ChildIntents,
		TriggeredBy:       intentgraph.TriggerSource(doc.TriggeredBy),
		GenerationContext: doc.GenerationContext,
		Status:            intentgraph.Status(doc.Status),
		Priority:          doc.Priority,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
		Metadata:          metadata,
	}, nil
}
