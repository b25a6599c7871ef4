// Package mongo implements durable, MongoDB-backed stores for the Causal
// Chain, Checkpoint Archive, Plan Archive and Intent Graph, following the
// low-level client pattern of
// features/runlog/mongo/clients/mongo/client.go: a narrow collection/cursor
// interface wraps the concrete driver types so the store logic above it is
// testable without a live MongoDB server, adapted here to the mongo-driver
// v2 API (bson.ObjectID replacing the v1 bson/primitive split package).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/causalchain"
)

const (
	defaultChainCollection = "ccos_causal_chain"
	defaultTimeout         = 5 * time.Second
)

// ChainOptions configures the Mongo-backed Chain implementation.
type ChainOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// actionDocument is the BSON surrogate for a causalchain.Action. Args,
// Result and Metadata are stored via value's tagged-envelope JSON codec
// (value.ToJSON/FromJSON, the same one the Checkpoint Archive uses), not
// raw BSON marshaling of value.Value's unexported fields.
type actionDocument struct {
	ID             bson.ObjectID     `bson:"_id,omitempty"`
	ActionID       string            `bson:"action_id"`
	ParentActionID string            `bson:"parent_action_id,omitempty"`
	ActionType     string            `bson:"action_type"`
	PlanID         string            `bson:"plan_id"`
	IntentID       string            `bson:"intent_id,omitempty"`
	Name           string            `bson:"name,omitempty"`
	Args           []string          `bson:"args,omitempty"`
	Timestamp      time.Time         `bson:"timestamp"`
	Result         string            `bson:"result,omitempty"`
	Error          string            `bson:"error,omitempty"`
	Cost           float64           `bson:"cost,omitempty"`
	DurationMS     int64             `bson:"duration_ms,omitempty"`
	Metadata       map[string]string `bson:"metadata,omitempty"`
	Sequence       uint64            `bson:"sequence"`
	Hash           string            `bson:"hash"`
}

// Chain is a durable causalchain.Chain backed by a MongoDB collection.
// Sequence/hash-link bookkeeping mirrors the in-memory implementation's
// single-writer discipline: a process-local mutex serializes Append calls,
// and each Append reads the collection's latest sequence and hash before
// inserting, so the sequence and hash link hold as long as a single
// Orchestrator process owns a given collection at a time.
type Chain struct {
	mu      sync.Mutex
	coll    collection
	prereq  causalchain.PrerequisiteChecker
	timeout time.Duration
}

// NewChain returns a durable Chain backed by opts.Client. prereq may be nil
// to skip prerequisite validation (matching causalchain.NewChain).
func NewChain(ctx context.Context, opts ChainOptions, prereq causalchain.PrerequisiteChecker) (*Chain, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultChainCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(coll)}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureChainIndexes(ictx, wrapper); err != nil {
		return nil, err
	}
	return &Chain{coll: wrapper, prereq: prereq, timeout: timeout}, nil
}

func ensureChainIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "plan_id", Value: 1}, {Key: "sequence", Value: 1}},
	})
	return err
}

func (c *Chain) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Append validates prerequisites exactly as the in-memory Chain does, then
// inserts a new document carrying the next sequence number and a hash link
// computed from the most recently appended action in the same collection.
func (c *Chain) Append(ctx context.Context, action *causalchain.Action) (string, error) {
	if action == nil {
		return "", errors.New("mongo: action is required")
	}
	if action.ActionType == "" {
		return "", errors.New("mongo: action_type is required")
	}
	if c.prereq != nil {
		if action.PlanID == "" || !c.prereq.PlanExists(ctx, action.PlanID) {
			return "", fmt.Errorf("%w: plan_id %q", causalchain.ErrPrerequisiteViolated, action.PlanID)
		}
		if action.IntentID != "" && !c.prereq.IntentExists(ctx, action.IntentID) {
			return "", fmt.Errorf("%w: intent_id %q", causalchain.ErrPrerequisiteViolated, action.IntentID)
		}
	}

	octx, cancel := c.withTimeout(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	lastSeq, lastHash, err := c.tail(octx)
	if err != nil {
		return "", err
	}

	cp := *action
	cp.ActionID = newActionID()
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	seq := lastSeq + 1
	hash := nextHash(lastHash, &cp)

	doc, err := toDocument(&cp, seq, hash)
	if err != nil {
		return "", err
	}
	if _, err := c.coll.InsertOne(octx, doc); err != nil {
		return "", fmt.Errorf("mongo: insert action: %w", err)
	}
	return cp.ActionID, nil
}

// tail returns the sequence/hash of the most recently appended action, or
// (0, "") when the collection is empty.
func (c *Chain) tail(ctx context.Context) (uint64, string, error) {
	cur, err := c.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "sequence", Value: -1}}).SetLimit(1))
	if err != nil {
		return 0, "", fmt.Errorf("mongo: query tail action: %w", err)
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		return 0, "", cur.Err()
	}
	var doc actionDocument
	if err := cur.Decode(&doc); err != nil {
		return 0, "", fmt.Errorf("mongo: decode tail action: %w", err)
	}
	return doc.Sequence, doc.Hash, nil
}

func (c *Chain) Snapshot(ctx context.Context) []*causalchain.Action {
	return c.query(ctx, bson.M{})
}

func (c *Chain) ActionsForIntent(ctx context.Context, intentID string) []*causalchain.Action {
	return c.query(ctx, bson.M{"intent_id": intentID})
}

func (c *Chain) ExportPlanActions(ctx context.Context, planID string) []*causalchain.Action {
	return c.query(ctx, bson.M{"plan_id": planID})
}

func (c *Chain) query(ctx context.Context, filter bson.M) []*causalchain.Action {
	octx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(octx, filter, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil
	}
	defer cur.Close(octx)

	var out []*causalchain.Action
	for cur.Next(octx) {
		var doc actionDocument
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		a, err := fromDocument(doc)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}

// RegisterSink is not supported by the durable Chain: sinks observe
// appends within a single process, and a durable multi-process deployment
// has no single process to fan those observations out to. Callers that
// need Working-Memory Sink behavior against a durable chain should run it
// against the in-memory Chain of the process actually driving execution,
// or poll Snapshot.
func (c *Chain) RegisterSink(sink causalchain.Sink) {}

func newActionID() string {
	return bson.NewObjectID().Hex()
}

func nextHash(prevHash string, a *causalchain.Action) string {
	return causalchain.NextHash(prevHash, a)
}

func toDocument(a *causalchain.Action, seq uint64, hash string) (actionDocument, error) {
	doc := actionDocument{
		ActionID:       a.ActionID,
		ParentActionID: a.ParentActionID,
		ActionType:     string(a.ActionType),
		PlanID:         a.PlanID,
		IntentID:       a.IntentID,
		Name:           a.Name,
		Timestamp:      a.Timestamp,
		Error:          a.Error,
		Cost:           a.Cost,
		DurationMS:     a.DurationMS,
		Sequence:       seq,
		Hash:           hash,
	}
	for _, arg := range a.Args {
		enc, err := value.ToJSON(arg)
		if err != nil {
			return actionDocument{}, fmt.Errorf("mongo: encode action arg: %w", err)
		}
		doc.Args = append(doc.Args, enc)
	}
	if a.Result != nil {
		enc, err := value.ToJSON(*a.Result)
		if err != nil {
			return actionDocument{}, fmt.Errorf("mongo: encode action result: %w", err)
		}
		doc.Result = enc
	}
	if len(a.Metadata) > 0 {
		doc.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			enc, err := value.ToJSON(v)
			if err != nil {
				return actionDocument{}, fmt.Errorf("mongo: encode action metadata %q: %w", k, err)
			}
			doc.Metadata[k] = enc
		}
	}
	return doc, nil
}

func fromDocument(doc actionDocument) (*causalchain.Action, error) {
	a := &causalchain.Action{
		ActionID:       doc.ActionID,
		ParentActionID: doc.ParentActionID,
		ActionType:     causalchain.ActionType(doc.ActionType),
		PlanID:         doc.PlanID,
		IntentID:       doc.IntentID,
		Name:           doc.Name,
		Timestamp:      doc.Timestamp,
		Error:          doc.Error,
		Cost:           doc.Cost,
		DurationMS:     doc.DurationMS,
	}
	for _, enc := range doc.Args {
		v, err := value.FromJSON(enc)
		if err != nil {
			return nil, fmt.Errorf("mongo: decode action arg: %w", err)
		}
		a.Args = append(a.Args, v)
	}
	if doc.Result != "" {
		v, err := value.FromJSON(doc.Result)
		if err != nil {
			return nil, fmt.Errorf("mongo: decode action result: %w", err)
		}
		a.Result = &v
	}
	if len(doc.Metadata) > 0 {
		a.Metadata = make(map[string]value.Value, len(doc.Metadata))
		for k, enc := range doc.Metadata {
			v, err := value.FromJSON(enc)
			if err != nil {
				return nil, fmt.Errorf("mongo: decode action metadata %q: %w", k, err)
			}
			a.Metadata[k] = v
		}
	}
	return a, nil
}

// collection, cursor, and indexView narrow the real driver surface to what
// this store needs, exactly as features/runlog/mongo/clients/mongo does, so
// tests can substitute an in-memory fake instead of dialing a real server.
type collection interface {
	InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	DeleteOne(ctx context.Context, filter any) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool  { return c.cur.Next(ctx) }
func (c mongoCursor) Decode(val any) error           { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                     { return c.cur.Err() }
func (c mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}

// Ping verifies connectivity to the backing MongoDB deployment.
func Ping(ctx context.Context, client *mongodriver.Client) error {
	return client.Ping(ctx, readpref.Primary())
}
