package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/ccos/runtime/checkpoint"
)

const defaultCheckpointCollection = "ccos_checkpoints"

// CheckpointOptions configures the Mongo-backed checkpoint.Archive.
type CheckpointOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type checkpointDocument struct {
	ID                  bson.ObjectID `bson:"_id,omitempty"`
	CheckpointID        string        `bson:"checkpoint_id"`
	PlanID              string        `bson:"plan_id"`
	IntentID            string        `bson:"intent_id"`
	SerializedContext   []byte        `bson:"serialized_context"`
	CreatedAt           time.Time     `bson:"created_at"`
	Metadata            map[string]string `bson:"metadata,omitempty"`
	MissingCapabilities []string      `bson:"missing_capabilities,omitempty"`
	AutoResumeEnabled   bool          `bson:"auto_resume_enabled"`
}

// CheckpointArchive is a durable checkpoint.Archive backed by a MongoDB
// collection, content-addressed exactly like the in-memory archive: Save is
// idempotent because CheckpointID is a pure function of the serialized
// context.
type CheckpointArchive struct {
	coll    collection
	timeout time.Duration
}

// NewCheckpointArchive returns a durable checkpoint.Archive backed by
// opts.Client.
func NewCheckpointArchive(ctx context.Context, opts CheckpointOptions) (*CheckpointArchive, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCheckpointCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := wrapper.Indexes().CreateOne(ictx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "checkpoint_id", Value: 1}},
	}); err != nil {
		return nil, err
	}
	return &CheckpointArchive{coll: wrapper, timeout: timeout}, nil
}

func (a *CheckpointArchive) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

func (a *CheckpointArchive) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if cp.CheckpointID == "" {
		return errors.New("mongo: checkpoint id is required")
	}
	raw, err := json.Marshal(cp.SerializedContext)
	if err != nil {
		return fmt.Errorf("mongo: marshal serialized context: %w", err)
	}
	doc := checkpointDocument{
		CheckpointID:        cp.CheckpointID,
		PlanID:              cp.PlanID,
		IntentID:            cp.IntentID,
		SerializedContext:   raw,
		CreatedAt:           cp.CreatedAt,
		Metadata:            cp.Metadata,
		MissingCapabilities: cp.MissingCapabilities,
		AutoResumeEnabled:   cp.AutoResumeEnabled,
	}

	octx, cancel := a.withTimeout(ctx)
	defer cancel()
	if _, err := a.coll.InsertOne(octx, doc); err != nil {
		return fmt.Errorf("mongo: insert checkpoint: %w", err)
	}
	return nil
}

func (a *CheckpointArchive) Get(ctx context.Context, checkpointID, planID, intentID string) (checkpoint.Checkpoint, error) {
	octx, cancel := a.withTimeout(ctx)
	defer cancel()

	cur, err := a.coll.Find(octx, bson.M{"checkpoint_id": checkpointID}, options.Find().SetLimit(1))
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("mongo: query checkpoint: %w", err)
	}
	defer cur.Close(octx)
	if !cur.Next(octx) {
		if err := cur.Err(); err != nil {
			return checkpoint.Checkpoint{}, err
		}
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}

	var doc checkpointDocument
	if err := cur.Decode(&doc); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("mongo: decode checkpoint: %w", err)
	}
	if doc.PlanID != planID || doc.IntentID != intentID {
		return checkpoint.Checkpoint{}, checkpoint.ErrMismatch
	}

	var sc checkpoint.SerializedContext
	if err := json.Unmarshal(doc.SerializedContext, &sc); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("mongo: unmarshal serialized context: %w", err)
	}
	return checkpoint.Checkpoint{
		CheckpointID:        doc.CheckpointID,
		PlanID:              doc.PlanID,
		IntentID:            doc.IntentID,
		SerializedContext:   sc,
		CreatedAt:           doc.CreatedAt,
		Metadata:            doc.Metadata,
		MissingCapabilities: doc.MissingCapabilities,
		AutoResumeEnabled:   doc.AutoResumeEnabled,
	}, nil
}

func (a *CheckpointArchive) Delete(ctx context.Context, checkpointID string) error {
	octx, cancel := a.withTimeout(ctx)
	defer cancel()
	_, err := a.coll.DeleteOne(octx, bson.M{"checkpoint_id": checkpointID})
	return err
}
