package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/ccos/runtime/checkpoint"
)

// fakeCheckpointCollection is a minimal collection fake scoped to
// checkpointDocument, mirroring fakeCollection in chain_test.go but kept
// separate since the two stores never share a live collection.
type fakeCheckpointCollection struct {
	docs []checkpointDocument
}

func (c *fakeCheckpointCollection) InsertOne(_ context.Context, document any) (*mongodriver.InsertOneResult, error) {
	doc, ok := document.(checkpointDocument)
	if !ok {
		return nil, nil
	}
	doc.ID = bson.NewObjectID()
	c.docs = append(c.docs, doc)
	return &mongodriver.InsertOneResult{InsertedID: doc.ID}, nil
}

func (c *fakeCheckpointCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
	f, _ := filter.(bson.M)
	var out []checkpointDocument
	for _, doc := range c.docs {
		if id, ok := f["checkpoint_id"].(string); ok && doc.CheckpointID != id {
			continue
		}
		out = append(out, doc)
	}
	return &fakeCheckpointCursor{docs: out}, nil
}

func (c *fakeCheckpointCollection) DeleteOne(_ context.Context, filter any) (*mongodriver.DeleteResult, error) {
	f, _ := filter.(bson.M)
	id, _ := f["checkpoint_id"].(string)
	kept := c.docs[:0]
	for _, doc := range c.docs {
		if doc.CheckpointID != id {
			kept = append(kept, doc)
		}
	}
	c.docs = kept
	return &mongodriver.DeleteResult{}, nil
}

func (c *fakeCheckpointCollection) Indexes() indexView { return fakeIndexView{} }

type fakeCheckpointCursor struct {
	docs []checkpointDocument
	pos  int
}

func (c *fakeCheckpointCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCheckpointCursor) Decode(val any) error {
	p, ok := val.(*checkpointDocument)
	if !ok || c.pos == 0 || c.pos > len(c.docs) {
		return nil
	}
	*p = c.docs[c.pos-1]
	return nil
}

func (c *fakeCheckpointCursor) Err() error                  { return nil }
func (c *fakeCheckpointCursor) Close(context.Context) error { return nil }

func TestCheckpointArchiveSaveAndGet(t *testing.T) {
	archive := &CheckpointArchive{coll: &fakeCheckpointCollection{}, timeout: time.Second}

	sc := checkpoint.SerializedContext{StepName: "step", StepSource: `(call :ccos.echo "hi")`}
	cp, err := checkpoint.Mint("plan-1", "intent-1", sc, map[string]string{"k": "v"}, nil, true)
	require.NoError(t, err)

	require.NoError(t, archive.Save(context.Background(), cp))

	got, err := archive.Get(context.Background(), cp.CheckpointID, "plan-1", "intent-1")
	require.NoError(t, err)
	require.Equal(t, cp.CheckpointID, got.CheckpointID)
	require.Equal(t, "step", got.SerializedContext.StepName)
	require.True(t, got.AutoResumeEnabled)
}

func TestCheckpointArchiveGetMismatchedIntent(t *testing.T) {
	archive := &CheckpointArchive{coll: &fakeCheckpointCollection{}, timeout: time.Second}

	sc := checkpoint.SerializedContext{StepName: "step"}
	cp, err := checkpoint.Mint("plan-1", "intent-1", sc, nil, nil, false)
	require.NoError(t, err)
	require.NoError(t, archive.Save(context.Background(), cp))

	_, err = archive.Get(context.Background(), cp.CheckpointID, "plan-1", "intent-other")
	require.ErrorIs(t, err, checkpoint.ErrMismatch)
}

func TestCheckpointArchiveGetNotFound(t *testing.T) {
	archive := &CheckpointArchive{coll: &fakeCheckpointCollection{}, timeout: time.Second}
	_, err := archive.Get(context.Background(), "cp-missing", "plan-1", "intent-1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestCheckpointArchiveDeleteRemovesRecord(t *testing.T) {
	coll := &fakeCheckpointCollection{}
	archive := &CheckpointArchive{coll: coll, timeout: time.Second}

	sc := checkpoint.SerializedContext{StepName: "step"}
	cp, err := checkpoint.Mint("plan-1", "intent-1", sc, nil, nil, false)
	require.NoError(t, err)
	require.NoError(t, archive.Save(context.Background(), cp))

	require.NoError(t, archive.Delete(context.Background(), cp.CheckpointID))
	_, err = archive.Get(context.Background(), cp.CheckpointID, "plan-1", "intent-1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}
