package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/ccos/runtime/intentgraph"
)

// fakeIntentCollection is a minimal collection fake scoped to
// intentDocument, mirroring fakeCheckpointCollection in checkpoint_test.go.
type fakeIntentCollection struct {
	docs []intentDocument
}

func (c *fakeIntentCollection) InsertOne(_ context.Context, document any) (*mongodriver.InsertOneResult, error) {
	doc, ok := document.(intentDocument)
	if !ok {
		return nil, nil
	}
	doc.ID = bson.NewObjectID()
	c.docs = append(c.docs, doc)
	return &mongodriver.InsertOneResult{InsertedID: doc.ID}, nil
}

func (c *fakeIntentCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
	f, _ := filter.(bson.M)
	var out []intentDocument
	for _, doc := range c.docs {
		if id, ok := f["intent_id"].(string); ok && doc.IntentID != id {
			continue
		}
		out = append(out, doc)
	}
	return &fakeIntentCursor{docs: out}, nil
}

func (c *fakeIntentCollection) DeleteOne(_ context.Context, filter any) (*mongodriver.DeleteResult, error) {
	f, _ := filter.(bson.M)
	id, _ := f["intent_id"].(string)
	kept := c.docs[:0]
	for _, doc := range c.docs {
		if doc.IntentID != id {
			kept = append(kept, doc)
		}
	}
	c.docs = kept
	return &mongodriver.DeleteResult{}, nil
}

func (c *fakeIntentCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIntentCursor struct {
	docs []intentDocument
	pos  int
}

func (c *fakeIntentCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeIntentCursor) Decode(val any) error {
	p, ok := val.(*intentDocument)
	if !ok || c.pos == 0 || c.pos > len(c.docs) {
		return nil
	}
	*p = c.docs[c.pos-1]
	return nil
}

func (c *fakeIntentCursor) Err() error                  { return nil }
func (c *fakeIntentCursor) Close(context.Context) error { return nil }

func TestGraphCreateAndGet(t *testing.T) {
	graph := &Graph{coll: &fakeIntentCollection{}, timeout: time.Second}

	require.NoError(t, graph.Create(context.Background(), &intentgraph.Intent{IntentID: "intent-1", Name: "n"}))

	got, err := graph.Get(context.Background(), "intent-1")
	require.NoError(t, err)
	require.Equal(t, "n", got.Name)
	require.Equal(t, intentgraph.StatusActive, got.Status)
}

func TestGraphCreateRejectsDuplicateID(t *testing.T) {
	graph := &Graph{coll: &fakeIntentCollection{}, timeout: time.Second}
	require.NoError(t, graph.Create(context.Background(), &intentgraph.Intent{IntentID: "intent-1", Name: "n"}))

	err := graph.Create(context.Background(), &intentgraph.Intent{IntentID: "intent-1", Name: "n2"})
	require.Error(t, err)
}

func TestGraphGetNotFound(t *testing.T) {
	graph := &Graph{coll: &fakeIntentCollection{}, timeout: time.Second}
	_, err := graph.Get(context.Background(), "missing")
	require.ErrorIs(t, err, intentgraph.ErrNotFound)
}

func TestGraphTransitionStatusRecordsHistory(t *testing.T) {
	graph := &Graph{coll: &fakeIntentCollection{}, timeout: time.Second}
	require.NoError(t, graph.Create(context.Background(), &intentgraph.Intent{IntentID: "intent-1", Name: "n"}))

	change, err := graph.TransitionStatus(context.Background(), "intent-1", intentgraph.StatusSuspended, "action-1", "awaiting input")
	require.NoError(t, err)
	require.Equal(t, intentgraph.StatusActive, change.OldStatus)
	require.Equal(t, intentgraph.StatusSuspended, change.NewStatus)

	got, err := graph.Get(context.Background(), "intent-1")
	require.NoError(t, err)
	require.Equal(t, intentgraph.StatusSuspended, got.Status)

	history, err := graph.History(context.Background(), "intent-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "action-1", history[0].TriggeringActionID)
}

func TestGraphTransitionStatusRejectsInvalidTransition(t *testing.T) {
	graph := &Graph{coll: &fakeIntentCollection{}, timeout: time.Second}
	require.NoError(t, graph.Create(context.Background(), &intentgraph.Intent{IntentID: "intent-1", Name: "n"}))

	_, err := graph.TransitionStatus(context.Background(), "intent-1", intentgraph.StatusCompleted, "action-1", "done")
	require.NoError(t, err)

	_, err = graph.TransitionStatus(context.Background(), "intent-1", intentgraph.StatusActive, "action-2", "reopen")
	require.ErrorIs(t, err, intentgraph.ErrInvalidTransition)
}

func TestGraphContainsReflectsStoredIntents(t *testing.T) {
	graph := &Graph{coll: &fakeIntentCollection{}, timeout: time.Second}
	require.False(t, graph.Contains(context.Background(), "intent-1"))

	require.NoError(t, graph.Create(context.Background(), &intentgraph.Intent{IntentID: "intent-1", Name: "n"}))
	require.True(t, graph.Contains(context.Background(), "intent-1"))
}
