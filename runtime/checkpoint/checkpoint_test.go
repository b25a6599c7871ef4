package checkpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/checkpoint"
)

func TestMintIDIsPureFunctionOfSerializedContext(t *testing.T) {
	sc := checkpoint.SerializedContext{StepName: "Ask", StepSource: `(call :ccos.user.ask "name?")`}
	cp1, err := checkpoint.Mint("p1", "i1", sc, nil, nil, false)
	require.NoError(t, err)
	cp2, err := checkpoint.Mint("p1", "i1", sc, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, cp1.CheckpointID, cp2.CheckpointID)
	require.Regexp(t, `^cp-[0-9a-f]{64}$`, cp1.CheckpointID)
}

func TestMintIDChangesWithDifferentContext(t *testing.T) {
	sc1 := checkpoint.SerializedContext{StepName: "Ask", StepSource: "a"}
	sc2 := checkpoint.SerializedContext{StepName: "Ask", StepSource: "b"}
	cp1, err := checkpoint.Mint("p1", "i1", sc1, nil, nil, false)
	require.NoError(t, err)
	cp2, err := checkpoint.Mint("p1", "i1", sc2, nil, nil, false)
	require.NoError(t, err)
	require.NotEqual(t, cp1.CheckpointID, cp2.CheckpointID)
}

func TestArchiveGetVerifiesPlanAndIntent(t *testing.T) {
	a := checkpoint.NewMemoryArchive()
	ctx := context.Background()
	sc := checkpoint.SerializedContext{StepName: "Ask"}
	cp, err := checkpoint.Mint("p1", "i1", sc, nil, nil, false)
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, cp))

	_, err = a.Get(ctx, cp.CheckpointID, "p1", "i1")
	require.NoError(t, err)

	_, err = a.Get(ctx, cp.CheckpointID, "p1", "wrong-intent")
	require.ErrorIs(t, err, checkpoint.ErrMismatch)

	_, err = a.Get(ctx, "cp-missing", "p1", "i1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestEncodeDecodeBindingsRoundTrip(t *testing.T) {
	bindings := map[string]value.Value{"n": value.String("Ada")}
	encoded, err := checkpoint.EncodeBindings(bindings)
	require.NoError(t, err)
	decoded, err := checkpoint.DecodeBindings(encoded)
	require.NoError(t, err)
	require.True(t, value.Equal(bindings["n"], decoded["n"]))
}
