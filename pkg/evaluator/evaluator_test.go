package evaluator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ccos/pkg/evaluator"
	"goa.design/ccos/pkg/parser"
	"goa.design/ccos/runtime/host"
	"goa.design/ccos/pkg/value"
)

func runToCompletion(t *testing.T, src string, env *evaluator.Environment) value.Value {
	t.Helper()
	expr, err := parser.ParseExpr(src)
	require.NoError(t, err)
	co := evaluator.Evaluate(context.Background(), expr, env)
	out, err := co.Next()
	require.NoError(t, err)
	require.Equal(t, evaluator.OutcomeComplete, out.Kind)
	return out.Value
}

func TestEmptyDoEvaluatesToNil(t *testing.T) {
	v := runToCompletion(t, "(do)", evaluator.NewStdlib())
	require.True(t, v.IsNil())
}

func TestIfWithoutElseAndFalsyCondIsNil(t *testing.T) {
	v := runToCompletion(t, `(if false 1)`, evaluator.NewStdlib())
	require.True(t, v.IsNil())
}

func TestIfTruthyTakesThen(t *testing.T) {
	v := runToCompletion(t, `(if true 1 2)`, evaluator.NewStdlib())
	require.Equal(t, int64(1), v.Int())
}

func TestLetSequentialBindingsVisible(t *testing.T) {
	v := runToCompletion(t, `(let [a 1 b (str a "x")] b)`, evaluator.NewStdlib())
	require.Equal(t, "1x", v.Str())
}

func TestLetNoBindingsEqualsBody(t *testing.T) {
	v := runToCompletion(t, `(let [] 42)`, evaluator.NewStdlib())
	require.Equal(t, int64(42), v.Int())
}

func TestMatchFirstSatisfiedClauseWins(t *testing.T) {
	v := runToCompletion(t, `(match "python" "rust" 1 "python" 2 _ 3)`, evaluator.NewStdlib())
	require.Equal(t, int64(2), v.Int())
}

func TestMatchNoneMatchesIsError(t *testing.T) {
	expr, err := parser.ParseExpr(`(match "go" "rust" 1 "python" 2)`)
	require.NoError(t, err)
	co := evaluator.Evaluate(context.Background(), expr, evaluator.NewStdlib())
	_, err = co.Next()
	require.Error(t, err)
}

func TestCallYieldsHostCallAndResumes(t *testing.T) {
	expr, err := parser.ParseExpr(`(call :ccos.math.add 2 3)`)
	require.NoError(t, err)
	co := evaluator.Evaluate(context.Background(), expr, evaluator.NewStdlib())
	out, err := co.Next()
	require.NoError(t, err)
	require.Equal(t, evaluator.OutcomeRequiresHost, out.Kind)
	require.Equal(t, "ccos.math.add", out.Host.CapabilityID)
	require.Len(t, out.Host.Args, 2)

	co.Resume(host.Result{Value: value.Int(5)})
	out, err = co.Next()
	require.NoError(t, err)
	require.Equal(t, evaluator.OutcomeComplete, out.Kind)
	require.Equal(t, int64(5), out.Value.Int())
}

func TestTryCatchPropagatesHostYieldWithoutRunningCatchOrFinally(t *testing.T) {
	finallyRan := false
	_ = finallyRan
	expr, err := parser.ParseExpr(`(try (call :ccos.user.ask "name?") (catch e "caught") (finally (def ran true)))`)
	require.NoError(t, err)
	env := evaluator.NewStdlib()
	co := evaluator.Evaluate(context.Background(), expr, env)
	out, err := co.Next()
	require.NoError(t, err)
	require.Equal(t, evaluator.OutcomeRequiresHost, out.Kind)
	require.Equal(t, "ccos.user.ask", out.Host.CapabilityID)
	// finally must not have run yet: the suspension is not an error.
	_, ok := env.Get("ran")
	require.False(t, ok)
}

func TestTryCatchRunsCatchOnError(t *testing.T) {
	expr, err := parser.ParseExpr(`(try (undefined-symbol) (catch e "recovered"))`)
	require.NoError(t, err)
	co := evaluator.Evaluate(context.Background(), expr, evaluator.NewStdlib())
	out, err := co.Next()
	require.NoError(t, err)
	require.Equal(t, evaluator.OutcomeComplete, out.Kind)
	require.Equal(t, "recovered", out.Value.Str())
}

func TestArityMismatchIsTypedError(t *testing.T) {
	expr, err := parser.ParseExpr(`(=)`)
	require.NoError(t, err)
	co := evaluator.Evaluate(context.Background(), expr, evaluator.NewStdlib())
	_, err = co.Next()
	require.Error(t, err)
	var rerr *evaluator.RuntimeError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, evaluator.KindArityMismatch, rerr.Kind)
}

func TestParallelSerializesInDeclarationOrder(t *testing.T) {
	v := runToCompletion(t, `(parallel [a 1] [b (str a "!")])`, evaluator.NewStdlib())
	bv, ok := v.Get(value.KeywordKey("b"))
	require.True(t, ok)
	require.Equal(t, "1!", bv.Str())
}
