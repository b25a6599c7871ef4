// Package evaluator implements the tree-walking RTFS interpreter (spec.md
// §4.1). Evaluate never performs side effects itself: whenever the program
// under evaluation reaches a `(call ...)` form, the in-flight evaluation
// suspends and yields a host.Call; the driver (Orchestrator) resumes it with
// a host.Result. This suspend/resume pairing is implemented as a goroutine
// parked on a channel rather than a CPS rewrite, the idiomatic Go analogue of
// a coroutine.
package evaluator

import (
	"context"

	"goa.design/ccos/pkg/ast"
	"goa.design/ccos/runtime/host"
	"goa.design/ccos/pkg/value"
)

// OutcomeKind discriminates the ExecutionOutcome sum (spec.md §3).
type OutcomeKind int

const (
	OutcomeComplete OutcomeKind = iota
	OutcomeRequiresHost
)

// Outcome is the evaluator/substrate protocol value (spec.md §3:
// ExecutionOutcome).
type Outcome struct {
	Kind  OutcomeKind
	Value value.Value
	Host  *host.Call
}

// Coroutine drives one suspendable evaluation. Exactly one of Next/Resume may
// be in flight at a time, matching the evaluator's single-threaded-per-call
// contract (spec.md §4.1).
type Coroutine struct {
	outCh    chan coroMsg
	resumeCh chan host.Result
}

type coroMsg struct {
	outcome Outcome
	err     error
}

// Evaluate starts a new Coroutine evaluating expr in env. Call Next to drive
// it to its first Outcome or terminal error.
func Evaluate(ctx context.Context, expr ast.Expr, env *Environment) *Coroutine {
	co := &Coroutine{outCh: make(chan coroMsg)}
	go func() {
		v, err := co.eval(ctx, expr, env)
		if err != nil {
			co.outCh <- coroMsg{err: err}
			return
		}
		co.outCh <- coroMsg{outcome: Outcome{Kind: OutcomeComplete, Value: v}}
	}()
	return co
}

// Next blocks until the coroutine either completes, yields a host call, or
// fails with a pure runtime error. After a RequiresHost outcome the caller
// must call Resume exactly once before calling Next again.
func (co *Coroutine) Next() (Outcome, error) {
	msg := <-co.outCh
	return msg.outcome, msg.err
}

// Resume delivers the result of a performed (or refused) host call back into
// the suspended evaluation, which then runs until its next Outcome.
func (co *Coroutine) Resume(res host.Result) {
	co.resumeCh <- res
}

// yield suspends the current evaluation goroutine, publishing call as the
// next Outcome, and blocks until Resume is invoked.
func (co *Coroutine) yield(call host.Call) (value.Value, error) {
	rc := make(chan host.Result)
	co.resumeCh = rc
	co.outCh <- coroMsg{outcome: Outcome{Kind: OutcomeRequiresHost, Host: &call}}
	res := <-rc
	return res.Value, res.Err
}

func (co *Coroutine) eval(ctx context.Context, expr ast.Expr, env *Environment) (value.Value, error) {
	select {
	case <-ctx.Done():
		return value.Nil, ctx.Err()
	default:
	}

	switch e := expr.(type) {
	case *ast.Literal:
		return co.evalLiteral(e)
	case *ast.Symbol:
		v, ok := env.Get(e.Name)
		if !ok {
			return value.Nil, newUndefinedSymbol(e.Name)
		}
		return v, nil
	case *ast.VectorExpr:
		items := make([]value.Value, len(e.Items))
		for i, it := range e.Items {
			v, err := co.eval(ctx, it, env)
			if err != nil {
				return value.Nil, err
			}
			items[i] = v
		}
		return value.Vector(items), nil
	case *ast.MapExpr:
		return co.evalMap(ctx, e, env)
	case *ast.If:
		return co.evalIf(ctx, e, env)
	case *ast.Let:
		return co.evalLet(ctx, e, env)
	case *ast.Do:
		return co.evalDo(ctx, e, env)
	case *ast.Fn:
		return value.Function(&value.Func{Name: e.Name, Params: e.Params, Variadic: e.Variadic, Body: e.Body, Env: env, Delegated: e.DelegationHint != ""}), nil
	case *ast.Defn:
		fnVal := value.Function(&value.Func{Name: e.Name, Params: e.Fn.Params, Variadic: e.Fn.Variadic, Body: e.Fn.Body, Env: env})
		env.Define(e.Name, fnVal)
		return fnVal, nil
	case *ast.Def:
		v, err := co.eval(ctx, e.Init, env)
		if err != nil {
			return value.Nil, err
		}
		env.Define(e.Name, v)
		return v, nil
	case *ast.Match:
		return co.evalMatch(ctx, e, env)
	case *ast.For:
		return co.evalFor(ctx, e, env)
	case *ast.TryCatch:
		return co.evalTryCatch(ctx, e, env)
	case *ast.LogStep:
		for _, a := range e.Args {
			if _, err := co.eval(ctx, a, env); err != nil {
				return value.Nil, err
			}
		}
		return value.Nil, nil
	case *ast.Parallel:
		return co.evalParallel(ctx, e, env)
	case *ast.WithResource:
		return co.evalWithResource(ctx, e, env)
	case *ast.DiscoverAgents:
		v, err := co.eval(ctx, e.Criteria, env)
		if err != nil {
			return value.Nil, err
		}
		return co.yield(host.Call{CapabilityID: "ccos.discovery.find-agents", Args: []value.Value{v}})
	case *ast.Metadata:
		return co.eval(ctx, e.Body, env)
	case *ast.FunctionCall:
		return co.evalFunctionCall(ctx, e, env)
	default:
		return value.Nil, newTypeError("unsupported expression node")
	}
}

func (co *Coroutine) evalLiteral(l *ast.Literal) (value.Value, error) {
	switch l.Kind {
	case ast.LitNil:
		return value.Nil, nil
	case ast.LitBool:
		return value.Bool(l.Bool), nil
	case ast.LitInt:
		return value.Int(l.Int), nil
	case ast.LitFloat:
		return value.Float(l.Flt), nil
	case ast.LitString:
		return value.String(l.Str), nil
	case ast.LitKeyword:
		return value.Keyword(l.Str), nil
	default:
		return value.Nil, newTypeError("unknown literal kind")
	}
}

func (co *Coroutine) evalMap(ctx context.Context, e *ast.MapExpr, env *Environment) (value.Value, error) {
	b := value.NewMap()
	for _, entry := range e.Entries {
		k, err := co.eval(ctx, entry.Key, env)
		if err != nil {
			return value.Nil, err
		}
		mk, err := toMapKey(k)
		if err != nil {
			return value.Nil, err
		}
		v, err := co.eval(ctx, entry.Val, env)
		if err != nil {
			return value.Nil, err
		}
		b.Put(mk, v)
	}
	return b.Build(), nil
}

func toMapKey(v value.Value) (value.MapKey, error) {
	switch v.Kind() {
	case value.KindString:
		return value.StringKey(v.Str()), nil
	case value.KindKeyword:
		return value.KeywordKey(v.Str()), nil
	case value.KindInt:
		return value.IntKey(v.Int()), nil
	default:
		return value.MapKey{}, newTypeError("invalid map key kind %s", v.Kind())
	}
}

func (co *Coroutine) evalIf(ctx context.Context, e *ast.If, env *Environment) (value.Value, error) {
	cond, err := co.eval(ctx, e.Cond, env)
	if err != nil {
		return value.Nil, err
	}
	if cond.Truthy() {
		return co.eval(ctx, e.Then, env)
	}
	if e.Else != nil {
		return co.eval(ctx, e.Else, env)
	}
	return value.Nil, nil
}

func (co *Coroutine) evalLet(ctx context.Context, e *ast.Let, env *Environment) (value.Value, error) {
	scope := NewEnvironment(env)
	for _, b := range e.Bindings {
		v, err := co.eval(ctx, b.Init, scope)
		if err != nil {
			return value.Nil, err
		}
		scope.Define(b.Name, v)
	}
	return co.evalDo(ctx, e.Body, scope)
}

func (co *Coroutine) evalDo(ctx context.Context, e *ast.Do, env *Environment) (value.Value, error) {
	var result value.Value = value.Nil
	for _, sub := range e.Exprs {
		v, err := co.eval(ctx, sub, env)
		if err != nil {
			return value.Nil, err
		}
		result = v
	}
	return result, nil
}

func (co *Coroutine) evalMatch(ctx context.Context, e *ast.Match, env *Environment) (value.Value, error) {
	subject, err := co.eval(ctx, e.Subject, env)
	if err != nil {
		return value.Nil, err
	}
	for _, clause := range e.Clauses {
		if sym, ok := clause.Pattern.(*ast.Symbol); ok && sym.Name == "_" {
			return co.eval(ctx, clause.Result, env)
		}
		pv, err := co.eval(ctx, clause.Pattern, env)
		if err != nil {
			return value.Nil, err
		}
		if value.Equal(pv, subject) {
			return co.eval(ctx, clause.Result, env)
		}
	}
	return value.Nil, newNoMatch()
}

func (co *Coroutine) evalFor(ctx context.Context, e *ast.For, env *Environment) (value.Value, error) {
	coll, err := co.eval(ctx, e.Coll, env)
	if err != nil {
		return value.Nil, err
	}
	var items []value.Value
	switch coll.Kind() {
	case value.KindVector:
		items = coll.Vec()
	case value.KindList:
		items = coll.Lst()
	default:
		return value.Nil, newTypeError("for requires a vector or list, got %s", coll.Kind())
	}
	results := make([]value.Value, 0, len(items))
	for _, item := range items {
		scope := NewEnvironment(env)
		scope.Define(e.Var, item)
		v, err := co.evalDo(ctx, e.Body, scope)
		if err != nil {
			return value.Nil, err
		}
		results = append(results, v)
	}
	return value.Vector(results), nil
}

// evalTryCatch implements spec.md §4.1: a host yield inside Body propagates
// without running Catch or Finally; the suspension is not an error.
func (co *Coroutine) evalTryCatch(ctx context.Context, e *ast.TryCatch, env *Environment) (value.Value, error) {
	v, err := co.eval(ctx, e.Body, env)
	if err != nil {
		if e.Catch != nil {
			scope := NewEnvironment(env)
			scope.Define(e.Catch.Binding, value.Error(err.Error()))
			v, err = co.evalDo(ctx, e.Catch.Body, scope)
		}
	}
	if e.Finally != nil {
		if _, ferr := co.evalDo(ctx, e.Finally, env); ferr != nil {
			return value.Nil, ferr
		}
	}
	return v, err
}

// evalParallel serializes bindings in declaration order: the observable
// result (and host-call emission order) must equal left-to-right evaluation
// (spec.md §4.1, §5). This resolves the open question on mid-evaluation
// yields by always serializing (documented in DESIGN.md).
func (co *Coroutine) evalParallel(ctx context.Context, e *ast.Parallel, env *Environment) (value.Value, error) {
	scope := NewEnvironment(env)
	b := value.NewMap()
	for _, binding := range e.Bindings {
		v, err := co.eval(ctx, binding.Expr, scope)
		if err != nil {
			return value.Nil, err
		}
		scope.Define(binding.Name, v)
		b.Put(value.KeywordKey(binding.Name), v)
	}
	return b.Build(), nil
}

func (co *Coroutine) evalWithResource(ctx context.Context, e *ast.WithResource, env *Environment) (value.Value, error) {
	res, err := co.eval(ctx, e.ResourceExpr, env)
	if err != nil {
		return value.Nil, err
	}
	scope := NewEnvironment(env)
	scope.Define(e.Binding, res)
	return co.evalDo(ctx, e.Body, scope)
}

func (co *Coroutine) evalFunctionCall(ctx context.Context, e *ast.FunctionCall, env *Environment) (value.Value, error) {
	if sym, ok := e.Callee.(*ast.Symbol); ok {
		switch sym.Name {
		case "call":
			return co.evalCall(ctx, e, env)
		case "step":
			// Structural sugar: the Orchestrator derives/applies a StepProfile
			// around the step body before reaching the evaluator; if a nested
			// step form still reaches here, pass through transparently.
			if len(e.Args) < 2 {
				return value.Nil, newArityMismatch("step requires a name and a body expression")
			}
			return co.eval(ctx, e.Args[1], env)
		}
	}

	calleeVal, err := co.eval(ctx, e.Callee, env)
	if err != nil {
		return value.Nil, err
	}
	if calleeVal.Kind() != value.KindFunction {
		return value.Nil, newNotCallable("value of kind %s is not callable", calleeVal.Kind())
	}
	args := make([]value.Value, len(e.Args))
	for i, a := range e.Args {
		v, err := co.eval(ctx, a, env)
		if err != nil {
			return value.Nil, err
		}
		args[i] = v
	}
	return co.apply(ctx, calleeVal.Func(), args)
}

// evalCall builds a host.Call from `(call :capability-id args...)` and
// suspends the evaluation to yield it (spec.md §4.1, §6).
func (co *Coroutine) evalCall(ctx context.Context, e *ast.FunctionCall, env *Environment) (value.Value, error) {
	if len(e.Args) < 1 {
		return value.Nil, newArityMismatch("call requires a capability id")
	}
	idVal, err := co.eval(ctx, e.Args[0], env)
	if err != nil {
		return value.Nil, err
	}
	if idVal.Kind() != value.KindKeyword && idVal.Kind() != value.KindString {
		return value.Nil, newTypeError("call capability id must be a keyword or string, got %s", idVal.Kind())
	}
	args := make([]value.Value, 0, len(e.Args)-1)
	for _, a := range e.Args[1:] {
		v, err := co.eval(ctx, a, env)
		if err != nil {
			return value.Nil, err
		}
		args = append(args, v)
	}
	return co.yield(host.Call{CapabilityID: idVal.Str(), Args: args})
}

func (co *Coroutine) apply(ctx context.Context, fn *value.Func, args []value.Value) (value.Value, error) {
	if fn.Native != nil {
		return fn.Native(args)
	}
	if !fn.Variadic && len(args) != len(fn.Params) {
		return value.Nil, newArityMismatch("function %s expects %d args, got %d", fn.Name, len(fn.Params), len(args))
	}
	if fn.Variadic && len(args) < len(fn.Params) {
		return value.Nil, newArityMismatch("function %s expects at least %d args, got %d", fn.Name, len(fn.Params), len(args))
	}
	parent, _ := fn.Env.(*Environment)
	scope := NewEnvironment(parent)
	for i, p := range fn.Params {
		scope.Define(p, args[i])
	}
	if fn.Variadic {
		rest := args[len(fn.Params):]
		scope.Define("&rest", value.Vector(rest))
	}
	body, _ := fn.Body.(*ast.Do)
	if body == nil {
		return value.Nil, newTypeError("closure has no body")
	}
	return co.evalDo(ctx, body, scope)
}
