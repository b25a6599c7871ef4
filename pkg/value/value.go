// Package value defines the tagged value space shared by the parser,
// evaluator, host interface, and capability marketplace.
package value

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies which variant of Value is populated.
type Kind int

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindKeyword
	KindSymbol
	KindVector
	KindList
	KindMap
	KindFunction
	KindFunctionPlaceholder
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "boolean"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindKeyword:
		return "keyword"
	case KindSymbol:
		return "symbol"
	case KindVector:
		return "vector"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindFunction:
		return "function"
	case KindFunctionPlaceholder:
		return "function-placeholder"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// MapKey is the restricted key type for Map values: String, Keyword, or Integer.
type MapKey struct {
	kind Kind
	s    string
	i    int64
}

// StringKey builds a MapKey from a string.
func StringKey(s string) MapKey { return MapKey{kind: KindString, s: s} }

// KeywordKey builds a MapKey from a keyword name (without the leading colon).
func KeywordKey(s string) MapKey { return MapKey{kind: KindKeyword, s: s} }

// IntKey builds a MapKey from an integer.
func IntKey(i int64) MapKey { return MapKey{kind: KindInt, i: i} }

// Kind reports the key's underlying value kind.
func (k MapKey) Kind() Kind { return k.kind }

// String renders the key canonically, used as the map's internal storage key.
func (k MapKey) String() string {
	switch k.kind {
	case KindString:
		return "s:" + k.s
	case KindKeyword:
		return "k:" + k.s
	case KindInt:
		return fmt.Sprintf("i:%d", k.i)
	default:
		return "?"
	}
}

// Func is the callable representation backing Value of KindFunction.
// Closures capture their defining Environment; the evaluator package supplies
// the concrete Environment type via the Env field (typed as any to avoid an
// import cycle between value and evaluator).
type Func struct {
	Name      string
	Params    []string
	Variadic  bool
	Body      any // *ast.Do, set by the evaluator package
	Env       any // *evaluator.Environment
	Native    func(args []Value) (Value, error)
	Delegated bool
}

// ErrorValue is the payload for Value of KindError.
type ErrorValue struct {
	Message string
	Stack   []string
}

// Value is the tagged value used throughout the RTFS interpreter.
type Value struct {
	kind Kind

	b   bool
	i   int64
	f   float64
	s   string // String, Keyword, Symbol
	vec []Value
	lst []Value
	m   map[string]mapEntry
	fn  *Func
	err *ErrorValue
}

type mapEntry struct {
	key MapKey
	val Value
}

// Nil is the canonical Nil value.
var Nil = Value{kind: KindNil}

func Bool(b bool) Value  { return Value{kind: KindBool, b: b} }
func Int(i int64) Value  { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Keyword(s string) Value { return Value{kind: KindKeyword, s: s} }
func Symbol(s string) Value  { return Value{kind: KindSymbol, s: s} }

func Vector(items []Value) Value {
	v := make([]Value, len(items))
	copy(v, items)
	return Value{kind: KindVector, vec: v}
}

func List(items []Value) Value {
	v := make([]Value, len(items))
	copy(v, items)
	return Value{kind: KindList, lst: v}
}

func Function(f *Func) Value { return Value{kind: KindFunction, fn: f} }

func FunctionPlaceholder() Value { return Value{kind: KindFunctionPlaceholder} }

func Error(message string, stack ...string) Value {
	return Value{kind: KindError, err: &ErrorValue{Message: message, Stack: stack}}
}

// Map builds a Map value from key/value pairs. Later entries with a
// duplicate key overwrite earlier ones, matching RTFS map-literal semantics.
func Map(pairs ...struct {
	Key MapKey
	Val Value
}) Value {
	m := make(map[string]mapEntry, len(pairs))
	for _, p := range pairs {
		m[p.Key.String()] = mapEntry{key: p.Key, val: p.Val}
	}
	return Value{kind: KindMap, m: m}
}

// NewMap returns an empty MapBuilder for building a Map value in host code.
func NewMap() *MapBuilder {
	return &MapBuilder{m: make(map[string]mapEntry)}
}

// MapBuilder provides an ergonomic way to build a Map value incrementally.
type MapBuilder struct{ m map[string]mapEntry }

func (b *MapBuilder) Put(key MapKey, val Value) *MapBuilder {
	b.m[key.String()] = mapEntry{key: key, val: val}
	return b
}

func (b *MapBuilder) Build() Value {
	return Value{kind: KindMap, m: b.m}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNil() bool { return v.kind == KindNil }

func (v Value) Bool() bool { return v.b }

func (v Value) Int() int64 { return v.i }

func (v Value) Float() float64 { return v.f }

// Str returns the underlying string for String, Keyword, and Symbol kinds.
func (v Value) Str() string { return v.s }

func (v Value) Vec() []Value { return v.vec }

func (v Value) Lst() []Value { return v.lst }

func (v Value) Func() *Func { return v.fn }

func (v Value) ErrorValue() *ErrorValue { return v.err }

// Get looks up a key in a Map value. Ok is false if v is not a Map or the
// key is absent.
func (v Value) Get(key MapKey) (Value, bool) {
	if v.kind != KindMap {
		return Nil, false
	}
	e, ok := v.m[key.String()]
	if !ok {
		return Nil, false
	}
	return e.val, true
}

// Keys returns the Map's keys in a stable, sorted-by-canonical-string order.
// Map key order is semantically irrelevant (spec.md §3) but deterministic
// iteration is required for fingerprinting and serialization.
func (v Value) Keys() []MapKey {
	if v.kind != KindMap {
		return nil
	}
	out := make([]MapKey, 0, len(v.m))
	names := make([]string, 0, len(v.m))
	for name := range v.m {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, v.m[name].key)
	}
	return out
}

// Truthy implements RTFS truthiness: only false and nil are falsy
// (spec.md §4.1).
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.b
	default:
		return true
	}
}

// Equal reports deep structural equality between two values.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString, KindKeyword, KindSymbol:
		return a.s == b.s
	case KindVector, KindList:
		av, bv := a.vec, b.vec
		if a.kind == KindList {
			av, bv = a.lst, b.lst
		}
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, ea := range a.m {
			eb, ok := b.m[k]
			if !ok || !Equal(ea.val, eb.val) {
				return false
			}
		}
		return true
	case KindError:
		return a.err.Message == b.err.Message
	default:
		return false
	}
}

// String renders a Value in a debug/RTFS-ish surface form. It is not a
// canonical serialization format; use the json package for that.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindKeyword:
		return ":" + v.s
	case KindSymbol:
		return v.s
	case KindVector:
		parts := make([]string, len(v.vec))
		for i, e := range v.vec {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	case KindList:
		parts := make([]string, len(v.lst))
		for i, e := range v.lst {
			parts[i] = e.String()
		}
		return "(" + strings.Join(parts, " ") + ")"
	case KindMap:
		keys := v.Keys()
		parts := make([]string, len(keys))
		for i, k := range keys {
			e := v.m[k.String()]
			parts[i] = fmt.Sprintf("%s %s", keyString(k), e.val.String())
		}
		return "{" + strings.Join(parts, " ") + "}"
	case KindFunction:
		return "#<function " + v.fn.Name + ">"
	case KindFunctionPlaceholder:
		return "#<function-placeholder>"
	case KindError:
		return "#<error " + v.err.Message + ">"
	default:
		return "#<unknown>"
	}
}

func keyString(k MapKey) string {
	switch k.kind {
	case KindKeyword:
		return ":" + k.s
	case KindString:
		return fmt.Sprintf("%q", k.s)
	case KindInt:
		return fmt.Sprintf("%d", k.i)
	default:
		return "?"
	}
}
