package evaluator

import (
	"fmt"
	"strings"

	"goa.design/ccos/pkg/value"
)

// NewStdlib builds the root Environment with the core language-level
// functions referenced directly by RTFS syntax (`str`, `=`) rather than
// through `(call ...)`. These are pure and never yield to the host.
func NewStdlib() *Environment {
	root := NewEnvironment(nil)
	root.Define("str", value.Function(&value.Func{Name: "str", Native: nativeStr}))
	root.Define("=", value.Function(&value.Func{Name: "=", Native: nativeEquals}))
	return root
}

func nativeStr(args []value.Value) (value.Value, error) {
	var sb strings.Builder
	for _, a := range args {
		switch a.Kind() {
		case value.KindString:
			sb.WriteString(a.Str())
		case value.KindNil:
			// nil contributes nothing to the concatenation
		default:
			sb.WriteString(a.String())
		}
	}
	return value.String(sb.String()), nil
}

func nativeEquals(args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Nil, newArityMismatch("= expects 2 args, got %d", len(args))
	}
	return value.Bool(value.Equal(args[0], args[1])), nil
}

// FormatValue renders a Value for log/error messages without exposing the
// package-internal String() debug surface.
func FormatValue(v value.Value) string {
	return fmt.Sprintf("%v", v)
}
