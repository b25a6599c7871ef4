package value

import (
	"encoding/json"
	"fmt"
)

// jsonEnvelope is the wire shape for a Value: {"kind": "...", ...} so that
// Keyword/Symbol/Error (which have no native JSON representation)
// round-trip losslessly alongside the plain JSON-representable subset
// (Nil/Bool/Int/Float/String/Vector/List/Map), per spec.md §8's
// `rtfs_value <-> json` bijection law. Function values have no envelope;
// encoding one returns an error.
type jsonEnvelope struct {
	Kind  string            `json:"kind"`
	Bool  *bool             `json:"bool,omitempty"`
	Int   *int64            `json:"int,omitempty"`
	Float *float64          `json:"float,omitempty"`
	Str   *string           `json:"str,omitempty"`
	Items []jsonEnvelope    `json:"items,omitempty"`
	Pairs []jsonMapPair     `json:"pairs,omitempty"`
	Error *jsonErrorPayload `json:"error,omitempty"`
}

type jsonMapPair struct {
	KeyKind string       `json:"key_kind"`
	KeyStr  string       `json:"key_str,omitempty"`
	KeyInt  int64        `json:"key_int,omitempty"`
	Val     jsonEnvelope `json:"val"`
}

type jsonErrorPayload struct {
	Message string   `json:"message"`
	Stack   []string `json:"stack,omitempty"`
}

// ToJSON serializes v to its canonical JSON envelope form.
func ToJSON(v Value) (string, error) {
	env, err := toEnvelope(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FromJSON deserializes the JSON envelope form produced by ToJSON back into
// a Value.
func FromJSON(raw string) (Value, error) {
	var env jsonEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Nil, err
	}
	return fromEnvelope(env)
}

func toEnvelope(v Value) (jsonEnvelope, error) {
	switch v.kind {
	case KindNil:
		return jsonEnvelope{Kind: "nil"}, nil
	case KindBool:
		b := v.b
		return jsonEnvelope{Kind: "bool", Bool: &b}, nil
	case KindInt:
		i := v.i
		return jsonEnvelope{Kind: "int", Int: &i}, nil
	case KindFloat:
		f := v.f
		return jsonEnvelope{Kind: "float", Float: &f}, nil
	case KindString:
		s := v.s
		return jsonEnvelope{Kind: "string", Str: &s}, nil
	case KindKeyword:
		s := v.s
		return jsonEnvelope{Kind: "keyword", Str: &s}, nil
	case KindSymbol:
		s := v.s
		return jsonEnvelope{Kind: "symbol", Str: &s}, nil
	case KindVector, KindList:
		items := v.vec
		kindName := "vector"
		if v.kind == KindList {
			items = v.lst
			kindName = "list"
		}
		envs := make([]jsonEnvelope, len(items))
		for i, item := range items {
			e, err := toEnvelope(item)
			if err != nil {
				return jsonEnvelope{}, err
			}
			envs[i] = e
		}
		return jsonEnvelope{Kind: kindName, Items: envs}, nil
	case KindMap:
		keys := v.Keys()
		pairs := make([]jsonMapPair, 0, len(keys))
		for _, k := range keys {
			entry := v.m[k.String()]
			valEnv, err := toEnvelope(entry.val)
			if err != nil {
				return jsonEnvelope{}, err
			}
			pair := jsonMapPair{Val: valEnv}
			switch k.kind {
			case KindString:
				pair.KeyKind, pair.KeyStr = "string", k.s
			case KindKeyword:
				pair.KeyKind, pair.KeyStr = "keyword", k.s
			case KindInt:
				pair.KeyKind, pair.KeyInt = "int", k.i
			}
			pairs = append(pairs, pair)
		}
		return jsonEnvelope{Kind: "map", Pairs: pairs}, nil
	case KindError:
		return jsonEnvelope{Kind: "error", Error: &jsonErrorPayload{Message: v.err.Message, Stack: v.err.Stack}}, nil
	default:
		return jsonEnvelope{}, fmt.Errorf("value: kind %v is not JSON-representable", v.kind)
	}
}

func fromEnvelope(env jsonEnvelope) (Value, error) {
	switch env.Kind {
	case "nil":
		return Nil, nil
	case "bool":
		return Bool(deref(env.Bool)), nil
	case "int":
		return Int(derefInt(env.Int)), nil
	case "float":
		return Float(derefFloat(env.Float)), nil
	case "string":
		return String(derefStr(env.Str)), nil
	case "keyword":
		return Keyword(derefStr(env.Str)), nil
	case "symbol":
		return Symbol(derefStr(env.Str)), nil
	case "vector", "list":
		items := make([]Value, len(env.Items))
		for i, e := range env.Items {
			v, err := fromEnvelope(e)
			if err != nil {
				return Nil, err
			}
			items[i] = v
		}
		if env.Kind == "list" {
			return List(items), nil
		}
		return Vector(items), nil
	case "map":
		b := NewMap()
		for _, p := range env.Pairs {
			val, err := fromEnvelope(p.Val)
			if err != nil {
				return Nil, err
			}
			var key MapKey
			switch p.KeyKind {
			case "string":
				key = StringKey(p.KeyStr)
			case "keyword":
				key = KeywordKey(p.KeyStr)
			case "int":
				key = IntKey(p.KeyInt)
			default:
				return Nil, fmt.Errorf("value: unknown map key kind %q", p.KeyKind)
			}
			b.Put(key, val)
		}
		return b.Build(), nil
	case "error":
		if env.Error == nil {
			return Nil, fmt.Errorf("value: error envelope missing payload")
		}
		return Error(env.Error.Message, env.Error.Stack...), nil
	default:
		return Nil, fmt.Errorf("value: unknown JSON envelope kind %q", env.Kind)
	}
}

// ToPlain converts v into plain Go data (nil, bool, float64/int64, string,
// []any, map[string]any) suitable for json.Marshal and JSON Schema
// validation. Keyword and Symbol collapse to their bare string name;
// Function and Error have no plain representation and return an error. This
// is the wire form capability providers and schema validation see (spec.md
// section 6); use ToJSON/FromJSON instead when lossless round-tripping
// through the tagged Value space is required.
func ToPlain(v Value) (any, error) {
	switch v.kind {
	case KindNil:
		return nil, nil
	case KindBool:
		return v.b, nil
	case KindInt:
		return v.i, nil
	case KindFloat:
		return v.f, nil
	case KindString, KindKeyword, KindSymbol:
		return v.s, nil
	case KindVector, KindList:
		items := v.vec
		if v.kind == KindList {
			items = v.lst
		}
		out := make([]any, len(items))
		for i, item := range items {
			p, err := ToPlain(item)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	case KindMap:
		out := make(map[string]any, len(v.m))
		for _, k := range v.Keys() {
			entry := v.m[k.String()]
			p, err := ToPlain(entry.val)
			if err != nil {
				return nil, err
			}
			out[plainKeyString(k)] = p
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value: kind %v has no plain JSON representation", v.kind)
	}
}

func plainKeyString(k MapKey) string {
	switch k.kind {
	case KindInt:
		return fmt.Sprintf("%d", k.i)
	default:
		return k.s
	}
}

// FromPlain converts plain Go data (as produced by json.Unmarshal into
// `any`) into a Value. Numbers decode as Float unless they have no
// fractional part and fit in int64, in which case they decode as Int.
// Objects decode with String map keys.
func FromPlain(data any) (Value, error) {
	switch d := data.(type) {
	case nil:
		return Nil, nil
	case bool:
		return Bool(d), nil
	case string:
		return String(d), nil
	case float64:
		if d == float64(int64(d)) {
			return Int(int64(d)), nil
		}
		return Float(d), nil
	case int64:
		return Int(d), nil
	case int:
		return Int(int64(d)), nil
	case []any:
		items := make([]Value, len(d))
		for i, item := range d {
			v, err := FromPlain(item)
			if err != nil {
				return Nil, err
			}
			items[i] = v
		}
		return Vector(items), nil
	case map[string]any:
		b := NewMap()
		for k, item := range d {
			v, err := FromPlain(item)
			if err != nil {
				return Nil, err
			}
			b.Put(StringKey(k), v)
		}
		return b.Build(), nil
	default:
		return Nil, fmt.Errorf("value: cannot convert %T to Value", data)
	}
}

func deref(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}

func derefInt(i *int64) int64 {
	if i == nil {
		return 0
	}
	return *i
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
