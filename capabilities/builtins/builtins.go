// Package builtins implements the built-in capability handlers spec.md
// section 4.2 requires the marketplace to bootstrap: ccos.echo, ccos.math.*,
// ccos.user.ask, ccos.io.*, ccos.system.*, ccos.state.kv.*,
// ccos.network.http-fetch, and observability.ingestor:v1.ingest.
package builtins

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/marketplace"
)

// HandlerFunc adapts a plain function to marketplace.Handler, mirroring the
// function-as-handler pattern the marketplace's provider-variant dispatch
// expects of Local providers.
type HandlerFunc func(ctx context.Context, manifest marketplace.CapabilityManifest, args []value.Value, metadata value.Value) (value.Value, error)

// Execute implements marketplace.Handler.
func (f HandlerFunc) Execute(ctx context.Context, manifest marketplace.CapabilityManifest, args []value.Value, metadata value.Value) (value.Value, error) {
	return f(ctx, manifest, args, metadata)
}

// arg returns args[i], or value.Nil if the vector is shorter.
func arg(args []value.Value, i int) value.Value {
	if i < 0 || i >= len(args) {
		return value.Nil
	}
	return args[i]
}

// Echo returns its single argument unchanged; when passed a map with a
// `:message` key it returns just that key's value, matching the shape used
// by the S2, S3 and S6 scenarios of spec.md section 8.
func Echo() marketplace.Handler {
	return HandlerFunc(func(_ context.Context, _ marketplace.CapabilityManifest, args []value.Value, _ value.Value) (value.Value, error) {
		a := arg(args, 0)
		if a.Kind() == value.KindMap {
			if msg, ok := a.Get(value.KeywordKey("message")); ok {
				return msg, nil
			}
		}
		return a, nil
	})
}

// numeric coerces a Value to float64, reporting whether both its kind and
// the accompanying "is this an integer" bit are preserved by the caller.
func numeric(v value.Value) (float64, bool, error) {
	switch v.Kind() {
	case value.KindInt:
		return float64(v.Int()), true, nil
	case value.KindFloat:
		return v.Float(), false, nil
	default:
		return 0, false, fmt.Errorf("builtins: expected numeric argument, got %s", v.Kind())
	}
}

func mathOp(name string, identity float64, op func(acc, x float64) float64) marketplace.Handler {
	return HandlerFunc(func(_ context.Context, _ marketplace.CapabilityManifest, args []value.Value, _ value.Value) (value.Value, error) {
		if len(args) == 0 {
			return value.Nil, fmt.Errorf("builtins: %s requires at least one argument", name)
		}
		acc := identity
		allInt := true
		for i, a := range args {
			n, isInt, err := numeric(a)
			if err != nil {
				return value.Nil, fmt.Errorf("builtins: %s: %w", name, err)
			}
			if !isInt {
				allInt = false
			}
			if i == 0 && name != "add" && name != "mul" {
				acc = n
				continue
			}
			acc = op(acc, n)
		}
		if allInt {
			return value.Int(int64(acc)), nil
		}
		return value.Float(acc), nil
	})
}

// MathAdd sums every argument.
func MathAdd() marketplace.Handler {
	return mathOp("add", 0, func(acc, x float64) float64 { return acc + x })
}

// MathSub subtracts every argument after the first from the first.
func MathSub() marketplace.Handler {
	return mathOp("sub", 0, func(acc, x float64) float64 { return acc - x })
}

// MathMul multiplies every argument.
func MathMul() marketplace.Handler {
	return mathOp("mul", 1, func(acc, x float64) float64 { return acc * x })
}

// MathDiv divides the first argument by every subsequent argument.
func MathDiv() marketplace.Handler {
	return HandlerFunc(func(_ context.Context, _ marketplace.CapabilityManifest, args []value.Value, _ value.Value) (value.Value, error) {
		if len(args) < 2 {
			return value.Nil, fmt.Errorf("builtins: div requires at least two arguments")
		}
		acc, _, err := numeric(args[0])
		if err != nil {
			return value.Nil, fmt.Errorf("builtins: div: %w", err)
		}
		for _, a := range args[1:] {
			n, _, err := numeric(a)
			if err != nil {
				return value.Nil, fmt.Errorf("builtins: div: %w", err)
			}
			if n == 0 {
				return value.Nil, fmt.Errorf("builtins: div: division by zero")
			}
			acc /= n
		}
		return value.Float(acc), nil
	})
}

// UserAsk is registered for discovery and preflight validation, but every
// call to it is intercepted by the Orchestrator before dispatch (spec.md
// section 8 scenario S2: the first yield at ccos.user.ask mints a checkpoint
// and suspends the plan rather than invoking a handler). If Execute is
// reached directly it means the call bypassed that interception, which is a
// caller bug, not a recoverable capability failure.
func UserAsk() marketplace.Handler {
	return HandlerFunc(func(_ context.Context, manifest marketplace.CapabilityManifest, _ []value.Value, _ value.Value) (value.Value, error) {
		return value.Nil, fmt.Errorf("builtins: %s must be intercepted by the orchestrator for checkpointing, not dispatched directly", manifest.ID)
	})
}

// FileExists reports whether the path named by its string argument exists.
func FileExists() marketplace.Handler {
	return HandlerFunc(func(_ context.Context, _ marketplace.CapabilityManifest, args []value.Value, _ value.Value) (value.Value, error) {
		path := arg(args, 0).Str()
		_, err := os.Stat(path)
		if err == nil {
			return value.Bool(true), nil
		}
		if os.IsNotExist(err) {
			return value.Bool(false), nil
		}
		return value.Nil, fmt.Errorf("builtins: file-exists %q: %w", path, err)
	})
}

// ReadFile returns the named file's contents as a string.
func ReadFile() marketplace.Handler {
	return HandlerFunc(func(_ context.Context, _ marketplace.CapabilityManifest, args []value.Value, _ value.Value) (value.Value, error) {
		path := arg(args, 0).Str()
		b, err := os.ReadFile(path)
		if err != nil {
			return value.Nil, fmt.Errorf("builtins: read-file %q: %w", path, err)
		}
		return value.String(string(b)), nil
	})
}

// SleepMs blocks for the given number of milliseconds or until ctx is
// cancelled, whichever comes first.
func SleepMs() marketplace.Handler {
	return HandlerFunc(func(ctx context.Context, _ marketplace.CapabilityManifest, args []value.Value, _ value.Value) (value.Value, error) {
		ms := arg(args, 0).Int()
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
			return value.Nil, nil
		case <-ctx.Done():
			return value.Nil, ctx.Err()
		}
	})
}

// KVStore is an in-memory, goroutine-safe backing store for ccos.state.kv.*.
// A durable deployment wires a Redis-backed implementation of the same
// get/put shape in its place.
type KVStore struct {
	mu   sync.RWMutex
	data map[string]value.Value
}

// NewKVStore constructs an empty KVStore.
func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]value.Value)}
}

// Get returns the handler backing ccos.state.kv.get.
func (s *KVStore) Get() marketplace.Handler {
	return HandlerFunc(func(_ context.Context, _ marketplace.CapabilityManifest, args []value.Value, _ value.Value) (value.Value, error) {
		key := arg(args, 0).Str()
		s.mu.RLock()
		v, ok := s.data[key]
		s.mu.RUnlock()
		if !ok {
			return value.Nil, nil
		}
		return v, nil
	})
}

// Put returns the handler backing ccos.state.kv.put.
func (s *KVStore) Put() marketplace.Handler {
	return HandlerFunc(func(_ context.Context, _ marketplace.CapabilityManifest, args []value.Value, _ value.Value) (value.Value, error) {
		key := arg(args, 0).Str()
		s.mu.Lock()
		s.data[key] = arg(args, 1)
		s.mu.Unlock()
		return value.Nil, nil
	})
}

// HTTPFetch performs an HTTP GET against its string argument and returns the
// response body as a string. Callers constrain the reachable hosts via the
// security context's HTTP allow-list before this handler is ever invoked;
// the handler itself performs no allow-list enforcement.
func HTTPFetch(client *http.Client) marketplace.Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return HandlerFunc(func(ctx context.Context, _ marketplace.CapabilityManifest, args []value.Value, _ value.Value) (value.Value, error) {
		url := arg(args, 0).Str()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return value.Nil, fmt.Errorf("builtins: http-fetch %q: %w", url, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return value.Nil, fmt.Errorf("builtins: http-fetch %q: %w", url, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return value.Nil, fmt.Errorf("builtins: http-fetch %q: read body: %w", url, err)
		}
		result := value.NewMap().
			Put(value.KeywordKey("status"), value.Int(int64(resp.StatusCode))).
			Put(value.KeywordKey("body"), value.String(string(body))).
			Build()
		return result, nil
	})
}

// DiscoverAgents returns the handler backing ccos.discovery.find-agents,
// matching capability manifests against the query map's `:domains` and
// `:categories` keys. lister supplies the current marketplace catalog so the
// handler stays decoupled from *marketplace.Marketplace itself.
func DiscoverAgents(lister func() []marketplace.CapabilityManifest) marketplace.Handler {
	return HandlerFunc(func(_ context.Context, _ marketplace.CapabilityManifest, args []value.Value, _ value.Value) (value.Value, error) {
		query := arg(args, 0)
		wantDomains := stringSet(query, "domains")
		wantCategories := stringSet(query, "categories")

		matches := make([]value.Value, 0)
		for _, m := range lister() {
			if !setIntersects(wantDomains, m.Domains) || !setIntersects(wantCategories, m.Categories) {
				continue
			}
			matches = append(matches, value.NewMap().
				Put(value.KeywordKey("id"), value.String(m.ID)).
				Put(value.KeywordKey("name"), value.String(m.Name)).
				Put(value.KeywordKey("description"), value.String(m.Description)).
				Build())
		}
		return value.Vector(matches), nil
	})
}

func stringSet(query value.Value, key string) []string {
	if query.Kind() != value.KindMap {
		return nil
	}
	v, ok := query.Get(value.KeywordKey(key))
	if !ok || (v.Kind() != value.KindVector && v.Kind() != value.KindList) {
		return nil
	}
	items := v.Vec()
	if v.Kind() == value.KindList {
		items = v.Lst()
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Str())
	}
	return out
}

// setIntersects reports whether want is empty (no constraint) or shares at
// least one element with have.
func setIntersects(want, have []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

// Ingestor returns the handler backing observability.ingestor:v1.ingest. It
// accepts a mode keyword (:single, :batch, or :replay) as its first argument
// and dispatches to sink accordingly; single/batch append records verbatim,
// replay re-derives the sink from a chain snapshot instead of accepting new
// records.
func Ingestor(appendSingle func(ctx context.Context, record value.Value) error, appendBatch func(ctx context.Context, records []value.Value) error, replay func(ctx context.Context) error) marketplace.Handler {
	return HandlerFunc(func(ctx context.Context, _ marketplace.CapabilityManifest, args []value.Value, _ value.Value) (value.Value, error) {
		mode := arg(args, 0)
		if mode.Kind() != value.KindKeyword {
			return value.Nil, fmt.Errorf("builtins: observability.ingestor:v1.ingest requires a mode keyword as first argument")
		}
		switch mode.Str() {
		case "single":
			if err := appendSingle(ctx, arg(args, 1)); err != nil {
				return value.Nil, err
			}
		case "batch":
			items := arg(args, 1)
			if items.Kind() != value.KindVector && items.Kind() != value.KindList {
				return value.Nil, fmt.Errorf("builtins: observability.ingestor:v1.ingest batch mode requires a vector of records")
			}
			records := items.Vec()
			if items.Kind() == value.KindList {
				records = items.Lst()
			}
			if err := appendBatch(ctx, records); err != nil {
				return value.Nil, err
			}
		case "replay":
			if err := replay(ctx); err != nil {
				return value.Nil, err
			}
		default:
			return value.Nil, fmt.Errorf("builtins: observability.ingestor:v1.ingest unknown mode %q", mode.Str())
		}
		return value.Nil, nil
	})
}

// IngestFuncs bundles the three dispatch functions Ingestor requires, so
// Bootstrap can accept them as a single optional argument.
type IngestFuncs struct {
	Single func(ctx context.Context, record value.Value) error
	Batch  func(ctx context.Context, records []value.Value) error
	Replay func(ctx context.Context) error
}

// Bootstrap registers every built-in capability named in spec.md section 4.2
// (`ccos.echo`, `ccos.math.*`, `ccos.user.ask`, `ccos.io.*`, `ccos.system.*`,
// `ccos.state.kv.*`, `ccos.network.http-fetch`,
// `observability.ingestor:v1.ingest`, and the discovery capability) onto m.
// kv backs the state capabilities; httpClient may be nil to use
// http.DefaultClient; ingest may be nil to skip registering the
// observability ingestor (e.g. before the Causal Chain sink exists).
func Bootstrap(m *marketplace.Marketplace, kv *KVStore, httpClient *http.Client, ingest *IngestFuncs) error {
	register := func(id string, domains, categories []string, metadata map[string]string, handler marketplace.Handler) error {
		return m.Register(marketplace.CapabilityManifest{
			ID:         id,
			Provider:   marketplace.ProviderLocal,
			Domains:    domains,
			Categories: categories,
			Metadata:   metadata,
		}, handler)
	}

	builtinsByID := []struct {
		id         string
		domains    []string
		categories []string
		metadata   map[string]string
		handler    marketplace.Handler
	}{
		{"ccos.echo", nil, []string{"generic"}, nil, Echo()},
		{"ccos.math.add", nil, []string{"math"}, nil, MathAdd()},
		{"ccos.math.sub", nil, []string{"math"}, nil, MathSub()},
		{"ccos.math.mul", nil, []string{"math"}, nil, MathMul()},
		{"ccos.math.div", nil, []string{"math"}, nil, MathDiv()},
		// ccos.user.ask never actually dispatches: its "yields" metadata tells
		// the Orchestrator to suspend and checkpoint instead of calling
		// Execute, so the handler above only guards against misuse.
		{"ccos.user.ask", nil, []string{"interaction"}, map[string]string{"yields": "true"}, UserAsk()},
		{"ccos.io.file-exists", nil, []string{"file-io"}, nil, FileExists()},
		{"ccos.io.read-file", nil, []string{"file-io"}, nil, ReadFile()},
		{"ccos.system.sleep-ms", nil, []string{"system"}, nil, SleepMs()},
		{"ccos.state.kv.get", nil, []string{"data"}, nil, kv.Get()},
		{"ccos.state.kv.put", nil, []string{"data"}, nil, kv.Put()},
		{"ccos.network.http-fetch", nil, []string{"network"}, nil, HTTPFetch(httpClient)},
		{"ccos.discovery.find-agents", nil, []string{"discovery"}, nil, DiscoverAgents(m.List)},
	}
	for _, b := range builtinsByID {
		if err := register(b.id, b.domains, b.categories, b.metadata, b.handler); err != nil {
			return fmt.Errorf("builtins: bootstrap %q: %w", b.id, err)
		}
	}

	if ingest != nil {
		handler := Ingestor(ingest.Single, ingest.Batch, ingest.Replay)
		if err := register("observability.ingestor:v1.ingest", nil, []string{"observability"}, nil, handler); err != nil {
			return fmt.Errorf("builtins: bootstrap observability.ingestor:v1.ingest: %w", err)
		}
	}
	return nil
}
