// Package stepprofile implements the static step-analysis pass described in
// spec.md section 4.3: before the Orchestrator evaluates a step's body, it
// derives an isolation level, microvm configuration, determinism flag,
// resource limits, and security flags by walking the step's call graph.
package stepprofile

import (
	"strings"
	"time"

	"goa.design/ccos/pkg/ast"
	"goa.design/ccos/runtime/security"
)

// IsolationLevel is one of Inherit, Isolated, Sandboxed (spec.md section 3).
type IsolationLevel string

const (
	IsolationInherit   IsolationLevel = "Inherit"
	IsolationIsolated  IsolationLevel = "Isolated"
	IsolationSandboxed IsolationLevel = "Sandboxed"
)

// Class is the capability classification used to derive isolation,
// determinism, and resource limits (spec.md section 4.3 step 1).
type Class string

const (
	ClassSystem  Class = "System"
	ClassExec    Class = "Exec"
	ClassNetwork Class = "Network"
	ClassFileIO  Class = "FileIO"
	ClassData    Class = "Data"
	ClassMath    Class = "Math"
	ClassGeneric Class = "Generic"
)

// NetworkPolicy controls outbound network access under a MicrovmConfig.
type NetworkPolicy struct {
	Denied    bool
	AllowList []string
}

// FileSystemPolicy controls filesystem access under a MicrovmConfig. A nil
// *FileSystemPolicy means no filesystem policy is needed (no FileIO calls).
type FileSystemPolicy struct {
	ReadWrite     bool
	AllowedPaths  []string
}

// MicrovmConfig carries the sandboxing parameters handed to the (external,
// out-of-scope) MicroVM implementation.
type MicrovmConfig struct {
	NetworkPolicy    NetworkPolicy
	FileSystemPolicy *FileSystemPolicy
	CPULimit         float64
	MemoryLimitBytes int64
	TimeLimit        time.Duration
	BandwidthCapBps  int64
	IOCapBps         int64
}

// SecurityFlags are the syscall/network/filesystem/memory/CPU enforcement
// toggles derived for a step.
type SecurityFlags struct {
	EnableSyscallFilter bool
	NetACL              bool
	FSACL                bool
	MemoryProtection    bool
	CPUMonitoring       bool
	LogSyscalls         bool
	ReadOnlyFS          bool
}

// StepProfile is the full per-step security/isolation/determinism contract
// of spec.md section 3.
type StepProfile struct {
	ProfileID      string
	StepName       string
	IsolationLevel IsolationLevel
	MicrovmConfig  MicrovmConfig
	Deterministic  bool
	SecurityFlags  SecurityFlags
}

// classify maps a capability id/keyword to a Class. Detection is keyed
// strictly on capability id prefixes, never on substrings of arbitrary
// string-literal arguments, per spec.md section 4.3's anti-fooling
// invariant.
func classify(capabilityID string) Class {
	switch {
	case strings.HasPrefix(capabilityID, "system.execute"), strings.HasPrefix(capabilityID, "ccos.system.exec"):
		return ClassExec
	case strings.HasPrefix(capabilityID, "ccos.system."):
		return ClassSystem
	case strings.HasPrefix(capabilityID, "ccos.network."):
		return ClassNetwork
	case strings.HasPrefix(capabilityID, "ccos.io."):
		return ClassFileIO
	case strings.HasPrefix(capabilityID, "ccos.state."):
		return ClassData
	case strings.HasPrefix(capabilityID, "ccos.math."):
		return ClassMath
	default:
		return ClassGeneric
	}
}

// resourceLimits returns the base resource class (30s/256MB/1 CPU) bumped
// per class as described in spec.md section 4.3 step 5.
func resourceLimits(classes map[Class]bool) (time.Duration, int64, float64, int64, int64) {
	timeLimit := 30 * time.Second
	memLimit := int64(256 * 1024 * 1024)
	cpuLimit := 1.0
	var bandwidthCap, ioCap int64

	if classes[ClassExec] || classes[ClassSystem] {
		timeLimit = 5 * time.Minute
		memLimit = 1024 * 1024 * 1024
		cpuLimit = 2.0
	}
	if classes[ClassNetwork] {
		bandwidthCap = 10 * 1024 * 1024 // 10MB/s
	}
	if classes[ClassFileIO] {
		ioCap = 50 * 1024 * 1024 // 50MB/s
	}
	return timeLimit, memLimit, cpuLimit, bandwidthCap, ioCap
}

// Deriver implements the derive(step_name, expr, runtime_context) contract
// of spec.md section 4.3.
type Deriver struct {
	idSeq func() string
}

// NewDeriver constructs a Deriver. idSeq generates ProfileID values; pass
// nil to use the step name as the ProfileID (tests that don't assert on id
// uniqueness can ignore it).
func NewDeriver(idSeq func() string) *Deriver {
	return &Deriver{idSeq: idSeq}
}

// Derive walks expr, classifies every (call <id> ...) target found, and
// emits the resulting StepProfile, clamped to what runtimeCtx permits.
func (d *Deriver) Derive(stepName string, expr ast.Expr, runtimeCtx *security.Context) StepProfile {
	classes := map[Class]bool{}
	allPure := true
	walkCalls(expr, func(capID string) {
		class := classify(capID)
		classes[class] = true
		if class == ClassSystem || class == ClassExec || class == ClassNetwork || class == ClassFileIO {
			allPure = false
		}
	})

	isolation := IsolationInherit
	switch {
	case classes[ClassSystem] || classes[ClassExec]:
		isolation = IsolationSandboxed
	case classes[ClassNetwork] || classes[ClassFileIO]:
		isolation = IsolationIsolated
	}

	var netPolicy NetworkPolicy
	if classes[ClassNetwork] {
		netPolicy = NetworkPolicy{AllowList: []string{}}
	} else {
		netPolicy = NetworkPolicy{Denied: true}
	}

	var fsPolicy *FileSystemPolicy
	if classes[ClassFileIO] {
		fsPolicy = &FileSystemPolicy{ReadWrite: true, AllowedPaths: []string{}}
	}

	timeLimit, memLimit, cpuLimit, bwCap, ioCap := resourceLimits(classes)
	if runtimeCtx != nil {
		timeLimit = runtimeCtx.ClampDuration(timeLimit)
		memLimit = runtimeCtx.ClampMemory(memLimit)
		if !runtimeCtx.AllowsIsolation(string(isolation)) {
			isolation = IsolationInherit
		}
	}

	syscallFilter := classes[ClassSystem] || classes[ClassExec]
	flags := SecurityFlags{
		EnableSyscallFilter: syscallFilter,
		NetACL:              classes[ClassNetwork],
		FSACL:               classes[ClassFileIO],
		MemoryProtection:    true,
		CPUMonitoring:       true,
		LogSyscalls:         syscallFilter,
		ReadOnlyFS:          syscallFilter,
	}

	profileID := stepName
	if d.idSeq != nil {
		profileID = d.idSeq()
	}

	return StepProfile{
		ProfileID:      profileID,
		StepName:       stepName,
		IsolationLevel: isolation,
		MicrovmConfig: MicrovmConfig{
			NetworkPolicy:    netPolicy,
			FileSystemPolicy: fsPolicy,
			CPULimit:         cpuLimit,
			MemoryLimitBytes: memLimit,
			TimeLimit:        timeLimit,
			BandwidthCapBps:  bwCap,
			IOCapBps:         ioCap,
		},
		Deterministic: allPure,
		SecurityFlags: flags,
	}
}

// CollectCallIDs returns every distinct capability id referenced by a
// `(call :id ...)` form anywhere in expr, in first-occurrence order. The
// Orchestrator uses this for preflight capability validation (spec.md
// section 4.5): every id must resolve in the Marketplace before a plan's
// first action is appended.
func CollectCallIDs(expr ast.Expr) []string {
	seen := map[string]bool{}
	var ids []string
	walkCalls(expr, func(capID string) {
		if seen[capID] {
			return
		}
		seen[capID] = true
		ids = append(ids, capID)
	})
	return ids
}

// walkCalls recursively visits expr and every sub-expression it carries,
// invoking visit(capabilityID) for each (call :id ...) form encountered.
func walkCalls(expr ast.Expr, visit func(capabilityID string)) {
	if expr == nil {
		return
	}
	switch e := expr.(type) {
	case *ast.FunctionCall:
		if sym, ok := e.Callee.(*ast.Symbol); ok && sym.Name == "call" && len(e.Args) > 0 {
			if lit, ok := e.Args[0].(*ast.Literal); ok && (lit.Kind == ast.LitKeyword || lit.Kind == ast.LitString) {
				visit(lit.Str)
			}
		}
		walkCalls(e.Callee, visit)
		for _, a := range e.Args {
			walkCalls(a, visit)
		}
	case *ast.Do:
		for _, x := range e.Exprs {
			walkCalls(x, visit)
		}
	case *ast.If:
		walkCalls(e.Cond, visit)
		walkCalls(e.Then, visit)
		walkCalls(e.Else, visit)
	case *ast.Let:
		for _, b := range e.Bindings {
			walkCalls(b.Init, visit)
		}
		walkCalls(e.Body, visit)
	case *ast.Fn:
		walkCalls(e.Body, visit)
	case *ast.Defn:
		walkCalls(e.Fn, visit)
	case *ast.Def:
		walkCalls(e.Init, visit)
	case *ast.Match:
		walkCalls(e.Subject, visit)
		for _, c := range e.Clauses {
			walkCalls(c.Pattern, visit)
			walkCalls(c.Guard, visit)
			walkCalls(c.Result, visit)
		}
	case *ast.For:
		walkCalls(e.Coll, visit)
		walkCalls(e.Body, visit)
	case *ast.TryCatch:
		walkCalls(e.Body, visit)
		if e.Catch != nil {
			walkCalls(e.Catch.Body, visit)
		}
		if e.Finally != nil {
			walkCalls(e.Finally, visit)
		}
	case *ast.Parallel:
		for _, b := range e.Bindings {
			walkCalls(b.Expr, visit)
		}
	case *ast.WithResource:
		walkCalls(e.ResourceExpr, visit)
		walkCalls(e.Body, visit)
	case *ast.VectorExpr:
		for _, x := range e.Items {
			walkCalls(x, visit)
		}
	case *ast.MapExpr:
		for _, entry := range e.Entries {
			walkCalls(entry.Key, visit)
			walkCalls(entry.Val, visit)
		}
	case *ast.Metadata:
		walkCalls(e.Body, visit)
	}
}
