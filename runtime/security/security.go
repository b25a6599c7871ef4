// Package security defines the SecurityContext carried into every plan
// execution: the allowed isolation levels, resource ceilings, capability
// allow-list, and cross-plan parameter bag the Orchestrator and Step-Profile
// Deriver consult before letting a step run.
package security

import "time"

// Level is the overall security posture requested for a substrate.
type Level string

const (
	LevelMinimal  Level = "Minimal"
	LevelStandard Level = "Standard"
	LevelParanoid Level = "Paranoid"
	LevelCustom   Level = "Custom"
)

// Context carries the configuration surface named in spec.md section 6.
// It is immutable once built; the Orchestrator and Step-Profile Deriver hold
// a read-only reference.
type Context struct {
	SecurityLevel      Level
	EnabledCategories  map[string]bool
	MaxExecutionTime   time.Duration
	MaxMemoryBytes     int64
	AllowedIsolation   map[string]bool
	AllowedCapabilities map[string]bool
	MicrovmProvider    string
	HTTPMockingEnabled bool
	HTTPAllowHosts     []string
	CrossPlanParams    map[string]any
}

// Option configures a Context at construction time.
type Option func(*Context)

// New builds a Context with sane defaults for LevelStandard: all isolation
// levels permitted, no capability allow-list (meaning all registered
// capabilities are permitted), a 30s/256MB default ceiling matching the
// base resource class in the Step-Profile Deriver.
func New(opts ...Option) *Context {
	c := &Context{
		SecurityLevel:       LevelStandard,
		EnabledCategories:   map[string]bool{},
		MaxExecutionTime:    30 * time.Second,
		MaxMemoryBytes:      256 * 1024 * 1024,
		AllowedIsolation:    map[string]bool{"Inherit": true, "Isolated": true, "Sandboxed": true},
		AllowedCapabilities: nil,
		CrossPlanParams:     map[string]any{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithLevel sets the overall security level.
func WithLevel(l Level) Option { return func(c *Context) { c.SecurityLevel = l } }

// WithMaxExecutionTime clamps the execution time ceiling.
func WithMaxExecutionTime(d time.Duration) Option {
	return func(c *Context) { c.MaxExecutionTime = d }
}

// WithMaxMemoryBytes clamps the memory ceiling.
func WithMaxMemoryBytes(n int64) Option {
	return func(c *Context) { c.MaxMemoryBytes = n }
}

// WithAllowedCapabilities restricts execution to the given capability ids.
// A nil or empty set (the default) means no restriction.
func WithAllowedCapabilities(ids ...string) Option {
	return func(c *Context) {
		c.AllowedCapabilities = make(map[string]bool, len(ids))
		for _, id := range ids {
			c.AllowedCapabilities[id] = true
		}
	}
}

// WithDisallowedIsolation removes an isolation level from the allow-list,
// e.g. Paranoid contexts disallow Inherit.
func WithDisallowedIsolation(level string) Option {
	return func(c *Context) { c.AllowedIsolation[level] = false }
}

// WithHTTPAllowHosts sets the host allow-list consulted by the
// ccos.network.http-fetch built-in.
func WithHTTPAllowHosts(hosts ...string) Option {
	return func(c *Context) { c.HTTPAllowHosts = hosts }
}

// WithCrossPlanParam stashes a value in the cross-plan parameter bag made
// available to every plan's root Environment.
func WithCrossPlanParam(key string, val any) Option {
	return func(c *Context) { c.CrossPlanParams[key] = val }
}

// AllowsCapability reports whether id is permitted under this context's
// capability allow-list. An empty allow-list permits everything.
func (c *Context) AllowsCapability(id string) bool {
	if len(c.AllowedCapabilities) == 0 {
		return true
	}
	return c.AllowedCapabilities[id]
}

// AllowsIsolation reports whether the given isolation level name is
// permitted under this context.
func (c *Context) AllowsIsolation(level string) bool {
	allowed, ok := c.AllowedIsolation[level]
	return ok && allowed
}

// ClampDuration returns the smaller of d and the context's execution
// ceiling.
func (c *Context) ClampDuration(d time.Duration) time.Duration {
	if c.MaxExecutionTime > 0 && d > c.MaxExecutionTime {
		return c.MaxExecutionTime
	}
	return d
}

// ClampMemory returns the smaller of n and the context's memory ceiling.
func (c *Context) ClampMemory(n int64) int64 {
	if c.MaxMemoryBytes > 0 && n > c.MaxMemoryBytes {
		return c.MaxMemoryBytes
	}
	return n
}
