// Package host defines the contract by which the Evaluator yields
// side-effecting work to the substrate (spec.md §4.1). The Evaluator never
// performs I/O itself; every effect is expressed as a HostCall returned from
// Evaluate, and the driver (Orchestrator) decides whether to perform it or
// suspend and checkpoint.
package host

import "goa.design/ccos/pkg/value"

// Call is the wire shape yielded by the evaluator when it needs the host to
// perform an effect (spec.md §6: HostCall wire shape).
type Call struct {
	CapabilityID string
	Args         []value.Value
	Metadata     value.Value // Map value, or Nil if absent
}

// Result is what the driver feeds back into a resumed evaluation after
// performing (or refusing) a Call.
type Result struct {
	Value value.Value
	Err   error
}
