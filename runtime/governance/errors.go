package governance

import "fmt"

// ErrorKind is the typed failure taxonomy of spec.md section 4.7, returned
// by Govern before the Orchestrator ever sees the plan.
type ErrorKind string

const (
	ErrorPolicyDenied    ErrorKind = "PolicyDenied"
	ErrorSchemaViolation ErrorKind = "SchemaViolation"
	ErrorQuotaExceeded   ErrorKind = "QuotaExceeded"
)

// GovernanceError is returned by Kernel.Govern when a plan fails policy,
// schema, or resource-ceiling checks. Callers may errors.As into
// *GovernanceError to inspect Kind.
type GovernanceError struct {
	Kind    ErrorKind
	PlanID  string
	Message string
	Cause   error
}

func (e *GovernanceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("governance: %s: %s: %s: %v", e.Kind, e.PlanID, e.Message, e.Cause)
	}
	return fmt.Sprintf("governance: %s: %s: %s", e.Kind, e.PlanID, e.Message)
}

func (e *GovernanceError) Unwrap() error { return e.Cause }

func newGovError(kind ErrorKind, planID, message string, cause error) *GovernanceError {
	return &GovernanceError{Kind: kind, PlanID: planID, Message: message, Cause: cause}
}
