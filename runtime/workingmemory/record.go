package workingmemory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/causalchain"
)

// Record is the compact working-memory entry derived from a Causal Chain
// action or ingested directly via observability.ingestor:v1.ingest, per
// spec.md section 4.8.
type Record struct {
	ActionID        string
	Kind            string
	Provider        string
	Timestamp       time.Time
	Summary         string
	Content         string
	PlanID          string
	IntentID        string
	AttestationHash string
}

// approxTokens estimates a record's token footprint for the bounded store's
// max-tokens ceiling. A precise tokenizer is not worth the dependency here;
// 4 bytes/token is the same rough heuristic used elsewhere in this codebase
// for context-budget accounting.
func approxTokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// recordFromAction derives a compact Record from a Causal Chain action,
// attaching a content-addressed AttestationHash for CapabilityResult actions
// so a replayed sink can verify a result record wasn't tampered with.
func recordFromAction(a *causalchain.Action) (Record, error) {
	content, err := marshalActionContent(a)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ActionID:  a.ActionID,
		Kind:      string(a.ActionType),
		Provider:  a.Name,
		Timestamp: a.Timestamp,
		Summary:   summarizeAction(a),
		Content:   content,
		PlanID:    a.PlanID,
		IntentID:  a.IntentID,
	}
	if a.ActionType == causalchain.ActionCapabilityResult {
		rec.AttestationHash = attestationHash(content)
	}
	return rec, nil
}

func attestationHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func summarizeAction(a *causalchain.Action) string {
	switch a.ActionType {
	case causalchain.ActionCapabilityCall:
		return "call " + a.Name
	case causalchain.ActionCapabilityResult:
		if a.Error != "" {
			return "result " + a.Name + " failed: " + a.Error
		}
		return "result " + a.Name + " ok"
	case causalchain.ActionPlanStarted, causalchain.ActionPlanCompleted, causalchain.ActionPlanAborted,
		causalchain.ActionPlanPaused, causalchain.ActionPlanResumed:
		return string(a.ActionType) + " " + a.PlanID
	case causalchain.ActionStepStarted, causalchain.ActionStepCompleted, causalchain.ActionStepProfileDerived:
		return string(a.ActionType) + " " + a.Name
	default:
		return string(a.ActionType)
	}
}

type actionContent struct {
	Args   any    `json:"args,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func marshalActionContent(a *causalchain.Action) (string, error) {
	var c actionContent
	if len(a.Args) > 0 {
		plain, err := value.ToPlain(value.Vector(a.Args))
		if err != nil {
			return "", err
		}
		c.Args = plain
	}
	if a.Result != nil {
		plain, err := value.ToPlain(*a.Result)
		if err != nil {
			return "", err
		}
		c.Result = plain
	}
	c.Error = a.Error
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// recordFromValue parses a raw record ingested directly via
// observability.ingestor:v1.ingest's :single/:batch modes. Fields missing
// from the map take their zero value; a record with neither action_id nor
// summary is still accepted (the ingestor is advisory, not schema-enforced).
func recordFromValue(v value.Value) (Record, error) {
	get := func(k string) (value.Value, bool) { return v.Get(value.KeywordKey(k)) }
	str := func(k string) string {
		if val, ok := get(k); ok {
			return val.Str()
		}
		return ""
	}

	rec := Record{
		ActionID: str("action_id"),
		Kind:     str("kind"),
		Provider: str("provider"),
		Summary:  str("summary"),
		PlanID:   str("plan_id"),
		IntentID: str("intent_id"),
	}
	if hash, ok := get("attestation_hash"); ok {
		rec.AttestationHash = hash.Str()
	}
	if ts, ok := get("ts"); ok && ts.Kind() == value.KindInt {
		rec.Timestamp = time.UnixMilli(ts.Int()).UTC()
	}
	if content, ok := get("content"); ok {
		plain, err := value.ToPlain(content)
		if err != nil {
			return Record{}, err
		}
		b, err := json.Marshal(plain)
		if err != nil {
			return Record{}, err
		}
		rec.Content = string(b)
	}
	return rec, nil
}
