package autorepair

import (
	"strings"
	"text/template"
)

// Diagnostic is a single typed compile/eval failure fed into the repair
// prompt, e.g. a parse error with its source span or an evaluator-local
// TypeError/ArityMismatch/UndefinedSymbol.
type Diagnostic struct {
	Stage   string // "parse" or "eval"
	Message string
}

var repairPromptTemplate = template.Must(
	template.New("repair_prompt").
		Option("missingkey=error").
		Parse(strings.TrimSpace(`
The following RTFS plan body failed to {{ .Diagnostic.Stage }}.
Error: {{ .Diagnostic.Message }}

Grammar reminders:
{{ range .GrammarHints }}- {{ . }}
{{ end }}
Plan body:
{{ .Source }}

Return only a corrected plan body. Do not explain the fix.
`)),
)

type promptView struct {
	Diagnostic   Diagnostic
	GrammarHints []string
	Source       string
}

// composePrompt renders the prompt sent to the Arbiter, combining the
// typed diagnostic with the grammar-hints list loaded from a PromptStore,
// mirroring the teacher's typed-reminder-template composition pattern.
func composePrompt(diag Diagnostic, hints []string, source string) (string, error) {
	var b strings.Builder
	if err := repairPromptTemplate.Execute(&b, promptView{Diagnostic: diag, GrammarHints: hints, Source: source}); err != nil {
		return "", err
	}
	return b.String(), nil
}

// PromptStore supplies the RTFS grammar-hints list consulted when composing
// a repair prompt.
type PromptStore interface {
	GrammarHints() []string
}

type staticPromptStore struct {
	hints []string
}

// NewStaticPromptStore builds a PromptStore returning a fixed hints list.
// NewDefaultPromptStore() is the usual choice; this constructor exists for
// tests and callers with a curated hints set of their own.
func NewStaticPromptStore(hints ...string) PromptStore {
	return &staticPromptStore{hints: hints}
}

func (s *staticPromptStore) GrammarHints() []string { return s.hints }

// NewDefaultPromptStore returns a PromptStore seeded with the reduced RTFS
// grammar named in spec.md section 6: the plan-body forms an Arbiter's
// correction must stay within.
func NewDefaultPromptStore() PromptStore {
	return NewStaticPromptStore(
		`forms allowed inside a plan body: (do ...), (step "name" expr), (call :ns.op args*), (if c t e), (let [k v ...] body), (match v p1 r1 ... _ rn), (str ...), (= a b)`,
		`map literal: {:k v ...}; vector literal: [...]`,
		`capability ids are namespaced dot-separated symbols prefixed with a colon, e.g. :ccos.math.add`,
		`strings use double quotes with \" \\ \n \t escapes; integers and floats are bare tokens; booleans are true/false; nil is nil`,
		`every (step "name" expr) must have a unique name within the plan`,
	)
}
