// Package catalog implements the Catalog-reuse audit step of spec.md
// section 4.5: before a plan executes, query a registry of previously
// seen plans (or registered capabilities) by a free-text fingerprint of
// the plan, and if a strong match is found, surface it as advisory
// metadata rather than altering execution.
package catalog

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"goa.design/ccos/pkg/value"
)

// EntryKind distinguishes what a catalog entry describes.
type EntryKind string

const (
	KindPlan       EntryKind = "Plan"
	KindCapability EntryKind = "Capability"
)

// Source records how an entry entered the catalog.
type Source string

const (
	SourceRegistered  Source = "Registered"
	SourceSynthesized Source = "Synthesized"
)

// Entry is one catalog record.
type Entry struct {
	ID     string
	Name   string
	Kind   EntryKind
	Source Source
	Goal   string
	Tags   []string
}

// QueryMode records which search strategy produced a Hit.
type QueryMode string

const (
	ModeSemantic QueryMode = "semantic"
	ModeKeyword  QueryMode = "keyword"
)

// Hit is a scored match returned by a Search call.
type Hit struct {
	Entry Entry
	Score float64
}

// Filter narrows a search to entries of a single EntryKind.
type Filter struct {
	Kind EntryKind
}

// Thresholds gates how confident a Hit must be before Catalog-reuse treats
// it as a match, one per QueryMode.
type Thresholds struct {
	PlanMinScore    float64
	KeywordMinScore float64
}

// DefaultThresholds is a conservative starting point: reuse only on a
// near-exact semantic match, a stricter bar for the keyword fallback since
// it carries no notion of paraphrase.
func DefaultThresholds() Thresholds {
	return Thresholds{PlanMinScore: 0.75, KeywordMinScore: 0.85}
}

// Service is an in-memory catalog of plans/capabilities, searched by
// token-overlap scoring rather than an embedding model: SearchSemantic
// uses a Jaccard-style shared-token ratio (a reasonable topical-similarity
// proxy), SearchKeyword a stricter query-token-containment ratio. The
// two-tier query strategy — try semantic first, fall back to keyword — is
// what Catalog-reuse actually specifies; only the scoring function itself
// is a stand-in for a real semantic index.
type Service struct {
	mu      sync.RWMutex
	entries []Entry
}

// New returns an empty Service.
func New() *Service { return &Service{} }

// Register adds entry to the catalog.
func (s *Service) Register(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

// SearchSemantic returns up to limit entries matching filter, ranked by
// shared-token-ratio score against query, highest first.
func (s *Service) SearchSemantic(ctx context.Context, query string, filter *Filter, limit int) []Hit {
	return s.search(query, filter, limit, semanticScore)
}

// SearchKeyword returns up to limit entries matching filter, ranked by
// query-token-containment score against query, highest first.
func (s *Service) SearchKeyword(ctx context.Context, query string, filter *Filter, limit int) []Hit {
	return s.search(query, filter, limit, keywordScore)
}

func (s *Service) search(query string, filter *Filter, limit int, score func(query, candidate string) float64) []Hit {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Hit
	for _, e := range s.entries {
		if filter != nil && e.Kind != filter.Kind {
			continue
		}
		candidate := strings.Join(append([]string{e.ID, e.Name, e.Goal}, e.Tags...), " ")
		sc := score(query, candidate)
		if sc <= 0 {
			continue
		}
		hits = append(hits, Hit{Entry: e, Score: sc})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func semanticScore(query, candidate string) float64 {
	q := tokenSet(tokenize(query))
	c := tokenSet(tokenize(candidate))
	if len(q) == 0 || len(c) == 0 {
		return 0
	}
	inter := 0
	for t := range q {
		if _, ok := c[t]; ok {
			inter++
		}
	}
	union := len(q) + len(c) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func keywordScore(query, candidate string) float64 {
	q := tokenize(query)
	if len(q) == 0 {
		return 0
	}
	c := tokenSet(tokenize(candidate))
	matched := 0
	for _, t := range q {
		if _, ok := c[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(q))
}

// BuildPlanQuery assembles the free-text reuse-search query for a plan:
// plan id, name, goal (metadata first, then annotations), then every
// required capability id, matching the field precedence the original
// CatalogService query-builder used.
func BuildPlanQuery(planID, name, metadataGoal, annotationsGoal string, requiredCapabilities []string) string {
	parts := make([]string, 0, 4+len(requiredCapabilities))
	parts = append(parts, planID)
	if name != "" {
		parts = append(parts, name)
	}
	if metadataGoal != "" {
		parts = append(parts, metadataGoal)
	}
	if annotationsGoal != "" {
		parts = append(parts, annotationsGoal)
	}
	parts = append(parts, requiredCapabilities...)
	return strings.TrimSpace(strings.Join(parts, " "))
}

// ValueToQueryToken renders a value.Value as a query-string fragment:
// scalars stringify directly, vectors recurse and join with spaces,
// everything else (maps, functions, errors) contributes nothing. Mirrors
// the original implementation's plan_value_to_string.
func ValueToQueryToken(v value.Value) (string, bool) {
	switch v.Kind() {
	case value.KindString, value.KindKeyword, value.KindSymbol:
		return v.Str(), true
	case value.KindInt:
		return strconv.FormatInt(v.Int(), 10), true
	case value.KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), true
	case value.KindBool:
		if v.Bool() {
			return "true", true
		}
		return "false", true
	case value.KindVector:
		var parts []string
		for _, e := range v.Vec() {
			if s, ok := ValueToQueryToken(e); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, " "), true
	default:
		return "", false
	}
}
