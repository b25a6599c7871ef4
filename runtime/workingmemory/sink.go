// Package workingmemory implements the Working-Memory Sink of spec.md
// section 4.8: a Causal Chain sink that derives compact records from
// appended actions and holds them in a bounded, token-aware store, plus the
// manual/replay ingestion paths backing observability.ingestor:v1.ingest.
package workingmemory

import (
	"context"
	"sync"

	"goa.design/ccos/pkg/value"
	"goa.design/ccos/runtime/causalchain"
)

// Sink is a bounded, in-memory working-memory store. It implements
// causalchain.Sink so it can be registered directly via
// causalchain.Chain.RegisterSink. Every method is safe for concurrent use.
//
// Observe must never block or fail the append it observes (spec.md section
// 4.8); a malformed action is dropped rather than surfaced, since there is
// no caller on the append path able to act on the error.
type Sink struct {
	mu         sync.Mutex
	records    []Record
	tokens     int
	maxEntries int
	maxTokens  int
	chain      causalchain.Chain
}

// New builds a Sink bounded by maxEntries and maxTokens (either may be zero
// for "unbounded" on that axis). chain, if non-nil, backs Replay by
// re-deriving the store from a fresh chain snapshot; pass nil when the Sink
// is only ever fed via Observe or manual ingestion.
func New(maxEntries, maxTokens int, chain causalchain.Chain) *Sink {
	return &Sink{maxEntries: maxEntries, maxTokens: maxTokens, chain: chain}
}

// Observe derives a Record from action and appends it, evicting the oldest
// records until the store is back within its bounds. Matches
// causalchain.Sink.
func (s *Sink) Observe(ctx context.Context, action *causalchain.Action) {
	rec, err := recordFromAction(action)
	if err != nil {
		return
	}
	s.append(rec)
}

// IngestSingle appends one externally-supplied record, the :single mode of
// observability.ingestor:v1.ingest.
func (s *Sink) IngestSingle(ctx context.Context, record value.Value) error {
	rec, err := recordFromValue(record)
	if err != nil {
		return err
	}
	s.append(rec)
	return nil
}

// IngestBatch appends multiple externally-supplied records in order, the
// :batch mode of observability.ingestor:v1.ingest.
func (s *Sink) IngestBatch(ctx context.Context, records []value.Value) error {
	parsed := make([]Record, 0, len(records))
	for _, r := range records {
		rec, err := recordFromValue(r)
		if err != nil {
			return err
		}
		parsed = append(parsed, rec)
	}
	for _, rec := range parsed {
		s.append(rec)
	}
	return nil
}

// Replay discards the current store and re-derives it from a fresh
// snapshot of the wired Causal Chain, the :replay mode of
// observability.ingestor:v1.ingest. Returns an error if no chain was
// configured at construction time.
func (s *Sink) Replay(ctx context.Context) error {
	if s.chain == nil {
		return errNoChain
	}
	actions := s.chain.Snapshot(ctx)

	s.mu.Lock()
	s.records = nil
	s.tokens = 0
	s.mu.Unlock()

	for _, a := range actions {
		rec, err := recordFromAction(a)
		if err != nil {
			continue
		}
		s.append(rec)
	}
	return nil
}

// Records returns a snapshot of the store's current contents, oldest first.
func (s *Sink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Sink) append(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	s.tokens += approxTokens(rec.Content)
	for len(s.records) > 0 && s.overBounds() {
		evicted := s.records[0]
		s.records = s.records[1:]
		s.tokens -= approxTokens(evicted.Content)
	}
}

func (s *Sink) overBounds() bool {
	if s.maxEntries > 0 && len(s.records) > s.maxEntries {
		return true
	}
	if s.maxTokens > 0 && s.tokens > s.maxTokens {
		return true
	}
	return false
}
