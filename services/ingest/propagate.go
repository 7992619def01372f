package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/aiqa/server/pkg/metrics"
)

// MaxAncestorHops bounds how far one contribution is walked up through
// persisted ancestors. Reaching it stops the walk like a broken chain does.
const MaxAncestorHops = 64

// PropagationResult summarizes one engine run.
type PropagationResult struct {
	Traces  int // (organisation, trace) groups processed
	Spans   int // spans considered
	Skipped int // spans without an ID or organisation
	Updated int // successful span updates
	Failed  int // failed span lookups or updates
}

// Engine rolls token usage and cost up span trees. Every span ends up carrying
// its own usage plus the usage of all of its descendants.
//
// Within a batch the engine recomputes each span's total from the batch
// itself, so running it twice over the same batch yields the same in-batch
// totals. Spans whose parent is not in the batch add their rolled-up total
// onto the parent's persisted value, and that contribution is carried further
// up the chain one ancestor at a time.
//
// Run never fails. Storage errors are logged and counted in the result.
type Engine struct {
	store   SpanStore
	logger  *slog.Logger
	metrics *metrics.Collector
	locks   []sync.Mutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTraceLocking serializes runs touching the same trace using the given
// number of lock stripes. Without it concurrent runs over one trace race on
// shared ancestors and the last update wins.
func WithTraceLocking(stripes int) EngineOption {
	return func(e *Engine) {
		if stripes > 0 {
			e.locks = make([]sync.Mutex, stripes)
		}
	}
}

// WithPropagationMetrics records update and skip counts on m.
func WithPropagationMetrics(m *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a propagation engine working through store.
func NewEngine(store SpanStore, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  store,
		logger: logger.With("component", "propagation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type traceKey struct {
	organisation string
	traceID      string
}

// traceBatch is the part of a batch belonging to one trace of one organisation.
type traceBatch struct {
	key      traceKey
	order    []string // span IDs in arrival order, deduplicated
	spans    map[string]*Span
	children map[string][]string
	rolled   map[string]TokenStats
	extra    map[string]TokenStats // contributions reaching in-batch spans via persisted ancestors
}

func newTraceBatch(key traceKey) *traceBatch {
	return &traceBatch{
		key:      key,
		spans:    make(map[string]*Span),
		children: make(map[string][]string),
		rolled:   make(map[string]TokenStats),
		extra:    make(map[string]TokenStats),
	}
}

// Run propagates usage for spans. The spans are not modified.
func (e *Engine) Run(ctx context.Context, spans []Span) PropagationResult {
	var res PropagationResult
	if len(spans) == 0 {
		return res
	}

	batches, skipped := partitionSpans(spans)
	res.Skipped = skipped
	res.Spans = len(spans) - skipped
	if skipped > 0 {
		e.logger.Debug("skipping spans without id or organisation", "count", skipped)
	}

	for _, b := range batches {
		res.Traces++
		e.runTrace(ctx, b, &res)
	}

	e.metrics.PropagationSkipped(res.Skipped)
	e.metrics.PropagationUpdates(metrics.PropagationUpdated, res.Updated)
	e.metrics.PropagationUpdates(metrics.PropagationFailed, res.Failed)
	return res
}

func partitionSpans(spans []Span) ([]*traceBatch, int) {
	var (
		batches []*traceBatch
		skipped int
	)
	byKey := make(map[traceKey]*traceBatch)

	for i := range spans {
		sp := &spans[i]
		if sp.ID == "" || sp.Organisation == "" {
			skipped++
			continue
		}
		key := traceKey{organisation: sp.Organisation, traceID: sp.TraceID}
		b, ok := byKey[key]
		if !ok {
			b = newTraceBatch(key)
			byKey[key] = b
			batches = append(batches, b)
		}
		if _, dup := b.spans[sp.ID]; !dup {
			b.order = append(b.order, sp.ID)
		}
		b.spans[sp.ID] = sp
	}

	for _, b := range batches {
		for _, id := range b.order {
			parent := b.spans[id].ParentID
			if parent == "" || parent == id {
				continue
			}
			if _, ok := b.spans[parent]; ok {
				b.children[parent] = append(b.children[parent], id)
			}
		}
	}
	return batches, skipped
}

func (e *Engine) runTrace(ctx context.Context, b *traceBatch, res *PropagationResult) {
	if mu := e.traceLock(b.key); mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}

	visiting := make(map[string]bool)
	for _, id := range b.order {
		b.rollup(id, visiting)
	}

	// Children of the same missing parent are folded into one walk.
	var parents []string
	deltas := make(map[string]TokenStats)
	for _, id := range b.order {
		parent := b.spans[id].ParentID
		if parent == "" || parent == id {
			continue
		}
		if _, inBatch := b.spans[parent]; inBatch {
			continue
		}
		if _, seen := deltas[parent]; !seen {
			parents = append(parents, parent)
		}
		deltas[parent] = deltas[parent].Add(b.rolled[id])
	}

	for _, parent := range parents {
		if delta := deltas[parent]; !delta.IsZero() {
			e.walkAncestors(ctx, b, parent, delta, res)
		}
	}

	for _, id := range b.order {
		sp := b.spans[id]
		total := b.rolled[id].Add(b.extra[id])
		if total == sp.TokenUsage() {
			continue
		}
		updated, err := e.store.UpdateSpan(ctx, id, SpanUpdate{Attributes: total.Attributes()}, b.key.organisation)
		switch {
		case err != nil:
			res.Failed++
			e.logger.Warn("failed to update span totals",
				"organisation", b.key.organisation, "trace_id", b.key.traceID, "span_id", id, "error", err)
		case updated == nil:
			res.Failed++
			e.logger.Warn("span to update not found",
				"organisation", b.key.organisation, "trace_id", b.key.traceID, "span_id", id)
		default:
			res.Updated++
		}
	}
}

// rollup returns the span's own usage plus the rolled-up usage of its batch
// children. A child already on the current path contributes nothing.
func (b *traceBatch) rollup(id string, visiting map[string]bool) TokenStats {
	if total, ok := b.rolled[id]; ok {
		return total
	}
	if visiting[id] {
		return TokenStats{}
	}
	visiting[id] = true
	defer delete(visiting, id)

	total := b.spans[id].TokenUsage()
	for _, child := range b.children[id] {
		total = total.Add(b.rollup(child, visiting))
	}
	b.rolled[id] = total
	return total
}

// walkAncestors adds delta to id and each of its ancestors. Persisted
// ancestors are updated in place; ancestors that are part of the batch have
// the delta added to their pending total.
func (e *Engine) walkAncestors(ctx context.Context, b *traceBatch, id string, delta TokenStats, res *PropagationResult) {
	org := b.key.organisation
	seen := make(map[string]bool)

	for hops := 0; id != ""; hops++ {
		if hops == MaxAncestorHops {
			e.logger.Debug("ancestor walk reached hop limit",
				"organisation", org, "trace_id", b.key.traceID, "span_id", id)
			return
		}
		if seen[id] {
			e.logger.Debug("ancestor chain loops", "organisation", org, "trace_id", b.key.traceID, "span_id", id)
			return
		}
		seen[id] = true

		if sp, ok := b.spans[id]; ok {
			b.extra[id] = b.extra[id].Add(delta)
			id = sp.ParentID
			continue
		}

		ancestor, err := e.fetchSpan(ctx, org, id)
		if err != nil {
			res.Failed++
			e.logger.Warn("failed to fetch ancestor span",
				"organisation", org, "trace_id", b.key.traceID, "span_id", id, "error", err)
			return
		}
		if ancestor == nil {
			e.logger.Debug("ancestor span not found", "organisation", org, "trace_id", b.key.traceID, "span_id", id)
			return
		}
		if ancestor.TraceID != b.key.traceID {
			e.logger.Debug("ancestor span belongs to another trace",
				"organisation", org, "trace_id", b.key.traceID, "span_id", id, "ancestor_trace_id", ancestor.TraceID)
			return
		}

		total := ancestor.TokenUsage().Add(delta)
		updated, err := e.store.UpdateSpan(ctx, id, SpanUpdate{Attributes: total.Attributes()}, org)
		if err != nil {
			res.Failed++
			e.logger.Warn("failed to update ancestor span",
				"organisation", org, "trace_id", b.key.traceID, "span_id", id, "error", err)
			return
		}
		if updated == nil {
			e.logger.Debug("ancestor span disappeared before update", "organisation", org, "span_id", id)
			return
		}
		res.Updated++
		id = ancestor.ParentID
	}
}

func (e *Engine) fetchSpan(ctx context.Context, organisation, id string) (*Span, error) {
	result, err := e.store.SearchSpans(ctx, SpanQuery{ID: id}, organisation, 1, 0)
	if err != nil {
		return nil, err
	}
	if result == nil || len(result.Hits) == 0 {
		return nil, nil
	}
	return &result.Hits[0], nil
}

func (e *Engine) traceLock(key traceKey) *sync.Mutex {
	if len(e.locks) == 0 {
		return nil
	}
	h := xxhash.New()
	_, _ = h.WriteString(key.organisation)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(key.traceID)
	return &e.locks[h.Sum64()%uint64(len(e.locks))]
}
