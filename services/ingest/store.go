package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/aiqa/server/pkg/config"
)

// DefaultSearchLimit applies when a search passes a non-positive limit.
const DefaultSearchLimit = 100

// SpanQuery selects persisted spans of one organisation. Empty fields do not
// filter.
type SpanQuery struct {
	ID       string
	TraceID  string
	ParentID string
}

// SearchResult is one page of matching spans plus the total match count.
type SearchResult struct {
	Hits  []Span
	Total int
}

// SpanUpdate is a partial span update. Attributes are merged key by key into
// the stored attributes; nil fields are left unchanged.
type SpanUpdate struct {
	Attributes map[string]any
	Tags       []string
	Starred    *bool
}

// SpanWriter persists newly ingested spans.
type SpanWriter interface {
	// WriteSpans stores spans for organisation, replacing spans with the same
	// ID, and returns how many were written.
	WriteSpans(ctx context.Context, organisation string, spans []Span) (int, error)
}

// SpanStore reads and updates persisted spans. It is the seam the
// propagation engine works through.
type SpanStore interface {
	SearchSpans(ctx context.Context, query SpanQuery, organisation string, limit, offset int) (*SearchResult, error)
	// UpdateSpan applies update and returns the updated span, or nil when no
	// span with id exists for organisation.
	UpdateSpan(ctx context.Context, id string, update SpanUpdate, organisation string) (*Span, error)
}

// Store is the full span storage contract.
type Store interface {
	SpanWriter
	SpanStore
}

// StoreOptions contains configuration for creating a store.
type StoreOptions struct {
	Backend config.StorageBackend
	DB      *sql.DB
}

// NewStore creates a new Store based on the provided options.
func NewStore(opts StoreOptions) (Store, error) {
	switch opts.Backend {
	case config.StoragePostgres:
		if opts.DB == nil {
			return nil, fmt.Errorf("database connection required for postgres backend")
		}
		return NewPostgresSpanStore(opts.DB), nil
	case config.StorageMemory, "":
		return NewMemorySpanStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// MemorySpanStore is an in-memory implementation of Store.
type MemorySpanStore struct {
	mu    sync.RWMutex
	spans map[string]map[string]*Span // organisation -> span id -> span
}

// NewMemorySpanStore creates a new in-memory span store.
func NewMemorySpanStore() *MemorySpanStore {
	return &MemorySpanStore{
		spans: make(map[string]map[string]*Span),
	}
}

func (s *MemorySpanStore) WriteSpans(ctx context.Context, organisation string, spans []Span) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.spans[organisation]
	if !ok {
		tenant = make(map[string]*Span)
		s.spans[organisation] = tenant
	}
	for i := range spans {
		sp := CopySpan(&spans[i])
		sp.Organisation = organisation
		if prev, ok := tenant[sp.ID]; ok {
			sp.Tags = prev.Tags
			sp.Starred = prev.Starred
		}
		tenant[sp.ID] = sp
	}
	return len(spans), nil
}

func (s *MemorySpanStore) SearchSpans(ctx context.Context, query SpanQuery, organisation string, limit, offset int) (*SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*Span
	tenant := s.spans[organisation]
	if query.ID != "" {
		if sp, ok := tenant[query.ID]; ok && matchesQuery(sp, query) {
			matches = append(matches, sp)
		}
	} else {
		for _, sp := range tenant {
			if matchesQuery(sp, query) {
				matches = append(matches, sp)
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].Start.Equal(matches[j].Start) {
			return matches[i].Start.Before(matches[j].Start)
		}
		return matches[i].ID < matches[j].ID
	})

	result := &SearchResult{Total: len(matches), Hits: []Span{}}
	if offset >= len(matches) {
		return result, nil
	}
	if offset > 0 {
		matches = matches[offset:]
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	for _, sp := range matches {
		result.Hits = append(result.Hits, *CopySpan(sp))
	}
	return result, nil
}

func matchesQuery(sp *Span, query SpanQuery) bool {
	if query.ID != "" && sp.ID != query.ID {
		return false
	}
	if query.TraceID != "" && sp.TraceID != query.TraceID {
		return false
	}
	if query.ParentID != "" && sp.ParentID != query.ParentID {
		return false
	}
	return true
}

func (s *MemorySpanStore) UpdateSpan(ctx context.Context, id string, update SpanUpdate, organisation string) (*Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.spans[organisation][id]
	if !ok {
		return nil, nil
	}

	updated := CopySpan(sp)
	if len(update.Attributes) > 0 {
		if updated.Attributes == nil {
			updated.Attributes = make(map[string]any, len(update.Attributes))
		}
		for k, v := range update.Attributes {
			updated.Attributes[k] = v
		}
	}
	if update.Tags != nil {
		updated.Tags = append([]string(nil), update.Tags...)
	}
	if update.Starred != nil {
		updated.Starred = *update.Starred
	}
	s.spans[organisation][id] = updated

	return CopySpan(updated), nil
}

// Len returns the number of spans stored for organisation.
func (s *MemorySpanStore) Len(organisation string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.spans[organisation])
}
