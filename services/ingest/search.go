package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxSearchLimit caps the page size of a span search.
const MaxSearchLimit = 1000

var (
	// ErrForbidden is returned when a caller asks for another organisation's data.
	ErrForbidden = errors.New("forbidden")
	// ErrSearchUnsupported is returned when the configured store cannot be read.
	ErrSearchUnsupported = errors.New("span search not supported by store")
)

// SearchRequest is a span lookup as received over HTTP. Values are parsed
// after the caller is authenticated.
//
// Query is a space separated list of field:value terms, all of which must
// match. Supported fields are spanId (alias clientSpanId and id), traceId and
// parentSpanId (alias parentId).
type SearchRequest struct {
	Organisation string
	Query        string
	Limit        string
	Offset       string
}

// ParseSpanQuery parses the q parameter of a span search.
func ParseSpanQuery(q string) (SpanQuery, error) {
	var query SpanQuery
	for _, term := range strings.Fields(q) {
		field, value, ok := strings.Cut(term, ":")
		if !ok || value == "" {
			return SpanQuery{}, fmt.Errorf("invalid query term %q: expected field:value", term)
		}
		value = strings.ToLower(value)

		var dst *string
		switch field {
		case "spanId", "clientSpanId", "id":
			dst = &query.ID
		case "traceId":
			dst = &query.TraceID
		case "parentSpanId", "parentId":
			dst = &query.ParentID
		default:
			return SpanQuery{}, fmt.Errorf("unsupported query field %q", field)
		}
		if *dst != "" && *dst != value {
			return SpanQuery{}, fmt.Errorf("conflicting values for query field %q", field)
		}
		*dst = value
	}
	return query, nil
}

func parseSearchInt(name, raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// Search returns spans of the caller's organisation. The tenant always comes
// from the credential; a differing req.Organisation is rejected.
func (s *Service) Search(ctx context.Context, credential string, req SearchRequest) (*SearchResult, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.Search")
	defer span.End()

	result, err := s.search(ctx, credential, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("ingest.hits", len(result.Hits)))
	return result, nil
}

func (s *Service) search(ctx context.Context, credential string, req SearchRequest) (*SearchResult, error) {
	key, err := s.auth.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	org := key.Organisation
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("ingest.organisation", org))

	if req.Organisation != "" && req.Organisation != org {
		s.logger.WarnContext(ctx, "rejected cross-organisation search",
			"organisation", org,
			"requested", req.Organisation,
		)
		return nil, fmt.Errorf("%w: credential does not belong to organisation %q", ErrForbidden, req.Organisation)
	}

	query, err := ParseSpanQuery(req.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	limit, err := parseSearchInt("limit", req.Limit, DefaultSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	if limit == 0 {
		limit = DefaultSearchLimit
	}
	limit = min(limit, MaxSearchLimit)
	offset, err := parseSearchInt("offset", req.Offset, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}

	reader, ok := s.store.(SpanStore)
	if !ok {
		return nil, ErrSearchUnsupported
	}
	result, err := reader.SearchSpans(ctx, query, org, limit, offset)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to search spans", "organisation", org, "error", err)
		return nil, fmt.Errorf("%w: failed to search spans: %w", ErrStorage, err)
	}
	return result, nil
}

// SpanView is the JSON shape of a span returned by GET /span.
type SpanView struct {
	SpanID       string         `json:"spanId"`
	TraceID      string         `json:"traceId"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Name         string         `json:"name"`
	Kind         string         `json:"kind"`
	StartTime    time.Time      `json:"startTime"`
	EndTime      *time.Time     `json:"endTime,omitempty"`
	DurationMs   *float64       `json:"durationMs,omitempty"`
	Status       StatusView     `json:"status"`
	Attributes   map[string]any `json:"attributes"`
	Events       []SpanEvent    `json:"events,omitempty"`
	Links        []SpanLink     `json:"links,omitempty"`
	Scope        Scope          `json:"scope"`
	TraceState   string         `json:"traceState,omitempty"`
	Organisation string         `json:"organisation"`
	Tags         []string       `json:"tags,omitempty"`
	Starred      bool           `json:"starred"`
}

// StatusView is a span status with its code spelled out.
type StatusView struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// NewSpanView converts a stored span for the search response.
func NewSpanView(sp *Span) SpanView {
	v := SpanView{
		SpanID:       sp.ID,
		TraceID:      sp.TraceID,
		ParentSpanID: sp.ParentID,
		Name:         sp.Name,
		Kind:         SpanKindToString(sp.Kind),
		StartTime:    sp.Start,
		Status:       StatusView{Code: StatusCodeToString(sp.Status.Code), Message: sp.Status.Message},
		Attributes:   sp.Attributes,
		Events:       sp.Events,
		Links:        sp.Links,
		Scope:        sp.Scope,
		TraceState:   sp.TraceState,
		Organisation: sp.Organisation,
		Tags:         sp.Tags,
		Starred:      sp.Starred,
	}
	if v.Attributes == nil {
		v.Attributes = map[string]any{}
	}
	if sp.Ended {
		end := sp.End
		v.EndTime = &end
		if d, ok := sp.Duration(); ok {
			ms := float64(d) / float64(time.Millisecond)
			v.DurationMs = &ms
		}
	}
	return v
}
