package ingest

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"github.com/aiqa/server/pkg/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the ingest schema migrations.
func Migrate(ctx context.Context, db *database.DB, logger *slog.Logger) error {
	m := database.NewMigrator(db, "ingest").WithLogger(logger)
	if err := m.LoadMigrations(migrationsFS, "migrations"); err != nil {
		return err
	}
	applied, err := m.Up(ctx)
	if err != nil {
		return err
	}
	logger.Info("schema up to date", "applied", applied)
	return nil
}

// storageJSON round-trips JSONB columns. Numbers decode as json.Number so
// int64 token counts survive.
var storageJSON = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	UseNumber:              true,
	ValidateJsonRawMessage: true,
}.Froze()

const spanColumns = `organisation, id, trace_id, parent_id, name, kind, start_time, end_time, ended,
	status_code, status_message, attributes, events, links,
	dropped_attributes, dropped_events, dropped_links,
	scope_name, scope_version, trace_state, flags, tags, starred`

// PostgresSpanStore implements Store using PostgreSQL.
type PostgresSpanStore struct {
	db *sql.DB
}

// NewPostgresSpanStore creates a new PostgreSQL-backed span store.
func NewPostgresSpanStore(db *sql.DB) *PostgresSpanStore {
	return &PostgresSpanStore{db: db}
}

func (s *PostgresSpanStore) WriteSpans(ctx context.Context, organisation string, spans []Span) (int, error) {
	if len(spans) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO spans (`+spanColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (organisation, id) DO UPDATE SET
			trace_id = EXCLUDED.trace_id,
			parent_id = EXCLUDED.parent_id,
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			ended = EXCLUDED.ended,
			status_code = EXCLUDED.status_code,
			status_message = EXCLUDED.status_message,
			attributes = EXCLUDED.attributes,
			events = EXCLUDED.events,
			links = EXCLUDED.links,
			dropped_attributes = EXCLUDED.dropped_attributes,
			dropped_events = EXCLUDED.dropped_events,
			dropped_links = EXCLUDED.dropped_links,
			scope_name = EXCLUDED.scope_name,
			scope_version = EXCLUDED.scope_version,
			trace_state = EXCLUDED.trace_state,
			flags = EXCLUDED.flags,
			updated_at = NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare span insert: %w", err)
	}
	defer stmt.Close()

	for i := range spans {
		args, err := spanArgs(organisation, &spans[i])
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("failed to insert span %s: %w", spans[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit spans: %w", err)
	}
	return len(spans), nil
}

func spanArgs(organisation string, sp *Span) ([]any, error) {
	attrs, err := marshalJSONB(sp.Attributes, "{}")
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes of span %s: %w", sp.ID, err)
	}
	events, err := marshalJSONB(sp.Events, "[]")
	if err != nil {
		return nil, fmt.Errorf("failed to encode events of span %s: %w", sp.ID, err)
	}
	links, err := marshalJSONB(sp.Links, "[]")
	if err != nil {
		return nil, fmt.Errorf("failed to encode links of span %s: %w", sp.ID, err)
	}

	tags := sp.Tags
	if tags == nil {
		tags = []string{}
	}

	return []any{
		organisation, sp.ID, sp.TraceID, nullString(sp.ParentID), sp.Name,
		SpanKindToString(sp.Kind), nullTime(sp.Start), nullTime(sp.End), sp.Ended,
		StatusCodeToString(sp.Status.Code), sp.Status.Message, attrs, events, links,
		int64(sp.DroppedAttributesCount), int64(sp.DroppedEventsCount), int64(sp.DroppedLinksCount),
		sp.Scope.Name, sp.Scope.Version, sp.TraceState, int64(sp.Flags), pq.Array(tags), sp.Starred,
	}, nil
}

func (s *PostgresSpanStore) SearchSpans(ctx context.Context, query SpanQuery, organisation string, limit, offset int) (*SearchResult, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if offset < 0 {
		offset = 0
	}

	where := []string{"organisation = $1"}
	args := []any{organisation}
	if query.ID != "" {
		args = append(args, query.ID)
		where = append(where, fmt.Sprintf("id = $%d", len(args)))
	}
	if query.TraceID != "" {
		args = append(args, query.TraceID)
		where = append(where, fmt.Sprintf("trace_id = $%d", len(args)))
	}
	if query.ParentID != "" {
		args = append(args, query.ParentID)
		where = append(where, fmt.Sprintf("parent_id = $%d", len(args)))
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM spans WHERE "+whereClause, args...,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count spans: %w", err)
	}

	pageArgs := append(append([]any(nil), args...), limit, offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM spans WHERE %s ORDER BY start_time ASC NULLS FIRST, id ASC LIMIT $%d OFFSET $%d",
		spanColumns, whereClause, len(args)+1, len(args)+2,
	), pageArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to search spans: %w", err)
	}
	defer rows.Close()

	result := &SearchResult{Total: total, Hits: []Span{}}
	for rows.Next() {
		sp, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		result.Hits = append(result.Hits, *sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read spans: %w", err)
	}
	return result, nil
}

func (s *PostgresSpanStore) UpdateSpan(ctx context.Context, id string, update SpanUpdate, organisation string) (*Span, error) {
	attrs, err := marshalJSONB(update.Attributes, "{}")
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	var tags any
	if update.Tags != nil {
		tags = pq.Array(update.Tags)
	}
	var starred sql.NullBool
	if update.Starred != nil {
		starred = sql.NullBool{Bool: *update.Starred, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE spans SET
			attributes = attributes || $1::jsonb,
			tags = COALESCE($2, tags),
			starred = COALESCE($3, starred),
			updated_at = NOW()
		WHERE organisation = $4 AND id = $5
		RETURNING `+spanColumns,
		attrs, tags, starred, organisation, id,
	)
	sp, err := scanSpan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sp, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpan(row rowScanner) (*Span, error) {
	var (
		sp                          Span
		parentID                    sql.NullString
		kind, statusCode            string
		start, end                  sql.NullTime
		attrs, events, links        []byte
		droppedAttrs, droppedEvents int64
		droppedLinks, flags         int64
	)
	err := row.Scan(
		&sp.Organisation, &sp.ID, &sp.TraceID, &parentID, &sp.Name, &kind, &start, &end, &sp.Ended,
		&statusCode, &sp.Status.Message, &attrs, &events, &links,
		&droppedAttrs, &droppedEvents, &droppedLinks,
		&sp.Scope.Name, &sp.Scope.Version, &sp.TraceState, &flags, pq.Array(&sp.Tags), &sp.Starred,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan span: %w", err)
	}

	sp.ParentID = parentID.String
	sp.Kind = StringToSpanKind(kind)
	sp.Status.Code = StringToStatusCode(statusCode)
	if start.Valid {
		sp.Start = start.Time.UTC()
	}
	if end.Valid {
		sp.End = end.Time.UTC()
	}
	sp.DroppedAttributesCount = uint32(droppedAttrs)
	sp.DroppedEventsCount = uint32(droppedEvents)
	sp.DroppedLinksCount = uint32(droppedLinks)
	sp.Flags = uint32(flags)

	if err := storageJSON.Unmarshal(attrs, &sp.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes of span %s: %w", sp.ID, err)
	}
	sp.Attributes = plainAttributes(sp.Attributes)
	if len(events) > 0 {
		if err := storageJSON.Unmarshal(events, &sp.Events); err != nil {
			return nil, fmt.Errorf("failed to decode events of span %s: %w", sp.ID, err)
		}
		for i := range sp.Events {
			sp.Events[i].Attributes = plainAttributes(sp.Events[i].Attributes)
		}
	}
	if len(links) > 0 {
		if err := storageJSON.Unmarshal(links, &sp.Links); err != nil {
			return nil, fmt.Errorf("failed to decode links of span %s: %w", sp.ID, err)
		}
		for i := range sp.Links {
			sp.Links[i].Attributes = plainAttributes(sp.Links[i].Attributes)
		}
	}
	return &sp, nil
}

// marshalJSONB encodes v for a JSONB parameter. It returns a string because
// lib/pq sends []byte parameters as bytea.
func marshalJSONB(v any, empty string) (string, error) {
	b, err := storageJSON.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
