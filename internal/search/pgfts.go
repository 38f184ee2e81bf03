package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches annotations.search_vector with plainto_tsquery, ranks with
// ts_rank and builds snippets with ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	q = normalize(q)
	if strings.TrimSpace(q.Text) == "" || len(q.DocumentIDs) == 0 {
		return nil, 0, nil
	}

	const where = `a.search_vector @@ plainto_tsquery('english', $1) AND a.document_id = ANY($2)`

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM annotations a WHERE `+where,
		q.Text, q.DocumentIDs,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.document_id, a.user_id, a.selected_text, a.comment, a.is_resolved,
			ts_headline('english', coalesce(nullif(a.comment, ''), a.selected_text),
				plainto_tsquery('english', $1),
				'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30') AS snippet
		FROM annotations a
		WHERE `+where+`
		ORDER BY ts_rank(a.search_vector, plainto_tsquery('english', $1)) DESC, a.created_at DESC, a.id
		LIMIT $3 OFFSET $4`,
		q.Text, q.DocumentIDs, q.Limit, q.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.AnnotationID, &r.DocumentID, &r.UserID, &r.SelectedText, &r.Comment, &r.IsResolved, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every annotation for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]AnnotationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, selected_text, comment, is_resolved,
			extract(epoch FROM created_at)::bigint
		FROM annotations
	`)
	if err != nil {
		return nil, fmt.Errorf("load annotations: %w", err)
	}
	defer rows.Close()

	records := make([]AnnotationRecord, 0)
	for rows.Next() {
		var r AnnotationRecord
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.UserID, &r.SelectedText, &r.Comment, &r.IsResolved, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return records, nil
}
