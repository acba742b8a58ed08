package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a tsquery over message bodies joined up to their threads.
// Thread hits are messages grouped by thread; message hits are individual
// rows with a ts_headline snippet.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "m.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.DocumentID != 0 {
		where += fmt.Sprintf(" AND t.document_id = $%d", len(args)+1)
		args = append(args, q.DocumentID)
	}
	query := fmt.Sprintf(`
		SELECT m.id, m.thread_identifier, t.document_id, m.category,
			ts_headline('english', m.body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			COUNT(*) OVER() AS total
		FROM messages m
		JOIN threads t ON t.identifier = m.thread_identifier
		WHERE %s
		ORDER BY ts_rank(m.fts, plainto_tsquery('english', $1)) DESC, m.created_at DESC
		LIMIT %d OFFSET %d
	`, where, limit, offset)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	seenThreads := map[string]struct{}{}
	for rows.Next() {
		var r Result
		r.Type = ResultMessage
		if err := rows.Scan(&r.ID, &r.ThreadIdentifier, &r.DocumentID, &r.Category, &r.Snippet, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		if q.FilterType == ResultThread {
			if _, seen := seenThreads[r.ThreadIdentifier]; seen {
				continue
			}
			seenThreads[r.ThreadIdentifier] = struct{}{}
			r.Type = ResultThread
			r.ID = r.ThreadIdentifier
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
