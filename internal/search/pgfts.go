package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Search executes a UNION ALL query across proposals, funding items and vault
// items using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit, offset := pageBounds(q)

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	categoryFilter := ""
	if q.FilterCategory != "" {
		args = append(args, q.FilterCategory)
		categoryFilter = " AND category = $2"
	}

	sources := []struct {
		rtyp   ResultType
		table  string
		body   string
		status string
	}{
		{ResultProposal, "proposals", "description", "status"},
		{ResultFunding, "funding_items", "description", "status"},
		{ResultVault, "vault_items", "description || ' ' || file_name", "''::text"},
	}

	var subQueries []string
	for _, src := range sources {
		if q.FilterType != "" && q.FilterType != src.rtyp {
			continue
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT '%s'::text AS type, id, title,
				ts_headline('english', coalesce(%s, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				category, %s AS status,
				ts_rank(fts, %s) AS rank
			FROM %s
			WHERE fts @@ %s%s`, src.rtyp, src.body, tsQuery, src.status, tsQuery, src.table, tsQuery, categoryFilter))
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, category, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Category, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}
