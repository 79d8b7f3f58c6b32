package search

import (
	"context"
	"sort"
	"strings"
)

// RecordSearcher matches query terms against records loaded on demand. It
// backs search when no database is available.
type RecordSearcher struct {
	load func(ctx context.Context) ([]Record, error)
}

func NewRecordSearcher(load func(ctx context.Context) ([]Record, error)) *RecordSearcher {
	return &RecordSearcher{load: load}
}

func (r *RecordSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	records, err := r.load(ctx)
	if err != nil {
		return nil, 0, err
	}

	type scored struct {
		result Result
		score  int
	}
	var hits []scored
	for _, rec := range records {
		if q.FilterType != "" && rec.Type != q.FilterType {
			continue
		}
		if q.FilterCategory != "" && rec.Category != q.FilterCategory {
			continue
		}
		title := strings.ToLower(rec.Title)
		body := strings.ToLower(rec.Description + " " + rec.FileName)
		score := 0
		for _, term := range terms {
			if strings.Contains(title, term) {
				score += 2
			} else if strings.Contains(body, term) {
				score++
			} else {
				score = 0
				break
			}
		}
		if score == 0 {
			continue
		}
		hits = append(hits, scored{score: score, result: Result{
			Type:     rec.Type,
			ID:       rec.ID,
			Title:    rec.Title,
			Snippet:  snippet(rec.Description, 30),
			Category: rec.Category,
			Status:   rec.Status,
		}})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	total := len(hits)
	limit, offset := pageBounds(q)
	if offset >= total {
		return []Result{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	results := make([]Result, 0, end-offset)
	for _, hit := range hits[offset:end] {
		results = append(results, hit.result)
	}
	return results, total, nil
}

func pageBounds(q Query) (int, int) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func snippet(text string, words int) string {
	fields := strings.Fields(text)
	if len(fields) <= words {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[:words], " ") + "…"
}
