package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to the
// store's own search.
type Service struct {
	meili    *Meili
	fallback Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Index adds or replaces a record (fire-and-forget to Meilisearch).
func (s *Service) Index(rec Record) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.Index([]Record{rec}); err != nil {
			log.Printf("search: index %s %s: %v", rec.Type, rec.ID, err)
		}
	}()
}

// Delete removes a record from the index (fire-and-forget).
func (s *Service) Delete(typ ResultType, id string) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.Delete(typ, id); err != nil {
			log.Printf("search: delete %s %s: %v", typ, id, err)
		}
	}()
}

// ReindexAll pushes every record to Meilisearch. Called during Bootstrap.
func (s *Service) ReindexAll(records []Record) {
	if s == nil || s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	if err := s.meili.Index(records); err != nil {
		log.Printf("search: reindex: %v", err)
	}
}

func (s *Service) Close() {
	if s != nil && s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
