package search

import (
	"context"

	"marginalia/internal/logging"
	"marginalia/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to the
// store's own search.
type Service struct {
	meili    *Meili
	fallback Searcher
	logger   logging.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	return &Service{meili: meili, fallback: fallback, logger: logging.New("search")}
}

// Search tries Meilisearch if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q = normalize(q)
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warnf("meilisearch error, falling back: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Errorf("fallback search: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexAnnotation indexes an annotation (fire-and-forget to Meilisearch).
func (s *Service) IndexAnnotation(a store.Annotation) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordFromAnnotation(a)
	go func() {
		if err := s.meili.IndexAnnotation(record); err != nil {
			s.logger.Warnf("index annotation %s: %v", record.ID, err)
		}
	}()
}

// RemoveAnnotation removes an annotation from the index (fire-and-forget).
func (s *Service) RemoveAnnotation(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteAnnotation(id); err != nil {
			s.logger.Warnf("delete annotation %s: %v", id, err)
		}
	}()
}

// ReindexFromPG pushes every annotation in PostgreSQL to Meilisearch.
func (s *Service) ReindexFromPG(ctx context.Context, pgfts *PgFTS) {
	if s.meili == nil || !s.meili.Healthy() || pgfts == nil {
		return
	}
	records, err := pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Errorf("reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexAnnotations(records); err != nil {
		s.logger.Errorf("reindex annotations: %v", err)
		return
	}
	s.logger.Infof("reindexed %d annotations", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
