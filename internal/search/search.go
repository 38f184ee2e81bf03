// Package search finds annotations by comment and selected text.
package search

import (
	"context"

	"marginalia/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	AnnotationID string `json:"annotationId"`
	DocumentID   string `json:"documentId"`
	UserID       string `json:"userId"`
	SelectedText string `json:"selectedText"`
	Comment      string `json:"comment"`
	Snippet      string `json:"snippet"`
	IsResolved   bool   `json:"isResolved"`
}

// Query describes a search request. DocumentIDs restricts hits to the
// documents the caller may read; an empty list matches nothing.
type Query struct {
	Text        string
	DocumentIDs []string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// AnnotationRecord is the data we index for an annotation.
type AnnotationRecord struct {
	ID           string `json:"id"`
	DocumentID   string `json:"documentId"`
	UserID       string `json:"userId"`
	SelectedText string `json:"selectedText"`
	Comment      string `json:"comment"`
	IsResolved   bool   `json:"isResolved"`
	CreatedAt    int64  `json:"createdAt"`
}

func RecordFromAnnotation(a store.Annotation) AnnotationRecord {
	return AnnotationRecord{
		ID:           a.ID,
		DocumentID:   a.DocumentID,
		UserID:       a.UserID,
		SelectedText: a.SelectedText,
		Comment:      a.Comment,
		IsResolved:   a.IsResolved,
		CreatedAt:    a.CreatedAt.Unix(),
	}
}

const (
	defaultLimit = 20
	maxLimit     = 100
)

func normalize(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
