package search

import (
	"context"
	"fmt"
	"strings"

	"marginalia/internal/store"
)

// AnnotationMatcher is implemented by stores that can scan annotations
// without a full-text index.
type AnnotationMatcher interface {
	SearchAnnotations(ctx context.Context, text string, documentIDs []string, limit int) ([]store.Annotation, error)
}

// Local implements Searcher with substring matching on an in-process store.
type Local struct {
	matcher AnnotationMatcher
}

func NewLocal(matcher AnnotationMatcher) *Local {
	return &Local{matcher: matcher}
}

func (l *Local) Healthy() bool {
	return true
}

func (l *Local) Search(ctx context.Context, q Query) ([]Result, int, error) {
	q = normalize(q)
	if strings.TrimSpace(q.Text) == "" || len(q.DocumentIDs) == 0 {
		return nil, 0, nil
	}

	matches, err := l.matcher.SearchAnnotations(ctx, q.Text, q.DocumentIDs, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("local search: %w", err)
	}
	total := len(matches)
	if q.Offset >= total {
		return nil, total, nil
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}

	results := make([]Result, 0, end-q.Offset)
	for _, a := range matches[q.Offset:end] {
		results = append(results, Result{
			AnnotationID: a.ID,
			DocumentID:   a.DocumentID,
			UserID:       a.UserID,
			SelectedText: a.SelectedText,
			Comment:      a.Comment,
			IsResolved:   a.IsResolved,
			Snippet:      highlight(firstNonBlank(a.Comment, a.SelectedText), q.Text),
		})
	}
	return results, total, nil
}

// highlight wraps the first case-insensitive occurrence of term in <mark>.
func highlight(text, term string) string {
	term = strings.TrimSpace(term)
	i := strings.Index(strings.ToLower(text), strings.ToLower(term))
	if term == "" || i < 0 {
		return text
	}
	return text[:i] + "<mark>" + text[i:i+len(term)] + "</mark>" + text[i+len(term):]
}
