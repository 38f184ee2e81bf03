package export

import (
	"context"
	"fmt"
	"time"

	"marginalia/internal/logging"
	"marginalia/internal/store"
)

const (
	contextRunes  = 60
	pageSize      = 200
	maxAnnotation = 5000
)

// DataStore defines the interface for data access
type DataStore interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	ListAnnotations(ctx context.Context, documentID string, limit, offset int) ([]store.Annotation, int, error)
}

// ContentSource loads a document's extracted text.
type ContentSource interface {
	DocumentContent(ctx context.Context, doc store.Document) (string, error)
}

// Service provides annotation report export
type Service struct {
	store     DataStore
	content   ContentSource
	renderPDF func(ctx context.Context, html, title string) (*Result, error)
	now       func() time.Time
}

// NewService creates an export service. content may be nil, in which case
// reports carry no surrounding text.
func NewService(store DataStore, content ContentSource) *Service {
	return &Service{store: store, content: content, renderPDF: exportPDF, now: time.Now}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	doc, err := s.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}

	annotations, err := s.listAll(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	var text []rune
	if s.content != nil {
		content, err := s.content.DocumentContent(ctx, doc)
		if err != nil {
			logging.From(ctx).Warnf("export %s without content: %v", doc.ID, err)
		} else {
			text = []rune(content)
		}
	}

	data := TemplateData{
		Title:       doc.Title,
		Owner:       doc.OwnerID,
		GeneratedAt: s.now().UTC(),
		Annotations: []TemplateAnnotation{},
	}
	if owner, err := s.store.GetUserByID(ctx, doc.OwnerID); err == nil {
		data.Owner = owner.DisplayName
	}

	for _, a := range annotations {
		if a.IsResolved {
			data.Resolved++
		}
		data.Total++
		if a.IsResolved && !req.IncludeResolved {
			continue
		}
		data.Annotations = append(data.Annotations, templateAnnotation(a, text))
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return s.renderPDF(ctx, html, doc.Title)
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(doc.Title) + "-annotations.html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

func (s *Service) listAll(ctx context.Context, documentID string) ([]store.Annotation, error) {
	var all []store.Annotation
	for offset := 0; offset < maxAnnotation; offset += pageSize {
		items, total, err := s.store.ListAnnotations(ctx, documentID, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list annotations: %w", err)
		}
		all = append(all, items...)
		if len(items) < pageSize || len(all) >= total {
			break
		}
	}
	return all, nil
}

func templateAnnotation(a store.Annotation, text []rune) TemplateAnnotation {
	author := a.User.DisplayName
	if author == "" {
		author = a.User.Username
	}
	before, after := surrounding(text, a.StartOffset, a.EndOffset)
	return TemplateAnnotation{
		Author:       author,
		Color:        a.Color,
		StartOffset:  a.StartOffset,
		EndOffset:    a.EndOffset,
		Before:       before,
		SelectedText: a.SelectedText,
		After:        after,
		Comment:      a.Comment,
		IsResolved:   a.IsResolved,
		CreatedAt:    a.CreatedAt,
	}
}

// surrounding returns up to contextRunes characters on each side of the
// range. Offsets past the end of the text yield empty context.
func surrounding(text []rune, start, end int) (string, string) {
	if start < 0 || end > len(text) || start >= end {
		return "", ""
	}
	from := start - contextRunes
	if from < 0 {
		from = 0
	}
	to := end + contextRunes
	if to > len(text) {
		to = len(text)
	}
	return string(text[from:start]), string(text[end:to])
}
