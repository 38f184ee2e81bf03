// Package annotation is the gateway for annotation records: validation,
// ownership rules and duplicate detection on top of the store.
package annotation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"marginalia/internal/apierr"
	"marginalia/internal/metrics"
	"marginalia/internal/store"
	"marginalia/internal/util"
	"marginalia/internal/validation"
)

const (
	MaxSelectedTextLength = 10000
	MaxCommentLength      = 5000
	DefaultPageSize       = 50
	MaxPageSize           = 200

	// MaxOffset is the largest offset the offset columns can hold.
	MaxOffset = math.MaxInt32
)

// Annotation is the populated record sent to clients.
type Annotation struct {
	ID           string        `json:"id"`
	DocumentID   string        `json:"documentId"`
	UserID       string        `json:"userId"`
	StartOffset  int           `json:"startOffset"`
	EndOffset    int           `json:"endOffset"`
	SelectedText string        `json:"selectedText"`
	Comment      string        `json:"comment"`
	Color        string        `json:"color"`
	IsResolved   bool          `json:"isResolved"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	User         store.Profile `json:"user"`
}

func fromRecord(record store.Annotation) Annotation {
	return Annotation{
		ID:           record.ID,
		DocumentID:   record.DocumentID,
		UserID:       record.UserID,
		StartOffset:  record.StartOffset,
		EndOffset:    record.EndOffset,
		SelectedText: record.SelectedText,
		Comment:      record.Comment,
		Color:        record.Color,
		IsResolved:   record.IsResolved,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
		User:         record.User,
	}
}

func fromRecords(records []store.Annotation) []Annotation {
	items := make([]Annotation, 0, len(records))
	for _, record := range records {
		items = append(items, fromRecord(record))
	}
	return items
}

type CreateInput struct {
	DocumentID   string `json:"documentId" validate:"required,max=64"`
	UserID       string `json:"userId" validate:"required"`
	StartOffset  int    `json:"startOffset" validate:"gte=0,lte=2147483647"`
	EndOffset    int    `json:"endOffset" validate:"gtfield=StartOffset,lte=2147483647"`
	SelectedText string `json:"selectedText" validate:"required,max=10000"`
	Comment      string `json:"comment" validate:"max=5000"`
	// Color defaults to the creator's color.
	Color string `json:"color"`
}

type Patch struct {
	Comment    *string `json:"comment,omitempty" validate:"omitempty,max=5000"`
	IsResolved *bool   `json:"isResolved,omitempty"`
}

type Page struct {
	Items    []Annotation `json:"items"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"pageSize"`
}

type Store interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	CreateAnnotation(ctx context.Context, annotation store.Annotation) (store.Annotation, error)
	GetAnnotation(ctx context.Context, annotationID string) (store.Annotation, error)
	UpdateAnnotation(ctx context.Context, annotationID string, patch store.AnnotationPatch) (store.Annotation, error)
	DeleteAnnotation(ctx context.Context, annotationID string) error
	ListAnnotations(ctx context.Context, documentID string, limit, offset int) ([]store.Annotation, int, error)
	ListOverlappingAnnotations(ctx context.Context, documentID string, start, end int) ([]store.Annotation, error)
}

// Indexer receives annotation changes for search. Calls must not block.
type Indexer interface {
	IndexAnnotation(annotation store.Annotation)
	RemoveAnnotation(annotationID string)
}

type Service struct {
	store   Store
	indexer Indexer
	metrics *metrics.Metrics
}

// NewService creates the gateway. indexer and m may be nil.
func NewService(st Store, indexer Indexer, m *metrics.Metrics) *Service {
	return &Service{store: st, indexer: indexer, metrics: m}
}

// Create validates and stores a new annotation. A second annotation on the
// same (document, user, start, end) anchor fails with DUPLICATE_ANNOTATION;
// the store's uniqueness constraint decides, not a prior lookup.
func (s *Service) Create(ctx context.Context, input CreateInput) (Annotation, error) {
	if err := validateCreate(input); err != nil {
		return Annotation{}, err
	}
	doc, err := s.store.GetDocument(ctx, input.DocumentID)
	if err != nil {
		return Annotation{}, storeError(err, "Document not found")
	}
	if doc.ContentLength > 0 && input.EndOffset > doc.ContentLength {
		return Annotation{}, apierr.Validation(
			fmt.Sprintf("endOffset must be <= %d, the document length", doc.ContentLength), nil)
	}

	color := input.Color
	if color == "" {
		user, err := s.store.GetUserByID(ctx, input.UserID)
		if err != nil {
			return Annotation{}, storeError(err, "User not found")
		}
		color = user.Color
	}

	started := time.Now()
	record, err := s.store.CreateAnnotation(ctx, store.Annotation{
		ID:           util.NewID("ann"),
		DocumentID:   input.DocumentID,
		UserID:       input.UserID,
		StartOffset:  input.StartOffset,
		EndOffset:    input.EndOffset,
		SelectedText: input.SelectedText,
		Comment:      input.Comment,
		Color:        color,
	})
	s.metrics.ObserveStore("create", started, ignoreExpected(err))
	if err != nil {
		return Annotation{}, storeError(err, "Document not found")
	}

	if s.indexer != nil {
		s.indexer.IndexAnnotation(record)
	}
	return fromRecord(record), nil
}

// Get loads one annotation.
func (s *Service) Get(ctx context.Context, annotationID string) (Annotation, error) {
	if strings.TrimSpace(annotationID) == "" {
		return Annotation{}, apierr.Validation("annotationId is required", nil)
	}
	started := time.Now()
	record, err := s.store.GetAnnotation(ctx, annotationID)
	s.metrics.ObserveStore("get", started, ignoreExpected(err))
	if err != nil {
		return Annotation{}, storeError(err, "Annotation not found")
	}
	return fromRecord(record), nil
}

// Update patches comment and/or isResolved. Only the creator may update.
// Concurrent updates are last write wins.
func (s *Service) Update(ctx context.Context, annotationID, requesterID string, patch Patch) (Annotation, error) {
	if err := validation.ValidateStruct(patch); err != nil {
		return Annotation{}, apierr.FromValidation(err)
	}
	if patch.Comment == nil && patch.IsResolved == nil {
		return Annotation{}, apierr.Validation("Nothing to update", nil)
	}

	existing, err := s.Get(ctx, annotationID)
	if err != nil {
		return Annotation{}, err
	}
	if existing.UserID != requesterID {
		return Annotation{}, apierr.Forbidden("Only the creator can edit this annotation")
	}

	started := time.Now()
	record, err := s.store.UpdateAnnotation(ctx, annotationID, store.AnnotationPatch{
		Comment:    patch.Comment,
		IsResolved: patch.IsResolved,
	})
	s.metrics.ObserveStore("update", started, ignoreExpected(err))
	if err != nil {
		return Annotation{}, storeError(err, "Annotation not found")
	}

	if s.indexer != nil {
		s.indexer.IndexAnnotation(record)
	}
	return fromRecord(record), nil
}

// Delete removes the annotation when the requester created it or owns its
// document. It returns the deleted record.
func (s *Service) Delete(ctx context.Context, annotationID, requesterID string) (Annotation, error) {
	existing, err := s.Get(ctx, annotationID)
	if err != nil {
		return Annotation{}, err
	}

	if existing.UserID != requesterID {
		doc, err := s.store.GetDocument(ctx, existing.DocumentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Annotation{}, apierr.StoreFailure(err)
		}
		if err != nil || doc.OwnerID != requesterID {
			return Annotation{}, apierr.Forbidden("Only the creator or the document owner can delete this annotation")
		}
	}

	started := time.Now()
	err = s.store.DeleteAnnotation(ctx, annotationID)
	s.metrics.ObserveStore("delete", started, ignoreExpected(err))
	if err != nil {
		return Annotation{}, storeError(err, "Annotation not found")
	}

	if s.indexer != nil {
		s.indexer.RemoveAnnotation(annotationID)
	}
	return existing, nil
}

// ListByDocument returns one page ordered by start offset, newest first
// among equal offsets. page is 1-based.
func (s *Service) ListByDocument(ctx context.Context, documentID string, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	started := time.Now()
	records, total, err := s.store.ListAnnotations(ctx, documentID, pageSize, (page-1)*pageSize)
	s.metrics.ObserveStore("list", started, err)
	if err != nil {
		return Page{}, apierr.StoreFailure(err)
	}
	return Page{Items: fromRecords(records), Total: total, Page: page, PageSize: pageSize}, nil
}

// FindOverlapping returns annotations intersecting [start, end). Ranges that
// only touch do not overlap.
func (s *Service) FindOverlapping(ctx context.Context, documentID string, start, end int) ([]Annotation, error) {
	if err := validateRange(start, end); err != nil {
		return nil, err
	}
	started := time.Now()
	records, err := s.store.ListOverlappingAnnotations(ctx, documentID, start, end)
	s.metrics.ObserveStore("overlap", started, err)
	if err != nil {
		return nil, apierr.StoreFailure(err)
	}
	return fromRecords(records), nil
}

func validateCreate(input CreateInput) error {
	if err := validateRange(input.StartOffset, input.EndOffset); err != nil {
		return err
	}
	if strings.TrimSpace(input.SelectedText) == "" {
		return apierr.Validation("selectedText must not be blank", nil)
	}
	if err := validation.ValidateStruct(input); err != nil {
		return apierr.FromValidation(err)
	}
	return nil
}

func validateRange(start, end int) error {
	if start < 0 {
		return apierr.Validation("startOffset must be >= 0", nil)
	}
	if end <= start {
		return apierr.Validation("endOffset must be greater than startOffset", nil)
	}
	if end > MaxOffset {
		return apierr.Validation(fmt.Sprintf("endOffset must be <= %d", MaxOffset), nil)
	}
	return nil
}

func storeError(err error, notFound string) error {
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return apierr.Duplicate()
	case errors.Is(err, store.ErrNotFound):
		return apierr.NotFound(notFound)
	default:
		return apierr.StoreFailure(err)
	}
}

// ignoreExpected keeps duplicates and misses out of the store error series.
func ignoreExpected(err error) error {
	if errors.Is(err, store.ErrDuplicate) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
