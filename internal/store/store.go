package store

import (
	"context"
	"time"
)

// Store is implemented by the Postgres and in-memory backends.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user User) error
	GetUserByID(ctx context.Context, userID string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)

	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	CreateDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, documentID string) (Document, error)
	ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error)
	AddCollaborator(ctx context.Context, documentID, userID string) error
	RemoveCollaborator(ctx context.Context, documentID, userID string) error

	CreateAnnotation(ctx context.Context, annotation Annotation) (Annotation, error)
	GetAnnotation(ctx context.Context, annotationID string) (Annotation, error)
	UpdateAnnotation(ctx context.Context, annotationID string, patch AnnotationPatch) (Annotation, error)
	DeleteAnnotation(ctx context.Context, annotationID string) error
	ListAnnotations(ctx context.Context, documentID string, limit, offset int) ([]Annotation, int, error)
	ListOverlappingAnnotations(ctx context.Context, documentID string, start, end int) ([]Annotation, error)
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
