package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation = "23505"
	anchorConstraint  = "annotations_unique_anchor"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, email, password_hash, color)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Username, user.DisplayName, user.Email, user.PasswordHash, user.Color)
	if isUniqueViolation(err, "") {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, username, display_name, email, password_hash, color, created_at, updated_at`

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg).Scan(
		&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Color, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.getUser(ctx, `id=$1`, userID)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `LOWER(email)=LOWER($1)`, email)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.getUser(ctx, `LOWER(username)=LOWER($1)`, username)
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.display_name, u.email, u.password_hash, u.color, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Color, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, title, content, content_key, content_length)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, doc.ID, doc.OwnerID, doc.Title, doc.Content, doc.ContentKey, doc.ContentLength); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	for _, userID := range doc.CollaboratorIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_collaborators (document_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, doc.ID, userID); err != nil {
			return fmt.Errorf("insert collaborator: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, content, content_key, content_length, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.Content, &doc.ContentKey, &doc.ContentLength, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("read document: %w", err)
	}

	collaborators, err := s.listCollaborators(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	doc.CollaboratorIDs = collaborators
	return doc, nil
}

func (s *PostgresStore) listCollaborators(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM document_collaborators
		WHERE document_id=$1
		ORDER BY added_at ASC, user_id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return ids, nil
}

// ListDocumentsForUser returns documents the user owns or collaborates on.
// Content is not loaded.
func (s *PostgresStore) ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.owner_id, d.title, d.content_key, d.content_length, d.created_at, d.updated_at
		FROM documents d
		WHERE d.owner_id = $1
			OR EXISTS (SELECT 1 FROM document_collaborators dc WHERE dc.document_id = d.id AND dc.user_id = $1)
		ORDER BY d.updated_at DESC, d.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Title, &item.ContentKey, &item.ContentLength, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

	for i := range items {
		collaborators, err := s.listCollaborators(ctx, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].CollaboratorIDs = collaborators
	}
	return items, nil
}

func (s *PostgresStore) AddCollaborator(ctx context.Context, documentID, userID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET updated_at=NOW() WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("touch document: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO document_collaborators (document_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, documentID, userID); err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, documentID, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM document_collaborators WHERE document_id=$1 AND user_id=$2`, documentID, userID)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

const annotationSelect = `
	SELECT a.id, a.document_id, a.user_id, a.start_offset, a.end_offset, a.selected_text,
		a.comment, a.color, a.is_resolved, a.created_at, a.updated_at,
		u.id, u.username, u.display_name, u.color
	FROM annotations a
	JOIN users u ON u.id = a.user_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row rowScanner) (Annotation, error) {
	var item Annotation
	err := row.Scan(
		&item.ID, &item.DocumentID, &item.UserID, &item.StartOffset, &item.EndOffset, &item.SelectedText,
		&item.Comment, &item.Color, &item.IsResolved, &item.CreatedAt, &item.UpdatedAt,
		&item.User.ID, &item.User.Username, &item.User.DisplayName, &item.User.Color,
	)
	return item, err
}

// CreateAnnotation inserts the annotation. The annotations_unique_anchor
// constraint makes concurrent inserts of the same anchor fail with
// ErrDuplicate.
func (s *PostgresStore) CreateAnnotation(ctx context.Context, annotation Annotation) (Annotation, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, document_id, user_id, start_offset, end_offset, selected_text, comment, color, is_resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
	`, annotation.ID, annotation.DocumentID, annotation.UserID, annotation.StartOffset, annotation.EndOffset,
		annotation.SelectedText, annotation.Comment, annotation.Color)
	if isUniqueViolation(err, anchorConstraint) {
		return Annotation{}, ErrDuplicate
	}
	if err != nil {
		return Annotation{}, fmt.Errorf("insert annotation: %w", err)
	}
	return s.GetAnnotation(ctx, annotation.ID)
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, annotationID string) (Annotation, error) {
	item, err := scanAnnotation(s.db.QueryRowContext(ctx, annotationSelect+` WHERE a.id=$1`, annotationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Annotation{}, ErrNotFound
	}
	if err != nil {
		return Annotation{}, fmt.Errorf("read annotation: %w", err)
	}
	return item, nil
}

// UpdateAnnotation applies the patch in one statement. Concurrent patches
// resolve as last write wins.
func (s *PostgresStore) UpdateAnnotation(ctx context.Context, annotationID string, patch AnnotationPatch) (Annotation, error) {
	var comment sql.NullString
	if patch.Comment != nil {
		comment = sql.NullString{String: *patch.Comment, Valid: true}
	}
	var resolved sql.NullBool
	if patch.IsResolved != nil {
		resolved = sql.NullBool{Bool: *patch.IsResolved, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE annotations
		SET comment = COALESCE($2, comment),
			is_resolved = COALESCE($3, is_resolved),
			updated_at = NOW()
		WHERE id = $1
	`, annotationID, comment, resolved)
	if err != nil {
		return Annotation{}, fmt.Errorf("update annotation: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return Annotation{}, ErrNotFound
	}
	return s.GetAnnotation(ctx, annotationID)
}

func (s *PostgresStore) DeleteAnnotation(ctx context.Context, annotationID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE id=$1`, annotationID)
	if err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListAnnotations(ctx context.Context, documentID string, limit, offset int) ([]Annotation, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM annotations WHERE document_id=$1`, documentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count annotations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, annotationSelect+`
		WHERE a.document_id=$1
		ORDER BY a.start_offset ASC, a.created_at DESC, a.id ASC
		LIMIT $2 OFFSET $3
	`, documentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list annotations: %w", err)
	}
	items, err := collectAnnotations(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *PostgresStore) ListOverlappingAnnotations(ctx context.Context, documentID string, start, end int) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, annotationSelect+`
		WHERE a.document_id=$1 AND a.start_offset < $3 AND a.end_offset > $2
		ORDER BY a.start_offset ASC, a.created_at DESC, a.id ASC
	`, documentID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list overlapping annotations: %w", err)
	}
	return collectAnnotations(rows)
}

func collectAnnotations(rows *sql.Rows) ([]Annotation, error) {
	defer rows.Close()
	items := make([]Annotation, 0)
	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

// isUniqueViolation reports a 23505 error, optionally restricted to one
// constraint name.
func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.SQLState() != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
