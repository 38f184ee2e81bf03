package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-memdb"
)

var (
	tblUsers          = "users"
	tblDocuments      = "documents"
	tblAnnotations    = "annotations"
	tblRefreshTokens  = "refresh_sessions"
	tblRevokedAccess  = "revoked_access_tokens"
	idxAnchor         = "anchor"
	idxDocumentID     = "document_id"
	idxCollaboratorID = "collaborator_id"
)

var memorySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tblUsers: {
			Name: tblUsers,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"username": {
					Name:    "username",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Username", Lowercase: true},
				},
				"email": {
					Name:    "email",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Email", Lowercase: true},
				},
			},
		},
		tblDocuments: {
			Name: tblDocuments,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"owner_id": {
					Name:    "owner_id",
					Indexer: &memdb.StringFieldIndex{Field: "OwnerID"},
				},
				idxCollaboratorID: {
					Name:         idxCollaboratorID,
					AllowMissing: true,
					Indexer:      &memdb.StringSliceFieldIndex{Field: "CollaboratorIDs"},
				},
			},
		},
		tblAnnotations: {
			Name: tblAnnotations,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				idxDocumentID: {
					Name:    idxDocumentID,
					Indexer: &memdb.StringFieldIndex{Field: "DocumentID"},
				},
				idxAnchor: {
					Name:   idxAnchor,
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "DocumentID"},
							&memdb.StringFieldIndex{Field: "UserID"},
							&memdb.IntFieldIndex{Field: "StartOffset"},
							&memdb.IntFieldIndex{Field: "EndOffset"},
						},
					},
				},
			},
		},
		tblRefreshTokens: {
			Name: tblRefreshTokens,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "TokenHash"},
				},
			},
		},
		tblRevokedAccess: {
			Name: tblRevokedAccess,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "JTI"},
				},
			},
		},
	},
}

type refreshSession struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	Revoked   bool
}

type revokedToken struct {
	JTI       string
	ExpiresAt time.Time
}

// MemoryStore keeps everything in a go-memdb database. Write transactions are
// serialized by memdb, so a lookup followed by an insert inside one write txn
// is atomic.
type MemoryStore struct {
	db  *memdb.MemDB
	now func() time.Time
}

func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memorySchema)
	if err != nil {
		return nil, fmt.Errorf("new memdb: %w", err)
	}
	return &MemoryStore{db: db, now: time.Now}, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	for index, value := range map[string]string{"id": user.ID, "username": user.Username, "email": user.Email} {
		existing, err := txn.First(tblUsers, index, value)
		if err != nil {
			return fmt.Errorf("find user by %s: %w", index, err)
		}
		if existing != nil {
			return ErrUserExists
		}
	}

	now := s.now()
	user.CreatedAt, user.UpdatedAt = now, now
	if err := txn.Insert(tblUsers, &user); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) getUser(txn *memdb.Txn, index, value string) (User, error) {
	raw, err := txn.First(tblUsers, index, value)
	if err != nil {
		return User{}, fmt.Errorf("find user by %s: %w", index, err)
	}
	if raw == nil {
		return User{}, ErrNotFound
	}
	return *raw.(*User), nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return s.getUser(txn, "id", userID)
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return s.getUser(txn, "email", email)
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return s.getUser(txn, "username", username)
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tblRefreshTokens, &refreshSession{TokenHash: tokenHash, UserID: userID, ExpiresAt: expiresAt}); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (User, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblRefreshTokens, "id", tokenHash)
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	if raw == nil {
		return User{}, ErrNotFound
	}
	session := raw.(*refreshSession)
	if session.Revoked || !s.now().Before(session.ExpiresAt) {
		return User{}, ErrNotFound
	}
	return s.getUser(txn, "id", session.UserID)
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblRefreshTokens, "id", tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	if raw == nil {
		return nil
	}
	session := *raw.(*refreshSession)
	session.Revoked = true
	if err := txn.Insert(tblRefreshTokens, &session); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tblRevokedAccess, &revokedToken{JTI: jti, ExpiresAt: exp}); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tblRevokedAccess, "id", jti)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return raw != nil, nil
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc Document) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tblDocuments, "id", doc.ID)
	if err != nil {
		return fmt.Errorf("find document: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("insert document %s: already exists", doc.ID)
	}

	now := s.now()
	doc.CreatedAt, doc.UpdatedAt = now, now
	doc.CollaboratorIDs = append([]string(nil), doc.CollaboratorIDs...)
	if err := txn.Insert(tblDocuments, &doc); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, documentID string) (Document, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return getDocument(txn, documentID)
}

func getDocument(txn *memdb.Txn, documentID string) (Document, error) {
	raw, err := txn.First(tblDocuments, "id", documentID)
	if err != nil {
		return Document{}, fmt.Errorf("find document: %w", err)
	}
	if raw == nil {
		return Document{}, ErrNotFound
	}
	return copyDocument(raw.(*Document)), nil
}

func copyDocument(doc *Document) Document {
	out := *doc
	out.CollaboratorIDs = append([]string{}, doc.CollaboratorIDs...)
	return out
}

func (s *MemoryStore) ListDocumentsForUser(_ context.Context, userID string) ([]Document, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	seen := map[string]bool{}
	items := make([]Document, 0)
	for _, index := range []string{"owner_id", idxCollaboratorID} {
		iter, err := txn.Get(tblDocuments, index, userID)
		if err != nil {
			return nil, fmt.Errorf("list documents by %s: %w", index, err)
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			doc := copyDocument(raw.(*Document))
			if seen[doc.ID] {
				continue
			}
			seen[doc.ID] = true
			doc.Content = ""
			items = append(items, doc)
		}
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *MemoryStore) AddCollaborator(_ context.Context, documentID, userID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	doc, err := getDocument(txn, documentID)
	if err != nil {
		return err
	}
	for _, id := range doc.CollaboratorIDs {
		if id == userID {
			return nil
		}
	}
	doc.CollaboratorIDs = append(doc.CollaboratorIDs, userID)
	doc.UpdatedAt = s.now()
	if err := txn.Insert(tblDocuments, &doc); err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) RemoveCollaborator(_ context.Context, documentID, userID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	doc, err := getDocument(txn, documentID)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(doc.CollaboratorIDs))
	for _, id := range doc.CollaboratorIDs {
		if id != userID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(doc.CollaboratorIDs) {
		return ErrNotFound
	}
	doc.CollaboratorIDs = kept
	doc.UpdatedAt = s.now()
	if err := txn.Insert(tblDocuments, &doc); err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	txn.Commit()
	return nil
}

// CreateAnnotation checks the anchor index and inserts inside one write
// transaction, so only one of two concurrent identical creates succeeds.
func (s *MemoryStore) CreateAnnotation(_ context.Context, annotation Annotation) (Annotation, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tblAnnotations, idxAnchor,
		annotation.DocumentID, annotation.UserID, annotation.StartOffset, annotation.EndOffset)
	if err != nil {
		return Annotation{}, fmt.Errorf("find annotation by anchor: %w", err)
	}
	if existing != nil {
		return Annotation{}, ErrDuplicate
	}

	now := s.now()
	annotation.IsResolved = false
	annotation.CreatedAt, annotation.UpdatedAt = now, now
	annotation.User = Profile{}
	if err := txn.Insert(tblAnnotations, &annotation); err != nil {
		return Annotation{}, fmt.Errorf("insert annotation: %w", err)
	}
	populated, err := s.populate(txn, annotation)
	if err != nil {
		return Annotation{}, err
	}
	txn.Commit()
	return populated, nil
}

func (s *MemoryStore) populate(txn *memdb.Txn, annotation Annotation) (Annotation, error) {
	user, err := s.getUser(txn, "id", annotation.UserID)
	if err != nil {
		return Annotation{}, fmt.Errorf("load annotation author: %w", err)
	}
	annotation.User = user.Profile()
	return annotation, nil
}

func (s *MemoryStore) GetAnnotation(_ context.Context, annotationID string) (Annotation, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblAnnotations, "id", annotationID)
	if err != nil {
		return Annotation{}, fmt.Errorf("find annotation: %w", err)
	}
	if raw == nil {
		return Annotation{}, ErrNotFound
	}
	return s.populate(txn, *raw.(*Annotation))
}

func (s *MemoryStore) UpdateAnnotation(_ context.Context, annotationID string, patch AnnotationPatch) (Annotation, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblAnnotations, "id", annotationID)
	if err != nil {
		return Annotation{}, fmt.Errorf("find annotation: %w", err)
	}
	if raw == nil {
		return Annotation{}, ErrNotFound
	}

	updated := *raw.(*Annotation)
	if patch.Comment != nil {
		updated.Comment = *patch.Comment
	}
	if patch.IsResolved != nil {
		updated.IsResolved = *patch.IsResolved
	}
	updated.UpdatedAt = s.now()
	if err := txn.Insert(tblAnnotations, &updated); err != nil {
		return Annotation{}, fmt.Errorf("update annotation: %w", err)
	}
	populated, err := s.populate(txn, updated)
	if err != nil {
		return Annotation{}, err
	}
	txn.Commit()
	return populated, nil
}

func (s *MemoryStore) DeleteAnnotation(_ context.Context, annotationID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblAnnotations, "id", annotationID)
	if err != nil {
		return fmt.Errorf("find annotation: %w", err)
	}
	if raw == nil {
		return ErrNotFound
	}
	if err := txn.Delete(tblAnnotations, raw); err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) documentAnnotations(txn *memdb.Txn, documentID string, keep func(*Annotation) bool) ([]Annotation, error) {
	iter, err := txn.Get(tblAnnotations, idxDocumentID, documentID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	items := make([]Annotation, 0)
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		annotation := raw.(*Annotation)
		if keep != nil && !keep(annotation) {
			continue
		}
		populated, err := s.populate(txn, *annotation)
		if err != nil {
			return nil, err
		}
		items = append(items, populated)
	}
	SortAnnotations(items)
	return items, nil
}

func (s *MemoryStore) ListAnnotations(_ context.Context, documentID string, limit, offset int) ([]Annotation, int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	items, err := s.documentAnnotations(txn, documentID, nil)
	if err != nil {
		return nil, 0, err
	}
	total := len(items)
	if offset >= total {
		return []Annotation{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (s *MemoryStore) ListOverlappingAnnotations(_ context.Context, documentID string, start, end int) ([]Annotation, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	return s.documentAnnotations(txn, documentID, func(a *Annotation) bool {
		return a.StartOffset < end && a.EndOffset > start
	})
}

// SearchAnnotations does a case-insensitive substring match over comment and
// selected text, restricted to the given documents. It backs search when no
// Postgres full-text index exists.
func (s *MemoryStore) SearchAnnotations(_ context.Context, text string, documentIDs []string, limit int) ([]Annotation, error) {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return []Annotation{}, nil
	}

	txn := s.db.Txn(false)
	defer txn.Abort()

	items := make([]Annotation, 0)
	for _, documentID := range documentIDs {
		matches, err := s.documentAnnotations(txn, documentID, func(a *Annotation) bool {
			return strings.Contains(strings.ToLower(a.Comment), needle) ||
				strings.Contains(strings.ToLower(a.SelectedText), needle)
		})
		if err != nil {
			return nil, err
		}
		items = append(items, matches...)
		if limit > 0 && len(items) >= limit {
			return items[:limit], nil
		}
	}
	return items, nil
}

// SortAnnotations orders by start offset, newest first within an offset.
func SortAnnotations(items []Annotation) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.StartOffset != b.StartOffset {
			return a.StartOffset < b.StartOffset
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
