package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"marginalia/internal/annotation"
	"marginalia/internal/apierr"
	"marginalia/internal/auth"
	"marginalia/internal/authpw"
	"marginalia/internal/config"
	"marginalia/internal/email"
	"marginalia/internal/export"
	"marginalia/internal/logging"
	"marginalia/internal/presence"
	"marginalia/internal/rbac"
	"marginalia/internal/realtime"
	"marginalia/internal/search"
	"marginalia/internal/store"
	"marginalia/internal/util"
	"marginalia/internal/validation"
)

const maxContentBytes = 5 << 20

type Session struct {
	Token        string
	RefreshToken string
	User         store.Profile
	JTI          string
	ExpiresAt    time.Time
}

// SessionStore keeps refresh sessions and revoked access tokens. The primary
// store implements it, and so does session.RedisStore.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// ContentStore holds document text outside the primary store.
type ContentStore interface {
	PutContent(ctx context.Context, documentID, content string) (string, error)
	GetContent(ctx context.Context, key string) (string, error)
}

// Broadcaster pushes REST mutations into live rooms.
type Broadcaster interface {
	Broadcast(ctx context.Context, documentID string, event realtime.Event, exclude string) int
	Presence(documentID string) []presence.Entry
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Mailer interface {
	IsConfigured() bool
	SendCollaboratorAdded(to string, data email.CollaboratorAddedData) error
}

// Deps are the collaborators a Service is wired with. Sessions defaults to
// Store; Content, Search, Mailer and Broadcaster may be nil.
type Deps struct {
	Store       store.Store
	Sessions    SessionStore
	Annotations *annotation.Service
	Broadcaster Broadcaster
	Search      Searcher
	Content     ContentStore
	Mailer      Mailer
}

type Service struct {
	cfg         config.Config
	store       store.Store
	sessions    SessionStore
	resolver    *auth.Resolver
	passwords   *authpw.Service
	annotations *annotation.Service
	broadcaster Broadcaster
	search      Searcher
	content     ContentStore
	mailer      Mailer
	exporter    *export.Service
}

func New(cfg config.Config, deps Deps) *Service {
	if deps.Sessions == nil {
		deps.Sessions = deps.Store
	}
	if deps.Annotations == nil {
		deps.Annotations = annotation.NewService(deps.Store, nil, nil)
	}
	s := &Service{
		cfg:         cfg,
		store:       deps.Store,
		sessions:    deps.Sessions,
		resolver:    auth.NewResolver([]byte(cfg.JWTSecret), deps.Store, deps.Sessions),
		passwords:   authpw.NewService(deps.Store),
		annotations: deps.Annotations,
		broadcaster: deps.Broadcaster,
		search:      deps.Search,
		content:     deps.Content,
		mailer:      deps.Mailer,
	}
	s.exporter = export.NewService(deps.Store, s)
	return s
}

// Resolver authenticates access tokens for HTTP and WebSocket requests.
func (s *Service) Resolver() *auth.Resolver {
	return s.resolver
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.passwords.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token: the presented one is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, apierr.Unauthorized("Refresh token invalid")
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, apierr.Unauthorized("Refresh token invalid")
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	if user.Username == "" {
		if user, err = s.store.GetUserByID(ctx, user.ID); err != nil {
			return Session{}, apierr.Unauthorized("Refresh token invalid")
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:      user.ID,
		Name:     user.DisplayName,
		Username: user.Username,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		User:         user.Profile(),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Logout(ctx context.Context, identity auth.Identity, refreshToken string) {
	if identity.TokenID != "" {
		if err := s.sessions.RevokeAccessToken(ctx, identity.TokenID, identity.ExpiresAt); err != nil {
			logging.From(ctx).Warnf("revoke access token: %v", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			logging.From(ctx).Warnf("revoke refresh token: %v", err)
		}
	}
}

// Documents

type DocumentView struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	OwnerID         string    `json:"ownerId"`
	CollaboratorIDs []string  `json:"collaboratorIds"`
	ContentLength   int       `json:"contentLength"`
	Role            rbac.Role `json:"role"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func documentView(doc store.Document, userID string) DocumentView {
	collaborators := doc.CollaboratorIDs
	if collaborators == nil {
		collaborators = []string{}
	}
	return DocumentView{
		ID:              doc.ID,
		Title:           doc.Title,
		OwnerID:         doc.OwnerID,
		CollaboratorIDs: collaborators,
		ContentLength:   doc.ContentLength,
		Role:            rbac.Resolve(userID, doc.OwnerID, doc.CollaboratorIDs),
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
}

type CreateDocumentInput struct {
	Title   string `json:"title" validate:"required,max=200"`
	Content string `json:"content" validate:"required"`
}

// CreateDocument stores the text in blob storage when configured, inline
// otherwise. Offsets index runes of Content.
func (s *Service) CreateDocument(ctx context.Context, ownerID string, input CreateDocumentInput) (DocumentView, error) {
	input.Title = strings.TrimSpace(input.Title)
	if err := validation.ValidateStruct(input); err != nil {
		return DocumentView{}, apierr.FromValidation(err)
	}
	if len(input.Content) > maxContentBytes {
		return DocumentView{}, apierr.Validation("content is too large", nil)
	}
	if !utf8.ValidString(input.Content) {
		return DocumentView{}, apierr.Validation("content must be UTF-8 text", nil)
	}

	doc := store.Document{
		ID:            util.NewID("doc"),
		OwnerID:       ownerID,
		Title:         input.Title,
		ContentLength: utf8.RuneCountInString(input.Content),
	}
	if s.content != nil {
		key, err := s.content.PutContent(ctx, doc.ID, input.Content)
		if err != nil {
			return DocumentView{}, apierr.StoreFailure(err)
		}
		doc.ContentKey = key
	} else {
		doc.Content = input.Content
	}

	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return DocumentView{}, apierr.StoreFailure(err)
	}
	created, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return DocumentView{}, apierr.StoreFailure(err)
	}
	logging.From(ctx).Infof("created document %s for %s", doc.ID, ownerID)
	return documentView(created, ownerID), nil
}

func (s *Service) ListDocuments(ctx context.Context, userID string) ([]DocumentView, error) {
	docs, err := s.store.ListDocumentsForUser(ctx, userID)
	if err != nil {
		return nil, apierr.StoreFailure(err)
	}
	views := make([]DocumentView, 0, len(docs))
	for _, doc := range docs {
		views = append(views, documentView(doc, userID))
	}
	return views, nil
}

// authorize loads the document and checks the action. A missing document and
// a document the user cannot see look the same.
func (s *Service) authorize(ctx context.Context, userID, documentID string, action rbac.Action) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, apierr.AccessDenied()
	}
	if err != nil {
		return store.Document{}, apierr.StoreFailure(err)
	}
	role := rbac.Resolve(userID, doc.OwnerID, doc.CollaboratorIDs)
	if role == rbac.RoleNone {
		return store.Document{}, apierr.AccessDenied()
	}
	if !rbac.Can(role, action) {
		return store.Document{}, apierr.Forbidden("Only the document owner can do that")
	}
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, userID, documentID string) (DocumentView, error) {
	doc, err := s.authorize(ctx, userID, documentID, rbac.ActionRead)
	if err != nil {
		return DocumentView{}, err
	}
	return documentView(doc, userID), nil
}

func (s *Service) GetDocumentContent(ctx context.Context, userID, documentID string) (string, error) {
	doc, err := s.authorize(ctx, userID, documentID, rbac.ActionRead)
	if err != nil {
		return "", err
	}
	content, err := s.DocumentContent(ctx, doc)
	if err != nil {
		return "", apierr.StoreFailure(err)
	}
	return content, nil
}

// DocumentContent returns inline content or fetches it from blob storage.
func (s *Service) DocumentContent(ctx context.Context, doc store.Document) (string, error) {
	if doc.ContentKey == "" {
		return doc.Content, nil
	}
	if s.content == nil {
		return "", fmt.Errorf("document %s content is in blob storage, which is not configured", doc.ID)
	}
	return s.content.GetContent(ctx, doc.ContentKey)
}

type AddCollaboratorInput struct {
	Username string `json:"username" validate:"required"`
}

func (s *Service) AddCollaborator(ctx context.Context, requester auth.Identity, documentID string, input AddCollaboratorInput) (DocumentView, error) {
	input.Username = strings.TrimSpace(input.Username)
	if err := validation.ValidateStruct(input); err != nil {
		return DocumentView{}, apierr.FromValidation(err)
	}
	doc, err := s.authorize(ctx, requester.ID, documentID, rbac.ActionManage)
	if err != nil {
		return DocumentView{}, err
	}

	user, err := s.store.GetUserByUsername(ctx, input.Username)
	if errors.Is(err, store.ErrNotFound) {
		return DocumentView{}, apierr.NotFound("User not found")
	}
	if err != nil {
		return DocumentView{}, apierr.StoreFailure(err)
	}
	if user.ID == doc.OwnerID {
		return DocumentView{}, apierr.Validation("The owner is already on this document", nil)
	}
	if rbac.Resolve(user.ID, doc.OwnerID, doc.CollaboratorIDs) == rbac.RoleCollaborator {
		return documentView(doc, requester.ID), nil
	}

	if err := s.store.AddCollaborator(ctx, documentID, user.ID); err != nil {
		return DocumentView{}, apierr.StoreFailure(err)
	}
	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, apierr.StoreFailure(err)
	}

	s.notifyCollaborator(ctx, requester, user, doc)
	return documentView(updated, requester.ID), nil
}

func (s *Service) notifyCollaborator(ctx context.Context, inviter auth.Identity, invitee store.User, doc store.Document) {
	if s.mailer == nil || !s.mailer.IsConfigured() || invitee.Email == "" {
		return
	}
	data := email.CollaboratorAddedData{
		InviteeName:   invitee.DisplayName,
		InviterName:   inviter.DisplayName,
		DocumentTitle: doc.Title,
		DocumentURL:   strings.TrimRight(s.cfg.PublicURL, "/") + "/documents/" + doc.ID,
	}
	logger := logging.From(ctx)
	go func() {
		if err := s.mailer.SendCollaboratorAdded(invitee.Email, data); err != nil {
			logger.Warnf("collaborator email to %s: %v", invitee.ID, err)
		}
	}()
}

func (s *Service) RemoveCollaborator(ctx context.Context, requesterID, documentID, userID string) (DocumentView, error) {
	if _, err := s.authorize(ctx, requesterID, documentID, rbac.ActionManage); err != nil {
		return DocumentView{}, err
	}
	err := s.store.RemoveCollaborator(ctx, documentID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return DocumentView{}, apierr.NotFound("Collaborator not found")
	}
	if err != nil {
		return DocumentView{}, apierr.StoreFailure(err)
	}
	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, apierr.StoreFailure(err)
	}
	return documentView(updated, requesterID), nil
}

// Annotations

func (s *Service) ListAnnotations(ctx context.Context, userID, documentID string, page, pageSize int) (annotation.Page, error) {
	if _, err := s.authorize(ctx, userID, documentID, rbac.ActionRead); err != nil {
		return annotation.Page{}, err
	}
	return s.annotations.ListByDocument(ctx, documentID, page, pageSize)
}

func (s *Service) OverlappingAnnotations(ctx context.Context, userID, documentID string, start, end int) ([]annotation.Annotation, error) {
	if _, err := s.authorize(ctx, userID, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.annotations.FindOverlapping(ctx, documentID, start, end)
}

type CreateAnnotationInput struct {
	StartOffset  int    `json:"startOffset"`
	EndOffset    int    `json:"endOffset"`
	SelectedText string `json:"selectedText"`
	Comment      string `json:"comment"`
}

func (s *Service) CreateAnnotation(ctx context.Context, user auth.Identity, documentID string, input CreateAnnotationInput) (annotation.Annotation, error) {
	if _, err := s.authorize(ctx, user.ID, documentID, rbac.ActionAnnotate); err != nil {
		return annotation.Annotation{}, err
	}
	created, err := s.annotations.Create(ctx, annotation.CreateInput{
		DocumentID:   documentID,
		UserID:       user.ID,
		StartOffset:  input.StartOffset,
		EndOffset:    input.EndOffset,
		SelectedText: input.SelectedText,
		Comment:      input.Comment,
		Color:        user.Color,
	})
	if err != nil {
		return annotation.Annotation{}, err
	}
	s.broadcast(ctx, documentID, realtime.Event{Type: realtime.EventAnnotationCreated, Data: realtime.AnnotationData{Annotation: created}})
	return created, nil
}

func (s *Service) UpdateAnnotation(ctx context.Context, userID, annotationID string, patch annotation.Patch) (annotation.Annotation, error) {
	existing, err := s.annotations.Get(ctx, annotationID)
	if err != nil {
		return annotation.Annotation{}, err
	}
	if _, err := s.authorize(ctx, userID, existing.DocumentID, rbac.ActionAnnotate); err != nil {
		return annotation.Annotation{}, err
	}
	updated, err := s.annotations.Update(ctx, annotationID, userID, patch)
	if err != nil {
		return annotation.Annotation{}, err
	}
	s.broadcast(ctx, updated.DocumentID, realtime.Event{Type: realtime.EventAnnotationUpdated, Data: realtime.AnnotationData{Annotation: updated}})
	return updated, nil
}

func (s *Service) DeleteAnnotation(ctx context.Context, userID, annotationID string) error {
	existing, err := s.annotations.Get(ctx, annotationID)
	if err != nil {
		return err
	}
	if _, err := s.authorize(ctx, userID, existing.DocumentID, rbac.ActionRead); err != nil {
		return err
	}
	deleted, err := s.annotations.Delete(ctx, annotationID, userID)
	if err != nil {
		return err
	}
	s.broadcast(ctx, deleted.DocumentID, realtime.Event{
		Type: realtime.EventAnnotationDeleted,
		Data: realtime.AnnotationDeletedData{AnnotationID: deleted.ID, DocumentID: deleted.DocumentID},
	})
	return nil
}

func (s *Service) broadcast(ctx context.Context, documentID string, event realtime.Event) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(ctx, documentID, event, "")
}

// ExportAnnotations renders the annotation report. PDF falls back to HTML
// when headless Chrome is not installed.
func (s *Service) ExportAnnotations(ctx context.Context, userID string, req export.Request) (*export.Result, error) {
	if _, err := s.authorize(ctx, userID, req.DocumentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	result, err := s.exporter.Export(ctx, req)
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		logging.From(ctx).Warnf("pdf export unavailable, serving html: %v", err)
		req.Format = export.FormatHTML
		result, err = s.exporter.Export(ctx, req)
	}
	if errors.Is(err, export.ErrUnsupportedFormat) {
		return nil, apierr.Validation("format must be pdf or html", nil)
	}
	if err != nil {
		return nil, apierr.StoreFailure(err)
	}
	return result, nil
}

// Search runs the query over the documents the user can access.
func (s *Service) Search(ctx context.Context, userID string, q search.Query) (search.Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return search.Response{}, apierr.Validation("q is required", nil)
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	docs, err := s.store.ListDocumentsForUser(ctx, userID)
	if err != nil {
		return search.Response{}, apierr.StoreFailure(err)
	}
	if len(docs) == 0 {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	q.DocumentIDs = make([]string, 0, len(docs))
	for _, doc := range docs {
		q.DocumentIDs = append(q.DocumentIDs, doc.ID)
	}
	return s.search.Search(ctx, q), nil
}

func (s *Service) Presence(ctx context.Context, userID, documentID string) ([]presence.Entry, error) {
	if _, err := s.authorize(ctx, userID, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.broadcaster == nil {
		return []presence.Entry{}, nil
	}
	entries := s.broadcaster.Presence(documentID)
	if entries == nil {
		entries = []presence.Entry{}
	}
	return entries, nil
}
