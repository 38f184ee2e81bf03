package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginalia/internal/access"
	"marginalia/internal/annotation"
	"marginalia/internal/apierr"
	"marginalia/internal/auth"
	"marginalia/internal/presence"
	"marginalia/internal/store"
)

type handlerFixture struct {
	store       *store.MemoryStore
	coordinator *Coordinator
	handler     *Handler
}

func newHandlerFixture(t *testing.T) handlerFixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewMemoryStore()
	require.NoError(t, err)

	for _, u := range []store.User{
		{ID: "usr_owner", Username: "olivia", DisplayName: "Olivia", Email: "olivia@example.com", Color: "#10B981"},
		{ID: "usr_a", Username: "alice", DisplayName: "Alice", Email: "alice@example.com", Color: "#3B82F6"},
		{ID: "usr_b", Username: "bob", DisplayName: "Bob", Email: "bob@example.com", Color: "#EF4444"},
		{ID: "usr_out", Username: "mallory", DisplayName: "Mallory", Email: "mallory@example.com", Color: "#8B5CF6"},
	} {
		require.NoError(t, st.CreateUser(ctx, u))
	}
	require.NoError(t, st.CreateDocument(ctx, store.Document{
		ID: "doc_1", OwnerID: "usr_owner", CollaboratorIDs: []string{"usr_a", "usr_b"}, Title: "Essay",
	}))
	require.NoError(t, st.CreateDocument(ctx, store.Document{
		ID: "doc_2", OwnerID: "usr_a", Title: "Notes",
	}))

	gate := access.NewGate(st)
	coordinator := NewCoordinator(gate, presence.NewRegistry(), nil)
	service := annotation.NewService(st, nil, nil)
	return handlerFixture{
		store:       st,
		coordinator: coordinator,
		handler:     NewHandler(coordinator, service, gate, nil, time.Second),
	}
}

// peer connects a fake peer for a stored user.
func (f handlerFixture) peer(t *testing.T, connID, userID string) *fakePeer {
	t.Helper()
	user, err := f.store.GetUserByID(context.Background(), userID)
	require.NoError(t, err)
	p := &fakePeer{id: connID, identity: auth.Identity{Profile: user.Profile()}}
	f.coordinator.Connect(p)
	return p
}

func (f handlerFixture) send(t *testing.T, p *fakePeer, eventType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Type: eventType, Data: raw})
	require.NoError(t, err)
	f.handler.Handle(context.Background(), p, frame)
}

func (f handlerFixture) join(t *testing.T, documentID string, peers ...*fakePeer) {
	t.Helper()
	for _, p := range peers {
		f.send(t, p, EventJoinDocument, JoinDocumentPayload{DocumentID: documentID})
	}
	for _, p := range peers {
		p.take()
	}
}

func requireError(t *testing.T, events []Event, code string) {
	t.Helper()
	require.Equal(t, []string{EventError}, eventTypes(events))
	assert.Equal(t, code, events[0].Data.(ErrorData).Code)
	assert.NotEmpty(t, events[0].Data.(ErrorData).Message)
}

func createPayload(start, end int) CreateAnnotationPayload {
	return CreateAnnotationPayload{
		DocumentID: "doc_1", StartOffset: start, EndOffset: end, SelectedText: "quick brown", Comment: "nice",
	}
}

func TestCreateBroadcastsToEveryMember(t *testing.T) {
	f := newHandlerFixture(t)
	alice, bob, owner := f.peer(t, "c1", "usr_a"), f.peer(t, "c2", "usr_b"), f.peer(t, "c3", "usr_owner")
	f.join(t, "doc_1", alice, bob, owner)

	f.send(t, alice, EventCreateAnnotation, createPayload(4, 15))

	var created annotation.Annotation
	for _, p := range []*fakePeer{alice, bob, owner} {
		events := p.take()
		require.Equal(t, []string{EventAnnotationCreated}, eventTypes(events), p.id)
		created = events[0].Data.(AnnotationData).Annotation
		assert.Equal(t, "usr_a", created.UserID)
		assert.Equal(t, "alice", created.User.Username)
		assert.Equal(t, "#3B82F6", created.Color)
		assert.False(t, created.IsResolved)
	}

	stored, err := f.store.GetAnnotation(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.StartOffset)
}

func TestCreateDuplicateReportsToSenderOnly(t *testing.T) {
	f := newHandlerFixture(t)
	alice, bob := f.peer(t, "c1", "usr_a"), f.peer(t, "c2", "usr_b")
	f.join(t, "doc_1", alice, bob)

	f.send(t, alice, EventCreateAnnotation, createPayload(0, 5))
	alice.take()
	bob.take()

	f.send(t, alice, EventCreateAnnotation, createPayload(0, 5))
	requireError(t, alice.take(), apierr.CodeDuplicate)
	assert.Empty(t, bob.take(), "no second broadcast")

	f.send(t, bob, EventCreateAnnotation, createPayload(0, 5))
	assert.Equal(t, []string{EventAnnotationCreated}, eventTypes(bob.take()), "same range by another user is allowed")
}

func TestCreateValidationAndAccess(t *testing.T) {
	f := newHandlerFixture(t)
	alice, stranger := f.peer(t, "c1", "usr_a"), f.peer(t, "c2", "usr_out")
	f.join(t, "doc_1", alice)

	f.send(t, alice, EventCreateAnnotation, createPayload(10, 10))
	requireError(t, alice.take(), apierr.CodeValidation)

	f.send(t, alice, EventCreateAnnotation, CreateAnnotationPayload{DocumentID: "doc_1", StartOffset: 0, EndOffset: 3})
	requireError(t, alice.take(), apierr.CodeValidation)

	f.send(t, alice, EventCreateAnnotation, createPayload(1<<40, 1<<40+11))
	requireError(t, alice.take(), apierr.CodeValidation)
	_, total, err := f.store.ListAnnotations(context.Background(), "doc_1", 50, 0)
	require.NoError(t, err)
	assert.Zero(t, total)

	f.send(t, stranger, EventCreateAnnotation, createPayload(0, 5))
	requireError(t, stranger.take(), apierr.CodeAccessDenied)
	assert.Empty(t, alice.take())

	f.send(t, alice, EventCreateAnnotation, CreateAnnotationPayload{DocumentID: "doc_missing", StartOffset: 0, EndOffset: 3, SelectedText: "abc"})
	requireError(t, alice.take(), apierr.CodeAccessDenied)
}

func TestCreateOutsideRoomConfirmsToSender(t *testing.T) {
	f := newHandlerFixture(t)
	alice, bob := f.peer(t, "c1", "usr_a"), f.peer(t, "c2", "usr_b")
	f.join(t, "doc_1", bob)

	f.send(t, alice, EventCreateAnnotation, createPayload(1, 2))
	assert.Equal(t, []string{EventAnnotationCreated}, eventTypes(alice.take()))
	assert.Equal(t, []string{EventAnnotationCreated}, eventTypes(bob.take()))
}

func TestUpdateByNonCreatorIsForbidden(t *testing.T) {
	f := newHandlerFixture(t)
	alice, bob := f.peer(t, "c1", "usr_a"), f.peer(t, "c2", "usr_b")
	f.join(t, "doc_1", alice, bob)

	f.send(t, alice, EventCreateAnnotation, createPayload(0, 5))
	created := alice.take()[0].Data.(AnnotationData).Annotation
	bob.take()

	comment := "hijacked"
	f.send(t, bob, EventUpdateAnnotation, UpdateAnnotationPayload{AnnotationID: created.ID, Comment: &comment})
	requireError(t, bob.take(), apierr.CodeForbidden)
	assert.Empty(t, alice.take())

	stored, err := f.store.GetAnnotation(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "nice", stored.Comment)

	resolved := true
	f.send(t, alice, EventUpdateAnnotation, UpdateAnnotationPayload{AnnotationID: created.ID, IsResolved: &resolved})
	events := bob.take()
	require.Equal(t, []string{EventAnnotationUpdated}, eventTypes(events))
	updated := events[0].Data.(AnnotationData).Annotation
	assert.True(t, updated.IsResolved)
	assert.Equal(t, "nice", updated.Comment)
}

func TestUpdateUsesStoredDocument(t *testing.T) {
	f := newHandlerFixture(t)
	alice, bob := f.peer(t, "c1", "usr_a"), f.peer(t, "c2", "usr_b")
	f.join(t, "doc_1", bob)

	f.send(t, alice, EventCreateAnnotation, createPayload(0, 5))
	created := alice.take()[0].Data.(AnnotationData).Annotation
	bob.take()

	// alice is in doc_2; the update still lands in doc_1's room.
	f.join(t, "doc_2", alice)
	comment := "edited"
	raw, err := json.Marshal(map[string]any{"annotationId": created.ID, "documentId": "doc_2", "comment": comment})
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Type: EventUpdateAnnotation, Data: raw})
	require.NoError(t, err)
	f.handler.Handle(context.Background(), alice, frame)

	assert.Equal(t, []string{EventAnnotationUpdated}, eventTypes(bob.take()))
	assert.Equal(t, []string{EventAnnotationUpdated}, eventTypes(alice.take()))
}

func TestDeletePermissions(t *testing.T) {
	f := newHandlerFixture(t)
	alice, bob, owner := f.peer(t, "c1", "usr_a"), f.peer(t, "c2", "usr_b"), f.peer(t, "c3", "usr_owner")
	f.join(t, "doc_1", alice, bob, owner)

	f.send(t, alice, EventCreateAnnotation, createPayload(0, 5))
	created := alice.take()[0].Data.(AnnotationData).Annotation
	bob.take()
	owner.take()

	f.send(t, bob, EventDeleteAnnotation, DeleteAnnotationPayload{AnnotationID: created.ID})
	requireError(t, bob.take(), apierr.CodeForbidden)
	assert.Empty(t, alice.take())

	f.send(t, owner, EventDeleteAnnotation, DeleteAnnotationPayload{AnnotationID: created.ID})
	for _, p := range []*fakePeer{alice, bob, owner} {
		events := p.take()
		require.Equal(t, []string{EventAnnotationDeleted}, eventTypes(events), p.id)
		assert.Equal(t, AnnotationDeletedData{AnnotationID: created.ID, DocumentID: "doc_1"}, events[0].Data)
	}

	_, err := f.store.GetAnnotation(context.Background(), created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.send(t, owner, EventDeleteAnnotation, DeleteAnnotationPayload{AnnotationID: created.ID})
	requireError(t, owner.take(), apierr.CodeNotFound)
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	f := newHandlerFixture(t)
	alice := f.peer(t, "c1", "usr_a")

	f.handler.Handle(context.Background(), alice, []byte("not json"))
	requireError(t, alice.take(), apierr.CodeValidation)

	f.handler.Handle(context.Background(), alice, []byte(`{"type":"shout","data":{}}`))
	requireError(t, alice.take(), apierr.CodeValidation)

	f.handler.Handle(context.Background(), alice, []byte(`{"type":"join-document"}`))
	requireError(t, alice.take(), apierr.CodeValidation)

	f.send(t, alice, EventJoinDocument, JoinDocumentPayload{DocumentID: "doc_1"})
	assert.Equal(t, []string{EventActiveUsers}, eventTypes(alice.take()), "connection still usable after errors")
}

func TestCancelledConnectionStillCompletesMutation(t *testing.T) {
	f := newHandlerFixture(t)
	alice, bob := f.peer(t, "c1", "usr_a"), f.peer(t, "c2", "usr_b")
	f.join(t, "doc_1", alice, bob)

	raw, err := json.Marshal(createPayload(2, 8))
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Type: EventCreateAnnotation, Data: raw})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.handler.Handle(ctx, alice, frame)

	assert.Equal(t, []string{EventAnnotationCreated}, eventTypes(bob.take()))
	_, total, err := f.store.ListAnnotations(context.Background(), "doc_1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

type stalledAnnotations struct {
	Annotations
}

func (stalledAnnotations) Create(ctx context.Context, _ annotation.CreateInput) (annotation.Annotation, error) {
	<-ctx.Done()
	return annotation.Annotation{}, ctx.Err()
}

func TestStoreTimeoutReportsStoreFailure(t *testing.T) {
	f := newHandlerFixture(t)
	f.handler = NewHandler(f.coordinator, stalledAnnotations{}, access.NewGate(f.store), nil, 20*time.Millisecond)
	alice, bob := f.peer(t, "c1", "usr_a"), f.peer(t, "c2", "usr_b")
	f.join(t, "doc_1", alice, bob)

	f.send(t, alice, EventCreateAnnotation, createPayload(0, 5))
	requireError(t, alice.take(), apierr.CodeStore)
	assert.Empty(t, bob.take())
}
