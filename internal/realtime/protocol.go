// Package realtime carries annotation changes and presence over WebSocket
// connections grouped into per-document rooms.
package realtime

import (
	"encoding/json"

	"marginalia/internal/annotation"
	"marginalia/internal/presence"
)

// Inbound event types.
const (
	EventJoinDocument     = "join-document"
	EventLeaveDocument    = "leave-document"
	EventCreateAnnotation = "create-annotation"
	EventUpdateAnnotation = "update-annotation"
	EventDeleteAnnotation = "delete-annotation"
)

// Outbound event types.
const (
	EventError             = "error"
	EventUserJoined        = "user-joined"
	EventUserLeft          = "user-left"
	EventActiveUsers       = "active-users"
	EventAnnotationCreated = "annotation-created"
	EventAnnotationUpdated = "annotation-updated"
	EventAnnotationDeleted = "annotation-deleted"
)

// Envelope is the inbound frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is the outbound frame.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type JoinDocumentPayload struct {
	DocumentID string `json:"documentId" validate:"required,max=64"`
}

type LeaveDocumentPayload struct {
	DocumentID string `json:"documentId" validate:"required,max=64"`
}

type CreateAnnotationPayload struct {
	DocumentID   string `json:"documentId" validate:"required,max=64"`
	StartOffset  int    `json:"startOffset"`
	EndOffset    int    `json:"endOffset"`
	SelectedText string `json:"selectedText"`
	Comment      string `json:"comment"`
}

// UpdateAnnotationPayload may carry a documentId; it is ignored and the
// stored record decides which room is involved.
type UpdateAnnotationPayload struct {
	AnnotationID string  `json:"annotationId" validate:"required,max=64"`
	Comment      *string `json:"comment,omitempty"`
	IsResolved   *bool   `json:"isResolved,omitempty"`
}

type DeleteAnnotationPayload struct {
	AnnotationID string `json:"annotationId" validate:"required,max=64"`
}

type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type UserJoinedData struct {
	User       presence.Entry `json:"user"`
	DocumentID string         `json:"documentId"`
}

type UserLeftData struct {
	UserID     string `json:"userId"`
	DocumentID string `json:"documentId"`
}

type ActiveUsersData struct {
	Users      []presence.Entry `json:"users"`
	DocumentID string           `json:"documentId"`
}

type AnnotationData struct {
	Annotation annotation.Annotation `json:"annotation"`
}

type AnnotationDeletedData struct {
	AnnotationID string `json:"annotationId"`
	DocumentID   string `json:"documentId"`
}

func errorEvent(code, message string) Event {
	return Event{Type: EventError, Data: ErrorData{Message: message, Code: code}}
}

// relayed reports whether an event type crosses process boundaries. Presence
// events stay local because presence is per process.
func relayed(eventType string) bool {
	switch eventType {
	case EventAnnotationCreated, EventAnnotationUpdated, EventAnnotationDeleted:
		return true
	default:
		return false
	}
}
