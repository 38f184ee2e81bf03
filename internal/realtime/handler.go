package realtime

import (
	"context"
	"encoding/json"
	"time"

	"marginalia/internal/annotation"
	"marginalia/internal/apierr"
	"marginalia/internal/logging"
	"marginalia/internal/metrics"
	"marginalia/internal/validation"
)

const DefaultStoreTimeout = 5 * time.Second

// Annotations is the part of the annotation gateway the handler drives.
type Annotations interface {
	Create(ctx context.Context, input annotation.CreateInput) (annotation.Annotation, error)
	Get(ctx context.Context, annotationID string) (annotation.Annotation, error)
	Update(ctx context.Context, annotationID, requesterID string, patch annotation.Patch) (annotation.Annotation, error)
	Delete(ctx context.Context, annotationID, requesterID string) (annotation.Annotation, error)
}

// Handler dispatches inbound frames of one connection. Frames of a
// connection are handled one at a time by its reader.
type Handler struct {
	coordinator  *Coordinator
	annotations  Annotations
	access       AccessChecker
	metrics      *metrics.Metrics
	storeTimeout time.Duration
}

func NewHandler(coordinator *Coordinator, annotations Annotations, access AccessChecker, m *metrics.Metrics, storeTimeout time.Duration) *Handler {
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	return &Handler{
		coordinator:  coordinator,
		annotations:  annotations,
		access:       access,
		metrics:      m,
		storeTimeout: storeTimeout,
	}
}

// Handle processes one frame. Failures are reported to the sender only and
// never close the connection.
func (h *Handler) Handle(ctx context.Context, peer Peer, frame []byte) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil || envelope.Type == "" {
		h.fail(ctx, peer, "invalid", apierr.Validation("Malformed message", nil))
		return
	}

	// Store work runs detached from the connection so a disconnect does not
	// cancel a write whose broadcast other members still expect.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.storeTimeout)
	defer cancel()

	var err error
	switch envelope.Type {
	case EventJoinDocument:
		err = h.joinDocument(opCtx, peer, envelope.Data)
	case EventLeaveDocument:
		err = h.leaveDocument(opCtx, peer, envelope.Data)
	case EventCreateAnnotation:
		err = h.createAnnotation(opCtx, peer, envelope.Data)
	case EventUpdateAnnotation:
		err = h.updateAnnotation(opCtx, peer, envelope.Data)
	case EventDeleteAnnotation:
		err = h.deleteAnnotation(opCtx, peer, envelope.Data)
	default:
		h.fail(ctx, peer, "unknown", apierr.Validation("Unknown event type: "+envelope.Type, nil))
		return
	}

	if err != nil {
		h.fail(ctx, peer, envelope.Type, err)
		return
	}
	h.metrics.ObserveEvent(envelope.Type, "ok")
}

func (h *Handler) fail(ctx context.Context, peer Peer, eventType string, err error) {
	status, code, message, _ := apierr.Map(err)
	h.metrics.ObserveEvent(eventType, code)
	if status >= 500 {
		logging.From(ctx).Errorf("%s: %v", eventType, err)
	} else {
		logging.From(ctx).Debugf("%s rejected: %v", eventType, err)
	}
	h.coordinator.SendTo(peer, errorEvent(code, message))
}

func decode(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return apierr.Validation("Missing data", nil)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return apierr.Validation("Malformed data", nil)
	}
	if err := validation.ValidateStruct(dst); err != nil {
		return apierr.FromValidation(err)
	}
	return nil
}

func (h *Handler) joinDocument(ctx context.Context, peer Peer, data json.RawMessage) error {
	var payload JoinDocumentPayload
	if err := decode(data, &payload); err != nil {
		return err
	}
	return h.coordinator.Join(ctx, peer, payload.DocumentID)
}

func (h *Handler) leaveDocument(ctx context.Context, peer Peer, data json.RawMessage) error {
	var payload LeaveDocumentPayload
	if err := decode(data, &payload); err != nil {
		return err
	}
	h.coordinator.Leave(ctx, peer, payload.DocumentID)
	return nil
}

func (h *Handler) createAnnotation(ctx context.Context, peer Peer, data json.RawMessage) error {
	var payload CreateAnnotationPayload
	if err := decode(data, &payload); err != nil {
		return err
	}

	identity := peer.Identity()
	if !h.access.HasAccess(ctx, identity.ID, payload.DocumentID) {
		return apierr.AccessDenied()
	}

	created, err := h.annotations.Create(ctx, annotation.CreateInput{
		DocumentID:   payload.DocumentID,
		UserID:       identity.ID,
		StartOffset:  payload.StartOffset,
		EndOffset:    payload.EndOffset,
		SelectedText: payload.SelectedText,
		Comment:      payload.Comment,
		Color:        identity.Color,
	})
	if err != nil {
		return err
	}

	h.publish(ctx, peer, created.DocumentID, Event{Type: EventAnnotationCreated, Data: AnnotationData{Annotation: created}})
	return nil
}

func (h *Handler) updateAnnotation(ctx context.Context, peer Peer, data json.RawMessage) error {
	var payload UpdateAnnotationPayload
	if err := decode(data, &payload); err != nil {
		return err
	}

	identity := peer.Identity()
	existing, err := h.annotations.Get(ctx, payload.AnnotationID)
	if err != nil {
		return err
	}
	if !h.access.HasAccess(ctx, identity.ID, existing.DocumentID) {
		return apierr.AccessDenied()
	}

	updated, err := h.annotations.Update(ctx, existing.ID, identity.ID, annotation.Patch{
		Comment:    payload.Comment,
		IsResolved: payload.IsResolved,
	})
	if err != nil {
		return err
	}

	h.publish(ctx, peer, updated.DocumentID, Event{Type: EventAnnotationUpdated, Data: AnnotationData{Annotation: updated}})
	return nil
}

func (h *Handler) deleteAnnotation(ctx context.Context, peer Peer, data json.RawMessage) error {
	var payload DeleteAnnotationPayload
	if err := decode(data, &payload); err != nil {
		return err
	}

	identity := peer.Identity()
	existing, err := h.annotations.Get(ctx, payload.AnnotationID)
	if err != nil {
		return err
	}
	if !h.access.HasAccess(ctx, identity.ID, existing.DocumentID) {
		return apierr.AccessDenied()
	}

	deleted, err := h.annotations.Delete(ctx, existing.ID, identity.ID)
	if err != nil {
		return err
	}

	h.publish(ctx, peer, deleted.DocumentID, Event{
		Type: EventAnnotationDeleted,
		Data: AnnotationDeletedData{AnnotationID: deleted.ID, DocumentID: deleted.DocumentID},
	})
	return nil
}

// publish broadcasts a mutation to the whole room. A sender outside the room
// still receives its own confirmation.
func (h *Handler) publish(ctx context.Context, peer Peer, documentID string, event Event) {
	h.coordinator.Broadcast(ctx, documentID, event, "")
	if h.coordinator.Current(peer) != documentID {
		h.coordinator.SendTo(peer, event)
	}
}
