// Package access decides whether a user may work on a document.
package access

import (
	"context"

	"marginalia/internal/logging"
	"marginalia/internal/rbac"
	"marginalia/internal/store"
)

type DocumentLookup interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
}

// Gate answers access questions against the current document record. It
// never caches, so a collaborator removed a moment ago is denied on the next
// check.
type Gate struct {
	documents DocumentLookup
}

func NewGate(documents DocumentLookup) *Gate {
	return &Gate{documents: documents}
}

// Role resolves the user's role. A missing document and a lookup failure
// both resolve to rbac.RoleNone.
func (g *Gate) Role(ctx context.Context, userID, documentID string) rbac.Role {
	if userID == "" || documentID == "" {
		return rbac.RoleNone
	}
	doc, err := g.documents.GetDocument(ctx, documentID)
	if err != nil {
		logging.From(ctx).Debugf("access lookup %s for %s: %v", documentID, userID, err)
		return rbac.RoleNone
	}
	return rbac.Resolve(userID, doc.OwnerID, doc.CollaboratorIDs)
}

// HasAccess reports whether the user owns or collaborates on the document.
func (g *Gate) HasAccess(ctx context.Context, userID, documentID string) bool {
	return g.Role(ctx, userID, documentID) != rbac.RoleNone
}

// Can reports whether the user's role permits action on the document.
func (g *Gate) Can(ctx context.Context, userID, documentID string, action rbac.Action) bool {
	return rbac.Can(g.Role(ctx, userID, documentID), action)
}
