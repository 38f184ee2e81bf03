package rbac

type Role string
type Action string

const (
	RoleNone         Role = "none"
	RoleCollaborator Role = "collaborator"
	RoleOwner        Role = "owner"
)

const (
	// ActionRead covers viewing content, annotations and presence.
	ActionRead     Action = "read"
	ActionAnnotate Action = "annotate"
	// ActionModerate deletes annotations written by other users.
	ActionModerate Action = "moderate"
	// ActionManage edits the collaborator list.
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleCollaborator:
		return action == ActionRead || action == ActionAnnotate
	default:
		return false
	}
}

// Resolve derives a user's role on a document from its owner and
// collaborator list.
func Resolve(userID, ownerID string, collaboratorIDs []string) Role {
	if userID == "" {
		return RoleNone
	}
	if userID == ownerID {
		return RoleOwner
	}
	for _, id := range collaboratorIDs {
		if id == userID {
			return RoleCollaborator
		}
	}
	return RoleNone
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleCollaborator:
		return Role(role)
	default:
		return RoleNone
	}
}
