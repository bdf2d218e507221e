package domain

type UserID string

type UserRole string

const (
	RoleOwner       UserRole = "owner"
	RoleParticipant UserRole = "participant"
	RoleViewer      UserRole = "viewer"
)

// RoleFor returns the role userID holds in a session owned by owner. Sessions
// without an owner are open to every authenticated user.
func RoleFor(owner, userID UserID) UserRole {
	switch {
	case owner == "" || owner == userID:
		return RoleOwner
	case userID != "":
		return RoleParticipant
	default:
		return RoleViewer
	}
}
