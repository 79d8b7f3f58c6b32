package rbac

type Role string
type Action string

const (
	// RoleNone is held by a signed-in identity that is not on the whitelist.
	RoleNone   Role = ""
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionVote    Action = "vote"
	ActionComment Action = "comment"
	ActionPropose Action = "propose"
	ActionCommit  Action = "commit"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionVote || action == ActionComment || action == ActionPropose || action == ActionCommit
	default:
		return false
	}
}

// Normalize maps anything but the two whitelist roles to RoleNone.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleAdmin:
		return Role(role)
	default:
		return RoleNone
	}
}
