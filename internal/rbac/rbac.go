package rbac

type Role string
type Action string

const (
	RoleNone         Role = ""
	RoleViewer       Role = "viewer"
	RoleCollaborator Role = "collaborator"
	RoleAdmin        Role = "admin"
	RoleCreator      Role = "creator"
)

// Actions are what handlers ask for; MinRole maps each to the lowest role
// that may perform it.
const (
	ActionRead        Action = "read"
	ActionChat        Action = "chat"
	ActionWrite       Action = "write"
	ActionManage      Action = "manage"
	ActionModerate    Action = "moderate"
	ActionRenameOp    Action = "rename_operation"
	ActionDeleteOp    Action = "delete_operation"
	ActionSetTemplate Action = "set_template"
)

var rank = map[Role]int{
	RoleViewer:       1,
	RoleCollaborator: 2,
	RoleAdmin:        3,
	RoleCreator:      4,
}

// Rank orders roles; unknown roles and RoleNone rank 0.
func Rank(role Role) int {
	return rank[role]
}

// AtLeast reports whether role satisfies min. RoleNone never does.
func AtLeast(role, min Role) bool {
	r := Rank(role)
	return r > 0 && r >= Rank(min)
}

// MinRole is the lowest role allowed to perform action.
func MinRole(action Action) Role {
	switch action {
	case ActionRead, ActionChat:
		return RoleViewer
	case ActionWrite:
		return RoleCollaborator
	case ActionManage, ActionModerate:
		return RoleAdmin
	case ActionRenameOp, ActionDeleteOp, ActionSetTemplate:
		return RoleCreator
	default:
		return RoleCreator
	}
}

// Can reports whether role may perform action.
func Can(role Role, action Action) bool {
	return AtLeast(role, MinRole(action))
}

func Valid(role Role) bool {
	_, ok := rank[role]
	return ok
}

// Grantable reports whether role can be handed out by add/modify. Creator is
// only ever transferred.
func Grantable(role Role) bool {
	return role == RoleViewer || role == RoleCollaborator || role == RoleAdmin
}

// Normalize maps stored role strings to a Role, unknown ones to RoleNone.
func Normalize(role string) Role {
	if Valid(Role(role)) {
		return Role(role)
	}
	return RoleNone
}
