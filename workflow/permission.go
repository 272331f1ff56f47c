package workflow

// RoleAdmin is the sentinel super-role: actors holding it pass every
// role check regardless of an action's allowed set.
const RoleAdmin = "Admin"

// Authorized decides whether an actor's role set may invoke an action
// gated by allowedRoles. An empty allowed set means unrestricted. The
// check is pure and loads nothing.
func Authorized(actorRoles, allowedRoles []string) bool {
	if len(allowedRoles) == 0 {
		return true
	}

	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		allowed[role] = struct{}{}
	}

	for _, role := range actorRoles {
		if role == RoleAdmin {
			return true
		}
		if _, ok := allowed[role]; ok {
			return true
		}
	}
	return false
}
