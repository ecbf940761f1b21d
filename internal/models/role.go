package models

// Role is the flat moderation role set. The banned flag is orthogonal.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleMod   Role = "mod"
	RoleMuted Role = "muted"
	RoleUser  Role = "user"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleMod, RoleMuted, RoleUser:
		return true
	}
	return false
}

// CanModerate reports whether r may run moderator-level commands.
func (r Role) CanModerate() bool {
	return r == RoleAdmin || r == RoleMod
}

// RoleRecord is the per-key moderation state. Keys without a row default
// to role "user", not banned.
type RoleRecord struct {
	PublicKey string `json:"public_key"`
	Role      Role   `json:"role"`
	Banned    bool   `json:"banned"`
}
