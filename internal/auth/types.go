package auth

import "errors"

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read fields and driver summaries.
	RoleViewer Role = "viewer"

	// RoleOperator can also write fields.
	RoleOperator Role = "operator"

	// RoleAdmin has full control over the driver roster.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of known roles.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject string `json:"subject"`
	Role    Role   `json:"role"`
}

// Domain errors for the auth package.
var (
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrInvalidRole  = errors.New("auth: invalid role")
	ErrNoSecret     = errors.New("auth: no signing secret configured")
	ErrForbidden    = errors.New("auth: insufficient permissions")
)
