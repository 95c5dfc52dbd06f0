package auth

// Principal is any authenticated caller: a user, a service account, or the
// workflow bridge acting on behalf of an org.
type Principal interface {
	GetID() string
	GetOrgID() string
	GetRoles() []string
	// HasRole reports whether the principal carries the named role. Admin
	// implies every role.
	HasRole(role string) bool
}

// BasePrincipal is the claims-backed implementation of Principal.
type BasePrincipal struct {
	ID    string
	OrgID string
	Roles []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetOrgID() string {
	return b.OrgID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

func (b *BasePrincipal) HasRole(role string) bool {
	for _, r := range b.Roles {
		if r == role || r == "Admin" {
			return true
		}
	}
	return false
}
