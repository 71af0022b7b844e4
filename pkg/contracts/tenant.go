package contracts

import "time"

// Tenant is the isolation boundary. Every script, secret, and execution
// record belongs to exactly one tenant.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RateLimit int       `json:"rate_limit"` // executions per minute
	APIQuota  int       `json:"api_quota"`  // executions per calendar month (UTC)
	Grants    []string  `json:"grants"`     // capability namespaces the tenant may delegate
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasGrant reports whether the tenant holds the named capability grant.
// Grants are exact strings ("database.access", "http.access", ...).
func (t *Tenant) HasGrant(name string) bool {
	for _, g := range t.Grants {
		if g == name {
			return true
		}
	}
	return false
}

// Principal identifies the authenticated caller of an operation.
// It is always passed explicitly; there is no ambient identity.
type Principal struct {
	UserID   string   `json:"user_id"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
}

// HasRole reports whether the principal carries the named role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// User is a tenant-scoped account. Kept minimal: authentication is an
// external concern, the broker only needs identity and roles.
type User struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Email     string    `json:"email"`
	Roles     []string  `json:"roles"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
