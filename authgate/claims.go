package authgate

import (
	"slices"
	"time"
)

// Claims is the validated payload of an authorized request. Values produced
// by Gate.Authorize are never shared between requests and must be treated as
// read-only.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	// Raw holds every claim in the token payload.
	Raw map[string]any

	permissions    []string
	hasPermissions bool
}

// Permissions returns a copy of the permission set and whether the token
// carried the permissions claim at all. A token with the claim present but
// empty returns (empty, true).
func (c *Claims) Permissions() ([]string, bool) {
	if c == nil || !c.hasPermissions {
		return nil, false
	}
	return slices.Clone(c.permissions), true
}

// HasPermission reports whether the permission set contains p (exact, case-sensitive).
func (c *Claims) HasPermission(p string) bool {
	return c != nil && c.hasPermissions && slices.Contains(c.permissions, p)
}
