package domain

import "sort"

const (
	PermissionGuest   = "guest"
	PermissionUser    = "user"
	PermissionService = "service"
)

// PermissionSet is an unordered set of permission names.
type PermissionSet map[string]struct{}

func NewPermissionSet(perms ...string) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		if p != "" {
			s[p] = struct{}{}
		}
	}
	return s
}

func (s PermissionSet) Has(perm string) bool {
	_, ok := s[perm]
	return ok
}

// Contains reports whether s is a superset of required.
func (s PermissionSet) Contains(required PermissionSet) bool {
	for p := range required {
		if _, ok := s[p]; !ok {
			return false
		}
	}
	return true
}

func (s PermissionSet) Add(perms ...string) {
	for _, p := range perms {
		if p != "" {
			s[p] = struct{}{}
		}
	}
}

// Slice returns the permissions sorted, for stable serialisation.
func (s PermissionSet) Slice() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Principal is the resolved identity of a connection.
type Principal struct {
	UserID      string        `json:"user_id,omitempty"`
	SessionID   string        `json:"session_id"`
	Roles       []string      `json:"roles,omitempty"`
	Permissions PermissionSet `json:"-"`
	Guest       bool          `json:"guest"`
}

// GuestPrincipal returns an anonymous principal carrying only the guest permission.
func GuestPrincipal(sessionID string) Principal {
	return Principal{
		SessionID:   sessionID,
		Permissions: NewPermissionSet(PermissionGuest),
		Guest:       true,
	}
}

// Authenticated reports whether the principal identifies a user.
func (p Principal) Authenticated() bool {
	return !p.Guest && p.UserID != ""
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
