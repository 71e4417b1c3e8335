package model

import "strings"

// Role enumerates the workspace-wide roles an identity may hold.
type Role string

const (
	RoleUser           Role = "user"
	RoleAdmin          Role = "admin"
	RoleProjectManager Role = "project-manager"
)

// NormalizeRole maps stored role strings onto a known Role, defaulting to RoleUser.
func NormalizeRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleProjectManager:
		return RoleProjectManager
	default:
		return RoleUser
	}
}

// Identity is the resolved user bound to a connection. It never changes for the
// lifetime of that connection.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// IsAdmin reports whether the identity carries the admin override.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Membership lists who belongs to a room (project).
type Membership struct {
	RoomID    string
	Members   []string
	ManagerID string
}

// Includes reports whether userID is a listed member or the designated manager.
func (m Membership) Includes(userID string) bool {
	if userID == "" {
		return false
	}
	if m.ManagerID == userID {
		return true
	}
	for _, member := range m.Members {
		if member == userID {
			return true
		}
	}
	return false
}
