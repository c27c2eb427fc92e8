package domain

import "time"

// UserRole enumerates supported roles.
type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

func (r UserRole) Valid() bool {
	return r == UserRoleUser || r == UserRoleAdmin
}

// User represents an account that owns batches and a credit balance.
type User struct {
	ID        string
	Username  string
	Role      UserRole
	Credits   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsAdmin reports whether the user may act on other users' batches.
func (u User) IsAdmin() bool {
	return u.Role == UserRoleAdmin
}
