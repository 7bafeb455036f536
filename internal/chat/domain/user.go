package domain

import "time"

type User struct {
	ID              string
	Username        string
	Email           string
	FullName        string
	PasswordHash    string // argon2 encoded
	Roles           []string
	AllowedProducts []string
	AllowedAgents   []string
	IsActive        bool
	TokenVersion    int // bumped on logout to revoke outstanding tokens
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastLoginAt     *time.Time
}

// HasRole reports whether the user holds the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
