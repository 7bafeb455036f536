package domain

import "time"

// TokenPair is what the login and refresh endpoints return: a short-lived
// access JWT and a longer-lived refresh JWT.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string // always "bearer"
	ExpiresIn        time.Duration
	RefreshExpiresIn time.Duration
}
