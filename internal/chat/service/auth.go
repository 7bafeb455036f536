package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/store"
	"github.com/parleychat/parley/pkg/cryptox"
	"github.com/parleychat/parley/pkg/httpx"
	"github.com/parleychat/parley/pkg/idx"
	"github.com/parleychat/parley/pkg/slogx"
)

var (
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrInvalidRefresh     = errors.New("invalid_refresh_token")
	ErrInvalidToken       = errors.New("invalid_token")
	ErrUsernameTaken      = errors.New("username_taken")
	ErrEmailTaken         = errors.New("email_taken")
	ErrAdminRequired      = errors.New("admin_required")
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	// RoleAdmin may register further users once the first account exists.
	RoleAdmin = "admin"
)

// TokenClaims is the payload minted into both access and refresh tokens.
// Type distinguishes the two; TokenVersion pins the token to the version the
// user had when it was minted, so a logout bump revokes everything at once.
type TokenClaims struct {
	jwt.RegisteredClaims

	Username     string   `json:"username"`
	Type         string   `json:"type"`
	TokenVersion int      `json:"token_version"`
	Roles        []string `json:"roles"`
	Products     []string `json:"products"`
	Agents       []string `json:"agents"`
}

type AuthService struct {
	Store      store.Store
	Secret     []byte
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Login verifies the credentials and mints a token pair. Unknown users,
// inactive users and wrong passwords are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, username, password string) (*domain.TokenPair, error) {
	l := slogx.FromContext(ctx)

	user, err := s.Store.Users().GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInvalidCredentials
	}

	if err := cryptox.VerifyPassword(password, user.PasswordHash); err != nil {
		l.Info("login password verification failed", slog.String("username", username))
		return nil, ErrInvalidCredentials
	}

	if err := s.Store.Users().UpdateLastLogin(ctx, user.ID); err != nil {
		return nil, err
	}

	return s.mintPair(user)
}

// Refresh validates a refresh token and mints a fresh pair. The stored
// token_version must still match; a logout in between invalidates the token.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	l := slogx.FromContext(ctx)

	claims, err := s.parseToken(refreshToken, tokenTypeRefresh)
	if err != nil {
		l.Info("refresh token rejected", slog.String("token_fp", cryptox.FingerprintToken(refreshToken)))
		return nil, ErrInvalidRefresh
	}

	user, err := s.Store.Users().GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidRefresh
		}
		return nil, err
	}
	if !user.IsActive || user.TokenVersion != claims.TokenVersion {
		return nil, ErrInvalidRefresh
	}

	return s.mintPair(user)
}

// Logout bumps the user's token_version, revoking every outstanding access
// and refresh token at once.
func (s *AuthService) Logout(ctx context.Context, userID string) error {
	err := s.Store.Users().BumpTokenVersion(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidToken
	}
	return err
}

// GetUser fetches the profile behind /auth/me.
func (s *AuthService) GetUser(ctx context.Context, userID string) (domain.User, error) {
	return s.Store.Users().GetUserByID(ctx, userID)
}

// RegisterInput carries the fields accepted at registration.
type RegisterInput struct {
	Username        string
	Password        string
	Email           string
	FullName        string
	Roles           []string
	AllowedProducts []string
	AllowedAgents   []string
	IsActive        bool
}

// Register creates a user. The very first account is open to anyone so a
// fresh deployment can bootstrap itself; every later registration requires
// the caller to hold the admin role.
func (s *AuthService) Register(ctx context.Context, in RegisterInput, caller *domain.User) (domain.User, error) {
	empty, err := s.Store.Users().IsEmpty(ctx)
	if err != nil {
		return domain.User{}, err
	}
	if !empty {
		if caller == nil || !caller.HasRole(RoleAdmin) {
			return domain.User{}, ErrAdminRequired
		}
	}

	hash, err := cryptox.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, err
	}

	now := time.Now().UTC()
	user := domain.User{
		ID:              idx.New().String(),
		Username:        strings.TrimSpace(in.Username),
		Email:           strings.TrimSpace(in.Email),
		FullName:        strings.TrimSpace(in.FullName),
		PasswordHash:    hash,
		Roles:           in.Roles,
		AllowedProducts: in.AllowedProducts,
		AllowedAgents:   in.AllowedAgents,
		IsActive:        in.IsActive,
		TokenVersion:    1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if empty && !user.HasRole(RoleAdmin) {
		// First account administers the deployment.
		user.Roles = append(user.Roles, RoleAdmin)
	}

	if err := s.Store.Users().CreateUser(ctx, user); err != nil {
		switch {
		case errors.Is(err, store.ErrEmailExists):
			return domain.User{}, ErrEmailTaken
		case errors.Is(err, store.ErrAlreadyExists):
			return domain.User{}, ErrUsernameTaken
		}
		return domain.User{}, err
	}
	return user, nil
}

// VerifyAccess implements httpx.Verifier. Access tokens are validated
// statelessly; revocation rides on their short TTL.
func (s *AuthService) VerifyAccess(ctx context.Context, raw string) (httpx.Identity, error) {
	claims, err := s.parseToken(raw, tokenTypeAccess)
	if err != nil {
		return httpx.Identity{}, err
	}
	return httpx.Identity{
		UserID:   claims.Subject,
		Username: claims.Username,
		Roles:    claims.Roles,
		Products: claims.Products,
		Agents:   claims.Agents,
	}, nil
}

func (s *AuthService) mintPair(user domain.User) (*domain.TokenPair, error) {
	access, err := s.mintToken(user, tokenTypeAccess, s.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.mintToken(user, tokenTypeRefresh, s.RefreshTTL)
	if err != nil {
		return nil, err
	}

	return &domain.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "bearer",
		ExpiresIn:        s.AccessTTL,
		RefreshExpiresIn: s.RefreshTTL,
	}, nil
}

func (s *AuthService) mintToken(user domain.User, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			// A random jti keeps tokens minted in the same second distinct.
			ID:        cryptox.MustGenerateToken(cryptox.TokenSize128),
			Subject:   user.ID,
			Issuer:    s.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username:     user.Username,
		Type:         tokenType,
		TokenVersion: user.TokenVersion,
		Roles:        user.Roles,
		Products:     user.AllowedProducts,
		Agents:       user.AllowedAgents,
	}
	if s.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.Audience}
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}

func (s *AuthService) parseToken(raw, expectedType string) (*TokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if s.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.Issuer))
	}
	if s.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.Audience))
	}

	var claims TokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.Secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Type != expectedType {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
