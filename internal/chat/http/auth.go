package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/service"
	"github.com/parleychat/parley/internal/chat/store"
	"github.com/parleychat/parley/pkg/httpx"
	"github.com/parleychat/parley/pkg/slogx"
)

const invalidCredentialsDetail = "Invalid credentials"

// AuthHandler serves the login, refresh, logout, me and register endpoints.
type AuthHandler struct {
	AuthService *service.AuthService
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	pair, err := h.AuthService.Login(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			httpx.WriteError(w, http.StatusUnauthorized, invalidCredentialsDetail)
			return
		}
		log.Error("login failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, buildTokenResponse(pair))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req refreshRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RefreshToken == "" {
		httpx.WriteError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := h.AuthService.Refresh(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRefresh) || errors.Is(err, service.ErrInvalidToken) {
			httpx.WriteError(w, http.StatusUnauthorized, invalidCredentialsDetail)
			return
		}
		log.Error("token refresh failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, buildTokenResponse(pair))
}

func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID := httpx.UserIDFromCtx(ctx)
	if userID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, invalidCredentialsDetail)
		return
	}

	if err := h.AuthService.Logout(ctx, userID); err != nil {
		if errors.Is(err, service.ErrInvalidToken) {
			httpx.WriteError(w, http.StatusUnauthorized, invalidCredentialsDetail)
			return
		}
		log.Error("logout failed", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID := httpx.UserIDFromCtx(ctx)
	if userID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, invalidCredentialsDetail)
		return
	}

	user, err := h.AuthService.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteError(w, http.StatusUnauthorized, invalidCredentialsDetail)
			return
		}
		log.Error("failed to load user", "user_id", userID, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	httpx.NoCache(w)
	httpx.WriteJSON(w, http.StatusOK, buildUserResponse(user))
}

type registerRequest struct {
	Username        string   `json:"username"`
	Password        string   `json:"password"`
	Email           string   `json:"email"`
	FullName        string   `json:"full_name"`
	Roles           []string `json:"roles"`
	AllowedProducts []string `json:"allowed_products"`
	AllowedAgents   []string `json:"allowed_agents"`
}

// HandleRegister creates a user. The route carries no authn middleware
// because the first registration on an empty deployment is open; when a
// bearer token is supplied it is verified here so the admin check in the
// service can see the caller.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	caller, err := h.optionalCaller(r)
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, invalidCredentialsDetail)
		return
	}

	user, err := h.AuthService.Register(ctx, service.RegisterInput{
		Username:        req.Username,
		Password:        req.Password,
		Email:           req.Email,
		FullName:        req.FullName,
		Roles:           req.Roles,
		AllowedProducts: req.AllowedProducts,
		AllowedAgents:   req.AllowedAgents,
		IsActive:        true,
	}, caller)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAdminRequired):
			httpx.WriteError(w, http.StatusForbidden, "Admin role required")
		case errors.Is(err, service.ErrUsernameTaken), errors.Is(err, service.ErrEmailTaken):
			httpx.WriteError(w, http.StatusConflict, "Username or email already registered")
		default:
			log.Error("registration failed", "username", req.Username, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, buildUserResponse(user))
}

// optionalCaller resolves the bearer token when one is present. A missing
// header is fine; a present but invalid one is an error.
func (h *AuthHandler) optionalCaller(r *http.Request) (*domain.User, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, service.ErrInvalidToken
	}

	ident, err := h.AuthService.VerifyAccess(r.Context(), strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	user, err := h.AuthService.GetUser(r.Context(), ident.UserID)
	if err != nil {
		return nil, service.ErrInvalidToken
	}
	return &user, nil
}
