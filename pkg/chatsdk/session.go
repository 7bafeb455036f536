package chatsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Session is the single authority for the authenticated state: it owns the
// TokenStore, performs login/refresh/logout against the auth endpoints, and
// broadcasts login/logout events. The Gateway and MessageStream only ever
// read tokens through it.
type Session struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenStore
	logger     *slog.Logger

	mu          sync.Mutex
	initialized bool
	initCall    *inflightInit
	refreshCall *inflightRefresh

	events chan SessionEvent
}

type inflightInit struct {
	done chan struct{}
}

type inflightRefresh struct {
	done  chan struct{}
	token string
	err   error
}

// NewSession builds a Session over the given credential store. The HTTP
// client here talks to the auth endpoints directly, outside the Gateway, so
// a refresh can never recurse into another refresh.
func NewSession(baseURL string, store CredentialStore, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     NewTokenStore(store),
		logger:     logger,
		events:     make(chan SessionEvent, 16),
	}
}

// Tokens exposes the session's TokenStore to read-only collaborators.
func (s *Session) Tokens() *TokenStore { return s.tokens }

// Events delivers login and logout broadcasts. The channel is buffered;
// events are dropped rather than blocking the session when nobody reads.
func (s *Session) Events() <-chan SessionEvent { return s.events }

func (s *Session) emit(event SessionEvent) {
	select {
	case s.events <- event:
	default:
	}
}

// Status reports authenticated while either token is still valid.
func (s *Session) Status() SessionStatus {
	if s.tokens.AccessValid() || s.tokens.RefreshValid() {
		return StatusAuthenticated
	}
	return StatusAnonymous
}

// Profile returns the cached user profile, nil when anonymous.
func (s *Session) Profile() *UserProfile { return s.tokens.Profile() }

// EnsureInitialized restores the session from persisted credentials exactly
// once. Concurrent callers share the in-flight restore. A failed restore
// clears the session to anonymous; it never returns an error.
func (s *Session) EnsureInitialized(ctx context.Context) {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return
	}
	if s.initCall != nil {
		call := s.initCall
		s.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
		}
		return
	}
	call := &inflightInit{done: make(chan struct{})}
	s.initCall = call
	s.mu.Unlock()

	s.restore(ctx)

	s.mu.Lock()
	s.initialized = true
	s.initCall = nil
	s.mu.Unlock()
	close(call.done)
}

func (s *Session) restore(ctx context.Context) {
	if err := s.tokens.Load(); err != nil {
		s.logger.Warn("failed to load persisted credentials", "err", err)
		s.clearLocal()
		return
	}

	if !s.tokens.RefreshValid() {
		// Nothing restorable. An access token without a refresh token would
		// die at first expiry anyway.
		s.clearLocal()
		return
	}

	if !s.tokens.AccessValid() {
		if _, err := s.refresh(ctx); err != nil {
			s.clearLocal()
			return
		}
	}

	if s.tokens.Profile() == nil {
		profile, err := s.fetchProfile(ctx)
		if err != nil {
			s.logger.Warn("session restore failed", "err", err)
			s.clearLocal()
			return
		}
		s.tokens.SetProfile(profile)
	}
}

// RefreshTokens exchanges the refresh token for a new pair. Concurrent
// callers collapse into a single network call and all settle with its
// outcome. Any failure clears the session and emits a logout event.
func (s *Session) RefreshTokens(ctx context.Context) (string, error) {
	s.mu.Lock()
	if call := s.refreshCall; call != nil {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if !s.tokens.RefreshValid() {
		s.mu.Unlock()
		return "", ErrSessionExpired
	}
	call := &inflightRefresh{done: make(chan struct{})}
	s.refreshCall = call
	s.mu.Unlock()

	token, err := s.refresh(ctx)
	if err != nil {
		s.clearLocal()
		s.emit(SessionEvent{Type: EventLogout})
	}

	call.token, call.err = token, err
	s.mu.Lock()
	s.refreshCall = nil
	s.mu.Unlock()
	close(call.done)

	return token, err
}

func (s *Session) refresh(ctx context.Context) (string, error) {
	var pair TokenPair
	status, err := s.postJSON(ctx, "/auth/refresh",
		map[string]string{"refresh_token": s.tokens.RefreshToken()}, &pair, "")
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized {
		return "", ErrSessionExpired
	}
	if status < 200 || status > 299 {
		return "", &APIError{StatusCode: status, Message: "token refresh rejected"}
	}
	if err := s.tokens.Persist(pair); err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}

// EnsureValidAccessToken returns a usable access token, refreshing when the
// cached one has expired. ErrSessionExpired propagates when the refresh
// token is gone too.
func (s *Session) EnsureValidAccessToken(ctx context.Context) (string, error) {
	s.EnsureInitialized(ctx)
	if s.tokens.AccessValid() {
		return s.tokens.AccessToken(), nil
	}
	return s.RefreshTokens(ctx)
}

// Login exchanges credentials for a token pair and caches the profile. A
// rejected login surfaces as AuthenticationError and leaves the session
// anonymous.
func (s *Session) Login(ctx context.Context, username, password string) (*UserProfile, error) {
	var pair TokenPair
	if _, err := s.postJSONDetail(ctx, "/auth/login",
		map[string]string{"username": username, "password": password}, &pair); err != nil {
		return nil, err
	}

	if err := s.tokens.Persist(pair); err != nil {
		s.clearLocal()
		return nil, err
	}

	profile, err := s.fetchProfile(ctx)
	if err != nil {
		s.clearLocal()
		return nil, &AuthenticationError{Message: "could not load user profile"}
	}
	s.tokens.SetProfile(profile)

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	s.emit(SessionEvent{Type: EventLogin, Profile: profile})
	return profile, nil
}

// Logout clears the local session and best-effort notifies the server so it
// can revoke outstanding tokens. A failed notify is not an error; the local
// session is gone either way.
func (s *Session) Logout(ctx context.Context) {
	token := s.tokens.AccessToken()
	if token != "" {
		if err := s.notifyLogout(ctx, token); err != nil {
			s.logger.Debug("server logout notify failed", "err", err)
		}
	}
	s.clearLocal()
	s.emit(SessionEvent{Type: EventLogout})
}

// ForceLogout clears local state without contacting the server. Used by the
// Gateway when a 401 cannot be recovered.
func (s *Session) ForceLogout() {
	s.clearLocal()
	s.emit(SessionEvent{Type: EventLogout})
}

func (s *Session) clearLocal() {
	if err := s.tokens.Clear(); err != nil {
		s.logger.Warn("failed to clear persisted credentials", "err", err)
	}
}

func (s *Session) fetchProfile(ctx context.Context) (*UserProfile, error) {
	token := s.tokens.AccessToken()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/auth/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    responseDetail(resp, "profile fetch rejected"),
		}
	}

	var profile UserProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &profile, nil
}

func (s *Session) notifyLogout(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/auth/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// postJSON POSTs a JSON body and decodes a 2xx response into out. The status
// code is always returned so callers can map failures themselves.
func (s *Session) postJSON(ctx context.Context, path string, body, out any, bearer string) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// postJSONDetail is postJSON with non-2xx mapped to AuthenticationError
// carrying the server's detail message.
func (s *Session) postJSONDetail(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &AuthenticationError{
			Message: responseDetail(resp, http.StatusText(resp.StatusCode)),
		}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
