package chatsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ExpiryBuffer is subtracted from every expiry comparison so a token is
// treated as expired slightly before the server does, never after.
const ExpiryBuffer = 5 * time.Second

// Credentials is the persisted token state. Each field survives the absence
// of the others, so a partial write never wipes the rest.
type Credentials struct {
	AccessToken      string    `json:"access_token,omitempty"`
	AccessExpiresAt  time.Time `json:"access_expires_at,omitzero"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitzero"`
}

// CredentialStore persists Credentials across process restarts.
type CredentialStore interface {
	Load() (Credentials, error)
	Store(Credentials) error
	Clear() error
}

// MemoryCredentialStore keeps credentials in process memory. Used by tests
// and by callers that do not want persistence.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds Credentials
}

func (m *MemoryCredentialStore) Load() (Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, nil
}

func (m *MemoryCredentialStore) Store(c Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = c
	return nil
}

func (m *MemoryCredentialStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = Credentials{}
	return nil
}

// FileCredentialStore persists credentials as JSON at Path. Writes go
// through a temp file and rename so a crash mid-write never leaves a
// corrupt file. There is no cross-process lock; concurrent processes
// sharing one file follow last-write-wins.
type FileCredentialStore struct {
	Path string

	mu sync.Mutex
}

func (f *FileCredentialStore) Load() (Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credentials{}, nil
		}
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		// A corrupt file means starting anonymous, not failing forever.
		return Credentials{}, nil
	}
	return creds, nil
}

func (f *FileCredentialStore) Store(c Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

func (f *FileCredentialStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// TokenStore owns the in-memory token state and its persistence. It never
// performs network calls; the Session is the only writer.
type TokenStore struct {
	mu      sync.Mutex
	store   CredentialStore
	creds   Credentials
	profile *UserProfile

	now func() time.Time
}

// NewTokenStore wraps a CredentialStore. Call Load before first use.
func NewTokenStore(store CredentialStore) *TokenStore {
	return &TokenStore{
		store: store,
		now:   time.Now,
	}
}

// Load reads the persisted credentials into memory.
func (t *TokenStore) Load() error {
	creds, err := t.store.Load()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.creds = creds
	t.mu.Unlock()
	return nil
}

// Persist stores the token pair. Expiries are computed as
// now + max(ttl - buffer, buffer) so a zero or absurdly small server TTL
// still leaves a briefly usable token rather than one born expired.
func (t *TokenStore) Persist(pair TokenPair) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.creds = Credentials{
		AccessToken:      pair.AccessToken,
		AccessExpiresAt:  now.Add(bufferedTTL(pair.ExpiresIn)),
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresAt: now.Add(bufferedTTL(pair.RefreshExpiresIn)),
	}
	return t.store.Store(t.creds)
}

func bufferedTTL(lifetimeSeconds int) time.Duration {
	ttl := time.Duration(lifetimeSeconds)*time.Second - ExpiryBuffer
	if ttl < ExpiryBuffer {
		ttl = ExpiryBuffer
	}
	return ttl
}

// Clear removes all token state and the cached profile.
func (t *TokenStore) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.creds = Credentials{}
	t.profile = nil
	return t.store.Clear()
}

// AccessValid reports whether the access token exists and has more than the
// safety buffer left before expiry.
func (t *TokenStore) AccessValid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return tokenValid(t.creds.AccessToken, t.creds.AccessExpiresAt, t.now())
}

// RefreshValid reports the same for the refresh token.
func (t *TokenStore) RefreshValid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return tokenValid(t.creds.RefreshToken, t.creds.RefreshExpiresAt, t.now())
}

func tokenValid(token string, expiresAt time.Time, now time.Time) bool {
	return token != "" && expiresAt.Sub(now) > ExpiryBuffer
}

// AccessToken returns the cached access token without validity checks.
func (t *TokenStore) AccessToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds.AccessToken
}

// RefreshToken returns the cached refresh token without validity checks.
func (t *TokenStore) RefreshToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds.RefreshToken
}

// Profile returns the cached user profile, nil when none is cached.
func (t *TokenStore) Profile() *UserProfile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.profile
}

// SetProfile caches the user profile in memory only.
func (t *TokenStore) SetProfile(p *UserProfile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.profile = p
}
