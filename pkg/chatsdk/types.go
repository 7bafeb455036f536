package chatsdk

import (
	"strings"
	"time"
)

// TokenPair is the wire shape returned by /auth/login and /auth/refresh.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
}

// UserProfile is the /auth/me shape.
type UserProfile struct {
	ID              string   `json:"id"`
	Username        string   `json:"username"`
	Email           string   `json:"email,omitempty"`
	FullName        string   `json:"full_name,omitempty"`
	Roles           []string `json:"roles"`
	AllowedProducts []string `json:"allowed_products"`
	AllowedAgents   []string `json:"allowed_agents"`
	IsActive        bool     `json:"is_active"`
}

// SessionEventType identifies a session lifecycle broadcast.
type SessionEventType string

const (
	EventLogin  SessionEventType = "login"
	EventLogout SessionEventType = "logout"
)

// SessionEvent is delivered on Session.Events when the authenticated state
// changes.
type SessionEvent struct {
	Type    SessionEventType
	Profile *UserProfile // set on login
}

// SessionStatus is the session's authenticated state.
type SessionStatus string

const (
	StatusAnonymous     SessionStatus = "anonymous"
	StatusAuthenticated SessionStatus = "authenticated"
)

// Thread is the thread read shape.
type Thread struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Title     string         `json:"title"`
	Summary   string         `json:"summary"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MessageAttachment is an attachment record as the server reports it. The
// DownloadURL is bearer-protected; the Hydrator turns it into something
// renderable.
type MessageAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	DownloadURL string `json:"download_url"`
}

// Message is the message read shape, plus the locally resolved Files set the
// Hydrator fills in.
type Message struct {
	ID            string              `json:"id"`
	ThreadID      string              `json:"thread_id"`
	SenderID      string              `json:"sender_id"`
	SenderType    string              `json:"sender_type"`
	Status        string              `json:"status"`
	Text          string              `json:"text"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	ErrorCode     string              `json:"error_code,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	Attachments   []MessageAttachment `json:"attachments"`

	// Files holds the renderable attachment set after hydration.
	Files []AttachmentRef `json:"-"`
}

// AttachmentUpload is a user-supplied attachment on a send.
type AttachmentUpload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	DataBase64  string `json:"data_base64"`
}

// MessageSend is the streaming send request.
type MessageSend struct {
	Text        string             `json:"text"`
	Model       string             `json:"model,omitempty"`
	ModelLabel  string             `json:"model_label,omitempty"`
	Attachments []AttachmentUpload `json:"attachments,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// MimeCategory buckets attachments by how the UI renders them.
type MimeCategory string

const (
	MimeImage MimeCategory = "image"
	MimeAudio MimeCategory = "audio"
	MimeAny   MimeCategory = "any"
)

func categorize(contentType string) MimeCategory {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return MimeImage
	case strings.HasPrefix(contentType, "audio/"):
		return MimeAudio
	default:
		return MimeAny
	}
}

// AttachmentRef is a resolved, renderable attachment: Src is either a data
// URI, a public URL, or a locally-scoped blob URL owned by the resolver.
type AttachmentRef struct {
	Name         string
	MimeCategory MimeCategory
	Src          string
}

// MessageUpdate is one emission from a MessageStream. The first update for a
// stream creates the assistant message; every later one has Overwrite set
// and replaces it wholesale. The terminal update has Done set and carries no
// content.
type MessageUpdate struct {
	Role      string
	Text      string
	Files     []AttachmentRef
	Overwrite bool
	Done      bool
}

// Pagination echoes the list window.
type Pagination struct {
	Total   int  `json:"total"`
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"has_more"`
}

// ThreadList is the paginated /threads response.
type ThreadList struct {
	Items      []Thread   `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// MessageList is the paginated /threads/{id}/messages response.
type MessageList struct {
	Items      []Message  `json:"items"`
	Pagination Pagination `json:"pagination"`
}
