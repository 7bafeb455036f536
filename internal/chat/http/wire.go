package http

import (
	"time"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/store"
)

// Pagination echoes the window a list query was answered with.
type Pagination struct {
	Total   int  `json:"total"`
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"has_more"`
}

func buildPagination(page store.Page, total int) Pagination {
	number := page.Number
	if number < 1 {
		number = 1
	}
	return Pagination{
		Total:   total,
		Page:    number,
		Limit:   page.Limit,
		HasMore: page.Offset()+page.Limit < total,
	}
}

// TokenResponse is the login and refresh payload.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
}

func buildTokenResponse(pair *domain.TokenPair) TokenResponse {
	return TokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        pair.TokenType,
		ExpiresIn:        int(pair.ExpiresIn.Seconds()),
		RefreshExpiresIn: int(pair.RefreshExpiresIn.Seconds()),
	}
}

// UserResponse is the /auth/me profile shape.
type UserResponse struct {
	ID              string     `json:"id"`
	Username        string     `json:"username"`
	Email           string     `json:"email,omitempty"`
	FullName        string     `json:"full_name,omitempty"`
	Roles           []string   `json:"roles"`
	AllowedProducts []string   `json:"allowed_products"`
	AllowedAgents   []string   `json:"allowed_agents"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
}

func buildUserResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:              u.ID,
		Username:        u.Username,
		Email:           u.Email,
		FullName:        u.FullName,
		Roles:           emptyIfNil(u.Roles),
		AllowedProducts: emptyIfNil(u.AllowedProducts),
		AllowedAgents:   emptyIfNil(u.AllowedAgents),
		IsActive:        u.IsActive,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
		LastLoginAt:     u.LastLoginAt,
	}
}

// ThreadResponse is the thread read shape.
type ThreadResponse struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Title     string         `json:"title"`
	Summary   string         `json:"summary"`
	Metadata  map[string]any `json:"metadata"`
	IsDeleted bool           `json:"is_deleted"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
}

func buildThreadResponse(t domain.Thread) ThreadResponse {
	metadata := t.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return ThreadResponse{
		ID:        t.ID,
		OwnerID:   t.OwnerID,
		Title:     t.Title,
		Summary:   t.Summary,
		Metadata:  metadata,
		IsDeleted: t.IsDeleted,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		DeletedAt: t.DeletedAt,
	}
}

// AttachmentResponse is one attachment record with its download location.
type AttachmentResponse struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	SizeBytes   *int64    `json:"size_bytes,omitempty"`
	DownloadURL string    `json:"download_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MessageResponse is the message read shape with attachments inlined.
type MessageResponse struct {
	ID            string               `json:"id"`
	ThreadID      string               `json:"thread_id"`
	SenderID      string               `json:"sender_id"`
	SenderType    domain.SenderType    `json:"sender_type"`
	Status        domain.MessageStatus `json:"status"`
	Text          string               `json:"text"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	ErrorCode     string               `json:"error_code,omitempty"`
	TokensCount   *int                 `json:"tokens_count,omitempty"`
	Metadata      map[string]any       `json:"metadata"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	Attachments   []AttachmentResponse `json:"attachments"`
}

func buildMessageResponse(m domain.Message, downloadURL func(domain.Attachment) string) MessageResponse {
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	attachments := make([]AttachmentResponse, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		size := a.SizeBytes
		attachments = append(attachments, AttachmentResponse{
			ID:          a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			SizeBytes:   &size,
			DownloadURL: downloadURL(a),
			CreatedAt:   a.CreatedAt,
		})
	}
	return MessageResponse{
		ID:            m.ID,
		ThreadID:      m.ThreadID,
		SenderID:      m.SenderID,
		SenderType:    m.SenderType,
		Status:        m.Status,
		Text:          m.Text,
		CorrelationID: m.CorrelationID,
		ErrorCode:     m.ErrorCode,
		TokensCount:   m.TokensCount,
		Metadata:      metadata,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		Attachments:   attachments,
	}
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
