package domain

import "time"

type Thread struct {
	ID        string
	OwnerID   string
	Title     string
	Summary   string
	Metadata  map[string]any
	IsDeleted bool
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// ProviderThreadState carries the upstream provider's conversation handle for
// a thread, so follow-up sends continue the same provider conversation.
type ProviderThreadState struct {
	ID             string
	ThreadID       string
	Provider       string
	ConversationID string
	Payload        map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ThreadEmbedding stores the embedding vector used by semantic thread search.
type ThreadEmbedding struct {
	ThreadID  string
	ModelID   string
	Vector    []float32
	UpdatedAt time.Time
}
