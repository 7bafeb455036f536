package domain

import "time"

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderUser      SenderType = "user"
	SenderAssistant SenderType = "assistant"
	SenderSystem    SenderType = "system"
)

// MessageStatus tracks a message through the streaming pipeline.
type MessageStatus string

const (
	// MessageQueued means the message is persisted but the provider call has
	// not started yet.
	MessageQueued MessageStatus = "queued"
	// MessageProcessing means the provider call is in flight.
	MessageProcessing MessageStatus = "processing"
	// MessageReady is the terminal success state.
	MessageReady MessageStatus = "ready"
	// MessageError is the terminal failure state, ErrorCode holds the cause.
	MessageError MessageStatus = "error"
)

type Message struct {
	ID            string
	ThreadID      string
	SenderID      string
	SenderType    SenderType
	Status        MessageStatus
	Text          string
	CorrelationID string
	ErrorCode     string
	TokensCount   *int
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Attachments   []Attachment
}
