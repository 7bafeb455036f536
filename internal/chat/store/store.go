package store

import (
	"context"
	"errors"

	"github.com/parleychat/parley/internal/chat/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrEmailExists   = errors.New("store: email already exists")
)

// Page describes a limit/offset window for list queries.
type Page struct {
	Number int // 1-based
	Limit  int
}

func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.Limit
}

// Store is the root data access interface. Concrete drivers (sqlite for now)
// implement this. Sub-repositories keep concerns tidy and testable, and make
// it hard to accidentally nest transactions.
type Store interface {
	Users() Users
	Threads() Threads
	Messages() Messages
	Attachments() Attachments
	ProviderStates() ProviderStates
	Embeddings() Embeddings

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction, committing on nil and rolling
	// back on error. Preferred over calling Tx directly.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. Same repos plus Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Users interface {
	// GetUserByID returns a user by id.
	GetUserByID(ctx context.Context, id string) (domain.User, error)

	// GetUserByUsername is used during login.
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)

	// CreateUser inserts a new user (id is provided by app via ULID).
	CreateUser(ctx context.Context, u domain.User) error

	// BumpTokenVersion increments token_version, invalidating every token
	// minted against the previous version.
	BumpTokenVersion(ctx context.Context, userID string) error

	// UpdateLastLogin sets last_login_at to now.
	UpdateLastLogin(ctx context.Context, userID string) error

	// UpdatePasswordHash sets the password_hash (argon2) and bumps updated_at.
	UpdatePasswordHash(ctx context.Context, userID string, newHash string) error

	// IsEmpty returns true if there are no users.
	IsEmpty(ctx context.Context) (bool, error)
}

type Threads interface {
	// CreateThread inserts a new thread.
	CreateThread(ctx context.Context, t domain.Thread) error

	// GetThreadByID returns a thread regardless of soft-delete state.
	GetThreadByID(ctx context.Context, id string) (domain.Thread, error)

	// ListThreadsByOwner returns the owner's non-deleted threads newest first,
	// plus the total count for pagination.
	ListThreadsByOwner(ctx context.Context, ownerID string, page Page) ([]domain.Thread, int, error)

	// UpdateThread persists title/summary/metadata changes and bumps updated_at.
	UpdateThread(ctx context.Context, t domain.Thread) error

	// SoftDeleteThread flags the thread deleted without dropping its messages.
	SoftDeleteThread(ctx context.Context, id string) error
}

type Messages interface {
	// CreateMessage inserts a message with its initial status.
	CreateMessage(ctx context.Context, m domain.Message) error

	// GetMessageByID returns a message without attachments.
	GetMessageByID(ctx context.Context, id string) (domain.Message, error)

	// ListMessagesByThread returns the thread's messages oldest first, plus
	// the total count. Attachments are not populated; join via Attachments().
	ListMessagesByThread(ctx context.Context, threadID string, page Page) ([]domain.Message, int, error)

	// UpdateMessage persists status/text/error_code/tokens_count changes.
	UpdateMessage(ctx context.Context, m domain.Message) error

	// CountByThread returns the number of messages in a thread.
	CountByThread(ctx context.Context, threadID string) (int, error)
}

type Attachments interface {
	// CreateAttachment inserts an attachment record.
	CreateAttachment(ctx context.Context, a domain.Attachment) error

	// GetAttachmentByStorageFilename looks up the record backing a download.
	GetAttachmentByStorageFilename(ctx context.Context, name string) (domain.Attachment, error)

	// ListAttachmentsByMessages returns attachments for a set of messages,
	// keyed by message ID.
	ListAttachmentsByMessages(ctx context.Context, messageIDs []string) (map[string][]domain.Attachment, error)
}

type ProviderStates interface {
	// UpsertProviderState creates or updates the provider conversation handle
	// for a thread.
	UpsertProviderState(ctx context.Context, s domain.ProviderThreadState) error

	// GetProviderState returns the state for a thread and provider.
	GetProviderState(ctx context.Context, threadID, provider string) (domain.ProviderThreadState, error)
}

type Embeddings interface {
	// UpsertEmbedding stores or replaces a thread's search embedding.
	UpsertEmbedding(ctx context.Context, e domain.ThreadEmbedding) error

	// ListEmbeddingsByOwner returns embeddings for all of an owner's
	// non-deleted threads, for in-process similarity scoring.
	ListEmbeddingsByOwner(ctx context.Context, ownerID, modelID string) ([]domain.ThreadEmbedding, error)
}
