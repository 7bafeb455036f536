package sqlite

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/store"
	"github.com/parleychat/parley/pkg/idx"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "chat.db"))
	st, err := NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.ApplyMigrations())
	return st
}

func newTestUser(t *testing.T, st *Store) domain.User {
	t.Helper()

	now := time.Now().UTC()
	username := "user-" + idx.New().String()
	u := domain.User{
		ID:           idx.New().String(),
		Username:     username,
		Email:        username + "@example.com",
		FullName:     "Alice Example",
		PasswordHash: "$argon2id$fake",
		Roles:        []string{"user"},
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, st.Users().CreateUser(t.Context(), u))
	return u
}

func newTestThread(t *testing.T, st *Store, ownerID, title string) domain.Thread {
	t.Helper()

	now := time.Now().UTC()
	th := domain.Thread{
		ID:        idx.New().String(),
		OwnerID:   ownerID,
		Title:     title,
		Metadata:  map[string]any{"source": "test"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.Threads().CreateThread(t.Context(), th))
	return th
}

func newTestMessage(t *testing.T, st *Store, threadID, senderID, text string) domain.Message {
	t.Helper()

	now := time.Now().UTC()
	m := domain.Message{
		ID:         idx.New().String(),
		ThreadID:   threadID,
		SenderID:   senderID,
		SenderType: domain.SenderUser,
		Status:     domain.MessageQueued,
		Text:       text,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, st.Messages().CreateMessage(t.Context(), m))
	return m
}

func TestUsersRepo(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	t.Run("create and fetch", func(t *testing.T) {
		u := newTestUser(t, st)

		byID, err := st.Users().GetUserByID(t.Context(), u.ID)
		require.NoError(t, err)
		require.Equal(t, u.Username, byID.Username)
		require.Equal(t, []string{"user"}, byID.Roles)
		require.True(t, byID.IsActive)
		require.Nil(t, byID.LastLoginAt)

		byName, err := st.Users().GetUserByUsername(t.Context(), u.Username)
		require.NoError(t, err)
		require.Equal(t, u.ID, byName.ID)
	})

	t.Run("duplicate username is rejected", func(t *testing.T) {
		u := newTestUser(t, st)

		dup := u
		dup.ID = idx.New().String()
		dup.Email = "other-" + idx.New().String() + "@example.com"
		err := st.Users().CreateUser(t.Context(), dup)
		require.ErrorIs(t, err, store.ErrAlreadyExists)
	})

	t.Run("duplicate email is rejected", func(t *testing.T) {
		u := newTestUser(t, st)

		dup := u
		dup.ID = idx.New().String()
		dup.Username = "user-" + idx.New().String()
		err := st.Users().CreateUser(t.Context(), dup)
		require.ErrorIs(t, err, store.ErrEmailExists)
	})

	t.Run("accounts without an email do not collide", func(t *testing.T) {
		now := time.Now().UTC()
		for range 2 {
			u := domain.User{
				ID:           idx.New().String(),
				Username:     "user-" + idx.New().String(),
				PasswordHash: "$argon2id$fake",
				IsActive:     true,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			require.NoError(t, st.Users().CreateUser(t.Context(), u))
		}
	})

	t.Run("unknown user maps to ErrNotFound", func(t *testing.T) {
		_, err := st.Users().GetUserByID(t.Context(), "missing")
		require.ErrorIs(t, err, store.ErrNotFound)

		require.Error(t, st.Users().BumpTokenVersion(t.Context(), "missing"))
	})

	t.Run("token version bumps by one", func(t *testing.T) {
		u := newTestUser(t, st)

		require.NoError(t, st.Users().BumpTokenVersion(t.Context(), u.ID))
		got, err := st.Users().GetUserByID(t.Context(), u.ID)
		require.NoError(t, err)
		require.Equal(t, u.TokenVersion+1, got.TokenVersion)
	})

	t.Run("last login is recorded", func(t *testing.T) {
		u := newTestUser(t, st)

		require.NoError(t, st.Users().UpdateLastLogin(t.Context(), u.ID))
		got, err := st.Users().GetUserByID(t.Context(), u.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastLoginAt)
	})
}

func TestUsersRepoIsEmpty(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	empty, err := st.Users().IsEmpty(t.Context())
	require.NoError(t, err)
	require.True(t, empty)

	newTestUser(t, st)

	empty, err = st.Users().IsEmpty(t.Context())
	require.NoError(t, err)
	require.False(t, empty)
}

func TestThreadsRepo(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	t.Run("create and fetch with metadata", func(t *testing.T) {
		owner := newTestUser(t, st)
		th := newTestThread(t, st, owner.ID, "Budget planning")

		got, err := st.Threads().GetThreadByID(t.Context(), th.ID)
		require.NoError(t, err)
		require.Equal(t, "Budget planning", got.Title)
		require.Equal(t, map[string]any{"source": "test"}, got.Metadata)
		require.False(t, got.IsDeleted)
	})

	t.Run("list pages newest first", func(t *testing.T) {
		owner := newTestUser(t, st)
		for i := 1; i <= 3; i++ {
			th := newTestThread(t, st, owner.ID, fmt.Sprintf("Thread %d", i))
			// Touch each thread in creation order so updated_at strictly
			// increases and the ordering assertion is deterministic.
			time.Sleep(2 * time.Millisecond)
			require.NoError(t, st.Threads().UpdateThread(t.Context(), th))
		}

		threads, total, err := st.Threads().ListThreadsByOwner(t.Context(), owner.ID, store.Page{Number: 1, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, 3, total)
		require.Len(t, threads, 2)
		require.Equal(t, "Thread 3", threads[0].Title)

		threads, total, err = st.Threads().ListThreadsByOwner(t.Context(), owner.ID, store.Page{Number: 2, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, 3, total)
		require.Len(t, threads, 1)
	})

	t.Run("soft delete hides from lists but keeps the row", func(t *testing.T) {
		owner := newTestUser(t, st)
		th := newTestThread(t, st, owner.ID, "Doomed")

		require.NoError(t, st.Threads().SoftDeleteThread(t.Context(), th.ID))

		threads, total, err := st.Threads().ListThreadsByOwner(t.Context(), owner.ID, store.Page{Number: 1, Limit: 10})
		require.NoError(t, err)
		require.Zero(t, total)
		require.Empty(t, threads)

		got, err := st.Threads().GetThreadByID(t.Context(), th.ID)
		require.NoError(t, err)
		require.True(t, got.IsDeleted)
		require.NotNil(t, got.DeletedAt)
	})
}

func TestMessagesRepo(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	owner := newTestUser(t, st)
	th := newTestThread(t, st, owner.ID, "Chat")

	first := newTestMessage(t, st, th.ID, owner.ID, "first")
	second := newTestMessage(t, st, th.ID, owner.ID, "second")

	t.Run("lists oldest first with total", func(t *testing.T) {
		messages, total, err := st.Messages().ListMessagesByThread(t.Context(), th.ID, store.Page{Number: 1, Limit: 10})
		require.NoError(t, err)
		require.Equal(t, 2, total)
		require.Len(t, messages, 2)
		require.Equal(t, first.ID, messages[0].ID)
		require.Equal(t, second.ID, messages[1].ID)
	})

	t.Run("update moves the message through the pipeline", func(t *testing.T) {
		tokens := 42
		updated := first
		updated.Status = domain.MessageReady
		updated.Text = "first, answered"
		updated.TokensCount = &tokens
		updated.UpdatedAt = time.Now().UTC()
		require.NoError(t, st.Messages().UpdateMessage(t.Context(), updated))

		got, err := st.Messages().GetMessageByID(t.Context(), first.ID)
		require.NoError(t, err)
		require.Equal(t, domain.MessageReady, got.Status)
		require.Equal(t, "first, answered", got.Text)
		require.NotNil(t, got.TokensCount)
		require.Equal(t, 42, *got.TokensCount)
	})

	t.Run("counts by thread", func(t *testing.T) {
		n, err := st.Messages().CountByThread(t.Context(), th.ID)
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})
}

func TestAttachmentsRepo(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	owner := newTestUser(t, st)
	th := newTestThread(t, st, owner.ID, "Chat")
	msg := newTestMessage(t, st, th.ID, owner.ID, "see files")

	att := domain.Attachment{
		ID:              idx.New().String(),
		MessageID:       msg.ID,
		Filename:        "chart.png",
		StorageFilename: "chart_" + idx.New().String() + ".png",
		ContentType:     "image/png",
		SizeBytes:       1024,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, st.Attachments().CreateAttachment(t.Context(), att))

	t.Run("lookup by storage filename", func(t *testing.T) {
		got, err := st.Attachments().GetAttachmentByStorageFilename(t.Context(), att.StorageFilename)
		require.NoError(t, err)
		require.Equal(t, att.ID, got.ID)
		require.Equal(t, "chart.png", got.Filename)
		require.Equal(t, int64(1024), got.SizeBytes)

		_, err = st.Attachments().GetAttachmentByStorageFilename(t.Context(), "nope.bin")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("grouped by message", func(t *testing.T) {
		other := newTestMessage(t, st, th.ID, owner.ID, "no files")

		grouped, err := st.Attachments().ListAttachmentsByMessages(t.Context(), []string{msg.ID, other.ID})
		require.NoError(t, err)
		require.Len(t, grouped[msg.ID], 1)
		require.Empty(t, grouped[other.ID])
	})
}

func TestProviderStatesRepo(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	owner := newTestUser(t, st)
	th := newTestThread(t, st, owner.ID, "Chat")

	state := domain.ProviderThreadState{
		ID:             idx.New().String(),
		ThreadID:       th.ID,
		Provider:       "agent",
		ConversationID: "conv-1",
		Payload:        map[string]any{"session": "s1"},
	}
	require.NoError(t, st.ProviderStates().UpsertProviderState(t.Context(), state))

	got, err := st.ProviderStates().GetProviderState(t.Context(), th.ID, "agent")
	require.NoError(t, err)
	require.Equal(t, "conv-1", got.ConversationID)
	require.Equal(t, map[string]any{"session": "s1"}, got.Payload)

	// Upserting the same thread/provider replaces the handle.
	state.ConversationID = "conv-2"
	require.NoError(t, st.ProviderStates().UpsertProviderState(t.Context(), state))

	got, err = st.ProviderStates().GetProviderState(t.Context(), th.ID, "agent")
	require.NoError(t, err)
	require.Equal(t, "conv-2", got.ConversationID)

	_, err = st.ProviderStates().GetProviderState(t.Context(), th.ID, "other")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEmbeddingsRepo(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	owner := newTestUser(t, st)
	kept := newTestThread(t, st, owner.ID, "Kept")
	dropped := newTestThread(t, st, owner.ID, "Dropped")

	require.NoError(t, st.Embeddings().UpsertEmbedding(t.Context(), domain.ThreadEmbedding{
		ThreadID: kept.ID, ModelID: "embed-1", Vector: []float32{0.1, 0.2, 0.3},
	}))
	require.NoError(t, st.Embeddings().UpsertEmbedding(t.Context(), domain.ThreadEmbedding{
		ThreadID: dropped.ID, ModelID: "embed-1", Vector: []float32{0.4, 0.5, 0.6},
	}))

	t.Run("round-trips the vector", func(t *testing.T) {
		got, err := st.Embeddings().ListEmbeddingsByOwner(t.Context(), owner.ID, "embed-1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		for _, e := range got {
			require.Len(t, e.Vector, 3)
		}
	})

	t.Run("upsert replaces the existing vector", func(t *testing.T) {
		require.NoError(t, st.Embeddings().UpsertEmbedding(t.Context(), domain.ThreadEmbedding{
			ThreadID: kept.ID, ModelID: "embed-2", Vector: []float32{0.9},
		}))

		got, err := st.Embeddings().ListEmbeddingsByOwner(t.Context(), owner.ID, "embed-2")
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.InDelta(t, 0.9, got[0].Vector[0], 1e-6)
	})

	t.Run("deleted threads drop out of the listing", func(t *testing.T) {
		require.NoError(t, st.Threads().SoftDeleteThread(t.Context(), dropped.ID))

		got, err := st.Embeddings().ListEmbeddingsByOwner(t.Context(), owner.ID, "")
		require.NoError(t, err)
		for _, e := range got {
			require.NotEqual(t, dropped.ID, e.ThreadID)
		}
	})
}

func TestWithTx(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	owner := newTestUser(t, st)

	t.Run("commit persists", func(t *testing.T) {
		var threadID string
		err := st.WithTx(t.Context(), func(tx store.Tx) error {
			th := domain.Thread{
				ID: idx.New().String(), OwnerID: owner.ID, Title: "Committed",
				CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
			}
			threadID = th.ID
			return tx.Threads().CreateThread(t.Context(), th)
		})
		require.NoError(t, err)

		_, err = st.Threads().GetThreadByID(t.Context(), threadID)
		require.NoError(t, err)
	})

	t.Run("error rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		var threadID string
		err := st.WithTx(t.Context(), func(tx store.Tx) error {
			th := domain.Thread{
				ID: idx.New().String(), OwnerID: owner.ID, Title: "Rolled back",
				CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
			}
			threadID = th.ID
			if err := tx.Threads().CreateThread(t.Context(), th); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = st.Threads().GetThreadByID(t.Context(), threadID)
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}
