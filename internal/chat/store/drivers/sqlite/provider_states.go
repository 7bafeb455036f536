package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/parleychat/parley/internal/chat/domain"
)

type providerStatesRepo struct {
	db DBTX
}

func (r *providerStatesRepo) UpsertProviderState(ctx context.Context, s domain.ProviderThreadState) error {
	payload, err := encodeJSONMap(s.Payload)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO provider_thread_states (
			id, thread_id, provider, conversation_id, payload, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, provider) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		s.ID, s.ThreadID, s.Provider, mapStringNull(s.ConversationID),
		payload, now, now,
	)
	return err
}

func (r *providerStatesRepo) GetProviderState(ctx context.Context, threadID, provider string) (domain.ProviderThreadState, error) {
	var (
		s              domain.ProviderThreadState
		conversationID sql.NullString
		payload        string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, thread_id, provider, conversation_id, payload, created_at, updated_at
		FROM provider_thread_states
		WHERE thread_id = ? AND provider = ?`,
		threadID, provider,
	).Scan(&s.ID, &s.ThreadID, &s.Provider, &conversationID, &payload, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.ProviderThreadState{}, mapNotFound(err)
	}

	s.ConversationID = mapNullString(conversationID)
	s.Payload = decodeJSONMap(payload)
	return s, nil
}
