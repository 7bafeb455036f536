package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/store"
)

type messagesRepo struct {
	db DBTX
}

const messageColumns = `id, thread_id, sender_id, sender_type, status, text,
	correlation_id, error_code, tokens_count, metadata, created_at, updated_at`

func scanMessage(row interface{ Scan(dest ...any) error }) (domain.Message, error) {
	var (
		m                        domain.Message
		correlationID, errorCode sql.NullString
		tokensCount              sql.NullInt64
		metadata                 string
	)
	err := row.Scan(
		&m.ID, &m.ThreadID, &m.SenderID, &m.SenderType, &m.Status, &m.Text,
		&correlationID, &errorCode, &tokensCount, &metadata,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Message{}, err
	}

	m.CorrelationID = mapNullString(correlationID)
	m.ErrorCode = mapNullString(errorCode)
	m.TokensCount = mapNullIntPtr(tokensCount)
	m.Metadata = decodeJSONMap(metadata)
	return m, nil
}

func (r *messagesRepo) CreateMessage(ctx context.Context, m domain.Message) error {
	metadata, err := encodeJSONMap(m.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, thread_id, sender_id, sender_type, status, text,
			correlation_id, error_code, tokens_count, metadata,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.SenderID, m.SenderType, m.Status, m.Text,
		mapStringNull(m.CorrelationID), mapStringNull(m.ErrorCode),
		mapOptionalInt(m.TokensCount), metadata, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (r *messagesRepo) GetMessageByID(ctx context.Context, id string) (domain.Message, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)

	m, err := scanMessage(row)
	if err != nil {
		return domain.Message{}, mapNotFound(err)
	}
	return m, nil
}

func (r *messagesRepo) ListMessagesByThread(ctx context.Context, threadID string, page store.Page) ([]domain.Message, int, error) {
	total, err := r.CountByThread(ctx, threadID)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE thread_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?`,
		threadID, page.Limit, page.Offset(),
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, m)
	}
	return messages, total, rows.Err()
}

func (r *messagesRepo) UpdateMessage(ctx context.Context, m domain.Message) error {
	metadata, err := encodeJSONMap(m.Metadata)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, text = ?, error_code = ?,
			tokens_count = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		m.Status, m.Text, mapStringNull(m.ErrorCode),
		mapOptionalInt(m.TokensCount), metadata, time.Now().UTC(), m.ID,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func (r *messagesRepo) CountByThread(ctx context.Context, threadID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE thread_id = ?`, threadID,
	).Scan(&count)
	return count, err
}
