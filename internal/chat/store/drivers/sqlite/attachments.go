package sqlite

import (
	"context"
	"strings"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/store"
)

type attachmentsRepo struct {
	db DBTX
}

const attachmentColumns = `id, message_id, filename, storage_filename,
	content_type, size_bytes, created_at`

func scanAttachment(row interface{ Scan(dest ...any) error }) (domain.Attachment, error) {
	var a domain.Attachment
	err := row.Scan(
		&a.ID, &a.MessageID, &a.Filename, &a.StorageFilename,
		&a.ContentType, &a.SizeBytes, &a.CreatedAt,
	)
	if err != nil {
		return domain.Attachment{}, err
	}
	return a, nil
}

func (r *attachmentsRepo) CreateAttachment(ctx context.Context, a domain.Attachment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attachments (
			id, message_id, filename, storage_filename, content_type,
			size_bytes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, a.Filename, a.StorageFilename, a.ContentType,
		a.SizeBytes, a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (r *attachmentsRepo) GetAttachmentByStorageFilename(ctx context.Context, name string) (domain.Attachment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+attachmentColumns+` FROM attachments WHERE storage_filename = ?`, name)

	a, err := scanAttachment(row)
	if err != nil {
		return domain.Attachment{}, mapNotFound(err)
	}
	return a, nil
}

func (r *attachmentsRepo) ListAttachmentsByMessages(ctx context.Context, messageIDs []string) (map[string][]domain.Attachment, error) {
	out := make(map[string][]domain.Attachment, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+attachmentColumns+` FROM attachments
		WHERE message_id IN (`+placeholders+`)
		ORDER BY created_at ASC`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out[a.MessageID] = append(out[a.MessageID], a)
	}
	return out, rows.Err()
}
