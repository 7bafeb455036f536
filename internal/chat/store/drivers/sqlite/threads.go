package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/parleychat/parley/internal/chat/domain"
	"github.com/parleychat/parley/internal/chat/store"
)

type threadsRepo struct {
	db DBTX
}

const threadColumns = `id, owner_id, title, summary, metadata, is_deleted,
	created_at, updated_at, deleted_at`

func scanThread(row interface{ Scan(dest ...any) error }) (domain.Thread, error) {
	var (
		t              domain.Thread
		title, summary sql.NullString
		metadata       string
		deletedAt      sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.OwnerID, &title, &summary, &metadata, &t.IsDeleted,
		&t.CreatedAt, &t.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return domain.Thread{}, err
	}

	t.Title = mapNullString(title)
	t.Summary = mapNullString(summary)
	t.Metadata = decodeJSONMap(metadata)
	t.DeletedAt = mapNullTimePtr(deletedAt)
	return t, nil
}

func (r *threadsRepo) CreateThread(ctx context.Context, t domain.Thread) error {
	metadata, err := encodeJSONMap(t.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO threads (id, owner_id, title, summary, metadata, is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, mapStringNull(t.Title), mapStringNull(t.Summary),
		metadata, t.IsDeleted, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (r *threadsRepo) GetThreadByID(ctx context.Context, id string) (domain.Thread, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)

	t, err := scanThread(row)
	if err != nil {
		return domain.Thread{}, mapNotFound(err)
	}
	return t, nil
}

func (r *threadsRepo) ListThreadsByOwner(ctx context.Context, ownerID string, page store.Page) ([]domain.Thread, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM threads WHERE owner_id = ? AND is_deleted = 0`,
		ownerID,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+threadColumns+` FROM threads
		WHERE owner_id = ? AND is_deleted = 0
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`,
		ownerID, page.Limit, page.Offset(),
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var threads []domain.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, 0, err
		}
		threads = append(threads, t)
	}
	return threads, total, rows.Err()
}

func (r *threadsRepo) UpdateThread(ctx context.Context, t domain.Thread) error {
	metadata, err := encodeJSONMap(t.Metadata)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE threads SET title = ?, summary = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		mapStringNull(t.Title), mapStringNull(t.Summary), metadata,
		time.Now().UTC(), t.ID,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func (r *threadsRepo) SoftDeleteThread(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE threads SET is_deleted = 1, deleted_at = ?, updated_at = ?
		WHERE id = ? AND is_deleted = 0`,
		now, now, id,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}
