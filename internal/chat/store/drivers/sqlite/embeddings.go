package sqlite

import (
	"context"
	"time"

	"github.com/parleychat/parley/internal/chat/domain"
)

type embeddingsRepo struct {
	db DBTX
}

func (r *embeddingsRepo) UpsertEmbedding(ctx context.Context, e domain.ThreadEmbedding) error {
	vector, err := encodeVector(e.Vector)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO thread_embeddings (thread_id, model_id, vector, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			model_id = excluded.model_id,
			vector = excluded.vector,
			updated_at = excluded.updated_at`,
		e.ThreadID, e.ModelID, vector, time.Now().UTC(),
	)
	return err
}

func (r *embeddingsRepo) ListEmbeddingsByOwner(ctx context.Context, ownerID, modelID string) ([]domain.ThreadEmbedding, error) {
	query := `
		SELECT e.thread_id, e.model_id, e.vector, e.updated_at
		FROM thread_embeddings e
		JOIN threads t ON t.id = e.thread_id
		WHERE t.owner_id = ? AND t.is_deleted = 0`
	args := []any{ownerID}
	if modelID != "" {
		query += ` AND e.model_id = ?`
		args = append(args, modelID)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ThreadEmbedding
	for rows.Next() {
		var (
			e      domain.ThreadEmbedding
			vector string
		)
		if err := rows.Scan(&e.ThreadID, &e.ModelID, &vector, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Vector = decodeVector(vector)
		out = append(out, e)
	}
	return out, rows.Err()
}
