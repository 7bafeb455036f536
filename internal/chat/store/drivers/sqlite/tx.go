package sqlite

import (
	"context"
	"database/sql"

	"github.com/parleychat/parley/internal/chat/store"
)

type txStore struct {
	tx *sql.Tx
}

func newTx(tx *sql.Tx) *txStore {
	return &txStore{tx: tx}
}

func (t *txStore) Commit() error   { return t.tx.Commit() }
func (t *txStore) Rollback() error { return t.tx.Rollback() }

func (t *txStore) Close() error { return nil } // caller will commit/rollback; outer DB stays open

// Ping is a no-op for transactions; the connection is already established.
func (t *txStore) Ping(ctx context.Context) error {
	return nil
}

func (t *txStore) Tx(ctx context.Context) (store.Tx, error) {
	// Nested tx not supported; could emulate with SAVEPOINT if needed
	return nil, sql.ErrTxDone
}

func (t *txStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	// Nested tx not supported; could emulate with SAVEPOINT if needed
	return sql.ErrTxDone
}

func (t *txStore) Users() store.Users                   { return &usersRepo{db: t.tx} }
func (t *txStore) Threads() store.Threads               { return &threadsRepo{db: t.tx} }
func (t *txStore) Messages() store.Messages             { return &messagesRepo{db: t.tx} }
func (t *txStore) Attachments() store.Attachments       { return &attachmentsRepo{db: t.tx} }
func (t *txStore) ProviderStates() store.ProviderStates { return &providerStatesRepo{db: t.tx} }
func (t *txStore) Embeddings() store.Embeddings         { return &embeddingsRepo{db: t.tx} }

func (t *txStore) ApplyMigrations() error { return nil } // migrations run before any tx starts
